package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const systemFixture = `
system:
  debug_mode: true
  log_level: debug
agent:
  max_context_tokens: 200000
scheduler:
  max_concurrent_steps: 4
  default_timeout_seconds: 60
  tick_ms: 50
`

const apiFixture = `
generation:
  model: test-model
  temperature: 0.7
  max_tokens: 4096
  top_p: 0.9
timeout_seconds: 30
`

const commandsFixture = `
ls:
  description: List files
  tool: list_files
  params:
    path: "."
`

const personaFixture = `
navigator:
  voice:
    tone: direct
  greeting: hello
`

func writeFixtures(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
}

func newTestStore(t *testing.T, files map[string]string) *Store {
	t.Helper()
	dir := t.TempDir()
	writeFixtures(t, dir, files)
	s, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func allFixtures() map[string]string {
	return map[string]string{
		SystemConfigFile:  systemFixture,
		APIConfigFile:     apiFixture,
		CommandsFile:      commandsFixture,
		PersonaConfigFile: personaFixture,
	}
}

func TestTypedAccessors(t *testing.T) {
	s := newTestStore(t, allFixtures())

	flags := s.SystemFlags()
	if !flags.DebugMode || flags.LogLevel != "debug" {
		t.Errorf("SystemFlags() = %+v", flags)
	}

	sched := s.SchedulerDefaults()
	if sched.MaxConcurrentSteps != 4 || sched.DefaultTimeoutSeconds != 60 || sched.TickMS != 50 {
		t.Errorf("SchedulerDefaults() = %+v", sched)
	}

	gen := s.GenerationParams()
	if gen.Model != "test-model" || gen.MaxTokens != 4096 {
		t.Errorf("GenerationParams() = %+v", gen)
	}

	if limits := s.AgentLimits(); limits.MaxContextTokens != 200000 {
		t.Errorf("AgentLimits() = %+v", limits)
	}

	cmds := s.Commands()
	if cmds["ls"].Tool != "list_files" {
		t.Errorf("Commands() = %+v", cmds)
	}
}

func TestMissingFilesYieldDefaults(t *testing.T) {
	s := newTestStore(t, nil)

	if flags := s.SystemFlags(); flags.DebugMode {
		t.Errorf("SystemFlags() = %+v, want zero value", flags)
	}
	if cmds := s.Commands(); len(cmds) != 0 {
		t.Errorf("Commands() = %+v, want empty", cmds)
	}
}

func TestSchemaRejectsBadDocument(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, dir, map[string]string{
		SystemConfigFile: "scheduler:\n  max_concurrent_steps: -2\n",
	})

	_, err := NewStore(dir, zerolog.Nop())
	if err == nil {
		t.Fatal("NewStore() should reject negative max_concurrent_steps")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error type = %T, want *ValidationError", err)
	}
}

func TestReloadKeepsPreviousDocumentOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, dir, allFixtures())
	s, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(s.Close)

	writeFixtures(t, dir, map[string]string{
		SystemConfigFile: "system:\n  log_level: shouting\n",
	})

	if err := s.Reload(); err == nil {
		t.Fatal("Reload() should reject invalid log_level")
	}

	// Every accessor still serves the previous good document.
	if flags := s.SystemFlags(); flags.LogLevel != "debug" {
		t.Errorf("SystemFlags() after failed reload = %+v", flags)
	}
	if sched := s.SchedulerDefaults(); sched.MaxConcurrentSteps != 4 {
		t.Errorf("SchedulerDefaults() after failed reload = %+v", sched)
	}
}

func TestPersonaAccessAndDefensiveCopy(t *testing.T) {
	s := newTestStore(t, allFixtures())

	p, ok := s.Persona("navigator")
	if !ok {
		t.Fatal("Persona(navigator) not found")
	}
	p["greeting"] = "mutated"
	voice := p["voice"].(map[string]interface{})
	voice["tone"] = "mutated"

	again, _ := s.Persona("navigator")
	if again["greeting"] != "hello" {
		t.Error("persona copy leaked caller mutation")
	}
	if again["voice"].(map[string]interface{})["tone"] != "direct" {
		t.Error("nested persona copy leaked caller mutation")
	}
}

func TestGetSetPersonaValueDottedPath(t *testing.T) {
	s := newTestStore(t, allFixtures())

	v, ok := s.GetPersonaValue("navigator", "voice.tone")
	if !ok || v != "direct" {
		t.Errorf("GetPersonaValue(voice.tone) = %v, %v", v, ok)
	}
	if _, ok := s.GetPersonaValue("navigator", "voice.missing"); ok {
		t.Error("missing path should report not found")
	}
	if _, ok := s.GetPersonaValue("ghost", "voice.tone"); ok {
		t.Error("missing persona should report not found")
	}

	if err := s.SetPersonaValue("navigator", "voice.pace", "brisk"); err != nil {
		t.Fatalf("SetPersonaValue() error = %v", err)
	}
	if v, _ := s.GetPersonaValue("navigator", "voice.pace"); v != "brisk" {
		t.Errorf("GetPersonaValue(voice.pace) = %v", v)
	}

	// The write must be durable: a fresh store sees it.
	s.Close()
	s2, err := NewStore(s.Dir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() after persist error = %v", err)
	}
	defer s2.Close()
	if v, _ := s2.GetPersonaValue("navigator", "voice.pace"); v != "brisk" {
		t.Errorf("persisted GetPersonaValue(voice.pace) = %v", v)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestObserverDiffEvents(t *testing.T) {
	s := newTestStore(t, allFixtures())

	type seen struct {
		id    string
		event ChangeType
	}
	ch := make(chan seen, 16)
	s.RegisterObserver(func(id string, _ map[string]interface{}, event ChangeType) {
		ch <- seen{id: id, event: event}
	})

	// Rewrite persona file: navigator updated, scribe added.
	writeFixtures(t, s.Dir(), map[string]string{
		PersonaConfigFile: "navigator:\n  greeting: hi\nscribe:\n  greeting: yo\n",
	})
	if err := s.reloadPersonas(); err != nil {
		t.Fatalf("reloadPersonas() error = %v", err)
	}

	got := map[string]ChangeType{}
	waitFor(t, 2*time.Second, func() bool {
		for {
			select {
			case e := <-ch:
				got[e.id] = e.event
			default:
				return len(got) == 2
			}
		}
	})
	if got["navigator"] != ChangeUpdated || got["scribe"] != ChangeAdded {
		t.Errorf("events = %v", got)
	}

	// Remove both personas.
	writeFixtures(t, s.Dir(), map[string]string{PersonaConfigFile: "{}\n"})
	if err := s.reloadPersonas(); err != nil {
		t.Fatalf("reloadPersonas() error = %v", err)
	}
	removed := map[string]ChangeType{}
	waitFor(t, 2*time.Second, func() bool {
		for {
			select {
			case e := <-ch:
				removed[e.id] = e.event
			default:
				return len(removed) == 2
			}
		}
	})
	if removed["navigator"] != ChangeRemoved || removed["scribe"] != ChangeRemoved {
		t.Errorf("removal events = %v", removed)
	}
}

func TestObserverPanicIsRecovered(t *testing.T) {
	s := newTestStore(t, allFixtures())

	s.RegisterObserver(func(string, map[string]interface{}, ChangeType) {
		panic("observer bug")
	})
	delivered := make(chan struct{}, 1)
	s.RegisterObserver(func(string, map[string]interface{}, ChangeType) {
		delivered <- struct{}{}
	})

	if err := s.SetPersonaValue("navigator", "greeting", "again"); err != nil {
		t.Fatalf("SetPersonaValue() error = %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second observer never ran after first panicked")
	}
}
