package config

import (
	"context"
	"testing"
	"time"
)

func TestWatchReloadsOnPersonaChange(t *testing.T) {
	s := newTestStore(t, allFixtures())

	ch := make(chan ChangeType, 8)
	s.RegisterObserver(func(id string, _ map[string]interface{}, event ChangeType) {
		if id == "scribe" {
			ch <- event
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFixtures(t, s.Dir(), map[string]string{
		PersonaConfigFile: personaFixture + "scribe:\n  greeting: yo\n",
	})

	select {
	case event := <-ch:
		if event != ChangeAdded {
			t.Errorf("event = %s, want %s", event, ChangeAdded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the persona change")
	}

	// The untouched sections must survive a persona-only reload.
	if sched := s.SchedulerDefaults(); sched.MaxConcurrentSteps != 4 {
		t.Errorf("SchedulerDefaults() after persona reload = %+v", sched)
	}
}

func TestWatchReloadsWholeDocumentOnSystemChange(t *testing.T) {
	s := newTestStore(t, allFixtures())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFixtures(t, s.Dir(), map[string]string{
		SystemConfigFile: "system:\n  log_level: warn\n",
	})

	waitFor(t, 5*time.Second, func() bool {
		return s.SystemFlags().LogLevel == "warn"
	})
}
