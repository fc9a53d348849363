// Package config implements the typed configuration store: four YAML
// documents in one directory, schema-validated on load, with file-watch
// driven reload and serialized change observers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// personaChange is one observer notification.
type personaChange struct {
	personaID string
	config    map[string]interface{}
	event     ChangeType
}

// Store reads and serves the configuration directory. All accessors return
// copies; a failed reload leaves the previous document untouched.
type Store struct {
	dir      string
	mu       sync.RWMutex
	doc      Document
	validate *validator.Validate
	schemas  *SchemaRegistry
	logger   zerolog.Logger

	obsMu     sync.Mutex
	observers []Observer

	dispatchCh chan personaChange
	dispatchWG sync.WaitGroup
	closeOnce  sync.Once
}

// NewStore creates a store for dir and performs the initial load. Missing
// files yield zero-value sections; malformed or invalid files fail the load.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to build config schemas: %w", err)
	}

	s := &Store{
		dir:        dir,
		validate:   validator.New(),
		schemas:    schemas,
		logger:     logger.With().Str("component", "config").Logger(),
		dispatchCh: make(chan personaChange, 64),
	}

	doc, err := s.loadDocument()
	if err != nil {
		return nil, err
	}
	s.doc = doc

	s.dispatchWG.Add(1)
	go s.dispatchLoop()

	return s, nil
}

// Close stops the observer dispatch goroutine. Watch, if running, must be
// stopped first by cancelling its context.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.dispatchCh)
		s.dispatchWG.Wait()
	})
}

// Dir returns the configuration directory.
func (s *Store) Dir() string {
	return s.dir
}

// loadDocument reads and validates all four files into a fresh Document.
func (s *Store) loadDocument() (Document, error) {
	doc := Document{
		Commands: make(map[string]Command),
		Personas: make(map[string]map[string]interface{}),
	}

	if err := s.loadValidated(APIConfigFile, "api", &doc.API); err != nil {
		return doc, err
	}
	if err := s.loadValidated(SystemConfigFile, "system", &doc.System); err != nil {
		return doc, err
	}
	if err := s.loadYAML(CommandsFile, &doc.Commands); err != nil {
		return doc, err
	}
	if err := s.loadYAML(PersonaConfigFile, &doc.Personas); err != nil {
		return doc, err
	}

	if err := s.validate.Struct(doc.API); err != nil {
		return doc, &ValidationError{File: APIConfigFile, Err: err}
	}
	if err := s.validate.Struct(doc.System); err != nil {
		return doc, &ValidationError{File: SystemConfigFile, Err: err}
	}

	return doc, nil
}

// loadValidated loads a YAML file and checks its raw shape against the
// named CUE schema before decoding into the typed struct.
func (s *Store) loadValidated(name, schemaName string, out interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &ValidationError{File: name, Err: err}
	}
	if raw != nil {
		if err := s.schemas.Validate(schemaName, raw); err != nil {
			return &ValidationError{File: name, Err: err}
		}
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return &ValidationError{File: name, Err: err}
	}
	return nil
}

func (s *Store) loadYAML(name string, out interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return &ValidationError{File: name, Err: err}
	}
	return nil
}

// Reload re-reads the whole directory. On validation failure the previous
// document stays live and the error is returned.
func (s *Store) Reload() error {
	doc, err := s.loadDocument()
	if err != nil {
		s.logger.Warn().Err(err).Msg("config reload rejected, keeping previous document")
		return err
	}

	s.mu.Lock()
	old := s.doc.Personas
	s.doc = doc
	s.mu.Unlock()

	s.notifyPersonaDiff(old, doc.Personas)
	s.logger.Debug().Msg("configuration reloaded")
	return nil
}

// reloadPersonas re-reads only persona_config.yaml and notifies observers
// of the diff. Other sections are untouched.
func (s *Store) reloadPersonas() error {
	personas := make(map[string]map[string]interface{})
	if err := s.loadYAML(PersonaConfigFile, &personas); err != nil {
		s.logger.Warn().Err(err).Msg("persona reload rejected, keeping previous section")
		return err
	}

	s.mu.Lock()
	old := s.doc.Personas
	s.doc.Personas = personas
	s.mu.Unlock()

	s.notifyPersonaDiff(old, personas)
	return nil
}

// GenerationParams returns the model generation parameters.
func (s *Store) GenerationParams() GenerationParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.API.Generation
}

// SystemFlags returns the orchestrator flags.
func (s *Store) SystemFlags() SystemFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.System.System
}

// AgentLimits returns the informational agent limits.
func (s *Store) AgentLimits() AgentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.System.Agent
}

// SchedulerDefaults returns the scheduler tuning knobs.
func (s *Store) SchedulerDefaults() SchedulerDefaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.System.Scheduler
}

// Commands returns a copy of the command table.
func (s *Store) Commands() map[string]Command {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Command, len(s.doc.Commands))
	for k, v := range s.doc.Commands {
		out[k] = v
	}
	return out
}

// Persona returns a deep copy of one persona section.
func (s *Store) Persona(id string) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.doc.Personas[id]
	if !ok {
		return nil, false
	}
	return deepCopyMap(p), true
}

// PersonaIDs returns the ids of all personas.
func (s *Store) PersonaIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.doc.Personas))
	for id := range s.doc.Personas {
		ids = append(ids, id)
	}
	return ids
}

// GetPersonaValue reads a nested persona field by dotted path, e.g.
// "voice.tone".
func (s *Store) GetPersonaValue(personaID, path string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.doc.Personas[personaID]
	if !ok {
		return nil, false
	}

	var cur interface{} = p
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPersonaValue writes a nested persona field by dotted path, creating
// intermediate mappings, and persists the persona section atomically.
func (s *Store) SetPersonaValue(personaID, path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("persona field path is required")
	}

	s.mu.Lock()
	if s.doc.Personas == nil {
		s.doc.Personas = make(map[string]map[string]interface{})
	}
	p, ok := s.doc.Personas[personaID]
	if !ok {
		p = make(map[string]interface{})
		s.doc.Personas[personaID] = p
	}

	keys := strings.Split(path, ".")
	cur := p
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[key] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value

	snapshot := make(map[string]map[string]interface{}, len(s.doc.Personas))
	for id, cfg := range s.doc.Personas {
		snapshot[id] = deepCopyMap(cfg)
	}
	s.mu.Unlock()

	if err := s.savePersonas(snapshot); err != nil {
		return err
	}

	s.enqueue(personaChange{personaID: personaID, config: snapshot[personaID], event: ChangeUpdated})
	return nil
}

// savePersonas serializes the persona section and renames a temp file into
// place so readers never observe a partial write.
func (s *Store) savePersonas(personas map[string]map[string]interface{}) error {
	data, err := yaml.Marshal(personas)
	if err != nil {
		return fmt.Errorf("failed to serialize persona config: %w", err)
	}

	path := filepath.Join(s.dir, PersonaConfigFile)
	tmp, err := os.CreateTemp(s.dir, ".persona_config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace persona config: %w", err)
	}
	return nil
}

// RegisterObserver adds a persona change observer.
func (s *Store) RegisterObserver(obs Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, obs)
	s.obsMu.Unlock()
}

// notifyPersonaDiff computes added/updated/removed personas between two
// snapshots and enqueues one notification per change.
func (s *Store) notifyPersonaDiff(old, updated map[string]map[string]interface{}) {
	for id, cfg := range updated {
		prev, existed := old[id]
		switch {
		case !existed:
			s.enqueue(personaChange{personaID: id, config: deepCopyMap(cfg), event: ChangeAdded})
		case !reflect.DeepEqual(prev, cfg):
			s.enqueue(personaChange{personaID: id, config: deepCopyMap(cfg), event: ChangeUpdated})
		}
	}
	for id := range old {
		if _, still := updated[id]; !still {
			s.enqueue(personaChange{personaID: id, event: ChangeRemoved})
		}
	}
}

func (s *Store) enqueue(change personaChange) {
	select {
	case s.dispatchCh <- change:
	default:
		s.logger.Warn().Str("persona", change.personaID).Msg("observer queue full, change dropped")
	}
}

// dispatchLoop delivers changes to observers one at a time so observers
// never race each other. Panics are recovered and logged.
func (s *Store) dispatchLoop() {
	defer s.dispatchWG.Done()

	for change := range s.dispatchCh {
		s.obsMu.Lock()
		observers := make([]Observer, len(s.observers))
		copy(observers, s.observers)
		s.obsMu.Unlock()

		for _, obs := range observers {
			s.deliver(obs, change)
		}
	}
}

func (s *Store) deliver(obs Observer, change personaChange) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("persona", change.personaID).
				Interface("panic", r).
				Msg("config observer panicked")
		}
	}()
	obs(change.personaID, change.config, change.event)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
