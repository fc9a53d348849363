package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry maps tool names to implementations with a per-tool enable bit.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	enabled map[string]bool
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		enabled: make(map[string]bool),
		logger:  logger.With().Str("component", "tools").Logger(),
	}
}

// Register adds a tool in the enabled state. Registering a name twice
// replaces the previous implementation.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.enabled[tool.Name()] = true
}

// Enable marks a tool enabled.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable marks a tool disabled. Disabled tools are invisible to GetEnabled
// and Execute.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("tool not registered: %s", name)
	}
	r.enabled[name] = enabled
	return nil
}

// GetEnabled returns the tool if it is registered and enabled, else nil.
func (r *Registry) GetEnabled(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.enabled[name] {
		return nil
	}
	return r.tools[name]
}

// ListEnabled returns the sorted names of all enabled tools.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if r.enabled[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Execute looks up an enabled tool, validates params against its schema,
// and invokes it. Lookup and validation failures produce a denied Result
// before any side effect; they are never raised.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}) Result {
	tool := r.GetEnabled(name)
	if tool == nil {
		return Failure(ErrorKindNotFound, StatusDenied,
			fmt.Sprintf("tool not found or disabled: %s", name))
	}

	if err := tool.Schema().Validate(params); err != nil {
		return Failure(ErrorKindInvalidParams, StatusDenied,
			fmt.Sprintf("invalid parameters for %s: %v", name, err))
	}

	start := time.Now()
	result := tool.Invoke(ctx, params)
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}

	r.logger.Debug().
		Str("tool", name).
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Msg("tool executed")

	return result
}
