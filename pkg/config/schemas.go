package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds compiled CUE schemas used to validate configuration
// documents before they replace the live document.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas compiled.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	builtins := map[string]string{
		"system": builtinSystemSchema,
		"api":    builtinAPISchema,
	}
	for name, schema := range builtins {
		if err := sr.RegisterSchema(name, schema); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// RegisterSchema compiles and registers a CUE schema under the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// Validate checks data against the named schema by unifying the encoded
// data with the schema definition.
func (sr *SchemaRegistry) Validate(schemaName string, data interface{}) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[schemaName]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath(fmt.Sprintf("#%s", schemaName)))
	if def.Err() != nil {
		return fmt.Errorf("schema %s has no root definition: %w", schemaName, def.Err())
	}

	unified := def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Built-in schema definitions. All fields are optional; the schemas reject
// wrong types and out-of-range values rather than demand completeness.

const builtinSystemSchema = `
#system: {
	system?: {
		debug_mode?: bool
		log_level?: "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		...
	}
	agent?: {
		max_context_tokens?: int & >=0
		...
	}
	scheduler?: {
		max_concurrent_steps?: int & >0
		default_timeout_seconds?: int & >0
		tick_ms?: int & >0
		...
	}
	...
}
`

const builtinAPISchema = `
#api: {
	generation?: {
		model?: string
		temperature?: number & >=0 & <=2
		max_tokens?: int & >=0
		top_p?: number & >=0 & <=1
		...
	}
	endpoint?: string
	timeout_seconds?: int & >=0
	...
}
`
