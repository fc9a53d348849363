package config

import "fmt"

// File names read from the configuration directory.
const (
	APIConfigFile     = "api_config.yaml"
	SystemConfigFile  = "system_config.yaml"
	CommandsFile      = "commands.yaml"
	PersonaConfigFile = "persona_config.yaml"
)

// GenerationParams are the model generation parameters from api_config.yaml.
type GenerationParams struct {
	// Model is the model identifier.
	Model string `yaml:"model" json:"model"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`

	// MaxTokens bounds the response length.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`

	// TopP is the nucleus sampling parameter.
	TopP float64 `yaml:"top_p" json:"top_p" validate:"gte=0,lte=1"`
}

// APIConfig is the shape of api_config.yaml.
type APIConfig struct {
	// Generation holds the generation parameters.
	Generation GenerationParams `yaml:"generation" json:"generation"`

	// Endpoint is the API endpoint URL.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// TimeoutSeconds is the request timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" validate:"gte=0"`
}

// SystemFlags are the orchestrator-wide flags from system_config.yaml.
type SystemFlags struct {
	// DebugMode enables verbose diagnostics.
	DebugMode bool `yaml:"debug_mode" json:"debug_mode"`

	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
}

// AgentConfig carries informational agent limits.
type AgentConfig struct {
	// MaxContextTokens is the context window size, informational only.
	MaxContextTokens int `yaml:"max_context_tokens" json:"max_context_tokens" validate:"gte=0"`
}

// SchedulerDefaults are the scheduler tuning knobs from system_config.yaml.
type SchedulerDefaults struct {
	// MaxConcurrentSteps bounds per-plan concurrency.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps" json:"max_concurrent_steps" validate:"gte=0"`

	// DefaultTimeoutSeconds applies to steps without an explicit timeout.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" json:"default_timeout_seconds" validate:"gte=0"`

	// TickMS is the scheduler idle tick in milliseconds.
	TickMS int `yaml:"tick_ms" json:"tick_ms" validate:"gte=0"`
}

// SystemConfig is the shape of system_config.yaml.
type SystemConfig struct {
	// System holds the orchestrator flags.
	System SystemFlags `yaml:"system" json:"system"`

	// Agent holds agent limits.
	Agent AgentConfig `yaml:"agent" json:"agent"`

	// Scheduler holds scheduler defaults.
	Scheduler SchedulerDefaults `yaml:"scheduler" json:"scheduler"`
}

// Command is one entry of the slash-command table in commands.yaml.
type Command struct {
	// Description is the human-readable help text.
	Description string `yaml:"description" json:"description"`

	// Tool is the tool the command maps to.
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`

	// Params are default parameters for the mapped tool.
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}

// Document is the full in-memory configuration: the four YAML files of one
// configuration directory. Accessors hand out copies; the live document is
// only replaced wholesale after successful validation.
type Document struct {
	// API is the content of api_config.yaml.
	API APIConfig

	// System is the content of system_config.yaml.
	System SystemConfig

	// Commands is the content of commands.yaml, keyed by command name.
	Commands map[string]Command

	// Personas is the content of persona_config.yaml, keyed by persona id.
	Personas map[string]map[string]interface{}
}

// ChangeType classifies a persona configuration change.
type ChangeType string

const (
	// ChangeAdded indicates a persona appeared.
	ChangeAdded ChangeType = "added"

	// ChangeUpdated indicates a persona's fields changed.
	ChangeUpdated ChangeType = "updated"

	// ChangeRemoved indicates a persona disappeared.
	ChangeRemoved ChangeType = "removed"
)

// Observer receives persona configuration changes. For removals the config
// argument is nil. Observers run on a single dispatch goroutine; panics are
// recovered and logged.
type Observer func(personaID string, config map[string]interface{}, event ChangeType)

// ValidationError reports a configuration document that failed validation.
// The previously loaded document stays live when this error is returned.
type ValidationError struct {
	// File is the configuration file that failed.
	File string

	// Err is the underlying validation failure.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
