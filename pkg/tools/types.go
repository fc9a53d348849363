// Package tools defines the tool invocation contract and the registry that
// resolves tool names to implementations.
package tools

import (
	"context"
	"fmt"
	"time"
)

// ErrorKind classifies a tool failure for retry and reporting decisions.
type ErrorKind string

const (
	// ErrorKindNone indicates no error.
	ErrorKindNone ErrorKind = ""

	// ErrorKindTimeout indicates the invocation exceeded its deadline.
	// Retryable.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindExecution indicates the tool failed while running.
	ErrorKindExecution ErrorKind = "execution_error"

	// ErrorKindPermissionDenied indicates the permission engine blocked the
	// invocation. Never retried.
	ErrorKindPermissionDenied ErrorKind = "permission_denied"

	// ErrorKindTransient indicates a temporary failure the tool expects to
	// clear on retry. Retryable.
	ErrorKindTransient ErrorKind = "tool_transient"

	// ErrorKindNotFound indicates no enabled tool matched the requested name.
	ErrorKindNotFound ErrorKind = "tool_not_found"

	// ErrorKindInvalidParams indicates the parameters failed schema
	// validation before any side effect.
	ErrorKindInvalidParams ErrorKind = "invalid_params"
)

// IsRetryable reports whether a failure of this kind may be retried.
func (k ErrorKind) IsRetryable() bool {
	return k == ErrorKindTimeout || k == ErrorKindTransient
}

// ResultStatus is the coarse outcome code of an invocation.
type ResultStatus string

const (
	// StatusSuccess indicates the tool completed normally.
	StatusSuccess ResultStatus = "success"

	// StatusError indicates the tool failed.
	StatusError ResultStatus = "error"

	// StatusTimeout indicates the invocation timed out.
	StatusTimeout ResultStatus = "timeout"

	// StatusDenied indicates the invocation was blocked before execution.
	StatusDenied ResultStatus = "denied"
)

// Validate checks if the result status is valid.
func (s ResultStatus) Validate() error {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusDenied:
		return nil
	default:
		return fmt.Errorf("invalid tool result status: %s", s)
	}
}

// Result is the outcome of one tool invocation. Tools return a Result for
// user-domain errors and reserve Go errors for implementation bugs.
type Result struct {
	// Success is true when the invocation completed normally.
	Success bool `json:"success"`

	// Status is the coarse outcome code.
	Status ResultStatus `json:"status"`

	// Output is the tool's JSON-serializable output payload.
	Output interface{} `json:"output,omitempty"`

	// ArtifactRef is the path of the captured artifact, when one was written.
	ArtifactRef string `json:"artifact_ref,omitempty"`

	// ErrorMessage is the human-readable failure description.
	ErrorMessage string `json:"error_message,omitempty"`

	// ErrorCode is an optional machine-readable failure code.
	ErrorCode string `json:"error_code,omitempty"`

	// Duration is the invocation wall time.
	Duration time.Duration `json:"duration_ns"`

	// Kind classifies the failure for retry decisions.
	Kind ErrorKind `json:"error_kind,omitempty"`
}

// Failure builds an unsuccessful result of the given kind.
func Failure(kind ErrorKind, status ResultStatus, message string) Result {
	return Result{
		Success:      false,
		Status:       status,
		ErrorMessage: message,
		Kind:         kind,
	}
}

// ParamKind is the declared type of a tool parameter.
type ParamKind string

const (
	// ParamString accepts string values.
	ParamString ParamKind = "string"

	// ParamNumber accepts integer and float values.
	ParamNumber ParamKind = "number"

	// ParamBool accepts boolean values.
	ParamBool ParamKind = "boolean"

	// ParamObject accepts nested mappings.
	ParamObject ParamKind = "object"

	// ParamArray accepts lists.
	ParamArray ParamKind = "array"
)

// ParamSpec declares one parameter of a tool schema.
type ParamSpec struct {
	// Name is the parameter name.
	Name string `json:"name"`

	// Kind is the accepted value type.
	Kind ParamKind `json:"kind"`

	// Required marks parameters that must be present.
	Required bool `json:"required"`
}

// Schema is the declared parameter set of a tool, used to validate params
// before invocation.
type Schema struct {
	// Params lists the declared parameters.
	Params []ParamSpec `json:"params"`
}

// Validate checks a parameter mapping against the schema. Unknown
// parameters are rejected to surface caller typos before side effects.
func (s Schema) Validate(params map[string]interface{}) error {
	specs := make(map[string]ParamSpec, len(s.Params))
	for _, p := range s.Params {
		specs[p.Name] = p
		if p.Required {
			if _, ok := params[p.Name]; !ok {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
		}
	}

	for name, value := range params {
		spec, ok := specs[name]
		if !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
		if value == nil {
			continue
		}
		if err := checkKind(spec.Kind, value); err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
	}
	return nil
}

func checkKind(kind ParamKind, value interface{}) error {
	switch kind {
	case ParamString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case ParamNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case ParamBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case ParamObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case ParamArray:
		switch value.(type) {
		case []interface{}, []string:
		default:
			return fmt.Errorf("expected array, got %T", value)
		}
	default:
		return fmt.Errorf("unknown parameter kind %q", kind)
	}
	return nil
}

// Tool is one externally callable capability. Implementations must be safe
// for concurrent invocation.
type Tool interface {
	// Name returns the registry key of the tool.
	Name() string

	// Schema returns the declared parameter set.
	Schema() Schema

	// Invoke runs the tool. User-domain failures are reported through the
	// Result, never as a panic.
	Invoke(ctx context.Context, params map[string]interface{}) Result
}
