// Package engine implements the execution orchestrator core: durable plans,
// the dependency-ordered step scheduler, the single-step executor, and the
// plan manager facade.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: step timeouts, tool-reported transient failures.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: permission denied, unknown tool, validation failures.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error represents a classified orchestrator error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code from the orchestrator taxonomy.
	Code string `json:"code,omitempty"`

	// Resource is the plan or step ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceID string) *Error {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// CodeOf extracts the orchestrator error code from an error chain, or ""
// when the error carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes of the orchestrator taxonomy.
const (
	// ErrCodePlanNotFound indicates the requested plan does not exist.
	ErrCodePlanNotFound = "PLAN_NOT_FOUND"

	// ErrCodePlanNotExecutable indicates the plan is in a terminal or
	// already-running status.
	ErrCodePlanNotExecutable = "PLAN_NOT_EXECUTABLE"

	// ErrCodeStepTimeout indicates a step exceeded its timeout. Retryable
	// while retries remain.
	ErrCodeStepTimeout = "STEP_TIMEOUT"

	// ErrCodeStepExecutionError indicates the tool failed while running.
	ErrCodeStepExecutionError = "STEP_EXECUTION_ERROR"

	// ErrCodePermissionDenied indicates the permission engine blocked the
	// step. Never retried.
	ErrCodePermissionDenied = "PERMISSION_DENIED"

	// ErrCodeToolNotFound indicates no enabled tool matched the step's tool
	// name.
	ErrCodeToolNotFound = "TOOL_NOT_FOUND"

	// ErrCodeToolTransient indicates a tool opted into retry by reporting a
	// transient failure.
	ErrCodeToolTransient = "TOOL_TRANSIENT"

	// ErrCodeStorageError indicates plan or artifact persistence failed.
	ErrCodeStorageError = "STORAGE_ERROR"

	// ErrCodeConfigValidation indicates invalid plan or configuration input.
	ErrCodeConfigValidation = "CONFIG_VALIDATION_ERROR"
)
