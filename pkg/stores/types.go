package stores

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle status of an indexed run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates the run finished successfully.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates the run finished with failures.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was stopped by the user.
	RunStatusCancelled RunStatus = "cancelled"
)

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run is one indexed plan execution run.
type Run struct {
	// ID is the run identifier.
	ID string

	// PlanID is the executed plan.
	PlanID string

	// Status is the run lifecycle status.
	Status RunStatus

	// StartedAt is when the run began.
	StartedAt time.Time

	// CompletedAt is when the run reached a terminal status, if it has.
	CompletedAt *time.Time

	// Error is the failure message for failed runs.
	Error *string

	// CreatedAt is the record creation time.
	CreatedAt time.Time
}

// AuditQuery filters indexed audit events. Zero-value fields match
// everything; Limit <= 0 applies a default.
type AuditQuery struct {
	// Type matches one event type.
	Type string

	// Severity matches one severity.
	Severity string

	// Actor matches one actor.
	Actor string

	// RunID matches one run.
	RunID string

	// PlanID matches one plan.
	PlanID string

	// Since excludes events before this time.
	Since time.Time

	// Limit bounds the result set.
	Limit int
}
