package engine

import (
	"encoding/json"
	"fmt"
)

// PlanStatus represents the lifecycle status of a plan.
type PlanStatus string

const (
	// PlanStatusDraft indicates the plan exists but has not been marked
	// ready for execution.
	PlanStatusDraft PlanStatus = "draft"

	// PlanStatusReady indicates the plan is validated and executable.
	PlanStatusReady PlanStatus = "ready"

	// PlanStatusRunning indicates the scheduler is currently driving the plan.
	PlanStatusRunning PlanStatus = "running"

	// PlanStatusPaused indicates execution was suspended and may resume.
	PlanStatusPaused PlanStatus = "paused"

	// PlanStatusCompleted indicates every step finished in completed or
	// skipped.
	PlanStatusCompleted PlanStatus = "completed"

	// PlanStatusFailed indicates at least one step failed terminally.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusCancelled indicates the plan was stopped by the user.
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal returns true if the plan status represents a final state.
// Terminal plans are never mutated except to be deleted.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed || s == PlanStatusCancelled
}

// IsExecutable returns true if the plan may be handed to the scheduler.
func (s PlanStatus) IsExecutable() bool {
	return s == PlanStatusDraft || s == PlanStatusReady || s == PlanStatusPaused
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusDraft, PlanStatusReady, PlanStatusRunning, PlanStatusPaused,
		PlanStatusCompleted, PlanStatusFailed, PlanStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// StepStatus represents the lifecycle status of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step failed terminally.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was rejected or bypassed.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusRequiresApproval indicates the step is waiting for an
	// external approval decision before it may run.
	StepStatusRequiresApproval StepStatus = "requires_approval"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped, StepStatusRequiresApproval:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// RiskLevel is the author-declared hazard rating of a step. Together with
// the auto-approve setting it decides whether a step may run unattended.
type RiskLevel string

const (
	// RiskLow marks steps safe to auto-approve.
	RiskLow RiskLevel = "low"

	// RiskMedium marks steps with limited blast radius.
	RiskMedium RiskLevel = "medium"

	// RiskHigh marks steps that modify shared or external state.
	RiskHigh RiskLevel = "high"

	// RiskCritical marks steps that are destructive or irreversible.
	RiskCritical RiskLevel = "critical"
)

// Validate checks if the risk level is valid.
func (r RiskLevel) Validate() error {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return nil
	default:
		return fmt.Errorf("invalid risk level: %s", r)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*r = RiskLevel(str)
	return r.Validate()
}
