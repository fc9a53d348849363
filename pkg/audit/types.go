package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of a security audit event.
type EventType string

const (
	// EventPermissionCheck records every permission evaluation, allowed or not.
	EventPermissionCheck EventType = "permission_check"

	// EventPermissionDenied records a permission evaluation that denied access.
	EventPermissionDenied EventType = "permission_denied"

	// EventSecretDetected records detection of a secret in tool input or output.
	EventSecretDetected EventType = "secret_detected"

	// EventSecretRedacted records redaction of a detected secret.
	EventSecretRedacted EventType = "secret_redacted"

	// EventSandboxViolation records an attempted escape from a tool sandbox.
	EventSandboxViolation EventType = "sandbox_violation"

	// EventToolExecution records a tool invocation start or completion.
	EventToolExecution EventType = "tool_execution"

	// EventPlanExecution records a plan lifecycle transition.
	EventPlanExecution EventType = "plan_execution"

	// EventApprovalRequired records a step suspending for external approval.
	EventApprovalRequired EventType = "approval_required"

	// EventApprovalGranted records an approval decision allowing a step.
	EventApprovalGranted EventType = "approval_granted"

	// EventApprovalDenied records an approval decision rejecting a step.
	EventApprovalDenied EventType = "approval_denied"

	// EventSuspiciousActivity records behavior flagged by heuristics.
	EventSuspiciousActivity EventType = "suspicious_activity"
)

// Validate checks if the event type is valid.
func (t EventType) Validate() error {
	switch t {
	case EventPermissionCheck, EventPermissionDenied, EventSecretDetected,
		EventSecretRedacted, EventSandboxViolation, EventToolExecution,
		EventPlanExecution, EventApprovalRequired, EventApprovalGranted,
		EventApprovalDenied, EventSuspiciousActivity:
		return nil
	default:
		return fmt.Errorf("invalid audit event type: %s", t)
	}
}

// Severity represents the severity level of an audit event.
type Severity string

const (
	// SeverityDebug is for verbose diagnostic events.
	SeverityDebug Severity = "debug"

	// SeverityInfo is for routine operational events.
	SeverityInfo Severity = "info"

	// SeverityWarning is for events that warrant attention, such as denials.
	SeverityWarning Severity = "warning"

	// SeverityError is for failed operations.
	SeverityError Severity = "error"

	// SeverityCritical is for events indicating possible compromise or data loss.
	SeverityCritical Severity = "critical"
)

// severityRank orders severities from least to most severe.
var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	if _, ok := severityRank[s]; !ok {
		return fmt.Errorf("invalid audit severity: %s", s)
	}
	return nil
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Event is a single audit record. Events are append-only and never mutated
// after creation. The JSON field names are the stable wire format of the
// journal; consumers must tolerate unknown fields.
type Event struct {
	// Timestamp is the UTC event time at millisecond precision.
	Timestamp time.Time `json:"timestamp"`

	// Type classifies the event.
	Type EventType `json:"event_type"`

	// Severity is the event severity.
	Severity Severity `json:"severity"`

	// Actor identifies the component or principal that caused the event.
	Actor string `json:"actor"`

	// Resource is the logical resource the event concerns.
	Resource string `json:"resource"`

	// Action is the operation attempted on the resource.
	Action string `json:"action"`

	// Result is the outcome, such as "allowed", "denied", "success", "failure".
	Result string `json:"result"`

	// Details carries free-form structured context.
	Details map[string]interface{} `json:"details,omitempty"`

	// SessionID correlates events from one logger lifetime.
	SessionID string `json:"session_id"`

	// RunID correlates events from one plan execution run.
	RunID string `json:"run_id,omitempty"`

	// PlanID correlates events belonging to one plan.
	PlanID string `json:"plan_id,omitempty"`

	// ToolName identifies the tool involved, if any.
	ToolName string `json:"tool_name,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = EventType(str)
	return t.Validate()
}

// Filter selects a subset of events for queries. Zero-value fields match
// everything.
type Filter struct {
	// Type matches events of this type only.
	Type EventType

	// Severity matches events of this severity only.
	Severity Severity

	// Actor matches events from this actor only.
	Actor string

	// RunID matches events from this run only.
	RunID string

	// PlanID matches events for this plan only.
	PlanID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.PlanID != "" && e.PlanID != f.PlanID {
		return false
	}
	return true
}

// Summary aggregates counts across the in-memory ring.
type Summary struct {
	// TotalEvents is the number of events currently in the ring.
	TotalEvents int `json:"total_events"`

	// ByType counts events per event type.
	ByType map[EventType]int `json:"by_type"`

	// BySeverity counts events per severity.
	BySeverity map[Severity]int `json:"by_severity"`

	// PermissionDenials is the count of permission_denied events.
	PermissionDenials int `json:"permission_denials"`

	// SecretDetections is the count of secret_detected events.
	SecretDetections int `json:"secret_detections"`
}

// Sink receives every event accepted by the logger, after the ring and the
// journal. Sink errors are logged and never propagate to the event producer.
type Sink interface {
	Record(event Event) error
}
