package engine

import (
	"encoding/json"
	"time"

	"github.com/helmsman-dev/helmsman/pkg/tools"
)

// OutputPreviewLimit bounds the output preview stored in a plan file. Full
// outputs live in the artifact store.
const OutputPreviewLimit = 200

// ToolInvocation names a tool and the parameters to call it with. It is the
// shape of both a step's forward invocation and its rollback descriptor.
type ToolInvocation struct {
	// ToolName is the registry key of the tool.
	ToolName string `json:"tool_name"`

	// Params is the parameter mapping passed to the tool.
	Params map[string]interface{} `json:"params,omitempty"`
}

// ResultSummary is the persisted summary of a step's result. The plan file
// carries only this summary; the complete input and output are in the
// artifact store.
type ResultSummary struct {
	// Success is true when the invocation completed normally.
	Success bool `json:"success"`

	// Status is the coarse outcome code of the invocation.
	Status string `json:"status"`

	// OutputPreview is the serialized output truncated to OutputPreviewLimit.
	OutputPreview string `json:"output_preview,omitempty"`

	// ArtifactRef is the path of the captured artifact, when one was written.
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// Step is one invocation of one tool within a plan, with its own lifecycle.
type Step struct {
	// ID is the step identifier, unique within the plan.
	ID string `json:"id"`

	// ToolName is the registry key of the tool to invoke.
	ToolName string `json:"tool_name"`

	// Params is the parameter mapping consumed by the tool.
	Params map[string]interface{} `json:"params,omitempty"`

	// Description is the human-readable purpose of the step.
	Description string `json:"description,omitempty"`

	// ExpectedOutput is an optional hint of what the step should produce.
	ExpectedOutput string `json:"expected_output,omitempty"`

	// Rollback optionally describes the inverse invocation.
	Rollback *ToolInvocation `json:"rollback,omitempty"`

	// RiskLevel is the author-declared hazard rating.
	RiskLevel RiskLevel `json:"risk_level"`

	// TimeoutSeconds bounds the invocation. Values below one second are
	// treated as one second.
	TimeoutSeconds float64 `json:"timeout_seconds"`

	// RequiresApproval gates the step on an external decision.
	RequiresApproval bool `json:"requires_approval"`

	// DependsOn lists the step IDs that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Status is the current lifecycle state.
	Status StepStatus `json:"status"`

	// StartedAt is set when the step enters running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set exactly when the step reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RetryCount is the number of retry attempts consumed.
	RetryCount int `json:"retry_count"`

	// MaxRetries bounds RetryCount.
	MaxRetries int `json:"max_retries"`

	// ErrorMessage is the human-readable failure description.
	ErrorMessage string `json:"error_message,omitempty"`

	// Result summarizes the step's outcome.
	Result *ResultSummary `json:"result,omitempty"`
}

// minStepTimeout is the floor applied to step timeouts.
const minStepTimeout = time.Second

// EffectiveTimeout returns the step timeout with the one-second floor applied.
func (s *Step) EffectiveTimeout() time.Duration {
	d := time.Duration(s.TimeoutSeconds * float64(time.Second))
	if d < minStepTimeout {
		return minStepTimeout
	}
	return d
}

// Plan is an ordered, dependency-constrained set of tool invocations
// authored to satisfy a user objective. A Plan exclusively owns its Steps.
type Plan struct {
	// ID is the opaque short plan identifier.
	ID string `json:"id"`

	// Title is the display name of the plan.
	Title string `json:"title"`

	// Description is the free-text plan description.
	Description string `json:"description,omitempty"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// CreatedBy tags the creator.
	CreatedBy string `json:"created_by,omitempty"`

	// Steps is the ordered step list.
	Steps []*Step `json:"steps"`

	// Status is the plan lifecycle state.
	Status PlanStatus `json:"status"`

	// StartedAt is set when execution begins.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set when execution reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// EstimatedSeconds is the estimated total duration in seconds.
	EstimatedSeconds float64 `json:"estimated_duration_seconds"`

	// ActualSeconds is the measured total duration in seconds.
	ActualSeconds float64 `json:"actual_duration_seconds,omitempty"`

	// MaxConcurrentSteps bounds concurrent step execution within the plan.
	MaxConcurrentSteps int `json:"max_concurrent_steps"`

	// StopOnFailure aborts the plan on the first failed step.
	StopOnFailure bool `json:"stop_on_failure"`

	// Context is a free-form mapping carried through to step generation.
	Context map[string]interface{} `json:"context,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`

	// TotalSteps is the derived step count.
	TotalSteps int `json:"total_steps"`

	// CompletedSteps is the derived count of completed steps.
	CompletedSteps int `json:"completed_steps"`

	// FailedSteps is the derived count of failed steps.
	FailedSteps int `json:"failed_steps"`

	// SkippedSteps is the derived count of skipped steps.
	SkippedSteps int `json:"skipped_steps"`

	// extra preserves unknown JSON fields across load-and-save so newer
	// schema versions survive a round trip through an older binary.
	extra map[string]json.RawMessage
}

// knownPlanFields is the set of JSON keys owned by the current Plan schema.
var knownPlanFields = map[string]bool{
	"id": true, "title": true, "description": true, "created_at": true,
	"created_by": true, "steps": true, "status": true, "started_at": true,
	"completed_at": true, "estimated_duration_seconds": true,
	"actual_duration_seconds": true, "max_concurrent_steps": true,
	"stop_on_failure": true, "context": true, "tags": true,
	"total_steps": true, "completed_steps": true, "failed_steps": true,
	"skipped_steps": true,
}

// planAlias avoids marshaling recursion.
type planAlias Plan

// MarshalJSON serializes the plan, re-attaching any unknown fields that were
// present when it was loaded.
func (p Plan) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(planAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.extra {
		if _, owned := merged[k]; !owned {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON deserializes the plan and retains unknown fields.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var a planAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Plan(a)

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if knownPlanFields[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		p.extra = all
	}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// RefreshCounts recomputes the derived step counts from step statuses.
func (p *Plan) RefreshCounts() {
	p.TotalSteps = len(p.Steps)
	p.CompletedSteps = 0
	p.FailedSteps = 0
	p.SkippedSteps = 0
	for _, s := range p.Steps {
		switch s.Status {
		case StepStatusCompleted:
			p.CompletedSteps++
		case StepStatusFailed:
			p.FailedSteps++
		case StepStatusSkipped:
			p.SkippedSteps++
		}
	}
}

// NextReadySteps returns the pending steps whose every dependency is
// completed, in original plan order so deterministic plans execute
// deterministically.
func (p *Plan) NextReadySteps() []*Step {
	var ready []*Step
	for _, s := range p.Steps {
		if s.Status != StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			target := p.StepByID(dep)
			if target == nil || target.Status != StepStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// SkipDependents marks every step that transitively depends on stepID as
// skipped and returns the steps it changed. A pending step whose dependency
// was skipped can never become ready, so it is resolved immediately instead
// of stranding the plan.
func (p *Plan) SkipDependents(stepID string) []*Step {
	unreachable := map[string]bool{stepID: true}
	var cascaded []*Step
	for changed := true; changed; {
		changed = false
		for _, s := range p.Steps {
			if unreachable[s.ID] {
				continue
			}
			if s.Status != StepStatusPending && s.Status != StepStatusRequiresApproval {
				continue
			}
			for _, dep := range s.DependsOn {
				if !unreachable[dep] {
					continue
				}
				now := time.Now().UTC()
				s.Status = StepStatusSkipped
				s.CompletedAt = &now
				unreachable[s.ID] = true
				cascaded = append(cascaded, s)
				changed = true
				break
			}
		}
	}
	return cascaded
}

// HasStepsInStatus reports whether any step is in the given status.
func (p *Plan) HasStepsInStatus(status StepStatus) bool {
	for _, s := range p.Steps {
		if s.Status == status {
			return true
		}
	}
	return false
}

// Validate checks plan structural invariants: unique step ids, resolvable
// dependencies, an acyclic graph, and valid enum values.
func (p *Plan) Validate() error {
	if err := p.Status.Validate(); err != nil {
		return NewPermanentError("invalid plan", err).
			WithCode(ErrCodeConfigValidation).WithResource(p.ID)
	}
	for _, s := range p.Steps {
		if err := s.Status.Validate(); err != nil {
			return NewPermanentError("invalid step", err).
				WithCode(ErrCodeConfigValidation).WithResource(s.ID)
		}
		if err := s.RiskLevel.Validate(); err != nil {
			return NewPermanentError("invalid step", err).
				WithCode(ErrCodeConfigValidation).WithResource(s.ID)
		}
		if s.RetryCount > s.MaxRetries {
			return NewPermanentError("retry count exceeds max retries", nil).
				WithCode(ErrCodeConfigValidation).WithResource(s.ID)
		}
	}
	return validateGraph(p.Steps)
}

// PlanSummary is the lightweight listing record returned without loading
// steps.
type PlanSummary struct {
	// ID is the plan identifier.
	ID string `json:"id"`

	// Title is the display name.
	Title string `json:"title"`

	// Status is the plan lifecycle state.
	Status PlanStatus `json:"status"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// TotalSteps is the step count.
	TotalSteps int `json:"total_steps"`

	// CompletedSteps is the count of completed steps.
	CompletedSteps int `json:"completed_steps"`

	// FailedSteps is the count of failed steps.
	FailedSteps int `json:"failed_steps"`

	// SkippedSteps is the count of skipped steps.
	SkippedSteps int `json:"skipped_steps"`

	// Tags are the plan labels.
	Tags []string `json:"tags,omitempty"`

	// LoadError is set when the plan file could not be parsed. Only ID is
	// meaningful on such an entry; it is derived from the file name.
	LoadError string `json:"load_error,omitempty"`
}

// Summary returns the listing record for the plan.
func (p *Plan) Summary() PlanSummary {
	return PlanSummary{
		ID:             p.ID,
		Title:          p.Title,
		Status:         p.Status,
		CreatedAt:      p.CreatedAt,
		TotalSteps:     p.TotalSteps,
		CompletedSteps: p.CompletedSteps,
		FailedSteps:    p.FailedSteps,
		SkippedSteps:   p.SkippedSteps,
		Tags:           p.Tags,
	}
}

// Progress is the live status snapshot returned by PlanStatus.
type Progress struct {
	// PlanID is the plan identifier.
	PlanID string `json:"plan_id"`

	// Status is the plan lifecycle state.
	Status PlanStatus `json:"status"`

	// TotalSteps is the step count.
	TotalSteps int `json:"total_steps"`

	// CompletedSteps is the count of completed steps.
	CompletedSteps int `json:"completed_steps"`

	// FailedSteps is the count of failed steps.
	FailedSteps int `json:"failed_steps"`

	// SkippedSteps is the count of skipped steps.
	SkippedSteps int `json:"skipped_steps"`

	// StartedAt is the execution start time, if started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is the execution end time, if finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RunningSteps lists the ids of currently running steps.
	RunningSteps []string `json:"running_steps,omitempty"`

	// AwaitingApproval lists the ids of steps waiting for approval.
	AwaitingApproval []string `json:"awaiting_approval,omitempty"`
}

// Progress returns the live status snapshot of the plan.
func (p *Plan) Progress() Progress {
	prog := Progress{
		PlanID:         p.ID,
		Status:         p.Status,
		TotalSteps:     p.TotalSteps,
		CompletedSteps: p.CompletedSteps,
		FailedSteps:    p.FailedSteps,
		SkippedSteps:   p.SkippedSteps,
		StartedAt:      p.StartedAt,
		CompletedAt:    p.CompletedAt,
	}
	for _, s := range p.Steps {
		switch s.Status {
		case StepStatusRunning:
			prog.RunningSteps = append(prog.RunningSteps, s.ID)
		case StepStatusRequiresApproval:
			prog.AwaitingApproval = append(prog.AwaitingApproval, s.ID)
		}
	}
	return prog
}

// ExecutionSummary is the result of one ExecutePlan call.
type ExecutionSummary struct {
	// PlanID is the plan identifier.
	PlanID string `json:"plan_id"`

	// RunID is the run identifier scoping the artifact directory.
	RunID string `json:"run_id"`

	// Status is the final plan status.
	Status PlanStatus `json:"status"`

	// DurationSeconds is the wall-clock execution time in seconds.
	DurationSeconds float64 `json:"duration_seconds"`

	// CompletedSteps is the count of completed steps.
	CompletedSteps int `json:"completed_steps"`

	// FailedSteps is the count of failed steps.
	FailedSteps int `json:"failed_steps"`

	// SkippedSteps is the count of skipped steps.
	SkippedSteps int `json:"skipped_steps"`
}

// summarizeResult converts a full tool result into the persisted summary.
func summarizeResult(result tools.Result) *ResultSummary {
	summary := &ResultSummary{
		Success:     result.Success,
		Status:      string(result.Status),
		ArtifactRef: result.ArtifactRef,
	}
	if result.Output != nil {
		if raw, err := json.Marshal(result.Output); err == nil {
			preview := string(raw)
			if len(preview) > OutputPreviewLimit {
				preview = preview[:OutputPreviewLimit]
			}
			summary.OutputPreview = preview
		}
	}
	return summary
}
