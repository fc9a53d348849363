package engine

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/helmsman-dev/helmsman/pkg/tools"
)

func TestEffectiveTimeoutFloor(t *testing.T) {
	tests := []struct {
		seconds float64
		want    time.Duration
	}{
		{0, time.Second},
		{-5, time.Second},
		{0.2, time.Second},
		{1, time.Second},
		{2.5, 2500 * time.Millisecond},
		{30, 30 * time.Second},
	}
	for _, tt := range tests {
		s := &Step{TimeoutSeconds: tt.seconds}
		if got := s.EffectiveTimeout(); got != tt.want {
			t.Errorf("EffectiveTimeout(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestPlanStatusValidation(t *testing.T) {
	for _, s := range []PlanStatus{
		PlanStatusDraft, PlanStatusReady, PlanStatusRunning, PlanStatusPaused,
		PlanStatusCompleted, PlanStatusFailed, PlanStatusCancelled,
	} {
		if err := s.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", s, err)
		}
	}
	if err := PlanStatus("exploded").Validate(); err == nil {
		t.Error("Validate(exploded) = nil, want error")
	}

	var s PlanStatus
	if err := json.Unmarshal([]byte(`"exploded"`), &s); err == nil {
		t.Error("UnmarshalJSON accepted an invalid plan status")
	}
}

func TestPlanStatusIsExecutable(t *testing.T) {
	executable := map[PlanStatus]bool{
		PlanStatusDraft:     true,
		PlanStatusReady:     true,
		PlanStatusPaused:    true,
		PlanStatusRunning:   false,
		PlanStatusCompleted: false,
		PlanStatusFailed:    false,
		PlanStatusCancelled: false,
	}
	for status, want := range executable {
		if got := status.IsExecutable(); got != want {
			t.Errorf("IsExecutable(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	raw := `{
		"id": "plan_x1",
		"title": "round trip",
		"created_at": "2026-01-02T03:04:05Z",
		"steps": [],
		"status": "ready",
		"estimated_duration_seconds": 10,
		"max_concurrent_steps": 2,
		"stop_on_failure": true,
		"total_steps": 0,
		"completed_steps": 0,
		"failed_steps": 0,
		"skipped_steps": 0,
		"schema_version": 7,
		"future_feature": {"nested": ["a", "b"]}
	}`

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if plan.ID != "plan_x1" || plan.Status != PlanStatusReady {
		t.Fatalf("known fields not decoded: %+v", plan)
	}

	out, err := json.Marshal(&plan)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("re-decode error = %v", err)
	}
	if string(round["schema_version"]) != "7" {
		t.Errorf("schema_version = %s, want 7", round["schema_version"])
	}
	if !strings.Contains(string(round["future_feature"]), `"nested"`) {
		t.Errorf("future_feature lost: %s", round["future_feature"])
	}
	if string(round["id"]) != `"plan_x1"` {
		t.Errorf("id = %s, want \"plan_x1\"", round["id"])
	}
}

func TestRefreshCounts(t *testing.T) {
	plan := &Plan{Steps: []*Step{
		{ID: "a", Status: StepStatusCompleted},
		{ID: "b", Status: StepStatusCompleted},
		{ID: "c", Status: StepStatusFailed},
		{ID: "d", Status: StepStatusSkipped},
		{ID: "e", Status: StepStatusPending},
	}}
	plan.RefreshCounts()

	if plan.TotalSteps != 5 {
		t.Errorf("TotalSteps = %d, want 5", plan.TotalSteps)
	}
	if plan.CompletedSteps != 2 {
		t.Errorf("CompletedSteps = %d, want 2", plan.CompletedSteps)
	}
	if plan.FailedSteps != 1 {
		t.Errorf("FailedSteps = %d, want 1", plan.FailedSteps)
	}
	if plan.SkippedSteps != 1 {
		t.Errorf("SkippedSteps = %d, want 1", plan.SkippedSteps)
	}
}

func TestNextReadySteps(t *testing.T) {
	plan := &Plan{Steps: []*Step{
		{ID: "a", Status: StepStatusCompleted},
		{ID: "b", Status: StepStatusPending, DependsOn: []string{"a"}},
		{ID: "c", Status: StepStatusPending, DependsOn: []string{"b"}},
		{ID: "d", Status: StepStatusPending},
		{ID: "e", Status: StepStatusRequiresApproval},
	}}

	ready := plan.NextReadySteps()
	if len(ready) != 2 {
		t.Fatalf("NextReadySteps() returned %d steps, want 2", len(ready))
	}
	// Plan order is preserved: b before d.
	if ready[0].ID != "b" || ready[1].ID != "d" {
		t.Errorf("ready order = [%s %s], want [b d]", ready[0].ID, ready[1].ID)
	}
}

func TestNextReadyStepsBlockedBySkippedDependency(t *testing.T) {
	plan := &Plan{Steps: []*Step{
		{ID: "a", Status: StepStatusSkipped},
		{ID: "b", Status: StepStatusPending, DependsOn: []string{"a"}},
	}}
	if ready := plan.NextReadySteps(); len(ready) != 0 {
		t.Errorf("NextReadySteps() = %v, want none while dependency is skipped", ready)
	}
}

func TestSkipDependentsCascadesTransitively(t *testing.T) {
	plan := &Plan{Steps: []*Step{
		{ID: "a", Status: StepStatusSkipped},
		{ID: "b", Status: StepStatusPending, DependsOn: []string{"a"}},
		{ID: "c", Status: StepStatusRequiresApproval, DependsOn: []string{"b"}},
		{ID: "d", Status: StepStatusPending},
		{ID: "e", Status: StepStatusCompleted, DependsOn: []string{"a"}},
	}}

	cascaded := plan.SkipDependents("a")

	if len(cascaded) != 2 {
		t.Fatalf("SkipDependents() changed %d steps, want 2", len(cascaded))
	}
	for _, id := range []string{"b", "c"} {
		step := plan.StepByID(id)
		if step.Status != StepStatusSkipped {
			t.Errorf("step %s status = %s, want skipped", id, step.Status)
		}
		if step.CompletedAt == nil {
			t.Errorf("step %s CompletedAt = nil, want set", id)
		}
	}
	if plan.StepByID("d").Status != StepStatusPending {
		t.Errorf("independent step d status = %s, want pending", plan.StepByID("d").Status)
	}
	if plan.StepByID("e").Status != StepStatusCompleted {
		t.Errorf("finished step e status = %s, want untouched completed", plan.StepByID("e").Status)
	}
}

func TestPlanValidateRejectsRetryOverflow(t *testing.T) {
	plan := &Plan{
		ID:     "plan_retry",
		Status: PlanStatusReady,
		Steps: []*Step{{
			ID: "a", Status: StepStatusPending, RiskLevel: RiskLow,
			RetryCount: 3, MaxRetries: 1,
		}},
	}
	err := plan.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	if CodeOf(err) != ErrCodeConfigValidation {
		t.Errorf("CodeOf() = %s, want %s", CodeOf(err), ErrCodeConfigValidation)
	}
}

func TestSummarizeResultTruncatesPreview(t *testing.T) {
	result := tools.Result{
		Success: true,
		Status:  tools.StatusSuccess,
		Output:  map[string]interface{}{"content": strings.Repeat("x", 1000)},
	}
	summary := summarizeResult(result)
	if !summary.Success {
		t.Error("Success = false, want true")
	}
	if len(summary.OutputPreview) != OutputPreviewLimit {
		t.Errorf("preview length = %d, want %d", len(summary.OutputPreview), OutputPreviewLimit)
	}
}

func TestProgressSnapshot(t *testing.T) {
	plan := &Plan{
		ID:     "plan_prog",
		Status: PlanStatusRunning,
		Steps: []*Step{
			{ID: "a", Status: StepStatusRunning},
			{ID: "b", Status: StepStatusRequiresApproval},
			{ID: "c", Status: StepStatusCompleted},
		},
	}
	plan.RefreshCounts()

	prog := plan.Progress()
	if len(prog.RunningSteps) != 1 || prog.RunningSteps[0] != "a" {
		t.Errorf("RunningSteps = %v, want [a]", prog.RunningSteps)
	}
	if len(prog.AwaitingApproval) != 1 || prog.AwaitingApproval[0] != "b" {
		t.Errorf("AwaitingApproval = %v, want [b]", prog.AwaitingApproval)
	}
	if prog.CompletedSteps != 1 {
		t.Errorf("CompletedSteps = %d, want 1", prog.CompletedSteps)
	}
}
