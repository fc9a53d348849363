package engine

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsman-dev/helmsman/pkg/artifacts"
	"github.com/helmsman-dev/helmsman/pkg/audit"
	"github.com/helmsman-dev/helmsman/pkg/permissions"
	"github.com/helmsman-dev/helmsman/pkg/tools"
)

// fakeTool is a scriptable tool for executor and scheduler tests.
type fakeTool struct {
	name   string
	params []tools.ParamSpec
	invoke func(ctx context.Context, params map[string]interface{}) tools.Result
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Schema() tools.Schema { return tools.Schema{Params: f.params} }

func (f *fakeTool) Invoke(ctx context.Context, params map[string]interface{}) tools.Result {
	return f.invoke(ctx, params)
}

// fixture wires a complete engine stack on temp directories.
type fixture struct {
	registry  *tools.Registry
	perms     *permissions.Engine
	artifacts *artifacts.Store
	audit     *audit.Logger
	store     *FileStore
	executor  *Executor
	scheduler *Scheduler
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nop := zerolog.Nop()

	auditLog, err := audit.NewLogger(audit.Options{LogDir: t.TempDir()}, nop)
	if err != nil {
		t.Fatalf("audit.NewLogger() error = %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	perms, err := permissions.NewEngine(auditLog, nop)
	if err != nil {
		t.Fatalf("permissions.NewEngine() error = %v", err)
	}

	artStore, err := artifacts.NewStore(t.TempDir(), nop)
	if err != nil {
		t.Fatalf("artifacts.NewStore() error = %v", err)
	}

	planStore, err := NewFileStore(t.TempDir(), nop)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	registry := tools.NewRegistry(nop)
	executor := NewExecutor(registry, perms, artStore, auditLog, nil, nil, nop)
	scheduler := NewScheduler(planStore, executor, auditLog, nil, nop)

	manager, err := NewManager(ManagerConfig{
		Store:     planStore,
		Scheduler: scheduler,
		Audit:     auditLog,
	}, nop)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	return &fixture{
		registry:  registry,
		perms:     perms,
		artifacts: artStore,
		audit:     auditLog,
		store:     planStore,
		executor:  executor,
		scheduler: scheduler,
		manager:   manager,
	}
}

// singleStepPlan builds a one-step plan around the given tool invocation.
func singleStepPlan(id, toolName string, params map[string]interface{}) *Plan {
	plan := &Plan{
		ID:        id,
		Title:     "executor test plan",
		CreatedAt: time.Now().UTC(),
		Status:    PlanStatusRunning,
		Steps: []*Step{{
			ID:             "s1",
			ToolName:       toolName,
			Params:         params,
			RiskLevel:      RiskLow,
			TimeoutSeconds: 5,
			Status:         StepStatusPending,
			MaxRetries:     1,
		}},
		StopOnFailure: true,
	}
	plan.RefreshCounts()
	return plan
}

func TestExecutorSuccess(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(&fakeTool{
		name: "read_probe",
		invoke: func(_ context.Context, _ map[string]interface{}) tools.Result {
			return tools.Result{
				Success: true,
				Status:  tools.StatusSuccess,
				Output:  map[string]interface{}{"value": 42},
			}
		},
	})

	plan := singleStepPlan("plan_exec_ok", "read_probe", nil)
	step := plan.Steps[0]
	var mu sync.Mutex

	if err := f.executor.Execute(context.Background(), plan, step, artifacts.NewRunID(), &mu); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if step.Status != StepStatusCompleted {
		t.Fatalf("step status = %s, want completed", step.Status)
	}
	if step.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if step.Result == nil || !step.Result.Success {
		t.Fatalf("result = %+v, want success", step.Result)
	}
	if step.Result.ArtifactRef == "" {
		t.Fatal("ArtifactRef not set")
	}
	if _, err := os.Stat(step.Result.ArtifactRef); err != nil {
		t.Errorf("artifact file missing: %v", err)
	}
	if !strings.Contains(step.Result.OutputPreview, "42") {
		t.Errorf("output preview = %q, want it to carry the tool output", step.Result.OutputPreview)
	}

	// One permission check plus the start marker and the completion event.
	execEvents := f.audit.Recent(0, audit.Filter{Type: audit.EventToolExecution})
	if len(execEvents) != 2 {
		t.Fatalf("got %d tool_execution events, want 2", len(execEvents))
	}
	// Recent is reverse chronological: completion first, start marker second.
	if execEvents[0].Result != "success" {
		t.Errorf("completion event result = %s, want success", execEvents[0].Result)
	}
	if execEvents[1].Result != "failure" || execEvents[1].Details["phase"] != "start" {
		t.Errorf("start marker = %+v, want failure result with phase=start", execEvents[1])
	}
	if checks := f.audit.Recent(0, audit.Filter{Type: audit.EventPermissionCheck}); len(checks) != 1 {
		t.Errorf("got %d permission_check events, want 1", len(checks))
	}
}

func TestExecutorPermissionDenied(t *testing.T) {
	f := newFixture(t)
	invoked := false
	f.registry.Register(&fakeTool{
		name:   "bash_execute",
		params: []tools.ParamSpec{{Name: "command", Kind: tools.ParamString, Required: true}},
		invoke: func(_ context.Context, _ map[string]interface{}) tools.Result {
			invoked = true
			return tools.Result{Success: true, Status: tools.StatusSuccess}
		},
	})

	plan := singleStepPlan("plan_exec_deny", "bash_execute",
		map[string]interface{}{"command": "rm -rf /etc"})
	step := plan.Steps[0]
	var mu sync.Mutex
	runID := artifacts.NewRunID()

	if err := f.executor.Execute(context.Background(), plan, step, runID, &mu); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if invoked {
		t.Fatal("tool was invoked despite permission denial")
	}
	if step.Status != StepStatusFailed {
		t.Fatalf("step status = %s, want failed", step.Status)
	}
	if !strings.Contains(step.ErrorMessage, "denied") {
		t.Errorf("error message = %q, want a denial message", step.ErrorMessage)
	}

	// No tool run, no artifact.
	if entries, err := f.artifacts.ListRun(runID); err == nil && len(entries) != 0 {
		t.Errorf("got %d artifacts, want none for a denied step", len(entries))
	}
	if denials := f.audit.Recent(0, audit.Filter{Type: audit.EventPermissionDenied}); len(denials) != 1 {
		t.Errorf("got %d permission_denied events, want 1", len(denials))
	}
	if execEvents := f.audit.Recent(0, audit.Filter{Type: audit.EventToolExecution}); len(execEvents) != 0 {
		t.Errorf("got %d tool_execution events, want none before the gate", len(execEvents))
	}
}

func TestExecutorToolNotFound(t *testing.T) {
	f := newFixture(t)

	plan := singleStepPlan("plan_exec_missing", "read_nonexistent", nil)
	step := plan.Steps[0]
	var mu sync.Mutex
	runID := artifacts.NewRunID()

	if err := f.executor.Execute(context.Background(), plan, step, runID, &mu); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if step.Status != StepStatusFailed {
		t.Fatalf("step status = %s, want failed", step.Status)
	}
	if !strings.Contains(step.ErrorMessage, "not found") {
		t.Errorf("error message = %q, want tool-not-found", step.ErrorMessage)
	}
	if entries, err := f.artifacts.ListRun(runID); err == nil && len(entries) != 0 {
		t.Errorf("got %d artifacts, want none when no tool ran", len(entries))
	}
}

func TestExecutorTimeoutTriggersRetry(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(&fakeTool{
		name: "read_slow",
		invoke: func(ctx context.Context, _ map[string]interface{}) tools.Result {
			<-ctx.Done()
			return tools.Failure(tools.ErrorKindTimeout, tools.StatusTimeout, "interrupted")
		},
	})

	plan := singleStepPlan("plan_exec_slow", "read_slow", nil)
	step := plan.Steps[0]
	step.TimeoutSeconds = 0 // floored to one second
	step.MaxRetries = 1
	var mu sync.Mutex

	start := time.Now()
	if err := f.executor.Execute(context.Background(), plan, step, artifacts.NewRunID(), &mu); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	elapsed := time.Since(start)

	// First attempt: retry budget remains, so the step goes back to pending.
	if step.Status != StepStatusPending {
		t.Fatalf("step status = %s, want pending after retryable timeout", step.Status)
	}
	if step.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", step.RetryCount)
	}
	if step.StartedAt != nil {
		t.Error("StartedAt not cleared for the retry attempt")
	}
	if elapsed < time.Second {
		t.Errorf("attempt returned after %v, before the one second timeout floor", elapsed)
	}

	// Second attempt: budget exhausted, the step fails terminally.
	if err := f.executor.Execute(context.Background(), plan, step, artifacts.NewRunID(), &mu); err != nil {
		t.Fatalf("Execute() retry error = %v", err)
	}
	if step.Status != StepStatusFailed {
		t.Fatalf("step status = %s, want failed after retry budget", step.Status)
	}
	if !strings.Contains(step.ErrorMessage, "timed out") {
		t.Errorf("error message = %q, want timeout", step.ErrorMessage)
	}
}

func TestExecutorTransientFailureRetries(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.registry.Register(&fakeTool{
		name: "read_flaky",
		invoke: func(_ context.Context, _ map[string]interface{}) tools.Result {
			attempts++
			if attempts == 1 {
				return tools.Failure(tools.ErrorKindTransient, tools.StatusError, "temporary hiccup")
			}
			return tools.Result{Success: true, Status: tools.StatusSuccess}
		},
	})

	plan := singleStepPlan("plan_exec_flaky", "read_flaky", nil)
	step := plan.Steps[0]
	var mu sync.Mutex

	if err := f.executor.Execute(context.Background(), plan, step, artifacts.NewRunID(), &mu); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if step.Status != StepStatusPending || step.RetryCount != 1 {
		t.Fatalf("after first attempt status = %s retries = %d, want pending/1", step.Status, step.RetryCount)
	}

	if err := f.executor.Execute(context.Background(), plan, step, artifacts.NewRunID(), &mu); err != nil {
		t.Fatalf("Execute() retry error = %v", err)
	}
	if step.Status != StepStatusCompleted {
		t.Fatalf("after retry status = %s, want completed", step.Status)
	}
	if attempts != 2 {
		t.Errorf("tool invoked %d times, want 2", attempts)
	}
}

func TestExecutorExecutionErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.registry.Register(&fakeTool{
		name: "read_broken",
		invoke: func(_ context.Context, _ map[string]interface{}) tools.Result {
			attempts++
			return tools.Failure(tools.ErrorKindExecution, tools.StatusError, "deterministic failure")
		},
	})

	plan := singleStepPlan("plan_exec_broken", "read_broken", nil)
	step := plan.Steps[0]
	step.MaxRetries = 3
	var mu sync.Mutex

	if err := f.executor.Execute(context.Background(), plan, step, artifacts.NewRunID(), &mu); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if step.Status != StepStatusFailed {
		t.Fatalf("step status = %s, want failed", step.Status)
	}
	if step.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 for a permanent failure", step.RetryCount)
	}
	if attempts != 1 {
		t.Errorf("tool invoked %d times, want 1", attempts)
	}
}

func TestExecutorRecoversToolPanic(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(&fakeTool{
		name: "read_panicky",
		invoke: func(_ context.Context, _ map[string]interface{}) tools.Result {
			panic("tool exploded")
		},
	})

	plan := singleStepPlan("plan_exec_panic", "read_panicky", nil)
	step := plan.Steps[0]
	step.MaxRetries = 0
	var mu sync.Mutex

	if err := f.executor.Execute(context.Background(), plan, step, artifacts.NewRunID(), &mu); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if step.Status != StepStatusFailed {
		t.Fatalf("step status = %s, want failed", step.Status)
	}
	if !strings.Contains(step.ErrorMessage, "panicked") {
		t.Errorf("error message = %q, want panic report", step.ErrorMessage)
	}
}

func TestDeriveResourceAndAction(t *testing.T) {
	cmdStep := &Step{ToolName: "bash_execute", Params: map[string]interface{}{"command": "ls -la"}}
	if got := deriveResource(cmdStep); got != "ls -la" {
		t.Errorf("deriveResource(command step) = %s, want the command", got)
	}

	pathStep := &Step{ToolName: "read_file", Params: map[string]interface{}{"path": "/tmp/x"}}
	if got := deriveResource(pathStep); got != "/tmp/x" {
		t.Errorf("deriveResource(path step) = %s, want the path", got)
	}

	bareStep := &Step{ToolName: "custom_tool"}
	if got := deriveResource(bareStep); got != "custom_tool" {
		t.Errorf("deriveResource(bare step) = %s, want the tool name", got)
	}

	actions := map[string]string{
		"read_file":    "read",
		"list_files":   "read",
		"write_file":   "write",
		"bash_execute": "execute",
		"list_buckets": "read",
		"delete_user":  "write",
		"custom_tool":  "execute",
	}
	for tool, want := range actions {
		if got := deriveAction(tool); got != want {
			t.Errorf("deriveAction(%s) = %s, want %s", tool, got, want)
		}
	}
}
