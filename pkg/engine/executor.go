package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsman-dev/helmsman/pkg/artifacts"
	"github.com/helmsman-dev/helmsman/pkg/audit"
	"github.com/helmsman-dev/helmsman/pkg/permissions"
	"github.com/helmsman-dev/helmsman/pkg/telemetry"
	"github.com/helmsman-dev/helmsman/pkg/tools"
)

// executorActor is the actor string stamped on executor audit events.
const executorActor = "executor"

// Executor runs a single step through its full lifecycle: permission gate,
// audited invocation under timeout, artifact capture, and retry bookkeeping.
// It never persists the plan; the scheduler does that after each transition.
type Executor struct {
	registry  *tools.Registry
	perms     *permissions.Engine
	artifacts *artifacts.Store
	audit     *audit.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    zerolog.Logger
}

// NewExecutor creates a step executor.
func NewExecutor(
	registry *tools.Registry,
	perms *permissions.Engine,
	artifactStore *artifacts.Store,
	auditLog *audit.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	logger zerolog.Logger,
) *Executor {
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "helmsman", "dev", "local")
	}
	return &Executor{
		registry:  registry,
		perms:     perms,
		artifacts: artifactStore,
		audit:     auditLog,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// deriveResource computes the logical resource string a step operates on:
// the command for shell tools, the path for file tools, otherwise the tool
// name itself.
func deriveResource(step *Step) string {
	if cmd, ok := step.Params["command"].(string); ok && cmd != "" {
		return cmd
	}
	if path, ok := step.Params["path"].(string); ok && path != "" {
		return path
	}
	return step.ToolName
}

// deriveAction maps a tool name to the permission action it performs.
func deriveAction(toolName string) string {
	switch toolName {
	case "read_file", "list_files":
		return "read"
	case "write_file":
		return "write"
	case "bash_execute":
		return "execute"
	}
	switch {
	case strings.HasPrefix(toolName, "read_"), strings.HasPrefix(toolName, "list_"):
		return "read"
	case strings.HasPrefix(toolName, "write_"), strings.HasPrefix(toolName, "delete_"):
		return "write"
	default:
		return "execute"
	}
}

// Execute runs one step attempt. State transitions are serialized through
// lock, which is released across the tool invocation. A non-nil error is
// returned only for persistence failures, which are fatal to the plan.
func (e *Executor) Execute(ctx context.Context, plan *Plan, step *Step, runID string, lock sync.Locker) error {
	corr := audit.Correlation{RunID: runID, PlanID: plan.ID, ToolName: step.ToolName}

	lock.Lock()
	started := time.Now().UTC()
	step.Status = StepStatusRunning
	step.StartedAt = &started
	attempt := step.RetryCount + 1
	lock.Unlock()

	_, span := e.tracer.StartStepSpan(ctx, step.ID, step.ToolName, string(step.RiskLevel), attempt)
	defer span.End()

	resource := deriveResource(step)
	action := deriveAction(step.ToolName)

	allowed := e.perms.Check(step.ToolName, resource, action, corr)
	e.metrics.RecordPermissionCheck(allowed)
	if !allowed {
		msg := fmt.Sprintf("permission denied: %s may not %s %s", step.ToolName, action, resource)
		result := tools.Failure(tools.ErrorKindPermissionDenied, tools.StatusDenied, msg)
		result.Duration = time.Since(started)
		e.finishStep(plan, step, result, lock)
		telemetry.RecordError(span, NewPermanentError(msg, nil).WithCode(ErrCodePermissionDenied))
		return nil
	}

	// Start marker: a tool_execution event with success=false emitted before
	// the tool runs.
	e.audit.LogToolExecution(executorActor, step.ToolName, resource, false,
		map[string]interface{}{"phase": "start", "step_id": step.ID, "attempt": attempt}, corr)

	result := e.invoke(ctx, step)
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}

	if toolWasInvoked(result.Kind) {
		path, err := e.artifacts.Store(runID, step.ToolName, step.Params, result.Output,
			result.Duration, string(result.Status), result.ErrorMessage)
		if err != nil {
			e.audit.LogPlanExecution(executorActor, plan.ID, "artifact_write", "storage_failure",
				map[string]interface{}{"error": err.Error(), "step_id": step.ID}, corr)
			lock.Lock()
			e.failStep(step, fmt.Sprintf("artifact storage failed: %v", err))
			lock.Unlock()
			storageErr := NewPermanentError("artifact storage failed", err).
				WithCode(ErrCodeStorageError).WithResource(step.ID)
			telemetry.RecordError(span, storageErr)
			return storageErr
		}
		result.ArtifactRef = path
		if info, err := os.Stat(path); err == nil {
			e.metrics.RecordArtifactWritten(info.Size())
		}
	}

	details := map[string]interface{}{
		"step_id":     step.ID,
		"phase":       "end",
		"duration_ms": result.Duration.Milliseconds(),
		"status":      string(result.Status),
	}
	if result.ErrorCode != "" {
		details["error_code"] = result.ErrorCode
	}
	if result.ArtifactRef != "" {
		details["artifact"] = result.ArtifactRef
	}
	e.audit.LogToolExecution(executorActor, step.ToolName, resource, result.Success, details, corr)

	e.finishStep(plan, step, result, lock)

	if result.Success {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, errorFromResult(result).WithResource(step.ID))
	}
	return nil
}

// invoke runs the tool under the step's effective timeout. The invocation
// runs on its own goroutine so an uncooperative tool cannot stall the
// executor past the deadline.
func (e *Executor) invoke(ctx context.Context, step *Step) tools.Result {
	timeout := step.EffectiveTimeout()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan tools.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- tools.Failure(tools.ErrorKindExecution, tools.StatusError,
					fmt.Sprintf("tool panicked: %v", r))
			}
		}()
		resultCh <- e.registry.Execute(tctx, step.ToolName, step.Params)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-tctx.Done():
		return tools.Failure(tools.ErrorKindTimeout, tools.StatusTimeout,
			fmt.Sprintf("step timed out after %s", timeout))
	}
}

// toolWasInvoked reports whether the tool actually ran, which decides
// whether an artifact is captured.
func toolWasInvoked(kind tools.ErrorKind) bool {
	switch kind {
	case tools.ErrorKindPermissionDenied, tools.ErrorKindNotFound, tools.ErrorKindInvalidParams:
		return false
	default:
		return true
	}
}

// finishStep applies the result to the step under the plan lock: completion,
// retry bookkeeping, or terminal failure.
func (e *Executor) finishStep(plan *Plan, step *Step, result tools.Result, lock sync.Locker) {
	lock.Lock()
	defer lock.Unlock()

	duration := result.Duration

	if result.Success {
		now := time.Now().UTC()
		step.Status = StepStatusCompleted
		step.CompletedAt = &now
		step.ErrorMessage = ""
		step.Result = summarizeResult(result)
		e.metrics.RecordStepExecution(step.ToolName, string(StepStatusCompleted), duration)
		e.logger.Info().
			Str("plan_id", plan.ID).
			Str("step_id", step.ID).
			Str("tool", step.ToolName).
			Dur("duration", duration).
			Msg("step completed")
		return
	}

	if result.Kind.IsRetryable() && step.RetryCount < step.MaxRetries {
		step.RetryCount++
		step.Status = StepStatusPending
		step.StartedAt = nil
		step.ErrorMessage = result.ErrorMessage
		e.metrics.RecordStepRetry(step.ToolName)
		e.logger.Warn().
			Str("plan_id", plan.ID).
			Str("step_id", step.ID).
			Str("tool", step.ToolName).
			Int("retry", step.RetryCount).
			Int("max_retries", step.MaxRetries).
			Str("error", result.ErrorMessage).
			Msg("step will be retried")
		return
	}

	e.failStep(step, result.ErrorMessage)
	step.Result = summarizeResult(result)
	e.metrics.RecordStepExecution(step.ToolName, string(StepStatusFailed), duration)
	e.metrics.RecordError(string(classOf(result.Kind)), codeOfKind(result.Kind))
	e.logger.Error().
		Str("plan_id", plan.ID).
		Str("step_id", step.ID).
		Str("tool", step.ToolName).
		Str("error", result.ErrorMessage).
		Msg("step failed")
}

// failStep marks a step terminally failed. Callers hold the plan lock.
func (e *Executor) failStep(step *Step, message string) {
	now := time.Now().UTC()
	step.Status = StepStatusFailed
	step.CompletedAt = &now
	step.ErrorMessage = message
}

// classOf maps a tool error kind to the orchestrator error class.
func classOf(kind tools.ErrorKind) ErrorClass {
	if kind.IsRetryable() {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// codeOfKind maps a tool error kind to the orchestrator error code.
func codeOfKind(kind tools.ErrorKind) string {
	switch kind {
	case tools.ErrorKindTimeout:
		return ErrCodeStepTimeout
	case tools.ErrorKindTransient:
		return ErrCodeToolTransient
	case tools.ErrorKindNotFound:
		return ErrCodeToolNotFound
	case tools.ErrorKindPermissionDenied:
		return ErrCodePermissionDenied
	default:
		return ErrCodeStepExecutionError
	}
}

// errorFromResult builds the classified error for a failed result.
func errorFromResult(result tools.Result) *Error {
	err := &Error{
		Class:   classOf(result.Kind),
		Message: result.ErrorMessage,
		Code:    codeOfKind(result.Kind),
	}
	if err.Message == "" {
		err.Message = "step failed"
	}
	return err
}
