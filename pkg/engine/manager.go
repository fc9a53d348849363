package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helmsman-dev/helmsman/pkg/artifacts"
	"github.com/helmsman-dev/helmsman/pkg/audit"
	"github.com/helmsman-dev/helmsman/pkg/stores"
	"github.com/helmsman-dev/helmsman/pkg/telemetry"
)

// managerActor is the actor string stamped on manager audit events.
const managerActor = "plan_manager"

// ManagerConfig wires the manager's collaborators. Store, Scheduler, Audit,
// Metrics, Tracer and Generator are required; RunIndex is optional.
type ManagerConfig struct {
	// Store persists plans.
	Store *FileStore

	// Scheduler drives plan execution.
	Scheduler *Scheduler

	// Audit receives lifecycle events.
	Audit *audit.Logger

	// Metrics collects execution metrics.
	Metrics *telemetry.Metrics

	// Tracer emits plan spans.
	Tracer *telemetry.Tracer

	// Generator turns objectives into steps.
	Generator StepGenerator

	// RunIndex optionally records run history in the durable index.
	RunIndex *stores.SQLiteStore

	// MaxConcurrentSteps is the default in-plan concurrency for new plans.
	MaxConcurrentSteps int

	// DefaultTimeoutSeconds is applied to generated steps without a timeout.
	DefaultTimeoutSeconds float64

	// CreatedBy tags plans created through this manager.
	CreatedBy string
}

// Manager is the orchestrator facade: create, load, list, execute, stop,
// approve, and delete plans.
type Manager struct {
	store     *FileStore
	scheduler *Scheduler
	audit     *audit.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	generate  StepGenerator
	runIndex  *stores.SQLiteStore
	logger    zerolog.Logger

	maxConcurrentSteps    int
	defaultTimeoutSeconds float64
	createdBy             string
}

// NewManager creates a plan manager.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) (*Manager, error) {
	if cfg.Store == nil || cfg.Scheduler == nil || cfg.Audit == nil {
		return nil, fmt.Errorf("store, scheduler and audit log are required")
	}
	if cfg.Generator == nil {
		cfg.Generator = RuleBasedGenerator
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "helmsman", "dev", "local")
	}
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = defaultStepTimeout
	}
	if cfg.CreatedBy == "" {
		cfg.CreatedBy = managerActor
	}

	return &Manager{
		store:                 cfg.Store,
		scheduler:             cfg.Scheduler,
		audit:                 cfg.Audit,
		metrics:               cfg.Metrics,
		tracer:                cfg.Tracer,
		generate:              cfg.Generator,
		runIndex:              cfg.RunIndex,
		logger:                logger.With().Str("component", "plan_manager").Logger(),
		maxConcurrentSteps:    cfg.MaxConcurrentSteps,
		defaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
		createdBy:             cfg.CreatedBy,
	}, nil
}

// newPlanID returns a fresh short plan identifier.
func newPlanID() string {
	return "plan_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// CreatePlan generates steps for the objective, validates the dependency
// graph, persists, and returns the new plan. A plan that fails validation is
// never written to disk.
func (m *Manager) CreatePlan(title, description, objective string, planContext map[string]interface{}) (*Plan, error) {
	steps, err := m.generate(objective, planContext)
	if err != nil {
		return nil, NewPermanentError("step generation failed", err).
			WithCode(ErrCodeConfigValidation)
	}

	var estimated float64
	for _, step := range steps {
		if step.Status == "" {
			step.Status = StepStatusPending
		}
		if step.TimeoutSeconds <= 0 {
			step.TimeoutSeconds = m.defaultTimeoutSeconds
		}
		if step.RiskLevel == "" {
			step.RiskLevel = RiskLow
		}
		estimated += step.TimeoutSeconds
	}

	plan := &Plan{
		ID:                 newPlanID(),
		Title:              title,
		Description:        description,
		CreatedAt:          time.Now().UTC(),
		CreatedBy:          m.createdBy,
		Steps:              steps,
		Status:             PlanStatusReady,
		EstimatedSeconds:   estimated,
		MaxConcurrentSteps: m.maxConcurrentSteps,
		StopOnFailure:      true,
		Context:            planContext,
	}
	plan.RefreshCounts()

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	if err := m.store.SavePlan(plan); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("plan_id", plan.ID).
		Int("steps", plan.TotalSteps).
		Msg("plan created")
	return plan, nil
}

// LoadPlan returns the plan with the given id.
func (m *Manager) LoadPlan(id string) (*Plan, error) {
	return m.store.LoadPlan(id)
}

// ListPlans returns plan summaries, optionally filtered by status.
func (m *Manager) ListPlans(statusFilter PlanStatus) ([]PlanSummary, error) {
	return m.store.ListPlans(statusFilter)
}

// ExecutePlan runs a plan to completion and returns the execution summary.
// Only draft, ready and paused plans are executable.
func (m *Manager) ExecutePlan(ctx context.Context, id string, opts RunOptions) (*ExecutionSummary, error) {
	if m.scheduler.IsActive(id) {
		return nil, NewPermanentError("plan is already executing", nil).
			WithCode(ErrCodePlanNotExecutable).WithResource(id)
	}

	plan, err := m.store.LoadPlan(id)
	if err != nil {
		return nil, err
	}
	if !plan.Status.IsExecutable() {
		return nil, NewPermanentError(
			fmt.Sprintf("plan in status %s cannot be executed", plan.Status), nil).
			WithCode(ErrCodePlanNotExecutable).WithResource(id)
	}

	runID := artifacts.NewRunID()
	corr := audit.Correlation{RunID: runID, PlanID: plan.ID}

	started := time.Now().UTC()
	plan.Status = PlanStatusRunning
	plan.StartedAt = &started
	if err := m.store.SavePlan(plan); err != nil {
		return nil, err
	}

	m.recordRunStart(ctx, runID, plan.ID, started)
	m.audit.LogPlanExecution(managerActor, plan.ID, "start", "running",
		map[string]interface{}{"run_id": runID, "total_steps": plan.TotalSteps}, corr)
	m.metrics.RecordPlanStarted()

	spanCtx, span := m.tracer.StartPlanSpan(ctx, plan.ID, runID)
	defer span.End()

	runErr := m.scheduler.Run(spanCtx, plan, runID, opts)

	completed := time.Now().UTC()
	plan.CompletedAt = &completed
	plan.ActualSeconds = completed.Sub(started).Seconds()
	plan.RefreshCounts()

	switch {
	case runErr != nil:
		plan.Status = PlanStatusFailed
		m.audit.LogPlanExecution(managerActor, plan.ID, "persistence_failure", "storage_failure",
			map[string]interface{}{"error": runErr.Error()}, corr)
		telemetry.RecordError(span, runErr)
	case plan.Status == PlanStatusCancelled:
		telemetry.RecordSuccess(span)
	case plan.FailedSteps > 0:
		plan.Status = PlanStatusFailed
		telemetry.RecordError(span, NewPermanentError("plan had failed steps", nil).
			WithCode(ErrCodeStepExecutionError).WithResource(plan.ID))
	default:
		plan.Status = PlanStatusCompleted
		telemetry.RecordSuccess(span)
	}

	if err := m.store.SavePlan(plan); err != nil {
		m.logger.Error().Str("plan_id", plan.ID).Err(err).Msg("failed to persist final plan state")
	}

	result := "complete"
	if plan.Status != PlanStatusCompleted {
		result = string(plan.Status)
	}
	m.audit.LogPlanExecution(managerActor, plan.ID, "complete", result,
		map[string]interface{}{
			"run_id":          runID,
			"duration_ms":     completed.Sub(started).Milliseconds(),
			"completed_steps": plan.CompletedSteps,
			"failed_steps":    plan.FailedSteps,
			"skipped_steps":   plan.SkippedSteps,
		}, corr)
	m.metrics.RecordPlanCompleted(string(plan.Status), completed.Sub(started))
	m.recordRunEnd(ctx, runID, plan)

	summary := &ExecutionSummary{
		PlanID:          plan.ID,
		RunID:           runID,
		Status:          plan.Status,
		DurationSeconds: plan.ActualSeconds,
		CompletedSteps:  plan.CompletedSteps,
		FailedSteps:     plan.FailedSteps,
		SkippedSteps:    plan.SkippedSteps,
	}
	return summary, runErr
}

// recordRunStart inserts the run into the durable index when one is wired.
func (m *Manager) recordRunStart(ctx context.Context, runID, planID string, started time.Time) {
	if m.runIndex == nil {
		return
	}
	err := m.runIndex.CreateRun(ctx, &stores.Run{
		ID:        runID,
		PlanID:    planID,
		Status:    stores.RunStatusRunning,
		StartedAt: started,
	})
	if err != nil {
		m.logger.Warn().Str("run_id", runID).Err(err).Msg("failed to index run start")
	}
}

// recordRunEnd updates the run index with the final plan status.
func (m *Manager) recordRunEnd(ctx context.Context, runID string, plan *Plan) {
	if m.runIndex == nil {
		return
	}

	var status stores.RunStatus
	switch plan.Status {
	case PlanStatusCompleted:
		status = stores.RunStatusCompleted
	case PlanStatusCancelled:
		status = stores.RunStatusCancelled
	default:
		status = stores.RunStatusFailed
	}

	var errMsg *string
	if plan.Status == PlanStatusFailed {
		msg := fmt.Sprintf("%d of %d steps failed", plan.FailedSteps, plan.TotalSteps)
		errMsg = &msg
	}

	if err := m.runIndex.UpdateRunStatus(ctx, runID, status, errMsg); err != nil {
		m.logger.Warn().Str("run_id", runID).Err(err).Msg("failed to index run completion")
	}
}

// StopPlan requests cancellation of a running plan. Returns false and is a
// no-op when the plan is not executing.
func (m *Manager) StopPlan(id string) bool {
	return m.scheduler.Stop(id)
}

// ForceCancel marks a plan cancelled on disk. It applies only to plans left
// in status running by a crashed or killed process; an actively executing
// plan must be stopped through StopPlan instead.
func (m *Manager) ForceCancel(id string) error {
	if m.scheduler.IsActive(id) {
		return NewPermanentError("plan is executing, use stop without force", nil).
			WithCode(ErrCodePlanNotExecutable).WithResource(id)
	}

	plan, err := m.store.LoadPlan(id)
	if err != nil {
		return err
	}
	if plan.Status != PlanStatusRunning {
		return NewPermanentError(
			fmt.Sprintf("plan in status %s cannot be force-cancelled", plan.Status), nil).
			WithCode(ErrCodePlanNotExecutable).WithResource(id)
	}

	now := time.Now().UTC()
	plan.Status = PlanStatusCancelled
	plan.CompletedAt = &now
	plan.RefreshCounts()
	if err := m.store.SavePlan(plan); err != nil {
		return err
	}

	m.audit.LogPlanExecution(managerActor, plan.ID, "force_cancel", "cancelled", nil,
		audit.Correlation{PlanID: plan.ID})
	m.logger.Warn().Str("plan_id", plan.ID).Msg("plan force-cancelled")
	return nil
}

// ApproveStep resolves an approval gate. Returns false when the plan is not
// executing or the step is not waiting for approval.
func (m *Manager) ApproveStep(planID, stepID string, approved bool) bool {
	return m.scheduler.Approve(planID, stepID, approved)
}

// PlanStatus returns the progress snapshot of a plan, live when the plan is
// executing and from disk otherwise.
func (m *Manager) PlanStatus(id string) (Progress, error) {
	if progress, ok := m.scheduler.ActiveProgress(id); ok {
		return progress, nil
	}
	plan, err := m.store.LoadPlan(id)
	if err != nil {
		return Progress{}, err
	}
	return plan.Progress(), nil
}

// DeletePlan removes a plan. Running plans cannot be deleted.
func (m *Manager) DeletePlan(id string) error {
	if m.scheduler.IsActive(id) {
		return NewPermanentError("cannot delete an executing plan", nil).
			WithCode(ErrCodePlanNotExecutable).WithResource(id)
	}
	return m.store.DeletePlan(id)
}
