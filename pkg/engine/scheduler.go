package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsman-dev/helmsman/pkg/audit"
	"github.com/helmsman-dev/helmsman/pkg/telemetry"
)

// DefaultTick is the wait between empty scheduler passes: long enough to
// avoid busy-waiting, short enough that an approval resumes the plan without
// perceptible delay.
const DefaultTick = 100 * time.Millisecond

// DefaultMaxConcurrentSteps bounds in-plan concurrency when the plan does
// not set its own limit.
const DefaultMaxConcurrentSteps = 4

// schedulerActor is the actor string stamped on scheduler audit events.
const schedulerActor = "scheduler"

// RunOptions tunes one plan execution.
type RunOptions struct {
	// AutoApproveLowRisk lets low-risk approval steps run unattended.
	AutoApproveLowRisk bool

	// DryRun marks every dispatched step completed without invoking tools.
	DryRun bool

	// Tick overrides the wait between empty passes. Zero means DefaultTick.
	Tick time.Duration
}

// planRun is the per-plan scheduler state. Its mutex serializes every state
// transition of the plan; it is released across tool invocations so that
// Approve and Stop callers are never blocked on a running tool.
type planRun struct {
	mu    sync.Mutex
	plan  *Plan
	runID string
	stop  bool
}

// Scheduler drives plans to completion with dependency ordering, bounded
// concurrency, and approval gates. Multiple plans may run concurrently; each
// holds its own planRun state.
type Scheduler struct {
	store    *FileStore
	executor *Executor
	audit    *audit.Logger
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]*planRun
}

// NewScheduler creates a plan scheduler.
func NewScheduler(store *FileStore, executor *Executor, auditLog *audit.Logger, metrics *telemetry.Metrics, logger zerolog.Logger) *Scheduler {
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		audit:    auditLog,
		metrics:  metrics,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		active:   make(map[string]*planRun),
	}
}

func (s *Scheduler) register(run *planRun) {
	s.mu.Lock()
	s.active[run.plan.ID] = run
	s.mu.Unlock()
}

func (s *Scheduler) unregister(planID string) {
	s.mu.Lock()
	delete(s.active, planID)
	s.mu.Unlock()
}

func (s *Scheduler) lookup(planID string) *planRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[planID]
}

// Run executes the plan's scheduler loop until the plan has no more work,
// is stopped, or hits a persistence failure. The caller owns the final plan
// status transition; Run sets only cancelled (on stop) and step states.
func (s *Scheduler) Run(ctx context.Context, plan *Plan, runID string, opts RunOptions) error {
	run := &planRun{plan: plan, runID: runID}
	s.register(run)
	defer s.unregister(plan.ID)

	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	maxConcurrent := plan.MaxConcurrentSteps
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSteps
	}
	corr := audit.Correlation{RunID: runID, PlanID: plan.ID}
	loggedWaiting := false

	for {
		run.mu.Lock()
		stopped := run.stop || ctx.Err() != nil
		if stopped {
			plan.Status = PlanStatusCancelled
			plan.RefreshCounts()
		}
		run.mu.Unlock()

		if stopped {
			s.audit.LogPlanExecution(schedulerActor, plan.ID, "stop", "cancelled", nil, corr)
			return s.persist(run)
		}

		run.mu.Lock()
		ready := plan.NextReadySteps()
		waiting := plan.HasStepsInStatus(StepStatusRequiresApproval)
		run.mu.Unlock()

		if len(ready) == 0 {
			if !waiting {
				return nil
			}
			if !loggedWaiting {
				loggedWaiting = true
				s.audit.LogPlanExecution(schedulerActor, plan.ID, "waiting_approval", "waiting", nil, corr)
			}
			sleepTick(ctx, tick)
			continue
		}
		loggedWaiting = false

		gate, gatedForApproval := s.selectGate(run, ready, maxConcurrent, opts.AutoApproveLowRisk)

		for _, step := range gatedForApproval {
			s.audit.LogApprovalEvent(schedulerActor, plan.ID, step.ID, "required",
				map[string]interface{}{"risk_level": string(step.RiskLevel), "tool": step.ToolName}, corr)
		}
		if len(gatedForApproval) > 0 {
			s.metrics.SetApprovalsPending(float64(s.countAwaitingApproval(run)))
			if err := s.persist(run); err != nil {
				return err
			}
		}

		if len(gate) == 0 {
			sleepTick(ctx, tick)
			continue
		}

		if err := s.dispatch(ctx, run, gate, opts.DryRun); err != nil {
			return err
		}

		run.mu.Lock()
		plan.RefreshCounts()
		abort := plan.StopOnFailure && plan.FailedSteps > 0
		run.mu.Unlock()

		if err := s.persist(run); err != nil {
			return err
		}
		if abort {
			return nil
		}
	}
}

// selectGate picks up to maxConcurrent ready steps for dispatch and moves
// approval-gated steps into requires_approval.
func (s *Scheduler) selectGate(run *planRun, ready []*Step, maxConcurrent int, autoApproveLowRisk bool) (gate, gated []*Step) {
	run.mu.Lock()
	defer run.mu.Unlock()

	for _, step := range ready {
		if len(gate) >= maxConcurrent {
			break
		}
		if step.RequiresApproval {
			autoApproved := autoApproveLowRisk && step.RiskLevel == RiskLow
			if !autoApproved {
				step.Status = StepStatusRequiresApproval
				gated = append(gated, step)
				continue
			}
		}
		gate = append(gate, step)
	}
	return gate, gated
}

// dispatch runs the gate concurrently, persisting after every step
// terminates. A returned error is a persistence failure.
func (s *Scheduler) dispatch(ctx context.Context, run *planRun, gate []*Step, dryRun bool) error {
	if dryRun {
		run.mu.Lock()
		now := time.Now().UTC()
		for _, step := range gate {
			step.Status = StepStatusCompleted
			step.StartedAt = &now
			step.CompletedAt = &now
			step.Result = &ResultSummary{Success: true, Status: "success"}
		}
		run.mu.Unlock()
		return s.persist(run)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(gate)*2)
	for _, step := range gate {
		wg.Add(1)
		go func(step *Step) {
			defer wg.Done()
			if err := s.executor.Execute(ctx, run.plan, step, run.runID, &run.mu); err != nil {
				errCh <- err
			}
			if err := s.persist(run); err != nil {
				errCh <- err
			}
		}(step)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// persist saves the plan under the run lock so no concurrent transition can
// produce a torn snapshot.
func (s *Scheduler) persist(run *planRun) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	return s.store.SavePlan(run.plan)
}

func (s *Scheduler) countAwaitingApproval(run *planRun) int {
	run.mu.Lock()
	defer run.mu.Unlock()

	count := 0
	for _, step := range run.plan.Steps {
		if step.Status == StepStatusRequiresApproval {
			count++
		}
	}
	return count
}

// Approve resolves an approval gate for an in-memory plan. At most one of
// two concurrent calls for the same step observes requires_approval and
// returns true.
func (s *Scheduler) Approve(planID, stepID string, approved bool) bool {
	run := s.lookup(planID)
	if run == nil {
		return false
	}

	run.mu.Lock()
	step := run.plan.StepByID(stepID)
	if step == nil || step.Status != StepStatusRequiresApproval {
		run.mu.Unlock()
		return false
	}
	var cascaded []*Step
	if approved {
		step.Status = StepStatusPending
	} else {
		now := time.Now().UTC()
		step.Status = StepStatusSkipped
		step.CompletedAt = &now
		cascaded = run.plan.SkipDependents(stepID)
	}
	run.plan.RefreshCounts()
	run.mu.Unlock()

	decision := "granted"
	details := map[string]interface{}{"tool": step.ToolName}
	if !approved {
		decision = "denied"
		if len(cascaded) > 0 {
			ids := make([]string, len(cascaded))
			for i, dep := range cascaded {
				ids[i] = dep.ID
			}
			details["skipped_dependents"] = ids
		}
	}
	s.audit.LogApprovalEvent(schedulerActor, planID, stepID, decision,
		details, audit.Correlation{RunID: run.runID, PlanID: planID})
	s.metrics.SetApprovalsPending(float64(s.countAwaitingApproval(run)))

	if err := s.persist(run); err != nil {
		s.logger.Error().Str("plan_id", planID).Err(err).Msg("failed to persist approval decision")
	}
	return true
}

// Stop requests cancellation of a running plan. In-flight steps run to
// completion or their own timeout; the loop observes the flag on its next
// pass. Returns false when the plan is not executing.
func (s *Scheduler) Stop(planID string) bool {
	run := s.lookup(planID)
	if run == nil {
		return false
	}
	run.mu.Lock()
	run.stop = true
	run.mu.Unlock()
	s.logger.Info().Str("plan_id", planID).Msg("stop requested")
	return true
}

// IsActive reports whether the plan is currently executing.
func (s *Scheduler) IsActive(planID string) bool {
	return s.lookup(planID) != nil
}

// ActiveProgress returns the live progress of an executing plan.
func (s *Scheduler) ActiveProgress(planID string) (Progress, bool) {
	run := s.lookup(planID)
	if run == nil {
		return Progress{}, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	run.plan.RefreshCounts()
	return run.plan.Progress(), true
}

// sleepTick waits one tick or until the context is cancelled. It reports
// whether the full tick elapsed.
func sleepTick(ctx context.Context, tick time.Duration) bool {
	select {
	case <-time.After(tick):
		return true
	case <-ctx.Done():
		return false
	}
}
