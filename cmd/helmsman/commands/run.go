package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		dryRun        bool
		noAutoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "run <planId>",
		Short: "Execute a plan",
		Long: `Execute a plan to completion.

Steps run in dependency order with bounded concurrency. Steps marked as
requiring approval pause the plan; low-risk gated steps are auto-approved
unless --no-auto-approve is set, and the rest are prompted interactively.`,
		Example: `  # Execute a plan
  helmsman run plan_a1b2c3d4

  # Walk through without invoking any tools
  helmsman run plan_a1b2c3d4 --dry-run

  # Prompt for every gated step regardless of risk
  helmsman run plan_a1b2c3d4 --no-auto-approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			planID := args[0]
			opts := engine.RunOptions{
				AutoApproveLowRisk: !noAutoApprove,
				DryRun:             dryRun,
			}

			done := make(chan runResult, 1)
			go func() {
				summary, execErr := a.manager.ExecutePlan(cmd.Context(), planID, opts)
				done <- runResult{summary: summary, err: execErr}
			}()

			summary, err := superviseRun(a, planID, done)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(summary)
			}
			fmt.Printf("Plan %s finished: %s (%d completed, %d failed, %d skipped) in %.1fs\n",
				summary.PlanID, summary.Status, summary.CompletedSteps,
				summary.FailedSteps, summary.SkippedSteps, summary.DurationSeconds)
			fmt.Printf("Run artifacts: %s\n", summary.RunID)
			if summary.Status != engine.PlanStatusCompleted {
				return engine.NewPermanentError(
					fmt.Sprintf("plan finished in status %s", summary.Status), nil).
					WithCode(engine.ErrCodeStepExecutionError).WithResource(summary.PlanID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "mark steps completed without invoking tools")
	cmd.Flags().BoolVar(&noAutoApprove, "no-auto-approve", false, "prompt even for low-risk gated steps")

	return cmd
}

// runResult carries the outcome of the execution goroutine.
type runResult struct {
	summary *engine.ExecutionSummary
	err     error
}

// superviseRun waits for the execution to finish while resolving approval
// gates interactively on stdin.
func superviseRun(a *app, planID string, done <-chan runResult) (*engine.ExecutionSummary, error) {
	prompted := make(map[string]bool)
	reader := bufio.NewReader(os.Stdin)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case result := <-done:
			return result.summary, result.err
		case <-ticker.C:
			progress, err := a.manager.PlanStatus(planID)
			if err != nil {
				continue
			}
			for _, stepID := range progress.AwaitingApproval {
				if prompted[stepID] {
					continue
				}
				prompted[stepID] = true
				approved := promptApproval(a, planID, stepID, reader)
				a.manager.ApproveStep(planID, stepID, approved)
			}
		}
	}
}

// promptApproval asks the operator to approve one step. A read failure or
// anything but an explicit yes rejects the step.
func promptApproval(a *app, planID, stepID string, reader *bufio.Reader) bool {
	plan, err := a.manager.LoadPlan(planID)
	if err == nil {
		if step := plan.StepByID(stepID); step != nil {
			fmt.Printf("\nStep %s wants to run %s (risk: %s)\n", step.ID, step.ToolName, step.RiskLevel)
			if step.Description != "" {
				fmt.Printf("  %s\n", step.Description)
			}
		}
	}
	fmt.Printf("Approve step %s? [y/N]: ", stepID)

	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println("\nNo answer, rejecting step")
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
