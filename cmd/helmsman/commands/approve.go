package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/pkg/engine"
)

func newApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <planId> <stepId> [yes|no]",
		Short: "Resolve an approval gate on an executing plan",
		Long: `Approve or reject a step that is waiting at an approval gate.

The plan must be executing in this process; approval resumes the step,
rejection skips it and the plan continues.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			planID, stepID := args[0], args[1]
			approved := true
			if len(args) == 3 {
				switch args[2] {
				case "yes", "y":
					approved = true
				case "no", "n":
					approved = false
				default:
					return engine.NewPermanentError(
						fmt.Sprintf("decision must be yes or no, got %q", args[2]), nil).
						WithCode(engine.ErrCodeConfigValidation)
				}
			}

			if !a.manager.ApproveStep(planID, stepID, approved) {
				return engine.NewPermanentError(
					fmt.Sprintf("step %s of plan %s is not waiting for approval", stepID, planID), nil).
					WithCode(engine.ErrCodePlanNotExecutable).WithResource(planID)
			}

			decision := "approved"
			if !approved {
				decision = "rejected"
			}
			fmt.Printf("Step %s %s\n", stepID, decision)
			return nil
		},
	}

	return cmd
}
