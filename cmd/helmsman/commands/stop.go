package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/pkg/engine"
)

func newStopCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop <planId>",
		Short: "Request cancellation of an executing plan",
		Long: `Request cancellation of an executing plan.

In-flight steps run to completion or their own timeout; no new steps are
dispatched and the plan finishes in status cancelled.

With --force, a plan left in status running by a crashed process is marked
cancelled on disk.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if force {
				if err := a.manager.ForceCancel(args[0]); err != nil {
					return err
				}
				fmt.Printf("Plan %s marked cancelled\n", args[0])
				return nil
			}

			if !a.manager.StopPlan(args[0]) {
				return engine.NewPermanentError(
					fmt.Sprintf("plan %s is not executing", args[0]), nil).
					WithCode(engine.ErrCodePlanNotExecutable).WithResource(args[0])
			}
			fmt.Printf("Stop requested for plan %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "mark a stale running plan cancelled on disk")

	return cmd
}
