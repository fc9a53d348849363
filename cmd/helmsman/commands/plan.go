package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and manage execution plans",
	}

	cmd.AddCommand(newPlanCreateCommand())
	cmd.AddCommand(newPlanListCommand())
	cmd.AddCommand(newPlanShowCommand())
	cmd.AddCommand(newPlanDeleteCommand())

	return cmd
}

func newPlanCreateCommand() *cobra.Command {
	var (
		title       string
		description string
		planContext map[string]string
	)

	cmd := &cobra.Command{
		Use:   "create <objective>",
		Short: "Generate a plan from an objective",
		Long: `Generate an execution plan from a natural-language objective.

The step generator maps the objective to tool invocations, validates the
dependency graph, and persists the plan ready for execution with 'run'.`,
		Example: `  # Survey a directory
  helmsman plan create "list the files in '/srv/data'"

  # Pass generation context
  helmsman plan create "run the backup" --context command="tar czf /tmp/backup.tgz /srv/data"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			objective := strings.Join(args, " ")
			if title == "" {
				title = objective
			}

			ctxMap := make(map[string]interface{}, len(planContext))
			for k, v := range planContext {
				ctxMap[k] = v
			}

			plan, err := a.manager.CreatePlan(title, description, objective, ctxMap)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(plan)
			}
			fmt.Printf("Created plan %s with %d steps\n", plan.ID, plan.TotalSteps)
			for _, step := range plan.Steps {
				marker := " "
				if step.RequiresApproval {
					marker = "!"
				}
				fmt.Printf("  [%s] %s  %s (%s)\n", marker, step.ID, step.ToolName, step.RiskLevel)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "plan title (defaults to the objective)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "plan description")
	cmd.Flags().StringToStringVar(&planContext, "context", nil, "generation context as key=value pairs")

	return cmd
}

func newPlanListCommand() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.manager.ListPlans(engine.PlanStatus(statusFilter))
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(summaries)
			}
			if len(summaries) == 0 {
				fmt.Println("No plans found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tCREATED\tTITLE")
			for _, s := range summaries {
				if s.LoadError != "" {
					fmt.Fprintf(w, "%s\tunreadable\t-\t-\t%s\n", s.ID, s.LoadError)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
					s.ID, s.Status, s.CompletedSteps, s.TotalSteps,
					formatTime(s.CreatedAt), s.Title)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "filter by plan status")

	return cmd
}

func newPlanShowCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "show <planId>",
		Short: "Show a plan and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.manager.LoadPlan(args[0])
			if err != nil {
				return err
			}

			if dotFile != "" {
				dot := engine.ToDOT(plan)
				if dotFile == "-" {
					fmt.Print(dot)
					return nil
				}
				if err := os.WriteFile(dotFile, []byte(dot), 0o644); err != nil {
					return internal(fmt.Errorf("failed to write DOT file: %w", err))
				}
				fmt.Printf("Wrote dependency graph to %s\n", dotFile)
				return nil
			}

			if jsonOutput {
				return printJSON(plan)
			}

			fmt.Printf("Plan:    %s\n", plan.ID)
			fmt.Printf("Title:   %s\n", plan.Title)
			fmt.Printf("Status:  %s\n", plan.Status)
			fmt.Printf("Created: %s\n", formatTime(plan.CreatedAt))
			fmt.Printf("Steps:   %d total, %d completed, %d failed, %d skipped\n",
				plan.TotalSteps, plan.CompletedSteps, plan.FailedSteps, plan.SkippedSteps)
			fmt.Println()
			for _, step := range plan.Steps {
				fmt.Printf("  %s  %-10s %s (%s)", step.ID, step.Status, step.ToolName, step.RiskLevel)
				if len(step.DependsOn) > 0 {
					fmt.Printf(" after %s", strings.Join(step.DependsOn, ", "))
				}
				fmt.Println()
				if step.ErrorMessage != "" {
					fmt.Printf("        error: %s\n", step.ErrorMessage)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format ('-' for stdout)")

	return cmd
}

func newPlanDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <planId>",
		Short: "Delete a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.DeletePlan(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted plan %s\n", args[0])
			return nil
		},
	}

	return cmd
}

// printJSON writes the value as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
