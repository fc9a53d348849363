package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/pkg/engine"
)

func newPermissionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect and manage permission rules",
	}

	cmd.AddCommand(newPermissionsListCommand())
	cmd.AddCommand(newPermissionsShowCommand())
	cmd.AddCommand(newPermissionsCheckCommand())
	cmd.AddCommand(newPermissionsToggleCommand("enable", true))
	cmd.AddCommand(newPermissionsToggleCommand("disable", false))

	return cmd
}

func newPermissionsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List permission rules by priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rules := a.perms.Rules()
			if jsonOutput {
				return printJSON(rules)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tLEVEL\tENABLED\tTOOLS\tNAME")
			for _, rule := range rules {
				fmt.Fprintf(w, "%s\t%d\t%s\t%v\t%v\t%s\n",
					rule.ID, rule.Priority, rule.PermissionLevel, rule.Enabled,
					rule.ToolNames, rule.Name)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newPermissionsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <ruleId>",
		Short: "Show one permission rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rule, ok := a.perms.GetRule(args[0])
			if !ok {
				return engine.NewPermanentError(
					fmt.Sprintf("permission rule not found: %s", args[0]), nil).
					WithCode(engine.ErrCodeConfigValidation).WithResource(args[0])
			}

			if jsonOutput {
				return printJSON(rule)
			}
			fmt.Printf("ID:          %s\n", rule.ID)
			fmt.Printf("Name:        %s\n", rule.Name)
			fmt.Printf("Description: %s\n", rule.Description)
			fmt.Printf("Type:        %s\n", rule.ResourceType)
			fmt.Printf("Pattern:     %s\n", rule.ResourcePattern)
			fmt.Printf("Tools:       %v\n", rule.ToolNames)
			fmt.Printf("Level:       %s\n", rule.PermissionLevel)
			fmt.Printf("Priority:    %d\n", rule.Priority)
			fmt.Printf("Enabled:     %v\n", rule.Enabled)
			return nil
		},
	}

	return cmd
}

func newPermissionsCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <tool> <resource> <action>",
		Short: "Evaluate a permission check without executing anything",
		Example: `  helmsman permissions check bash_execute "rm -rf /etc" execute
  helmsman permissions check read_file /srv/data/report.txt read`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			decision := a.perms.Decide(args[0], args[1], args[2])
			if jsonOutput {
				return printJSON(map[string]interface{}{
					"allowed":  decision.Allowed,
					"rule_id":  decision.RuleID,
					"level":    decision.Level,
					"required": decision.Required,
				})
			}

			verdict := "ALLOWED"
			if !decision.Allowed {
				verdict = "DENIED"
			}
			rule := decision.RuleID
			if rule == "" {
				rule = "(default level)"
			}
			fmt.Printf("%s: %s granted %s, action requires %s\n",
				verdict, rule, decision.Level, decision.Required)

			if !decision.Allowed {
				return engine.NewPermanentError("permission denied", nil).
					WithCode(engine.ErrCodePermissionDenied).WithResource(args[1])
			}
			return nil
		},
	}

	return cmd
}

func newPermissionsToggleCommand(use string, enable bool) *cobra.Command {
	short := "Enable a permission rule"
	if !enable {
		short = "Disable a permission rule"
	}

	cmd := &cobra.Command{
		Use:   use + " <ruleId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var toggleErr error
			if enable {
				toggleErr = a.perms.EnableRule(args[0])
			} else {
				toggleErr = a.perms.DisableRule(args[0])
			}
			if toggleErr != nil {
				return engine.NewPermanentError(toggleErr.Error(), nil).
					WithCode(engine.ErrCodeConfigValidation).WithResource(args[0])
			}

			fmt.Printf("Rule %s %sd\n", args[0], use)
			return nil
		},
	}

	return cmd
}
