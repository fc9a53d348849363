package commands

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/pkg/audit"
	"github.com/helmsman-dev/helmsman/pkg/engine"
	"github.com/helmsman-dev/helmsman/pkg/stores"
)

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the security audit log",
		Long: `Query the security audit log.

Queries run against the durable SQLite index, so events from previous
sessions are visible. The append-only journal under logs/ remains the
authoritative record.`,
	}

	cmd.AddCommand(newLogsRecentCommand())
	cmd.AddCommand(newLogsTypedCommand("security", "Show security-relevant events",
		[]audit.EventType{audit.EventPermissionDenied, audit.EventSandboxViolation,
			audit.EventSuspiciousActivity, audit.EventSecretDetected}))
	cmd.AddCommand(newLogsTypedCommand("permissions", "Show permission checks and denials",
		[]audit.EventType{audit.EventPermissionCheck, audit.EventPermissionDenied}))
	cmd.AddCommand(newLogsTypedCommand("secrets", "Show secret detection events",
		[]audit.EventType{audit.EventSecretDetected, audit.EventSecretRedacted}))
	cmd.AddCommand(newLogsTypedCommand("tools", "Show tool execution events",
		[]audit.EventType{audit.EventToolExecution}))
	cmd.AddCommand(newLogsPlansCommand())
	cmd.AddCommand(newLogsErrorsCommand())
	cmd.AddCommand(newLogsSummaryCommand())
	cmd.AddCommand(newLogsExportCommand())
	cmd.AddCommand(newLogsClearCommand())

	return cmd
}

func newLogsRecentCommand() *cobra.Command {
	var (
		limit     int
		eventType string
		runID     string
		planID    string
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.index.QueryAuditEvents(cmd.Context(), stores.AuditQuery{
				Type:   eventType,
				RunID:  runID,
				PlanID: planID,
				Limit:  limit,
			})
			if err != nil {
				return internal(err)
			}
			return printEvents(events)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum events to show")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().StringVar(&planID, "plan", "", "filter by plan id")

	return cmd
}

func newLogsTypedCommand(use, short string, types []audit.EventType) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := queryTypes(cmd.Context(), a, limit, types)
			if err != nil {
				return internal(err)
			}
			return printEvents(events)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum events to show")

	return cmd
}

func newLogsPlansCommand() *cobra.Command {
	var (
		limit  int
		planID string
	)

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Show the run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.index.ListRuns(cmd.Context(), planID, limit)
			if err != nil {
				return internal(err)
			}

			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPLAN\tSTATUS\tSTARTED\tCOMPLETED\tERROR")
			for _, run := range runs {
				completed := "-"
				if run.CompletedAt != nil {
					completed = formatTime(*run.CompletedAt)
				}
				errMsg := ""
				if run.Error != nil {
					errMsg = *run.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.PlanID, run.Status, formatTime(run.StartedAt), completed, errMsg)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum runs to show")
	cmd.Flags().StringVar(&planID, "plan", "", "filter by plan id")

	return cmd
}

func newLogsErrorsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show error and critical events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var events []audit.Event
			for _, severity := range []audit.Severity{audit.SeverityError, audit.SeverityCritical} {
				batch, err := a.index.QueryAuditEvents(cmd.Context(), stores.AuditQuery{
					Severity: string(severity),
					Limit:    limit,
				})
				if err != nil {
					return internal(err)
				}
				events = append(events, batch...)
			}
			sortEventsDesc(events)
			if limit > 0 && len(events) > limit {
				events = events[:limit]
			}
			return printEvents(events)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum events to show")

	return cmd
}

func newLogsSummaryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate event counts by type and severity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.index.QueryAuditEvents(cmd.Context(), stores.AuditQuery{Limit: limit})
			if err != nil {
				return internal(err)
			}

			byType := make(map[string]int)
			bySeverity := make(map[string]int)
			for _, e := range events {
				byType[string(e.Type)]++
				bySeverity[string(e.Severity)]++
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"total":       len(events),
					"by_type":     byType,
					"by_severity": bySeverity,
				})
			}

			fmt.Printf("Events inspected: %d (most recent)\n\nBy type:\n", len(events))
			for _, key := range sortedKeys(byType) {
				fmt.Printf("  %-22s %d\n", key, byType[key])
			}
			fmt.Println("\nBy severity:")
			for _, key := range sortedKeys(bySeverity) {
				fmt.Printf("  %-22s %d\n", key, bySeverity[key])
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 1000, "number of recent events to aggregate")

	return cmd
}

func newLogsExportCommand() *cobra.Command {
	var (
		format string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Export audit events to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.index.QueryAuditEvents(cmd.Context(), stores.AuditQuery{Limit: limit})
			if err != nil {
				return internal(err)
			}

			switch format {
			case "json":
				err = exportJSON(args[0], events)
			case "csv":
				err = exportCSV(args[0], events)
			default:
				return engine.NewPermanentError(
					fmt.Sprintf("unsupported export format %q", format), nil).
					WithCode(engine.ErrCodeConfigValidation)
			}
			if err != nil {
				return internal(err)
			}

			fmt.Printf("Exported %d events to %s\n", len(events), args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "export format: json or csv")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10000, "maximum events to export")

	return cmd
}

func newLogsClearCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Truncate the audit journal",
		Long: `Truncate the append-only journal file.

The SQLite index keeps its copy of past events; only the journal file is
emptied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return engine.NewPermanentError(
					"refusing to clear the audit journal without --yes", nil).
					WithCode(engine.ErrCodeConfigValidation)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.audit.Clear()
			if err := os.Truncate(a.journalPath(), 0); err != nil && !os.IsNotExist(err) {
				return internal(fmt.Errorf("failed to truncate audit journal: %w", err))
			}
			fmt.Println("Audit journal cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive operation")

	return cmd
}

// queryTypes merges per-type index queries into one list, newest first.
func queryTypes(ctx context.Context, a *app, limit int, types []audit.EventType) ([]audit.Event, error) {
	var events []audit.Event
	for _, t := range types {
		batch, err := a.index.QueryAuditEvents(ctx, stores.AuditQuery{
			Type:  string(t),
			Limit: limit,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, batch...)
	}
	sortEventsDesc(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func sortEventsDesc(events []audit.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// printEvents renders events as a table or JSON.
func printEvents(events []audit.Event) error {
	if jsonOutput {
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tTYPE\tSEVERITY\tACTOR\tRESULT\tRESOURCE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(e.Timestamp), e.Type, e.Severity, e.Actor, e.Result, e.Resource)
	}
	return w.Flush()
}

func exportJSON(path string, events []audit.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func exportCSV(path string, events []audit.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	header := []string{"timestamp", "event_type", "severity", "actor", "resource", "action", "result", "run_id", "plan_id", "tool_name"}
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return err
	}
	for _, e := range events {
		record := []string{
			e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			string(e.Type), string(e.Severity), e.Actor,
			e.Resource, e.Action, e.Result, e.RunID, e.PlanID, e.ToolName,
		}
		if err := w.Write(record); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
