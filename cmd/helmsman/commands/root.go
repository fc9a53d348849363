package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/pkg/engine"
)

var (
	// Global flags
	homePath      string
	verbose       bool
	jsonOutput    bool
	metricsListen string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "helmsman",
		Short: "Helmsman - Autonomous Execution Orchestrator",
		Long: `Helmsman plans and executes multi-step tool workflows with dependency
ordering, bounded concurrency, approval gates, and a full security audit
trail.

Features:
  - Objective-driven plan generation
  - Dependency-ordered concurrent step execution
  - Risk-based approval gates for hazardous steps
  - Policy-driven permission engine
  - Content-addressed artifact capture per run
  - Append-only security audit log with a durable SQLite index`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&homePath, "home", "", "state directory (default $HELMSMAN_HOME or ~/.helmsman)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (e.g. :9090)")

	// Add subcommands
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newPermissionsCommand())

	return rootCmd
}

// internalError marks failures of the orchestrator itself rather than of the
// user's request.
type internalError struct {
	err error
}

func (e *internalError) Error() string { return e.err.Error() }

func (e *internalError) Unwrap() error { return e.err }

func internal(err error) error {
	if err == nil {
		return nil
	}
	return &internalError{err: err}
}

// ExitCode maps an error to the process exit code: 0 success, 1 user error,
// 2 internal failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ie *internalError
	if errors.As(err, &ie) {
		return 2
	}
	switch engine.CodeOf(err) {
	case engine.ErrCodeStorageError, engine.ErrCodeStepExecutionError:
		return 2
	default:
		return 1
	}
}
