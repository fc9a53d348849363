package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/helmsman-dev/helmsman/pkg/artifacts"
	"github.com/helmsman-dev/helmsman/pkg/audit"
	"github.com/helmsman-dev/helmsman/pkg/config"
	"github.com/helmsman-dev/helmsman/pkg/engine"
	"github.com/helmsman-dev/helmsman/pkg/permissions"
	"github.com/helmsman-dev/helmsman/pkg/stores"
	"github.com/helmsman-dev/helmsman/pkg/telemetry"
	"github.com/helmsman-dev/helmsman/pkg/tools"
)

// app wires the full orchestrator stack for one command invocation. State
// lives under the home directory: plans/, artifacts/, logs/, config/ and
// state.db.
type app struct {
	home      string
	logger    zerolog.Logger
	audit     *audit.Logger
	perms     *permissions.Engine
	registry  *tools.Registry
	artifacts *artifacts.Store
	planStore *engine.FileStore
	index     *stores.SQLiteStore
	config    *config.Store
	metrics   *telemetry.Metrics
	manager   *engine.Manager
}

// resolveHome picks the state directory: --home flag, then HELMSMAN_HOME,
// then ~/.helmsman.
func resolveHome() (string, error) {
	if homePath != "" {
		return homePath, nil
	}
	if env := os.Getenv("HELMSMAN_HOME"); env != "" {
		return env, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(userHome, ".helmsman"), nil
}

// newApp builds the orchestrator stack. Callers must Close it.
func newApp(ctx context.Context) (*app, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, internal(err)
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, internal(fmt.Errorf("failed to create state directory: %w", err))
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, internal(err)
	}
	log.Logger = logger

	index, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(home, "state.db")}, logger)
	if err != nil {
		return nil, internal(err)
	}
	if err := index.Init(ctx); err != nil {
		return nil, internal(err)
	}

	auditLog, err := audit.NewLogger(audit.Options{
		LogDir: filepath.Join(home, "logs"),
		Sinks:  []audit.Sink{index},
	}, logger)
	if err != nil {
		_ = index.Close()
		return nil, internal(err)
	}

	perms, err := permissions.NewEngine(auditLog, logger)
	if err != nil {
		_ = auditLog.Close()
		_ = index.Close()
		return nil, internal(err)
	}
	rulesPath := filepath.Join(home, "config", "permissions.yaml")
	if _, statErr := os.Stat(rulesPath); statErr == nil {
		if _, loadErr := perms.LoadFile(rulesPath); loadErr != nil {
			return nil, loadErr
		}
	}

	artStore, err := artifacts.NewStore(filepath.Join(home, "artifacts"), logger)
	if err != nil {
		return nil, internal(err)
	}

	planStore, err := engine.NewFileStore(filepath.Join(home, "plans"), logger)
	if err != nil {
		return nil, internal(err)
	}

	registry := tools.NewRegistry(logger)
	tools.RegisterBuiltins(registry)

	metricsCfg := telemetry.MetricsConfig{}
	if metricsListen != "" {
		metricsCfg = telemetry.MetricsConfig{Enabled: true, ListenAddress: metricsListen}
	}
	metrics, err := telemetry.NewMetrics(metricsCfg)
	if err != nil {
		return nil, internal(err)
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return nil, internal(err)
	}

	// The config directory is optional; scheduler defaults come from
	// system_config.yaml when present.
	var cfgStore *config.Store
	maxConcurrent := 0
	defaultTimeout := 0.0
	if _, statErr := os.Stat(filepath.Join(home, "config")); statErr == nil {
		cfgStore, err = config.NewStore(filepath.Join(home, "config"), logger)
		if err != nil {
			return nil, err
		}
		defaults := cfgStore.SchedulerDefaults()
		maxConcurrent = defaults.MaxConcurrentSteps
		defaultTimeout = float64(defaults.DefaultTimeoutSeconds)
	}

	executor := engine.NewExecutor(registry, perms, artStore, auditLog, metrics, nil, logger)
	scheduler := engine.NewScheduler(planStore, executor, auditLog, metrics, logger)
	manager, err := engine.NewManager(engine.ManagerConfig{
		Store:                 planStore,
		Scheduler:             scheduler,
		Audit:                 auditLog,
		Metrics:               metrics,
		RunIndex:              index,
		MaxConcurrentSteps:    maxConcurrent,
		DefaultTimeoutSeconds: defaultTimeout,
		CreatedBy:             "helmsman-cli",
	}, logger)
	if err != nil {
		return nil, internal(err)
	}

	return &app{
		home:      home,
		logger:    logger,
		audit:     auditLog,
		perms:     perms,
		registry:  registry,
		artifacts: artStore,
		planStore: planStore,
		index:     index,
		config:    cfgStore,
		metrics:   metrics,
		manager:   manager,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.config != nil {
		a.config.Close()
	}
	if err := a.audit.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close audit journal")
	}
	if err := a.index.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close state database")
	}
}

// journalPath is the location of the audit journal file.
func (a *app) journalPath() string {
	return filepath.Join(a.home, "logs", audit.JournalFileName)
}

// formatTime renders timestamps for table output.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
