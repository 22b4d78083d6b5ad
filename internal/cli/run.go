package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/koncoweb/zeger-app-sub003/internal/cloudsync"
	"github.com/koncoweb/zeger-app-sub003/internal/config"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	WatchConfig   bool
	WatchInterval time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon until interrupted.

The daemon probes connectivity, drains the queue whenever the backend is
reachable, retries transient failures on a backoff schedule and prunes old
operations. A default config is written when none exists.

SIGHUP reloads the config file; sync and logging settings apply without a
restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.WatchConfig, "watch-config", false, "reload the config file when it changes")
	cmd.Flags().DurationVar(&opts.WatchInterval, "watch-interval", 5*time.Second, "config file poll interval")

	return cmd
}

func runDaemon(ctx context.Context, opts *RunOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), "info")
	cfg, err := opts.loadConfig(logger, true)
	if err != nil {
		return err
	}
	opts.setLevel(cfg.Server.LogLevel)

	m, err := cloudsync.NewManager(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "open sync core", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Error("close sync core", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start sync core: %w", err)
	}
	logger.Info("zeger-sync started",
		"version", Version,
		"device", m.DeviceID(),
		"config", opts.ConfigPath,
		"storage", cfg.StoragePath())

	reload := func() { reloadConfig(opts.RootOptions, cfg, m, logger) }
	if opts.WatchConfig {
		w := config.NewWatcher(opts.ConfigPath, opts.WatchInterval, logger, reload)
		w.Start()
		defer w.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			// Platform-specific signals (SIGHUP on Unix)
			if handlePlatformSignal(sig, logger, reload) {
				continue
			}
			logger.Info("shutdown signal received", "signal", sig)
			break loop
		}
	}

	logger.Info("shutting down", "pending", m.Status().PendingCount)
	return m.Stop()
}

// reloadConfig re-reads the config file and applies what can change at
// runtime.
func reloadConfig(opts *RootOptions, cfg *config.Config, m *cloudsync.Manager, logger *slog.Logger) {
	result, err := cfg.Reload(opts.ConfigPath)
	if err != nil {
		logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(logger)
	if len(result.Applied) == 0 {
		return
	}

	if result.Has("Server.LogLevel") {
		config.RLock()
		level := cfg.Server.LogLevel
		config.RUnlock()
		opts.setLevel(level)
	}
	if err := m.ApplyConfig(cfg); err != nil {
		logger.Error("apply reloaded config", "error", err)
	}
}
