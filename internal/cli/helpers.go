package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/koncoweb/zeger-app-sub003/internal/cloudsync"
	"github.com/koncoweb/zeger-app-sub003/internal/config"
)

// loadConfig reads the config file. A missing file yields the defaults; with
// create set the defaults are also written so the operator has a file to
// edit.
func (o *RootOptions) loadConfig(logger *slog.Logger, create bool) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	cfg = config.DefaultConfig()
	// Keep the queue next to the config file the operator pointed at.
	cfg.Server.DataDir = filepath.Join(filepath.Dir(o.ConfigPath), "data")
	if create {
		if err := cfg.Save(o.ConfigPath); err != nil {
			return nil, WrapExitError(ExitCommandError, "save default config", err)
		}
		logger.Info("default config created", "path", o.ConfigPath)
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, WrapExitError(ExitCommandError, "create data dir", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Its level is held in a LevelVar so a
// config reload can change it in place.
func (o *RootOptions) newLogger(w io.Writer, level string) *slog.Logger {
	if o.level == nil {
		o.level = new(slog.LevelVar)
	}
	o.setLevel(level)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: o.level}))
}

func (o *RootOptions) setLevel(level string) {
	if o.Verbose {
		o.level.Set(slog.LevelDebug)
		return
	}
	o.level.Set(config.ParseLogLevel(level))
}

// openManager loads config and opens the sync core for a one-shot command.
// The caller must Close the manager.
func (o *RootOptions) openManager(ctx context.Context, stderr io.Writer) (*cloudsync.Manager, *slog.Logger, error) {
	logger := o.newLogger(stderr, "info")
	cfg, err := o.loadConfig(logger, false)
	if err != nil {
		return nil, nil, err
	}
	o.setLevel(cfg.Server.LogLevel)

	m, err := cloudsync.NewManager(ctx, cfg, logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open sync core", err)
	}
	return m, logger, nil
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
