//go:build !windows

package cli

import (
	"log/slog"
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Unix systems
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// handlePlatformSignal handles platform-specific signals, returns true if the
// daemon should keep running.
func handlePlatformSignal(sig os.Signal, logger *slog.Logger, reload func()) bool {
	if sig == syscall.SIGHUP {
		logger.Info("reload signal received")
		reload()
		return true
	}
	return false
}
