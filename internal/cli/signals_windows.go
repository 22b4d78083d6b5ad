//go:build windows

package cli

import (
	"log/slog"
	"os"
	"syscall"
)

func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// handlePlatformSignal never handles anything on Windows; use --watch-config
// to reload.
func handlePlatformSignal(sig os.Signal, logger *slog.Logger, reload func()) bool {
	return false
}
