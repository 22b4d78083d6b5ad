// Package cli implements the zeger-sync command line: a daemon that keeps the
// rider queue draining, plus one-shot commands for operators and field
// support.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool

	level *slog.LevelVar
}

// NewRootCommand creates the root command with all subcommands.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{level: new(slog.LevelVar)}

	cmd := &cobra.Command{
		Use:   "zeger-sync",
		Short: "Offline-first sync core for the Zeger rider app",
		Long: `zeger-sync queues rider mutations locally and delivers them to the
backend when the device is reachable.

Sales, stock movements and attendance are recorded even without a network.
Each operation is sent at most once per id; operations that fail for good
are kept for review instead of being dropped.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be 'text' or 'json'", opts.Format))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "zeger-sync.yaml", "config file (.json, .yaml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format: text|json")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewInitRemoteCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))

	return cmd
}
