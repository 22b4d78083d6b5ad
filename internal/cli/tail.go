package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/remote"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	Event  string
	Filter string
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail <table|kind>",
		Short: "Stream row changes from the backend",
		Long: `Stream row changes from the backend's realtime service.

Useful for checking from the back office that a rider's queue is arriving.

Example:
  zeger-sync tail stock-receive --filter rider_id=eq.r1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Event, "event", "*", "change type: *, INSERT, UPDATE or DELETE")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "row filter such as rider_id=eq.r1")

	return cmd
}

func runTail(opts *TailOptions, target string, cmd *cobra.Command) error {
	logger := opts.newLogger(cmd.ErrOrStderr(), "info")
	cfg, err := opts.loadConfig(logger, false)
	if err != nil {
		return err
	}
	opts.setLevel(cfg.Server.LogLevel)

	table := target
	if kind, err := queue.ParseKind(target); err == nil {
		if c, ok := cfg.Remote.Collections[string(kind)]; ok {
			table = c.Name
		}
	}
	event := strings.ToUpper(opts.Event)
	switch event {
	case "*", "INSERT", "UPDATE", "DELETE":
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown event %q", opts.Event))
	}

	var token *remote.Token
	if cfg.Remote.AuthToken != "" {
		if token, err = remote.ParseToken(cfg.Remote.AuthToken); err != nil {
			return WrapExitError(ExitCommandError, "tail", err)
		}
	}
	rt, err := remote.NewRealtime(cfg.Remote.URL, cfg.Remote.APIKey, token, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "tail", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	return rt.Subscribe(ctx, remote.Filter{Table: table, Event: event, Predicate: opts.Filter}, func(c remote.Change) {
		if opts.Format == "json" {
			enc.Encode(c) //nolint:errcheck
			return
		}
		fmt.Fprintf(out, "%s %s.%s %s\n", c.CommitAt, c.Table, c.Type, formatRecord(c.Record))
	})
}

// formatRecord prints r as sorted key=value pairs.
func formatRecord(r remote.Record) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r[k]))
	}
	return strings.Join(parts, " ")
}
