package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/koncoweb/zeger-app-sub003/internal/cloudsync"
	"github.com/koncoweb/zeger-app-sub003/internal/queue"
)

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <operation-id>...",
		Short: "Drop pending or failed operations without sending them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, _, err := rootOpts.openManager(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck

			var discarded []string
			var errs []error
			for _, id := range args {
				if err := m.Discard(ctx, id); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				discarded = append(discarded, id)
			}

			out := NewOutputFormatter(rootOpts.Format, cmd.OutOrStdout())
			if err := out.Result(map[string]interface{}{"discarded": discarded}, func(w io.Writer) {
				for _, id := range discarded {
					fmt.Fprintf(w, "discarded %s\n", id)
				}
			}); err != nil {
				return err
			}
			if len(errs) > 0 {
				return WrapExitError(ExitFailure, "discard", errors.Join(errs...))
			}
			return nil
		},
	}
}

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	OlderThan time.Duration
	Statuses  []string
	Expired   bool
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove finished operations",
		Long: `Remove finished operations from the local queue.

By default succeeded operations completed more than --older-than ago are
removed. Failed operations are only removed when asked for with
--status failed. --expired applies the retention windows from the config
instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 72*time.Hour, "only remove operations finished before this long ago")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", []string{"succeeded"}, "states to remove: succeeded, failed")
	cmd.Flags().BoolVar(&opts.Expired, "expired", false, "apply the configured retention windows")

	return cmd
}

func runPrune(opts *PruneOptions, cmd *cobra.Command) error {
	var statuses []queue.Status
	for _, s := range opts.Statuses {
		st := queue.Status(strings.ToLower(strings.TrimSpace(s)))
		if !st.Terminal() {
			return NewExitError(ExitCommandError, fmt.Sprintf("cannot prune %q operations", s))
		}
		statuses = append(statuses, st)
	}

	ctx := cmd.Context()
	m, _, err := opts.openManager(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	var n int
	if opts.Expired {
		n, err = m.PruneExpired(ctx)
	} else {
		n, err = m.Prune(ctx, time.Now().Add(-opts.OlderThan), statuses...)
	}
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Result(map[string]int{"pruned": n}, func(w io.Writer) {
		fmt.Fprintf(w, "%s pruned\n", plural(n, "operation"))
	})
}

// NewInitRemoteCommand creates the init-remote command.
func NewInitRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-remote",
		Short: "Create the backend tables on a libSQL remote",
		Long: `Create the tables queued operations are written to.

Only the libsql driver manages schema; hosted REST backends are migrated on
the server side.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, _, err := rootOpts.openManager(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck

			if err := m.InitRemote(ctx); err != nil {
				if errors.Is(err, cloudsync.ErrNoSchemaSupport) {
					return WrapExitError(ExitCommandError, "init-remote", err)
				}
				return fmt.Errorf("init-remote: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "remote schema ready")
			return nil
		},
	}
}
