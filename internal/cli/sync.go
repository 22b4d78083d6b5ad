package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/koncoweb/zeger-app-sub003/internal/cloudsync"
	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

// SyncOptions holds flags for the sync and retry commands.
type SyncOptions struct {
	*RootOptions
	Timeout time.Duration
	Sync    bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once",
		Long: `Probe the backend and deliver every pending operation once.

Exits 1 when the backend is unreachable, the session was cut short, or any
operation failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "give up on the session after this long")
	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	m, _, err := opts.openManager(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	sess, err := m.SyncNow(ctx)
	if errors.Is(err, cloudsync.ErrOffline) {
		return WrapExitError(ExitFailure, "sync", err)
	}
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	summary := sess.Summary()
	out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
	if err := out.Result(summary, func(w io.Writer) { writeSummary(w, summary) }); err != nil {
		return err
	}
	if summary.Aborted {
		return NewExitError(ExitFailure, "sync aborted: "+summary.AbortReason)
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, plural(summary.Failed, "operation")+" failed")
	}
	return nil
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Move failed operations back to pending",
		Long: `Move every failed operation back to pending, including those that
failed for good, so they are sent again on the next drain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, _, err := opts.openManager(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck

			n, err := m.RetryFailedSync(ctx)
			if err != nil {
				return fmt.Errorf("retry: %w", err)
			}
			result := map[string]interface{}{"requeued": n}
			var summary *status.SessionSummary
			if opts.Sync && n > 0 {
				sess, err := m.SyncNow(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "sync after retry", err)
				}
				s := sess.Summary()
				summary = &s
				result["session"] = s
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Result(result, func(w io.Writer) {
				fmt.Fprintf(w, "%s requeued\n", plural(n, "operation"))
				if summary != nil {
					writeSummary(w, *summary)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "drain the queue after requeueing")
	return cmd
}

func writeSummary(w io.Writer, s status.SessionSummary) {
	fmt.Fprintf(w, "session %s: %d total, %d succeeded, %d failed, %d skipped",
		s.ID, s.Total, s.Succeeded, s.Failed, s.Skipped)
	if !s.CompletedAt.IsZero() {
		fmt.Fprintf(w, " in %s", s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	if s.Aborted {
		fmt.Fprintf(w, " (aborted: %s)", s.AbortReason)
	}
	fmt.Fprintln(w)
}
