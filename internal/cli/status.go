package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Probe  bool
	List   bool
	Filter string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and connectivity status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Probe, "probe", true, "probe the backend before reporting")
	cmd.Flags().BoolVarP(&opts.List, "list", "l", false, "list queued operations")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only list operations in this state (pending, in_flight, failed, succeeded)")

	return cmd
}

type statusReport struct {
	DeviceID   string            `json:"device_id"`
	Snapshot   status.Snapshot   `json:"status"`
	Operations []queue.Operation `json:"operations,omitempty"`
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	var filter queue.Status
	if opts.Filter != "" {
		filter = queue.Status(strings.ReplaceAll(strings.ToLower(opts.Filter), "-", "_"))
		switch filter {
		case queue.StatusPending, queue.StatusInFlight, queue.StatusFailed, queue.StatusSucceeded:
		default:
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown state %q", opts.Filter))
		}
	}

	ctx := cmd.Context()
	m, _, err := opts.openManager(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	if opts.Probe {
		m.Probe(ctx)
	}
	report := statusReport{DeviceID: m.DeviceID(), Snapshot: m.Status()}
	if opts.List || filter != "" {
		report.Operations = m.Store().List(func(op *queue.Operation) bool {
			return filter == "" || op.Status == filter
		})
	}

	return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Result(report, func(w io.Writer) {
		fmt.Fprintln(w, renderStatus(report.Snapshot, time.Now()))
		if report.Operations != nil {
			fmt.Fprintln(w)
			writeOperations(w, report.Operations)
		}
	})
}

// writeOperations renders ops as a table.
func writeOperations(w io.Writer, ops []queue.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "no operations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tATTEMPTS\tCREATED\tDETAIL")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.Kind, op.Status, op.AttemptCount,
			op.CreatedAt.Local().Format("01-02 15:04:05"), detail(op))
	}
	tw.Flush() //nolint:errcheck
}

func detail(op queue.Operation) string {
	switch {
	case op.Status == queue.StatusFailed && op.Retryable && !op.NextAttemptAt.IsZero():
		return fmt.Sprintf("%s; retry at %s", op.LastError, op.NextAttemptAt.Local().Format("15:04:05"))
	case op.LastError != "":
		return op.LastError
	}
	return ""
}
