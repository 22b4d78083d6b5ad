package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Payload string
	File    string
	Sync    bool
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <kind>",
		Short: "Queue an operation for delivery",
		Long: `Queue an operation for delivery.

Kinds: create-transaction, stock-receive, stock-return,
attendance-check-in, attendance-check-out.

The payload is read from --payload, from --file, or from stdin with --file -.

Example:
  zeger-sync enqueue stock-receive --payload '{"rider_id":"r1","branch_id":"b1","product_id":"kopi-susu","movement_type":"in","quantity":12}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "", "payload as JSON")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the payload from a file, - for stdin")
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "drain the queue right after enqueueing")

	return cmd
}

func readPayload(opts *EnqueueOptions, stdin io.Reader) (json.RawMessage, error) {
	switch {
	case opts.Payload != "" && opts.File != "":
		return nil, fmt.Errorf("use either --payload or --file")
	case opts.Payload != "":
		return json.RawMessage(opts.Payload), nil
	case opts.File == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	case opts.File != "":
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("a payload is required (--payload or --file)")
}

func runEnqueue(opts *EnqueueOptions, kindArg string, cmd *cobra.Command) error {
	kind, err := queue.ParseKind(kindArg)
	if err != nil {
		return WrapExitError(ExitCommandError, "enqueue", err)
	}
	payload, err := readPayload(opts, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "enqueue", err)
	}
	if !json.Valid(payload) {
		return NewExitError(ExitCommandError, "enqueue: payload is not valid JSON")
	}

	ctx := cmd.Context()
	m, _, err := opts.openManager(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	id, err := m.Enqueue(ctx, kind, payload)
	if err != nil {
		return WrapExitError(ExitCommandError, "enqueue", err)
	}

	out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
	result := map[string]interface{}{"id": id, "kind": kind}
	var summary *status.SessionSummary
	if opts.Sync {
		sess, err := m.SyncNow(ctx)
		if err != nil {
			out.Printf("queued %s %s; sync skipped: %v\n", kind, id, err)
			result["sync_error"] = err.Error()
			return out.Result(result, func(io.Writer) {})
		}
		sum := sess.Summary()
		summary = &sum
		result["session"] = sum
	}
	return out.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "queued %s %s\n", kind, id)
		if summary != nil {
			writeSummary(w, *summary)
		}
	})
}
