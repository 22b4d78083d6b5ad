// Package idempotency prevents a queued operation from being applied to the
// remote service twice, e.g. when the acknowledgment of a successful write
// was lost and the operation is replayed.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/remote"
	"github.com/koncoweb/zeger-app-sub003/internal/storage"
)

const ledgerPrefix = "applied/"

// Action is the outcome of Resolve.
type Action int

const (
	Apply Action = iota
	SkipAlreadyApplied
)

func (a Action) String() string {
	if a == SkipAlreadyApplied {
		return "skip_already_applied"
	}
	return "apply"
}

// Decision explains why an operation is applied or skipped.
type Decision struct {
	Action Action
	// Source is "ledger" or "remote" for skips, "upsert" or "precheck" for applies.
	Source string
}

// Target maps a kind to the remote collection it is written to.
type Target struct {
	Collection     string `json:"collection" yaml:"collection" toml:"collection"`
	ClientIDColumn string `json:"clientIdColumn" yaml:"clientIdColumn" toml:"clientIdColumn"`
	// Upsert is true when ClientIDColumn is unique remotely, so writes carry
	// upsert-by-id semantics and need no pre-check read.
	Upsert bool `json:"upsert" yaml:"upsert" toml:"upsert"`
}

// DefaultTargets returns the collection layout of the production backend.
func DefaultTargets() map[queue.Kind]Target {
	return map[queue.Kind]Target{
		queue.KindCreateTransaction:  {Collection: "transactions", ClientIDColumn: "client_id", Upsert: true},
		queue.KindStockReceive:       {Collection: "stock_movements", ClientIDColumn: "client_id", Upsert: true},
		queue.KindStockReturn:        {Collection: "stock_movements", ClientIDColumn: "client_id", Upsert: true},
		queue.KindAttendanceCheckIn:  {Collection: "attendance", ClientIDColumn: "client_id"},
		queue.KindAttendanceCheckOut: {Collection: "attendance", ClientIDColumn: "client_id"},
	}
}

// Resolver is the only component that writes queued operations remotely.
type Resolver struct {
	svc     remote.Service
	ledger  storage.Backend
	targets map[queue.Kind]Target
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a resolver. ledger persists the ids of operations known to be
// applied; it is usually the same backend as the queue.
func New(svc remote.Service, ledger storage.Backend, targets map[queue.Kind]Target, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if targets == nil {
		targets = DefaultTargets()
	}
	return &Resolver{
		svc:     svc,
		ledger:  ledger,
		targets: targets,
		logger:  logger.With("component", "idempotency"),
		now:     time.Now,
	}
}

func (r *Resolver) target(kind queue.Kind) (Target, error) {
	t, ok := r.targets[kind]
	if !ok || t.Collection == "" {
		return Target{}, &remote.Error{Class: remote.ClassValidation, Message: fmt.Sprintf("no remote collection for kind %s", kind)}
	}
	if t.ClientIDColumn == "" {
		t.ClientIDColumn = "client_id"
	}
	return t, nil
}

// Resolve decides whether op must be written. It consults the local ledger
// first and, for collections without upsert semantics, reads the remote
// service for a row carrying op's id.
func (r *Resolver) Resolve(ctx context.Context, op queue.Operation) (Decision, error) {
	applied, err := r.Applied(ctx, op.ID)
	if err != nil {
		return Decision{}, err
	}
	if applied {
		return Decision{Action: SkipAlreadyApplied, Source: "ledger"}, nil
	}

	t, err := r.target(op.Kind)
	if err != nil {
		return Decision{}, err
	}
	if t.Upsert {
		return Decision{Action: Apply, Source: "upsert"}, nil
	}

	exists, err := r.svc.Exists(ctx, t.Collection, t.ClientIDColumn, op.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("pre-check %s: %w", op.ID, err)
	}
	if exists {
		r.recordApplied(ctx, op.ID)
		return Decision{Action: SkipAlreadyApplied, Source: "remote"}, nil
	}
	return Decision{Action: Apply, Source: "precheck"}, nil
}

// Apply writes op to its collection with its id attached and records it in
// the ledger.
func (r *Resolver) Apply(ctx context.Context, op queue.Operation) (remote.Record, error) {
	t, err := r.target(op.Kind)
	if err != nil {
		return nil, err
	}

	rec := remote.Record{}
	if err := json.Unmarshal(op.Payload, &rec); err != nil {
		return nil, &remote.Error{Class: remote.ClassValidation, Collection: t.Collection, Err: fmt.Errorf("decode payload: %w", err)}
	}
	rec[t.ClientIDColumn] = op.ID

	req := remote.WriteRequest{
		Collection:     t.Collection,
		Record:         rec,
		IdempotencyKey: op.ID,
	}
	if t.Upsert {
		req.ConflictColumn = t.ClientIDColumn
	}

	out, err := r.svc.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	r.recordApplied(ctx, op.ID)
	return out, nil
}

// Dispatch resolves op and applies it when needed.
func (r *Resolver) Dispatch(ctx context.Context, op queue.Operation) (Decision, error) {
	d, err := r.Resolve(ctx, op)
	if err != nil || d.Action == SkipAlreadyApplied {
		if err == nil {
			r.logger.Info("operation already applied", "id", op.ID, "kind", op.Kind, "source", d.Source)
		}
		return d, err
	}
	if _, err := r.Apply(ctx, op); err != nil {
		return d, err
	}
	return d, nil
}

// Applied reports whether id is recorded in the ledger.
func (r *Resolver) Applied(ctx context.Context, id string) (bool, error) {
	_, err := r.ledger.Get(ctx, ledgerPrefix+id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read ledger: %w", err)
	}
}

// RecordApplied marks id as applied.
func (r *Resolver) RecordApplied(ctx context.Context, id string) error {
	stamp := r.now().UTC().Format(time.RFC3339Nano)
	if err := r.ledger.Put(ctx, ledgerPrefix+id, []byte(stamp)); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// recordApplied logs ledger failures instead of returning them: the remote
// write already happened and a missing ledger entry only costs a pre-check
// or an idempotent upsert on replay.
func (r *Resolver) recordApplied(ctx context.Context, id string) {
	if err := r.RecordApplied(ctx, id); err != nil {
		r.logger.Warn("ledger update failed", "id", id, "error", err)
	}
}

// PruneLedger removes entries recorded before olderThan.
func (r *Resolver) PruneLedger(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := r.ledger.List(ctx, ledgerPrefix)
	if err != nil {
		return 0, fmt.Errorf("list ledger: %w", err)
	}
	removed := 0
	for _, e := range entries {
		at, err := time.Parse(time.RFC3339Nano, string(e.Value))
		if err == nil && !at.Before(olderThan) {
			continue
		}
		if err := r.ledger.Delete(ctx, e.Key); err != nil {
			return removed, fmt.Errorf("prune ledger: %w", err)
		}
		removed++
	}
	return removed, nil
}
