// Package queue is the durable local queue of mutations created while the
// rider device may be offline. It owns persistence of every Operation and
// enforces the status machine pending -> in_flight -> succeeded | failed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koncoweb/zeger-app-sub003/internal/storage"
)

const keyPrefix = "op/"

// EventType describes what happened to an operation.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventInFlight  EventType = "in_flight"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventRequeued  EventType = "requeued"
	EventDiscarded EventType = "discarded"
	EventPruned    EventType = "pruned"
)

// classified is implemented by errors that carry a failure class, such as
// remote.Error.
type classified interface {
	ErrorClass() string
}

// Event is delivered to subscribers after every committed change.
type Event struct {
	Type EventType
	Op   Operation
}

// Counts is a point-in-time tally of operations by status.
type Counts struct {
	Pending   int
	InFlight  int
	Succeeded int
	Failed    int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the local queue. All methods are safe for concurrent use.
// Writers are serialized by wmu and persist before taking mu, so readers
// never wait on the backend.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger
	now     func() time.Time

	wmu sync.Mutex // serializes mutations and seq
	mu  sync.RWMutex
	ops map[string]*Operation
	seq int64

	lmu       sync.Mutex
	listeners map[int]func(Event)
	nextLID   int
}

// Open loads every persisted operation from backend. Operations that were
// in flight when the process stopped are moved back to pending; their remote
// outcome is unknown and the idempotency resolver decides on replay.
func Open(ctx context.Context, backend storage.Backend, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:   backend,
		logger:    logger.With("component", "queue"),
		now:       time.Now,
		ops:       make(map[string]*Operation),
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}

	entries, err := backend.List(ctx, keyPrefix)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	recovered := 0
	for _, e := range entries {
		var op Operation
		if err := json.Unmarshal(e.Value, &op); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", e.Key, err)
		}
		if op.Seq > s.seq {
			s.seq = op.Seq
		}
		if op.Status == StatusInFlight {
			op.Status = StatusPending
			op.UpdatedAt = s.now()
			if err := s.persist(ctx, &op); err != nil {
				return nil, &PersistenceError{Op: "recover", ID: op.ID, Err: err}
			}
			recovered++
		}
		s.ops[op.ID] = &op
	}

	s.logger.Info("queue loaded", "operations", len(s.ops), "recovered_in_flight", recovered)
	return s, nil
}

// Enqueue validates payload against kind and durably stores a new pending
// operation. payload may be a json.RawMessage, []byte or any value that
// marshals to the kind's payload shape.
func (s *Store) Enqueue(ctx context.Context, kind Kind, payload interface{}) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("queue: unknown kind %q", kind)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("queue: marshal payload: %w", err)
		}
		raw = b
	}
	if err := validatePayload(kind, raw); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("queue: generate id: %w", err)
	}

	s.wmu.Lock()
	now := s.now()
	op := &Operation{
		ID:        id.String(),
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), raw...),
		CreatedAt: now,
		Seq:       s.seq + 1,
		Status:    StatusPending,
		UpdatedAt: now,
	}
	if err := s.persist(ctx, op); err != nil {
		s.wmu.Unlock()
		return "", &PersistenceError{Op: "enqueue", Err: err}
	}
	s.mu.Lock()
	s.seq = op.Seq
	s.ops[op.ID] = op
	s.mu.Unlock()
	snapshot := *op
	s.wmu.Unlock()

	s.logger.Debug("operation enqueued", "id", op.ID, "kind", kind, "seq", op.Seq)
	s.emit(Event{Type: EventEnqueued, Op: snapshot})
	return op.ID, nil
}

// MarkInFlight claims a pending operation for dispatch and counts the
// attempt. Exactly one concurrent caller wins; the others get
// ErrAlreadyInFlight.
func (s *Store) MarkInFlight(ctx context.Context, id string) (Operation, error) {
	return s.transition(ctx, "mark_in_flight", id, EventInFlight, func(op *Operation, _ time.Time) error {
		switch op.Status {
		case StatusInFlight:
			return ErrAlreadyInFlight
		case StatusPending:
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, StatusInFlight)
		}
		op.Status = StatusInFlight
		op.AttemptCount++
		return nil
	})
}

// MarkSucceeded records a confirmed remote write.
func (s *Store) MarkSucceeded(ctx context.Context, id string) (Operation, error) {
	return s.transition(ctx, "mark_succeeded", id, EventSucceeded, func(op *Operation, now time.Time) error {
		if op.Status != StatusInFlight {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, StatusSucceeded)
		}
		op.Status = StatusSucceeded
		op.LastError = ""
		op.ErrorClass = ""
		op.Retryable = false
		op.NextAttemptAt = time.Time{}
		op.CompletedAt = now
		return nil
	})
}

// MarkFailed records a failed dispatch. A non-zero retryAt makes the
// operation eligible for automatic retry once that time has passed; a zero
// retryAt leaves it for manual retry.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error, retryAt time.Time) (Operation, error) {
	return s.transition(ctx, "mark_failed", id, EventFailed, func(op *Operation, now time.Time) error {
		if op.Status != StatusInFlight {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, StatusFailed)
		}
		op.Status = StatusFailed
		op.LastError, op.ErrorClass = "", ""
		if cause != nil {
			op.LastError = cause.Error()
			var c classified
			if errors.As(cause, &c) {
				op.ErrorClass = c.ErrorClass()
			}
		}
		op.Retryable = !retryAt.IsZero()
		op.NextAttemptAt = retryAt
		op.CompletedAt = now
		return nil
	})
}

// ResetInFlight returns an in-flight operation to pending. Used for stale
// claims whose dispatch is known not to be running.
func (s *Store) ResetInFlight(ctx context.Context, id string) (Operation, error) {
	return s.transition(ctx, "reset_in_flight", id, EventRequeued, func(op *Operation, _ time.Time) error {
		if op.Status != StatusInFlight {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, StatusPending)
		}
		op.Status = StatusPending
		return nil
	})
}

// RequeueDue moves failed operations whose backoff has elapsed back to
// pending and returns how many were moved.
func (s *Store) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	return s.requeue(ctx, "requeue_due", func(op *Operation) bool { return op.Due(now) }, false)
}

// RetryFailed moves every failed operation back to pending, including those
// whose automatic retries are exhausted, and resets their automatic retry
// budget.
func (s *Store) RetryFailed(ctx context.Context) (int, error) {
	return s.requeue(ctx, "retry_failed", func(op *Operation) bool { return op.Status == StatusFailed }, true)
}

func (s *Store) requeue(ctx context.Context, name string, match func(*Operation) bool, manual bool) (int, error) {
	s.mu.RLock()
	var ids []string
	for id, op := range s.ops {
		if match(op) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	moved := 0
	for _, id := range ids {
		_, err := s.transition(ctx, name, id, EventRequeued, func(op *Operation, _ time.Time) error {
			if !match(op) {
				return ErrInvalidTransition
			}
			op.Status = StatusPending
			op.NextAttemptAt = time.Time{}
			op.Retryable = false
			if manual {
				op.FailureStreak = 0
			}
			return nil
		})
		if err != nil {
			if IsPersistence(err) {
				return moved, err
			}
			continue // changed concurrently
		}
		moved++
	}
	if moved > 0 {
		s.logger.Info("failed operations requeued", "count", moved, "manual", manual)
	}
	return moved, nil
}

// Discard removes a pending or failed operation permanently.
func (s *Store) Discard(ctx context.Context, id string) error {
	s.wmu.Lock()
	op, ok := s.Get(id)
	if !ok {
		s.wmu.Unlock()
		return ErrNotFound
	}
	switch op.Status {
	case StatusInFlight:
		s.wmu.Unlock()
		return ErrAlreadyInFlight
	case StatusSucceeded:
		s.wmu.Unlock()
		return fmt.Errorf("%w: cannot discard succeeded operation", ErrInvalidTransition)
	}
	if err := s.backend.Delete(ctx, keyPrefix+id); err != nil {
		s.wmu.Unlock()
		return &PersistenceError{Op: "discard", ID: id, Err: err}
	}
	s.mu.Lock()
	delete(s.ops, id)
	s.mu.Unlock()
	s.wmu.Unlock()

	s.logger.Info("operation discarded", "id", id, "kind", op.Kind, "status", op.Status)
	s.emit(Event{Type: EventDiscarded, Op: op})
	return nil
}

// Prune deletes terminal operations completed before olderThan. With no
// statuses only succeeded operations are pruned. Pending and in-flight
// operations are never removed, even if listed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time, statuses ...Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusSucceeded}
	}
	allowed := make(map[Status]bool)
	for _, st := range statuses {
		if st.Terminal() {
			allowed[st] = true
		}
	}

	s.wmu.Lock()
	candidates := s.List(func(op *Operation) bool {
		return allowed[op.Status] && op.CompletedAt.Before(olderThan)
	})
	var pruned []Operation
	var pruneErr error
	for _, op := range candidates {
		if err := s.backend.Delete(ctx, keyPrefix+op.ID); err != nil {
			pruneErr = &PersistenceError{Op: "prune", ID: op.ID, Err: err}
			break
		}
		s.mu.Lock()
		delete(s.ops, op.ID)
		s.mu.Unlock()
		pruned = append(pruned, op)
	}
	s.wmu.Unlock()

	for _, op := range pruned {
		s.emit(Event{Type: EventPruned, Op: op})
	}
	if len(pruned) > 0 {
		s.logger.Info("operations pruned", "count", len(pruned), "older_than", olderThan.Format(time.RFC3339))
	}
	return len(pruned), pruneErr
}

// Get returns a copy of the operation with id.
func (s *Store) Get(id string) (Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// ListPending returns pending operations in insertion order. An empty kind
// returns every kind.
func (s *Store) ListPending(kind Kind) []Operation {
	return s.List(func(op *Operation) bool {
		return op.Status == StatusPending && (kind == "" || op.Kind == kind)
	})
}

// ListStatus returns operations with the given status in insertion order.
func (s *Store) ListStatus(status Status) []Operation {
	return s.List(func(op *Operation) bool { return op.Status == status })
}

// List returns copies of the operations matching filter, ordered by
// insertion sequence. A nil filter matches everything.
func (s *Store) List(filter func(*Operation) bool) []Operation {
	s.mu.RLock()
	out := make([]Operation, 0, len(s.ops))
	for _, op := range s.ops {
		if filter == nil || filter(op) {
			out = append(out, *op)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Counts tallies operations by status.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, op := range s.ops {
		switch op.Status {
		case StatusPending:
			c.Pending++
		case StatusInFlight:
			c.InFlight++
		case StatusSucceeded:
			c.Succeeded++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// NextDue returns the earliest NextAttemptAt among automatically retryable
// failed operations.
func (s *Store) NextDue() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next time.Time
	found := false
	for _, op := range s.ops {
		if op.Status != StatusFailed || !op.Retryable {
			continue
		}
		if !found || op.NextAttemptAt.Before(next) {
			next = op.NextAttemptAt
			found = true
		}
	}
	return next, found
}

// Subscribe registers fn for every committed change and returns a function
// that removes it. fn runs on the goroutine that made the change and must
// not block.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.lmu.Lock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) emit(ev Event) {
	s.lmu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// transition applies fn to a copy of the operation, persists the copy, and
// only then replaces the in-memory record.
func (s *Store) transition(ctx context.Context, name, id string, evType EventType, fn func(*Operation, time.Time) error) (Operation, error) {
	s.wmu.Lock()
	cur, ok := s.Get(id)
	if !ok {
		s.wmu.Unlock()
		return Operation{}, ErrNotFound
	}

	now := s.now()
	next := cur
	if err := fn(&next, now); err != nil {
		s.wmu.Unlock()
		return cur, err
	}
	next.UpdatedAt = now
	if evType == EventFailed {
		next.FailureStreak++
	}
	if evType == EventSucceeded {
		next.FailureStreak = 0
	}

	if err := s.persist(ctx, &next); err != nil {
		s.wmu.Unlock()
		return cur, &PersistenceError{Op: name, ID: id, Err: err}
	}
	s.mu.Lock()
	s.ops[id] = &next
	s.mu.Unlock()
	snapshot := next
	s.wmu.Unlock()

	s.emit(Event{Type: evType, Op: snapshot})
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context, op *Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, keyPrefix+op.ID, data)
}

// ParseKind converts user input such as "stock-receive" to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}
