package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koncoweb/zeger-app-sub003/internal/connectivity"
	"github.com/koncoweb/zeger-app-sub003/internal/idempotency"
	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/remote"
	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

var (
	// ErrDrainInProgress is returned when a drain is requested while one is
	// already running. The request is coalesced into the running drain.
	ErrDrainInProgress = errors.New("cloudsync: drain already in progress")
	// ErrOffline is returned when a drain is requested without reachability.
	ErrOffline = errors.New("cloudsync: device offline")
)

// Dispatcher writes one operation remotely without duplicating it.
type Dispatcher interface {
	Dispatch(ctx context.Context, op queue.Operation) (idempotency.Decision, error)
}

// Reachability is the connectivity signal the engine consumes.
type Reachability interface {
	Current() connectivity.State
	Subscribe(fn func(connectivity.State)) func()
}

// Observer receives drain session transitions and drain-level errors.
type Observer interface {
	SessionStarted(s status.SessionSummary)
	SessionFinished(s status.SessionSummary)
	RecordError(e status.ErrorEntry)
}

type noopObserver struct{}

func (noopObserver) SessionStarted(status.SessionSummary)  {}
func (noopObserver) SessionFinished(status.SessionSummary) {}
func (noopObserver) RecordError(status.ErrorEntry)         {}

// EngineOptions tunes draining.
type EngineOptions struct {
	// MaxConcurrentGroups bounds how many lanes are drained at once.
	MaxConcurrentGroups int
	// DispatchTimeout bounds every remote call. A timeout is transient.
	DispatchTimeout time.Duration
	Retry           RetryPolicy
}

func (o EngineOptions) normalized() EngineOptions {
	if o.MaxConcurrentGroups <= 0 {
		o.MaxConcurrentGroups = 3
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	o.Retry = o.Retry.normalized()
	return o
}

// Engine drains the local queue into the remote service. At most one drain
// runs at a time; within a lane (see queue.Kind.Lane) operations are
// dispatched strictly in insertion order, while different lanes proceed
// concurrently.
type Engine struct {
	store      *queue.Store
	monitor    Reachability
	dispatcher Dispatcher
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.RWMutex
	opts        EngineOptions
	lastSession *Session
	running     bool
	stopCh      chan struct{}
	unsub       func()

	draining  atomic.Bool
	coalesced atomic.Bool
	kickCh    chan struct{}
	wg        sync.WaitGroup
}

// NewEngine wires an engine. observer may be nil.
func NewEngine(store *queue.Store, monitor Reachability, dispatcher Dispatcher, observer Observer, opts EngineOptions, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &Engine{
		store:      store,
		monitor:    monitor,
		dispatcher: dispatcher,
		observer:   observer,
		logger:     logger.With("component", "cloudsync"),
		now:        time.Now,
		opts:       opts.normalized(),
		kickCh:     make(chan struct{}, 1),
	}
}

func (e *Engine) options() EngineOptions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// SetOptions replaces the tuning; running dispatches keep their old values.
func (e *Engine) SetOptions(opts EngineOptions) {
	e.mu.Lock()
	e.opts = opts.normalized()
	e.mu.Unlock()
}

// IsDraining reports whether a drain is running.
func (e *Engine) IsDraining() bool { return e.draining.Load() }

// LastSession returns the most recent drain session, nil before the first.
func (e *Engine) LastSession() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSession
}

// Drain runs one drain session and returns it. It returns
// ErrDrainInProgress when another drain is running and ErrOffline when the
// device is not reachable; neither changes any operation.
func (e *Engine) Drain(ctx context.Context) (*Session, error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.coalesced.Store(true)
		return nil, ErrDrainInProgress
	}
	defer func() {
		e.draining.Store(false)
		if e.coalesced.Swap(false) {
			e.Kick()
		}
	}()

	if !e.monitor.Current().Reachable {
		return nil, ErrOffline
	}

	e.recoverStale(ctx)
	if n, err := e.store.RequeueDue(ctx, e.now()); err != nil {
		e.logger.Warn("requeue due operations failed", "error", err)
	} else if n > 0 {
		e.logger.Debug("due operations requeued", "count", n)
	}

	opts := e.options()
	lanes, held := planLanes(e.store.List(nil))
	var items []queue.Operation
	for _, lane := range lanes {
		items = append(items, lane...)
	}
	sess := newSession(items, e.now())
	e.observer.SessionStarted(sess.Summary())
	e.logger.Info("drain started", "session", sess.ID, "pending", len(items), "held", held)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxConcurrentGroups)
	for _, group := range lanes {
		g.Go(func() error {
			e.drainGroup(gctx, sess, group)
			return nil
		})
	}
	_ = g.Wait()

	sess.finish(e.now())
	summary := sess.Summary()
	e.observer.SessionFinished(summary)

	e.mu.Lock()
	e.lastSession = sess
	e.mu.Unlock()

	e.logger.Info("drain finished",
		"session", sess.ID,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"aborted", summary.Aborted,
		"abort_reason", summary.AbortReason,
		"duration", summary.CompletedAt.Sub(summary.StartedAt))
	return sess, nil
}

// planLanes splits ops (ordered by Seq) into per-lane groups of pending
// operations, ordered by each lane's oldest operation. A lane ends at its
// first operation awaiting an automatic retry; the pending operations behind
// it are held and counted in held.
func planLanes(ops []queue.Operation) (lanes [][]queue.Operation, held int) {
	index := make(map[string]int)
	blocked := make(map[string]bool)
	for _, op := range ops {
		lane := op.Kind.Lane()
		if blocked[lane] {
			if op.Status == queue.StatusPending {
				held++
			}
			continue
		}
		if op.AwaitingRetry() {
			blocked[lane] = true
			continue
		}
		if op.Status != queue.StatusPending {
			continue
		}
		i, ok := index[lane]
		if !ok {
			i = len(lanes)
			index[lane] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], op)
	}
	return lanes, held
}

// recoverStale returns in-flight operations to pending. It runs while the
// drain flag is held, so no dispatch can be live.
func (e *Engine) recoverStale(ctx context.Context) {
	for _, op := range e.store.ListStatus(queue.StatusInFlight) {
		if _, err := e.store.ResetInFlight(ctx, op.ID); err != nil {
			e.logger.Warn("reset stale in-flight operation failed", "id", op.ID, "error", err)
			continue
		}
		e.logger.Info("stale in-flight operation reset", "id", op.ID, "kind", op.Kind)
	}
}

func (e *Engine) drainGroup(ctx context.Context, sess *Session, ops []queue.Operation) {
	for _, op := range ops {
		if sess.isAborted() {
			return
		}
		if ctx.Err() != nil {
			sess.abort(AbortCancelled)
			return
		}
		if stop := e.dispatchOne(ctx, sess, op); stop {
			return
		}
	}
}

// dispatchOne runs a single operation through the resolver and records the
// outcome. It reports whether the rest of the lane must wait for a
// later session.
func (e *Engine) dispatchOne(ctx context.Context, sess *Session, op queue.Operation) bool {
	// Reachability is re-read per dispatch; a stale "online" event is not
	// trusted.
	if !e.monitor.Current().Reachable {
		sess.abort(AbortOffline)
		return true
	}

	claimed, err := e.store.MarkInFlight(ctx, op.ID)
	if err != nil {
		if queue.IsPersistence(err) {
			e.reportDrainError(op, err)
			sess.abort(AbortPersistence)
			return true
		}
		// Discarded or retried elsewhere since the snapshot.
		e.logger.Debug("operation no longer pending", "id", op.ID, "error", err)
		return false
	}
	sess.markDispatched(op.ID)

	opts := e.options()
	// A dispatch already started is allowed to finish even if the session is
	// cancelled, and its outcome is always recorded.
	detached := context.WithoutCancel(ctx)
	dctx, cancel := context.WithTimeout(detached, opts.DispatchTimeout)
	decision, derr := e.dispatcher.Dispatch(dctx, claimed)
	cancel()

	if derr == nil {
		if _, err := e.store.MarkSucceeded(detached, op.ID); err != nil {
			e.reportDrainError(op, err)
			sess.abort(AbortPersistence)
			return true
		}
		sess.markSucceeded(op.ID, decision.Action == idempotency.SkipAlreadyApplied)
		return false
	}

	class := remote.Classify(derr)
	var retryAt time.Time
	if class.Transient() {
		if at, ok := opts.Retry.NextAttempt(claimed.FailureStreak+1, e.now()); ok {
			retryAt = at
		}
	}
	if _, err := e.store.MarkFailed(detached, op.ID, derr, retryAt); err != nil {
		e.reportDrainError(op, err)
		sess.abort(AbortPersistence)
		return true
	}
	sess.markFailed(op.ID)

	if retryAt.IsZero() {
		e.logger.Warn("operation failed, manual retry required",
			"id", op.ID, "kind", op.Kind, "class", class, "attempts", claimed.AttemptCount, "error", derr)
	} else {
		e.logger.Info("operation failed, retry scheduled",
			"id", op.ID, "kind", op.Kind, "class", class, "retry_at", retryAt.Format(time.RFC3339), "error", derr)
	}
	// Later operations of this lane may depend on this one.
	return class.Transient()
}

func (e *Engine) reportDrainError(op queue.Operation, err error) {
	e.logger.Error("local queue update failed", "id", op.ID, "error", err)
	e.observer.RecordError(status.ErrorEntry{
		OpID:    op.ID,
		Kind:    op.Kind,
		Class:   "persistence",
		Message: err.Error(),
		At:      e.now(),
	})
}

// Kick requests a drain from the background loop. Redundant kicks coalesce.
func (e *Engine) Kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

// RetryFailedSync moves every failed operation back to pending and triggers
// a drain.
func (e *Engine) RetryFailedSync(ctx context.Context) (int, error) {
	n, err := e.store.RetryFailed(ctx)
	if err != nil {
		return n, fmt.Errorf("retry failed operations: %w", err)
	}
	e.Kick()
	return n, nil
}

// RequeueDue moves failed operations whose backoff elapsed back to pending
// and triggers a drain if any were moved.
func (e *Engine) RequeueDue(ctx context.Context) (int, error) {
	n, err := e.store.RequeueDue(ctx, e.now())
	if n > 0 {
		e.Kick()
	}
	return n, err
}

// Start runs the background loop: it drains on every kick, on every
// offline->online transition and when the earliest automatic retry is due.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.unsub = e.monitor.Subscribe(func(s connectivity.State) {
		if s.Reachable {
			e.Kick()
		}
	})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)

	if e.monitor.Current().Reachable {
		e.Kick()
	}
	opts := e.options()
	e.logger.Info("sync engine started",
		"max_concurrent_groups", opts.MaxConcurrentGroups,
		"dispatch_timeout", opts.DispatchTimeout,
		"retry_max_attempts", opts.Retry.MaxAttempts)
	return nil
}

// Stop halts the loop and waits for a running drain to finish.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	e.wg.Wait()
	e.logger.Info("sync engine stopped")
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.kickCh:
		case <-timerC:
		}

		_, err := e.Drain(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrOffline), errors.Is(err, ErrDrainInProgress):
			e.logger.Debug("drain skipped", "reason", err)
		default:
			e.logger.Warn("drain failed", "error", err)
		}

		if timer != nil {
			timer.Stop()
		}
		timerC = nil
		if !e.monitor.Current().Reachable {
			// The next online transition kicks the loop.
			continue
		}
		if next, ok := e.store.NextDue(); ok {
			wait := time.Until(next)
			if wait < time.Second {
				wait = time.Second
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
	}
}
