// Package status aggregates queue, connectivity and drain-session state into
// a single snapshot that UI indicators subscribe to.
package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/koncoweb/zeger-app-sub003/internal/connectivity"
	"github.com/koncoweb/zeger-app-sub003/internal/queue"
)

// DefaultMaxErrors bounds the error list when no limit is configured.
const DefaultMaxErrors = 50

// SessionSummary describes one drain session.
type SessionSummary struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Aborted     bool      `json:"aborted,omitempty"`
	AbortReason string    `json:"abort_reason,omitempty"`
}

// ErrorEntry is one sync failure shown to the rider.
type ErrorEntry struct {
	OpID    string     `json:"op_id,omitempty"`
	Kind    queue.Kind `json:"kind,omitempty"`
	Class   string     `json:"class,omitempty"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// Snapshot is the aggregated sync state.
type Snapshot struct {
	IsOnline       bool                   `json:"is_online"`
	Transport      connectivity.Transport `json:"transport"`
	PendingCount   int                    `json:"pending_count"`
	InFlightCount  int                    `json:"in_flight_count"`
	FailedCount    int                    `json:"failed_count"`
	SucceededCount int                    `json:"succeeded_count"`
	IsSyncing      bool                   `json:"is_syncing"`
	LastSyncAt     time.Time              `json:"last_sync_at,omitempty"`
	LastSession    *SessionSummary        `json:"last_session,omitempty"`
	Errors         []ErrorEntry           `json:"errors"` // most recent first
}

// Reachability is the part of the connectivity monitor the facade reads.
type Reachability interface {
	Current() connectivity.State
	Subscribe(fn func(connectivity.State)) func()
}

// Facade owns the derived sync state. Every queue mutation, reachability
// transition and session transition produces a new Snapshot pushed to
// subscribers.
type Facade struct {
	store   *queue.Store
	monitor Reachability
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	maxErrors   int
	errors      []ErrorEntry
	syncing     bool
	lastSyncAt  time.Time
	lastSession *SessionSummary

	lmu       sync.Mutex
	listeners map[int]func(Snapshot)
	nextLID   int

	unsubs []func()
}

// New creates a facade and subscribes it to store and monitor.
func New(store *queue.Store, monitor Reachability, maxErrors int, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	f := &Facade{
		store:     store,
		monitor:   monitor,
		logger:    logger.With("component", "status"),
		now:       time.Now,
		maxErrors: maxErrors,
		listeners: make(map[int]func(Snapshot)),
	}
	f.unsubs = append(f.unsubs, store.Subscribe(f.onQueueEvent))
	if monitor != nil {
		f.unsubs = append(f.unsubs, monitor.Subscribe(func(connectivity.State) { f.publish() }))
	}
	return f
}

// Close detaches the facade from its sources.
func (f *Facade) Close() {
	for _, u := range f.unsubs {
		u()
	}
	f.unsubs = nil
}

// Snapshot computes the current state.
func (f *Facade) Snapshot() Snapshot {
	counts := f.store.Counts()
	s := Snapshot{
		PendingCount:   counts.Pending,
		InFlightCount:  counts.InFlight,
		FailedCount:    counts.Failed,
		SucceededCount: counts.Succeeded,
		Transport:      connectivity.TransportUnknown,
	}
	if f.monitor != nil {
		st := f.monitor.Current()
		s.IsOnline = st.Reachable
		s.Transport = st.Transport
	}

	f.mu.Lock()
	s.IsSyncing = f.syncing
	s.LastSyncAt = f.lastSyncAt
	if f.lastSession != nil {
		ls := *f.lastSession
		s.LastSession = &ls
	}
	s.Errors = append([]ErrorEntry(nil), f.errors...)
	f.mu.Unlock()
	return s
}

// Subscribe registers fn for pushed snapshots and returns a function that
// removes it. fn receives the current snapshot immediately.
func (f *Facade) Subscribe(fn func(Snapshot)) func() {
	f.lmu.Lock()
	id := f.nextLID
	f.nextLID++
	f.listeners[id] = fn
	f.lmu.Unlock()

	fn(f.Snapshot())
	return func() {
		f.lmu.Lock()
		delete(f.listeners, id)
		f.lmu.Unlock()
	}
}

// SessionStarted marks a drain as running.
func (f *Facade) SessionStarted(s SessionSummary) {
	f.mu.Lock()
	f.syncing = true
	f.mu.Unlock()
	f.publish()
}

// SessionFinished records the summary of a finished or aborted drain.
// LastSyncAt only advances when the drain ran to completion.
func (f *Facade) SessionFinished(s SessionSummary) {
	f.mu.Lock()
	f.syncing = false
	f.lastSession = &s
	if !s.Aborted {
		f.lastSyncAt = s.CompletedAt
	}
	f.mu.Unlock()
	f.publish()
}

// RecordError adds an entry to the error list.
func (f *Facade) RecordError(e ErrorEntry) {
	if e.At.IsZero() {
		e.At = f.now()
	}
	f.mu.Lock()
	f.errors = append([]ErrorEntry{e}, f.errors...)
	if len(f.errors) > f.maxErrors {
		f.errors = f.errors[:f.maxErrors]
	}
	f.mu.Unlock()
	f.publish()
}

// ClearErrors empties the error list.
func (f *Facade) ClearErrors() {
	f.mu.Lock()
	f.errors = nil
	f.mu.Unlock()
	f.publish()
}

// SetMaxErrors changes the error list bound, trimming if needed.
func (f *Facade) SetMaxErrors(n int) {
	if n <= 0 {
		n = DefaultMaxErrors
	}
	f.mu.Lock()
	f.maxErrors = n
	if len(f.errors) > n {
		f.errors = f.errors[:n]
	}
	f.mu.Unlock()
}

func (f *Facade) onQueueEvent(ev queue.Event) {
	if ev.Type == queue.EventFailed {
		f.RecordError(ErrorEntry{
			OpID:    ev.Op.ID,
			Kind:    ev.Op.Kind,
			Class:   ev.Op.ErrorClass,
			Message: ev.Op.LastError,
			At:      ev.Op.UpdatedAt,
		})
		return
	}
	f.publish()
}

func (f *Facade) publish() {
	f.lmu.Lock()
	fns := make([]func(Snapshot), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.lmu.Unlock()
	if len(fns) == 0 {
		return
	}

	snap := f.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
