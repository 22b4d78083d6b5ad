package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/koncoweb/zeger-app-sub003/internal/storage"
)

type flakyBackend struct {
	storage.Backend
	mu   sync.Mutex
	fail bool
}

func (f *flakyBackend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyBackend) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Backend.Put(ctx, key, value)
}

func stockPayload(qty int) StockMovementPayload {
	return StockMovementPayload{
		RiderID:      "rider-1",
		BranchID:     "branch-1",
		ProductID:    "prod-1",
		MovementType: "in",
		Quantity:     qty,
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), storage.NewMemory(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestEnqueueAndListPendingFIFO(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	var ids []string
	for i := 1; i <= 3; i++ {
		id, err := s.Enqueue(ctx, KindStockReceive, stockPayload(i))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := s.Enqueue(ctx, KindAttendanceCheckIn, AttendancePayload{ShiftID: "s1", Action: "check_in"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	pending := s.ListPending(KindStockReceive)
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for i, op := range pending {
		if op.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], op.ID)
		}
		if op.Status != StatusPending || op.AttemptCount != 0 {
			t.Errorf("unexpected initial state: %+v", op)
		}
	}
	if all := s.ListPending(""); len(all) != 4 {
		t.Errorf("expected 4 pending across kinds, got %d", len(all))
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, KindStockReceive, stockPayload(0)); err == nil {
		t.Error("expected error for zero quantity")
	}
	if _, err := s.Enqueue(ctx, KindCreateTransaction, TransactionPayload{}); err == nil {
		t.Error("expected error for transaction without items")
	}
	if _, err := s.Enqueue(ctx, Kind("refund"), []byte(`{}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
	if c := s.Counts(); c.Pending != 0 {
		t.Errorf("expected nothing stored, got %d pending", c.Pending)
	}
}

func TestEnqueuePersistenceFailureSurfaces(t *testing.T) {
	backend := &flakyBackend{Backend: storage.NewMemory()}
	s, err := Open(context.Background(), backend, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	backend.setFail(true)
	_, err = s.Enqueue(context.Background(), KindStockReceive, stockPayload(1))
	if !IsPersistence(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if c := s.Counts(); c.Pending != 0 {
		t.Errorf("failed enqueue must not be visible, got %d pending", c.Pending)
	}
}

func TestTransitionFailureKeepsPriorState(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: storage.NewMemory()}
	s, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id, err := s.Enqueue(ctx, KindStockReceive, stockPayload(1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	backend.setFail(true)
	if _, err := s.MarkInFlight(ctx, id); !IsPersistence(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	op, _ := s.Get(id)
	if op.Status != StatusPending || op.AttemptCount != 0 {
		t.Errorf("expected untouched pending op, got %s attempts=%d", op.Status, op.AttemptCount)
	}

	backend.setFail(false)
	if _, err := s.MarkInFlight(ctx, id); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	backend.setFail(true)
	if _, err := s.MarkSucceeded(ctx, id); !IsPersistence(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	op, _ = s.Get(id)
	if op.Status != StatusInFlight {
		t.Errorf("expected in_flight after failed MarkSucceeded, got %s", op.Status)
	}
}

func TestConcurrentMarkInFlightExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id, err := s.Enqueue(ctx, KindStockReceive, stockPayload(1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.MarkInFlight(ctx, id)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	wins, already := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyInFlight):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || already != workers-1 {
		t.Errorf("expected 1 win and %d AlreadyInFlight, got %d and %d", workers-1, wins, already)
	}
	op, _ := s.Get(id)
	if op.AttemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", op.AttemptCount)
	}
}

func TestStatusMachine(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id, _ := s.Enqueue(ctx, KindStockReceive, stockPayload(1))

	if _, err := s.MarkSucceeded(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> succeeded should be invalid, got %v", err)
	}
	if _, err := s.MarkInFlight(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.MarkInFlight(ctx, id); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	op, err := s.MarkSucceeded(ctx, id)
	if err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	if op.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
	if _, err := s.MarkInFlight(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("succeeded must be terminal, got %v", err)
	}
	if err := s.Discard(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("discarding succeeded op should fail, got %v", err)
	}
}

type classErr struct{ class string }

func (e classErr) Error() string      { return e.class + " failure" }
func (e classErr) ErrorClass() string { return e.class }

func TestMarkFailedAndRequeue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s, err := Open(ctx, storage.NewMemory(), nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	transient, _ := s.Enqueue(ctx, KindStockReceive, stockPayload(1))
	definitive, _ := s.Enqueue(ctx, KindStockReceive, stockPayload(2))

	s.MarkInFlight(ctx, transient)
	op, err := s.MarkFailed(ctx, transient, classErr{"network"}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if !op.Retryable || op.ErrorClass != "network" || op.FailureStreak != 1 {
		t.Errorf("unexpected transient failure record: %+v", op)
	}

	s.MarkInFlight(ctx, definitive)
	op, _ = s.MarkFailed(ctx, definitive, classErr{"validation"}, time.Time{})
	if op.Retryable {
		t.Error("definitive failure must not be automatically retryable")
	}
	if op.LastError != "validation failure" {
		t.Errorf("expected last error recorded, got %q", op.LastError)
	}

	if n, _ := s.RequeueDue(ctx, now); n != 0 {
		t.Errorf("nothing due yet, requeued %d", n)
	}
	next, ok := s.NextDue()
	if !ok || !next.Equal(now.Add(time.Minute)) {
		t.Errorf("expected next due %v, got %v (%v)", now.Add(time.Minute), next, ok)
	}

	n, err := s.RequeueDue(ctx, now.Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 requeued, got %d (%v)", n, err)
	}
	op, _ = s.Get(transient)
	if op.Status != StatusPending || op.FailureStreak != 1 {
		t.Errorf("automatic requeue should keep streak: %+v", op)
	}

	n, err = s.RetryFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 manually retried, got %d (%v)", n, err)
	}
	op, _ = s.Get(definitive)
	if op.Status != StatusPending || op.FailureStreak != 0 || op.AttemptCount != 1 {
		t.Errorf("manual retry should reset streak and keep attempts: %+v", op)
	}
}

func TestPruneNeverTouchesLiveOperations(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := now
	s, _ := Open(ctx, storage.NewMemory(), nil, WithClock(func() time.Time { return clock }))

	done, _ := s.Enqueue(ctx, KindStockReceive, stockPayload(1))
	failed, _ := s.Enqueue(ctx, KindStockReceive, stockPayload(2))
	inflight, _ := s.Enqueue(ctx, KindStockReceive, stockPayload(3))
	pending, _ := s.Enqueue(ctx, KindStockReceive, stockPayload(4))

	s.MarkInFlight(ctx, done)
	s.MarkSucceeded(ctx, done)
	s.MarkInFlight(ctx, failed)
	s.MarkFailed(ctx, failed, errors.New("rejected"), time.Time{})
	s.MarkInFlight(ctx, inflight)

	clock = now.Add(48 * time.Hour)
	cutoff := clock.Add(-24 * time.Hour)

	n, err := s.Prune(ctx, cutoff)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned by default, got %d (%v)", n, err)
	}
	if _, ok := s.Get(done); ok {
		t.Error("succeeded op should be pruned")
	}
	if _, ok := s.Get(failed); !ok {
		t.Error("failed op must survive default prune")
	}

	n, _ = s.Prune(ctx, clock.Add(time.Hour), StatusFailed, StatusPending, StatusInFlight)
	if n != 1 {
		t.Errorf("expected only the failed op pruned, got %d", n)
	}
	if _, ok := s.Get(pending); !ok {
		t.Error("pending op must never be pruned")
	}
	if _, ok := s.Get(inflight); !ok {
		t.Error("in-flight op must never be pruned")
	}
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id, _ := s.Enqueue(ctx, KindStockReturn, stockPayload(1))
	busy, _ := s.Enqueue(ctx, KindStockReturn, stockPayload(1))
	s.MarkInFlight(ctx, busy)

	if err := s.Discard(ctx, busy); !errors.Is(err, ErrAlreadyInFlight) {
		t.Errorf("expected ErrAlreadyInFlight, got %v", err)
	}
	if err := s.Discard(ctx, id); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if _, ok := s.Get(id); ok {
		t.Error("discarded op still present")
	}
	if err := s.Discard(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenRecoversInFlight(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	backend, err := storage.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	s, _ := Open(ctx, backend, nil)
	a, _ := s.Enqueue(ctx, KindAttendanceCheckIn, AttendancePayload{ShiftID: "s1", Action: "check_in"})
	b, _ := s.Enqueue(ctx, KindAttendanceCheckOut, AttendancePayload{ShiftID: "s1", Action: "check_out"})
	s.MarkInFlight(ctx, a)
	backend.Close()

	backend, err = storage.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer backend.Close()
	s2, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("Open after restart failed: %v", err)
	}

	op, ok := s2.Get(a)
	if !ok || op.Status != StatusPending || op.AttemptCount != 1 {
		t.Errorf("expected recovered pending op with 1 attempt, got %+v", op)
	}

	c, _ := s2.Enqueue(ctx, KindAttendanceCheckIn, AttendancePayload{ShiftID: "s2", Action: "check_in"})
	all := s2.ListPending("")
	if len(all) != 3 || all[0].ID != a || all[1].ID != b || all[2].ID != c {
		t.Errorf("insertion order not preserved across restart")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	var mu sync.Mutex
	var got []EventType
	unsub := s.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	id, _ := s.Enqueue(ctx, KindStockReceive, stockPayload(1))
	s.MarkInFlight(ctx, id)
	s.MarkSucceeded(ctx, id)
	unsub()
	s.Enqueue(ctx, KindStockReceive, stockPayload(1))

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventEnqueued, EventInFlight, EventSucceeded}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"stock-receive", KindStockReceive, true},
		{"CREATE_TRANSACTION", KindCreateTransaction, true},
		{" attendance_check_out ", KindAttendanceCheckOut, true},
		{"refund", "", false},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
	}
}

type blockingBackend struct {
	storage.Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Put(ctx context.Context, key string, value []byte) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Backend.Put(ctx, key, value)
}

func TestReadsDoNotWaitForBackendWrites(t *testing.T) {
	ctx := context.Background()
	backend := &blockingBackend{
		Backend: storage.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Enqueue(ctx, KindStockReceive, stockPayload(1))
		done <- err
	}()
	<-backend.entered

	read := make(chan Counts, 1)
	go func() { read <- s.Counts() }()
	select {
	case c := <-read:
		if c.Pending != 0 {
			t.Errorf("uncommitted operation visible: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("Counts blocked behind a backend write")
	}
	if got := s.List(nil); len(got) != 0 {
		t.Errorf("List returned %d operations before commit", len(got))
	}

	close(backend.release)
	if err := <-done; err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if c := s.Counts(); c.Pending != 1 {
		t.Errorf("pending = %d after commit, want 1", c.Pending)
	}
}
