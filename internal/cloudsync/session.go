package cloudsync

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

// Abort reasons.
const (
	AbortOffline     = "offline"
	AbortCancelled   = "cancelled"
	AbortPersistence = "persistence"
)

// Session is one drain cycle. Items is the snapshot of pending operations
// taken when the drain started; the engine never owns them.
type Session struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Items       []queue.Operation

	mu          sync.Mutex
	succeeded   []string
	failed      []string
	skipped     []string
	dispatched  []string
	aborted     bool
	abortReason string
}

func newSession(items []queue.Operation, now time.Time) *Session {
	id := uuid.NewString()
	if v7, err := uuid.NewV7(); err == nil {
		id = v7.String()
	}
	return &Session{ID: id, StartedAt: now, Items: items}
}

func (s *Session) markDispatched(id string) {
	s.mu.Lock()
	s.dispatched = append(s.dispatched, id)
	s.mu.Unlock()
}

func (s *Session) markSucceeded(id string, skipped bool) {
	s.mu.Lock()
	if skipped {
		s.skipped = append(s.skipped, id)
	} else {
		s.succeeded = append(s.succeeded, id)
	}
	s.mu.Unlock()
}

func (s *Session) markFailed(id string) {
	s.mu.Lock()
	s.failed = append(s.failed, id)
	s.mu.Unlock()
}

// abort records the first abort reason.
func (s *Session) abort(reason string) {
	s.mu.Lock()
	if !s.aborted {
		s.aborted = true
		s.abortReason = reason
	}
	s.mu.Unlock()
}

func (s *Session) finish(now time.Time) {
	s.mu.Lock()
	s.CompletedAt = now
	s.mu.Unlock()
}

func (s *Session) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Succeeded returns ids written remotely in this session.
func (s *Session) Succeeded() []string { return s.copyOf(&s.succeeded) }

// Failed returns ids that failed in this session.
func (s *Session) Failed() []string { return s.copyOf(&s.failed) }

// Skipped returns ids the resolver found already applied.
func (s *Session) Skipped() []string { return s.copyOf(&s.skipped) }

// Dispatched returns ids in the order their dispatch was initiated.
func (s *Session) Dispatched() []string { return s.copyOf(&s.dispatched) }

// Aborted reports whether the drain stopped early and why.
func (s *Session) Aborted() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted, s.abortReason
}

func (s *Session) copyOf(ids *[]string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), (*ids)...)
}

// Summary converts the session for the status facade.
func (s *Session) Summary() status.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return status.SessionSummary{
		ID:          s.ID,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Total:       len(s.Items),
		Succeeded:   len(s.succeeded),
		Failed:      len(s.failed),
		Skipped:     len(s.skipped),
		Aborted:     s.aborted,
		AbortReason: s.abortReason,
	}
}
