package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInFlight is returned by MarkInFlight when the operation is
	// already being dispatched.
	ErrAlreadyInFlight = errors.New("queue: operation already in flight")
	// ErrNotFound is returned for unknown operation ids.
	ErrNotFound = errors.New("queue: operation not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the operation's current status.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
)

// PersistenceError reports a local storage failure. The operation it refers
// to keeps the state it had before the failed call.
type PersistenceError struct {
	Op  string // "enqueue", "mark_in_flight", ...
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("queue: %s %s: persist: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("queue: %s: persist: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is or wraps a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
