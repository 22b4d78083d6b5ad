package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class groups remote failures by how the sync engine should react.
type Class string

const (
	ClassNetwork    Class = "network"
	ClassTimeout    Class = "timeout"
	ClassValidation Class = "validation"
	ClassConflict   Class = "conflict"
	ClassAuth       Class = "auth"
)

// Transient reports whether a retry without any data change may succeed.
func (c Class) Transient() bool {
	return c == ClassNetwork || c == ClassTimeout
}

// Error is a structured failure returned by a Service.
type Error struct {
	Class      Class
	Status     int    // HTTP status, 0 when no response was received
	Code       string // backend error code, e.g. "23505"
	Collection string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("remote %s %s (http %d): %s", e.Collection, e.Class, e.Status, msg)
	}
	return fmt.Sprintf("remote %s %s: %s", e.Collection, e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorClass exposes the class to callers that only know the string form.
func (e *Error) ErrorClass() string { return string(e.Class) }

// Classify returns the class of err. Unknown errors are treated as network
// failures so they are retried rather than lost.
func Classify(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	return ClassNetwork
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return Classify(err).Transient()
}

// classForStatus maps an HTTP status to a failure class.
func classForStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ClassTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return ClassNetwork
	case status >= 400:
		return ClassValidation
	}
	return ClassNetwork
}

// transportError wraps an error raised before any response arrived.
func transportError(collection string, err error) *Error {
	class := ClassNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		class = ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		class = ClassTimeout
	}
	return &Error{Class: class, Collection: collection, Err: err}
}
