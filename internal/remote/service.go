// Package remote talks to the hosted backend that queued operations are
// written to. Two transports are provided: REST for PostgREST-style HTTP
// backends and LibSQL for libSQL/Turso pipelines.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// Record is a row as sent to or returned by the backend.
type Record map[string]interface{}

// WriteRequest describes one row insert.
type WriteRequest struct {
	Collection string
	Record     Record
	// IdempotencyKey is the client-generated operation id.
	IdempotencyKey string
	// ConflictColumn names a unique column; when set the write is an upsert
	// on that column and a replay returns the existing row.
	ConflictColumn string
}

// Service is the remote CRUD surface the sync core consumes.
type Service interface {
	// Insert writes one row and returns the stored record.
	Insert(ctx context.Context, req WriteRequest) (Record, error)
	// Exists reports whether collection holds a row whose column equals value.
	Exists(ctx context.Context, collection, column, value string) (bool, error)
}

// Options selects and configures a Service.
type Options struct {
	Driver    string // "rest" (default) or "libsql"
	URL       string
	APIKey    string
	AuthToken string
	Timeout   time.Duration
}

// New builds the Service named by opts.Driver.
func New(opts Options, logger *slog.Logger) (Service, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("remote: url required")
	}
	switch opts.Driver {
	case "", "rest":
		var tok *Token
		if opts.AuthToken != "" {
			t, err := ParseToken(opts.AuthToken)
			if err != nil {
				return nil, err
			}
			tok = t
		}
		return NewREST(opts.URL, opts.APIKey, tok, opts.Timeout, logger), nil
	case "libsql":
		return NewLibSQL(opts.URL, opts.AuthToken, opts.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("remote: unknown driver %q", opts.Driver)
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(names ...string) error {
	for _, n := range names {
		if !identRe.MatchString(n) {
			return fmt.Errorf("remote: invalid identifier %q", n)
		}
	}
	return nil
}
