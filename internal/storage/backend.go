// Package storage provides the durable key-value layer used by the offline
// sync queue. Every backend offers atomic single-key writes that are flushed
// to stable storage before Put returns.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage: backend closed")

// Entry is a single key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Backend is a durable key-value store with swappable implementations.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver        string // "sqlite", "file" or "memory"
	Path          string
	EncryptionKey string // when set, values are sealed at rest
}

// Open creates the backend described by opts.
func Open(opts Options, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		b   Backend
		err error
	)
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite":
		path := opts.Path
		if path == "" {
			path = "queue.db"
		}
		b, err = OpenSQLite(path)
	case "file":
		path := opts.Path
		if path == "" {
			path = "queue.json"
		}
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "queue.json")
		}
		b, err = OpenFile(path)
	case "memory":
		b = NewMemory()
	default:
		return nil, fmt.Errorf("storage: unknown driver %q (use sqlite, file, or memory)", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if opts.EncryptionKey != "" {
		sealed, err := NewSealed(b, []byte(opts.EncryptionKey))
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b = sealed
	}

	logger.Info("storage backend opened",
		"driver", opts.Driver,
		"path", opts.Path,
		"sealed", opts.EncryptionKey != "")
	return b, nil
}
