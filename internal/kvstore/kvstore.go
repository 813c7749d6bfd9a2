package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/five82/tether/internal/config"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("kv store closed")

// KVStore is an eventually-durable map of JSON-encoded values.
type KVStore interface {
	// Get returns the raw value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set overwrites key with value.
	Set(ctx context.Context, key string, value []byte) error
}

// BatchSetter writes several keys as one unit so readers never observe a
// partially written projection.
type BatchSetter interface {
	SetMany(ctx context.Context, values map[string][]byte) error
}

// Deleter removes keys. Missing keys are ignored.
type Deleter interface {
	Delete(ctx context.Context, keys ...string) error
}

// Watcher reports changes made by other processes.
type Watcher interface {
	// Watch calls onChange after the underlying storage changes. It blocks
	// until ctx is done.
	Watch(ctx context.Context, onChange func()) error
}

// Backend is what Open returns: a KVStore with batch writes, deletes and a
// Close.
type Backend interface {
	KVStore
	BatchSetter
	Deleter
	io.Closer
}

// Open constructs the backend named in cfg.
func Open(cfg config.Store, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendFile, "":
		return NewFile(cfg.Path, logger)
	case config.BackendSQLite:
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("open kv store: unknown backend %q", cfg.Backend)
	}
}
