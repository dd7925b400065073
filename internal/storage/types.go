package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrClosed     = errors.New("storage closed")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// KV is the minimal persistence API used by the scheduler.
//
// Get returns ok=false (and a nil error) when the key has never been written.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (tests, dry runs); nothing survives a restart
//   - "file": one JSON file per key under Path (atomic temp+rename)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
