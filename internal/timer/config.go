package timer

import (
	"time"

	"boostd/internal/retry"
)

const (
	DefaultMaxInterval     = 24 * time.Hour
	DefaultCallbackTimeout = 2 * time.Minute
	DefaultHistorySize     = 200
	DefaultSnapshotKey     = "timers"
	DefaultReadAttempts    = 4
	DefaultReadBackoff     = 250 * time.Millisecond
)

type Config struct {
	MaxInterval     time.Duration
	CallbackTimeout time.Duration
	HistorySize     int
	SnapshotKey     string
	Retry           retry.Config

	// Snapshot read retries during recovery.
	ReadAttempts int
	ReadBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.SnapshotKey == "" {
		c.SnapshotKey = DefaultSnapshotKey
	}
	if c.ReadAttempts <= 0 {
		c.ReadAttempts = DefaultReadAttempts
	}
	if c.ReadBackoff <= 0 {
		c.ReadBackoff = DefaultReadBackoff
	}
	return c
}
