package timer

import (
	"context"
	"time"

	"boostd/internal/retry"
	"boostd/internal/wake"
)

// EntityID identifies a scheduled entity. Opaque to the registry.
type EntityID string

// Callback runs when an entity's timer expires. A non-nil error counts as a failure.
// It must not call back into the registry for the same entity.
type Callback func(ctx context.Context, e EntityID) error

// Record is one entity's timer state.
//
// Exactly one of Active and Paused is true for a stored record. WakeHandle is set
// while Active, except after a failed wake schedule which the health check repairs.
type Record struct {
	EntityID     EntityID
	Interval     time.Duration
	StartTime    time.Time
	NextFireTime time.Time
	Active       bool
	Paused       bool
	Remaining    time.Duration // only while Paused
	RetryCount   int
	Circuit      retry.State
	Cooldown     time.Duration
	OpenUntil    time.Time
	LastError    string
	WakeHandle   wake.Handle

	gen uint64
}

func (r *Record) breaker() retry.Breaker {
	return retry.Breaker{State: r.Circuit, Retries: r.RetryCount, Cooldown: r.Cooldown, OpenUntil: r.OpenUntil}
}

func (r *Record) setBreaker(b retry.Breaker) {
	r.Circuit = b.State
	r.RetryCount = b.Retries
	r.Cooldown = b.Cooldown
	r.OpenUntil = b.OpenUntil
}

// Status is the read-only view returned by Registry.Status. Exists=false means
// no record; all other fields are then zero.
type Status struct {
	EntityID     EntityID      `json:"entity_id"`
	Exists       bool          `json:"exists"`
	Active       bool          `json:"active"`
	Paused       bool          `json:"paused"`
	Interval     time.Duration `json:"interval"`
	Remaining    time.Duration `json:"remaining"`
	NextFireTime time.Time     `json:"next_fire_time,omitempty"`
	RetryCount   int           `json:"retry_count"`
	Circuit      retry.State   `json:"circuit"`
	LastError    string        `json:"last_error,omitempty"`
}

type ResetOptions struct {
	// Interval replaces the current interval when > 0.
	Interval     time.Duration
	ClearRetries bool
}

// Counts summarizes the table for metrics and keep-alive decisions.
type Counts struct {
	Total       int
	Active      int
	Paused      int
	CircuitOpen int
	Unscheduled int // active without a wake handle
}

// Event is the payload of registry events on the bus.
type Event struct {
	Entity       EntityID      `json:"entity"`
	Interval     time.Duration `json:"interval,omitempty"`
	NextFireTime time.Time     `json:"next_fire_time,omitempty"`
	RetryCount   int           `json:"retry_count,omitempty"`
	Circuit      string        `json:"circuit,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
}
