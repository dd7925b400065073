// Package wake is the durable wake-up service timers are scheduled against.
//
// A wake is a named, one-shot notification at an absolute time. The table of
// pending wakes is persisted on every change, so wakes outlive the process that
// scheduled them; after a restart they are re-armed (or delivered right away when
// already past due).
package wake

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Handle identifies one scheduled wake.
type Handle string

// Scheduled describes a pending wake.
type Scheduled struct {
	Name   string
	Handle Handle
	FireAt time.Time
}

// Bridge is the contract the timer registry depends on.
//
// Cancel of an unknown handle is not an error. List is for reconciliation only.
type Bridge interface {
	Schedule(ctx context.Context, name string, delay time.Duration) (Handle, error)
	Cancel(ctx context.Context, h Handle) error
	List(ctx context.Context) ([]Scheduled, error)
}

// FireFunc receives delivered wakes. The wake is already removed from the table.
type FireFunc func(ctx context.Context, w Scheduled)

const namePrefix = "boost:"

// Name encodes entity and interval: boost:<intervalMs>:<entity>.
func Name(entity string, interval time.Duration) string {
	return namePrefix + strconv.FormatInt(interval.Milliseconds(), 10) + ":" + entity
}

// ParseName is the inverse of Name. Entities may themselves contain ':'.
func ParseName(name string) (entity string, interval time.Duration, ok bool) {
	rest, found := strings.CutPrefix(name, namePrefix)
	if !found {
		return "", 0, false
	}
	msStr, entity, found := strings.Cut(rest, ":")
	if !found || entity == "" {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil || ms <= 0 {
		return "", 0, false
	}
	return entity, time.Duration(ms) * time.Millisecond, true
}
