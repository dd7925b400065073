package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostd/internal/retry"
)

func TestDecodeSnapshot_ToleratesShapeChanges(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)

	raw := `{
	  "version": 7,
	  "saved_at_ms": 1699999999000,
	  "future_field": {"x": 1},
	  "timers": {
	    "old":     {"entity_id": "old", "interval_ms": 60000, "next_fire_time_ms": 1700000030000},
	    "paused":  {"entity_id": "paused", "interval_ms": 60000, "active": false, "paused": true, "remaining_ms": 15000, "wake_handle": "leftover"},
	    "limbo":   {"entity_id": "limbo", "interval_ms": 60000, "active": false},
	    "retries": {"entity_id": "retries", "interval_ms": 60000, "retry_count": 99, "circuit_state": "weird", "something_new": true},
	    "bad":     {"entity_id": "bad", "interval_ms": 0},
	    "keyed":   {"interval_ms": 1000}
	  }
	}`

	snap, err := DecodeSnapshot([]byte(raw), now, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.Version)
	assert.Len(t, snap.Records, 5)
	assert.NotContains(t, snap.Records, EntityID("bad"))

	old := snap.Records["old"]
	assert.True(t, old.Active, "missing active defaults to true")
	assert.True(t, old.StartTime.Equal(old.NextFireTime.Add(-time.Minute)))

	p := snap.Records["paused"]
	assert.True(t, p.Paused)
	assert.False(t, p.Active)
	assert.Equal(t, 15*time.Second, p.Remaining)
	assert.Empty(t, p.WakeHandle)

	l := snap.Records["limbo"]
	assert.True(t, l.Paused)
	assert.Equal(t, time.Minute, l.Remaining)

	r := snap.Records["retries"]
	assert.Equal(t, 3, r.RetryCount)
	assert.Equal(t, retry.Open, r.Circuit)

	k := snap.Records["keyed"]
	require.NotNil(t, k)
	assert.True(t, k.NextFireTime.Equal(now.Add(time.Second)))
}

func TestSnapshot_EncodeDecode(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	in := map[EntityID]*Record{
		"42": {
			EntityID: "42", Interval: 15 * time.Minute, StartTime: now, NextFireTime: now.Add(15 * time.Minute),
			Active: true, RetryCount: 2, Circuit: retry.HalfOpen, Cooldown: time.Minute, OpenUntil: now,
			LastError: "timeout", WakeHandle: "h-1",
		},
	}
	b, err := encodeSnapshot(in, now)
	require.NoError(t, err)

	snap, err := DecodeSnapshot(b, now, 3)
	require.NoError(t, err)
	got := snap.Records["42"]
	require.NotNil(t, got)
	want := *in["42"]
	assert.Equal(t, want.Interval, got.Interval)
	assert.True(t, want.NextFireTime.Equal(got.NextFireTime))
	assert.Equal(t, want.Circuit, got.Circuit)
	assert.Equal(t, want.RetryCount, got.RetryCount)
	assert.Equal(t, want.WakeHandle, got.WakeHandle)
	assert.Equal(t, want.LastError, got.LastError)
	assert.True(t, snap.SavedAt.Equal(now))
}
