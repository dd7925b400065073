package timer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"boostd/internal/retry"
	"boostd/internal/storage"
	"boostd/internal/wake"
)

// SnapshotVersion is written into every snapshot. Readers accept any version:
// unknown fields are ignored and missing ones defaulted.
const SnapshotVersion = 1

type snapshotFile struct {
	Version   int                       `json:"version"`
	SavedAtMs int64                     `json:"saved_at_ms"`
	Timers    map[string]snapshotRecord `json:"timers"`
}

type snapshotRecord struct {
	EntityID       string `json:"entity_id"`
	IntervalMs     int64  `json:"interval_ms"`
	StartTimeMs    int64  `json:"start_time_ms,omitempty"`
	NextFireTimeMs int64  `json:"next_fire_time_ms,omitempty"`
	// Active is a pointer so records written before the field existed read as active.
	Active       *bool  `json:"active,omitempty"`
	Paused       bool   `json:"paused,omitempty"`
	RemainingMs  int64  `json:"remaining_ms,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`
	CircuitState string `json:"circuit_state,omitempty"`
	CooldownMs   int64  `json:"cooldown_ms,omitempty"`
	OpenUntilMs  int64  `json:"open_until_ms,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	WakeHandle   string `json:"wake_handle,omitempty"`
}

// Snapshot is a decoded snapshot.
type Snapshot struct {
	Version int
	SavedAt time.Time
	Records map[EntityID]*Record
}

func encodeSnapshot(recs map[EntityID]*Record, now time.Time) ([]byte, error) {
	f := snapshotFile{Version: SnapshotVersion, SavedAtMs: now.UnixMilli(), Timers: make(map[string]snapshotRecord, len(recs))}
	for id, rec := range recs {
		active := rec.Active
		sr := snapshotRecord{
			EntityID:     string(id),
			IntervalMs:   rec.Interval.Milliseconds(),
			Active:       &active,
			Paused:       rec.Paused,
			RemainingMs:  rec.Remaining.Milliseconds(),
			RetryCount:   rec.RetryCount,
			CircuitState: rec.Circuit.String(),
			CooldownMs:   rec.Cooldown.Milliseconds(),
			LastError:    rec.LastError,
			WakeHandle:   string(rec.WakeHandle),
		}
		sr.StartTimeMs = unixMs(rec.StartTime)
		sr.NextFireTimeMs = unixMs(rec.NextFireTime)
		sr.OpenUntilMs = unixMs(rec.OpenUntil)
		f.Timers[string(id)] = sr
	}
	return json.Marshal(f)
}

// DecodeSnapshot parses and sanitizes a snapshot. Records that cannot be repaired
// (no id, no interval) are dropped. now fills in missing timestamps.
func DecodeSnapshot(b []byte, now time.Time, maxRetries int) (Snapshot, error) {
	var f snapshotFile
	if err := json.Unmarshal(b, &f); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode snapshot")
	}
	if maxRetries <= 0 {
		maxRetries = retry.DefaultMaxRetries
	}
	out := Snapshot{Version: f.Version, Records: make(map[EntityID]*Record, len(f.Timers))}
	if f.SavedAtMs > 0 {
		out.SavedAt = time.UnixMilli(f.SavedAtMs)
	}
	for key, sr := range f.Timers {
		id := sr.EntityID
		if id == "" {
			id = key
		}
		if validateEntity(EntityID(id)) != nil || sr.IntervalMs <= 0 {
			continue
		}
		rec := &Record{
			EntityID:   EntityID(id),
			Interval:   time.Duration(sr.IntervalMs) * time.Millisecond,
			Remaining:  time.Duration(sr.RemainingMs) * time.Millisecond,
			RetryCount: sr.RetryCount,
			Cooldown:   time.Duration(sr.CooldownMs) * time.Millisecond,
			LastError:  sr.LastError,
			WakeHandle: wake.Handle(sr.WakeHandle),
		}
		rec.Circuit, _ = retry.ParseState(sr.CircuitState)
		rec.StartTime = fromMs(sr.StartTimeMs)
		rec.NextFireTime = fromMs(sr.NextFireTimeMs)
		rec.OpenUntil = fromMs(sr.OpenUntilMs)

		rec.Active = sr.Active == nil || *sr.Active
		rec.Paused = sr.Paused
		if rec.Paused {
			rec.Active = false
		}
		if !rec.Active && !rec.Paused {
			// An inactive record that is not paused has no meaning; keep it as paused.
			rec.Paused = true
			if rec.Remaining <= 0 {
				rec.Remaining = rec.Interval
			}
		}

		sanitizeRecord(rec, now, maxRetries)
		out.Records[rec.EntityID] = rec
	}
	return out, nil
}

func sanitizeRecord(rec *Record, now time.Time, maxRetries int) {
	if rec.RetryCount < 0 {
		rec.RetryCount = 0
	}
	if rec.RetryCount > maxRetries {
		rec.RetryCount = maxRetries
	}
	if rec.RetryCount == maxRetries && rec.Circuit == retry.Closed {
		rec.Circuit = retry.Open
	}
	if rec.Circuit == retry.Open && rec.OpenUntil.IsZero() {
		rec.OpenUntil = now
	}
	if rec.Cooldown < 0 {
		rec.Cooldown = 0
	}
	if rec.Remaining < 0 {
		rec.Remaining = 0
	}
	if rec.NextFireTime.IsZero() {
		rec.NextFireTime = now.Add(rec.Interval)
	}
	if rec.StartTime.IsZero() || !rec.NextFireTime.After(rec.StartTime) {
		rec.StartTime = rec.NextFireTime.Add(-rec.Interval)
	}
	if rec.Paused {
		rec.WakeHandle = ""
	}
}

// ReadSnapshot loads the snapshot stored under key. ok=false when none was written.
func ReadSnapshot(ctx context.Context, kv storage.KV, key string, now time.Time, maxRetries int) (snap Snapshot, ok bool, err error) {
	if key == "" {
		key = DefaultSnapshotKey
	}
	b, ok, err := kv.Get(ctx, key)
	if err != nil {
		return Snapshot{}, false, persistenceErr(err, "read snapshot")
	}
	if !ok {
		return Snapshot{Records: map[EntityID]*Record{}}, false, nil
	}
	snap, err = DecodeSnapshot(b, now, maxRetries)
	if err != nil {
		return Snapshot{Records: map[EntityID]*Record{}}, true, err
	}
	return snap, true, nil
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
