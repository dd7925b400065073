package timer

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"boostd/internal/eventbus"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

// Report summarizes a recovery pass.
type Report struct {
	Entities          int           `json:"entities"`
	Active            int           `json:"active"`
	Paused            int           `json:"paused"`
	Adopted           int           `json:"adopted"`
	Rescheduled       int           `json:"rescheduled"`
	OrphansCancelled  int           `json:"orphans_cancelled"`
	SnapshotMissing   bool          `json:"snapshot_missing"`
	SnapshotCorrupt   bool          `json:"snapshot_corrupt"`
	WakeListFailed    bool          `json:"wake_list_failed"`
	SnapshotPersisted bool          `json:"snapshot_persisted"`
	Duration          time.Duration `json:"duration"`
}

// RecoveryCoordinator merges the persisted snapshot, the pending wakes and any
// in-memory records into one consistent table, then marks the registry ready.
// Running it again over the same inputs yields the same table.
type RecoveryCoordinator struct {
	reg *Registry
}

func NewRecoveryCoordinator(reg *Registry) *RecoveryCoordinator {
	return &RecoveryCoordinator{reg: reg}
}

// Run reconciles and installs state. A missing dependency, a cancelled ctx or a
// snapshot that stays unreadable after retries is fatal and changes nothing. A
// missing or corrupt snapshot degrades to an empty baseline and is logged.
func (c *RecoveryCoordinator) Run(ctx context.Context) (Report, error) {
	var rep Report
	if c == nil || c.reg == nil {
		return rep, errors.Mark(errors.New("recovery: no registry"), ErrFatalReconciliation)
	}
	r := c.reg
	if r.kv == nil || r.bridge == nil {
		return rep, errors.Mark(errors.New("recovery: storage and wake bridge are required"), ErrFatalReconciliation)
	}
	if err := ctx.Err(); err != nil {
		return rep, errors.Mark(errors.Wrap(err, "recovery"), ErrFatalReconciliation)
	}
	r.lifeMu.RLock()
	closed := r.closed
	r.lifeMu.RUnlock()
	if closed {
		return rep, errors.Mark(ErrClosed, ErrFatalReconciliation)
	}

	log := r.log.For("recovery")
	start := time.Now()
	cfg, _ := r.config()
	now := r.now()

	// 1. Snapshot, overlaid with anything already in memory.
	snap, ok, err := c.readSnapshot(ctx, cfg, now, log)
	switch {
	case err != nil && errors.Is(err, ErrPersistence):
		// Storage is unreachable, not empty: leave wakes and the stored table alone.
		log.Error("snapshot unreadable; refusing to reconcile", logx.Err(err))
		return rep, errors.Mark(errors.Wrap(err, "recovery"), ErrFatalReconciliation)
	case err != nil:
		log.Warn("snapshot corrupt; starting from empty state", logx.Err(err))
		rep.SnapshotCorrupt = true
	case !ok:
		rep.SnapshotMissing = true
	}
	records := snap.Records
	if records == nil {
		records = map[EntityID]*Record{}
	}
	r.mu.RLock()
	for id, rec := range r.records {
		cp := *rec
		records[id] = &cp
	}
	r.mu.RUnlock()

	// 2. Pending wakes.
	wakes, err := r.bridge.List(ctx)
	if err != nil {
		log.Warn("wake list failed; rescheduling every active timer", logx.Err(schedulingErr(err, "list wakes")))
		rep.WakeListFailed = true
		wakes = nil
	}
	byEntity := make(map[EntityID][]wake.Scheduled)
	var orphans []wake.Scheduled
	for _, w := range wakes {
		ent, iv, ok := wake.ParseName(w.Name)
		if !ok {
			orphans = append(orphans, w)
			continue
		}
		rec := records[EntityID(ent)]
		if rec == nil || !rec.Active || rec.Interval != iv {
			orphans = append(orphans, w)
			continue
		}
		byEntity[rec.EntityID] = append(byEntity[rec.EntityID], w)
	}

	// 3. Adopt or reschedule each active record. Work in id order for stable logs.
	ids := make([]EntityID, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		rec := records[id]
		if !rec.Active {
			rep.Paused++
			continue
		}
		rep.Active++
		cands := byEntity[id]
		if len(cands) == 0 {
			delay := rec.NextFireTime.Sub(now)
			if delay < 0 {
				delay = 0
			}
			if rec.NextFireTime.Before(now) {
				rec.NextFireTime = now
			}
			rec.WakeHandle = r.scheduleWake(ctx, rec, delay, "recover")
			rep.Rescheduled++
			log.Info("wake lost; rescheduled", logx.Entity(string(id)), logx.Duration("delay", delay),
				logx.Bool("scheduled", rec.WakeHandle != ""))
			continue
		}

		keep := pickWake(cands, rec.WakeHandle)
		for _, w := range cands {
			if w.Handle != keep.Handle {
				orphans = append(orphans, w)
			}
		}
		if keep.Handle != rec.WakeHandle {
			rec.WakeHandle = keep.Handle
			if keep.FireAt.After(rec.StartTime) {
				rec.NextFireTime = keep.FireAt
			}
		}
		rep.Adopted++
	}

	// 4. Orphans.
	for _, w := range orphans {
		if err := r.bridge.Cancel(ctx, w.Handle); err != nil {
			log.Warn("orphan wake cancel failed", logx.String("wake", w.Name), logx.String("handle", string(w.Handle)), logx.Err(err))
			continue
		}
		rep.OrphansCancelled++
		log.Warn("orphan wake cancelled", logx.String("wake", w.Name), logx.String("handle", string(w.Handle)))
	}

	// Install.
	r.mu.Lock()
	r.records = make(map[EntityID]*Record, len(records))
	for id, rec := range records {
		rec.gen = r.gen.Add(1)
		r.records[id] = rec
	}
	r.mu.Unlock()
	rep.Entities = len(records)

	r.lifeMu.Lock()
	r.ready = true
	r.lifeMu.Unlock()

	// 5. Persist the reconciled table.
	rep.SnapshotPersisted = r.persist(ctx) == nil
	rep.Duration = time.Since(start)

	log.Info("recovery completed",
		logx.Int("entities", rep.Entities),
		logx.Int("adopted", rep.Adopted),
		logx.Int("rescheduled", rep.Rescheduled),
		logx.Int("orphans_cancelled", rep.OrphansCancelled),
		logx.Bool("snapshot_missing", rep.SnapshotMissing),
		logx.Bool("snapshot_corrupt", rep.SnapshotCorrupt),
		logx.Duration("took", rep.Duration),
	)
	r.bus.Publish(eventbus.Event{Type: eventbus.RecoveryCompleted, Time: r.now(), Data: rep})
	return rep, nil
}

// readSnapshot retries storage read failures with doubling backoff. Decode
// errors are returned at once.
func (c *RecoveryCoordinator) readSnapshot(ctx context.Context, cfg Config, now time.Time, log logx.Logger) (Snapshot, bool, error) {
	backoff := cfg.ReadBackoff
	for attempt := 1; ; attempt++ {
		snap, ok, err := ReadSnapshot(ctx, c.reg.kv, cfg.SnapshotKey, now, cfg.Retry.MaxRetries)
		if err == nil || !errors.Is(err, ErrPersistence) || attempt >= cfg.ReadAttempts {
			return snap, ok, err
		}
		log.Warn("snapshot read failed; retrying",
			logx.Attempt(attempt),
			logx.Duration("backoff", backoff),
			logx.Err(err),
		)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return snap, ok, errors.CombineErrors(err, ctx.Err())
		case <-t.C:
		}
		backoff *= 2
	}
}

// pickWake prefers the handle the record already knows, then the earliest wake.
func pickWake(cands []wake.Scheduled, known wake.Handle) wake.Scheduled {
	best := cands[0]
	for _, w := range cands {
		if known != "" && w.Handle == known {
			return w
		}
		if w.FireAt.Before(best.FireAt) {
			best = w
		}
	}
	return best
}
