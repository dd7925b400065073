package timer

import (
	"context"
	"time"

	"boostd/internal/eventbus"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

// DriftReport summarizes one drift check.
type DriftReport struct {
	Checked           int  `json:"checked"`
	WakesRescheduled  int  `json:"wakes_rescheduled"`
	OrphansCancelled  int  `json:"orphans_cancelled"`
	SkippedBusy       int  `json:"skipped_busy"`
	SnapshotRewritten bool `json:"snapshot_rewritten"`
}

func (d DriftReport) Repairs() int {
	n := d.WakesRescheduled + d.OrphansCancelled
	if d.SnapshotRewritten {
		n++
	}
	return n
}

// CheckDrift compares memory against the wake bridge and the persisted snapshot
// and repairs what disagrees, using the same rules as recovery. Entities with an
// expiration in flight are skipped until the next pass.
func (r *Registry) CheckDrift(ctx context.Context) (DriftReport, error) {
	var rep DriftReport
	done, err := r.enter()
	if err != nil {
		return rep, err
	}
	defer done()

	log := r.log.For("health")

	wakes, err := r.bridge.List(ctx)
	if err != nil {
		return rep, schedulingErr(err, "list wakes")
	}
	pending := make(map[wake.Handle]wake.Scheduled, len(wakes))
	for _, w := range wakes {
		pending[w.Handle] = w
	}

	recs := r.Records()
	rep.Checked = len(recs)
	known := make(map[wake.Handle]bool, len(recs))
	for _, rec := range recs {
		if rec.WakeHandle != "" {
			known[rec.WakeHandle] = true
		}
		if !rec.Active {
			continue
		}
		if _, ok := pending[rec.WakeHandle]; ok && rec.WakeHandle != "" {
			continue
		}
		switch r.repairLostWake(ctx, rec.EntityID, rec.gen, rec.WakeHandle) {
		case repairDone:
			rep.WakesRescheduled++
			log.Warn("drift: active timer had no wake; rescheduled", logx.Entity(string(rec.EntityID)))
		case repairBusy:
			rep.SkippedBusy++
		}
	}

	for _, w := range wakes {
		if known[w.Handle] {
			continue
		}
		if r.cancelOrphan(ctx, w) {
			rep.OrphansCancelled++
			log.Warn("drift: orphan wake cancelled", logx.String("wake", w.Name), logx.String("handle", string(w.Handle)))
		}
	}

	if rewritten, err := r.repairSnapshot(ctx); err != nil {
		log.Warn("drift: snapshot check failed", logx.Err(err))
	} else if rewritten {
		rep.SnapshotRewritten = true
		log.Warn("drift: persisted snapshot disagreed with memory; rewritten")
	}

	if rep.Repairs() > 0 {
		r.bus.Publish(eventbus.Event{Type: eventbus.DriftRepaired, Time: r.now(), Data: rep})
	}
	return rep, nil
}

type repairResult int

const (
	repairNone repairResult = iota
	repairDone
	repairBusy
)

// repairLostWake reschedules e if it still has the same identity and handle it had
// when the check observed it missing.
func (r *Registry) repairLostWake(ctx context.Context, e EntityID, gen uint64, seen wake.Handle) repairResult {
	release, ok := r.guard.TryAcquire(string(e))
	if !ok {
		return repairBusy
	}
	defer release()

	unlock := r.locks.lock(e)
	defer unlock()

	cur := r.get(e)
	if cur == nil || cur.gen != gen || !cur.Active || cur.WakeHandle != seen {
		return repairNone
	}
	now := r.now()
	delay := cur.NextFireTime.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if cur.NextFireTime.Before(now) {
		cur.NextFireTime = now
	}
	cur.WakeHandle = r.scheduleWake(ctx, cur, delay, "drift")
	r.put(cur)
	_ = r.persist(ctx)
	if cur.WakeHandle == "" {
		return repairNone
	}
	return repairDone
}

// cancelOrphan cancels w unless, by the time the entity lock is held, a record
// has claimed its handle.
func (r *Registry) cancelOrphan(ctx context.Context, w wake.Scheduled) bool {
	if ent, _, ok := wake.ParseName(w.Name); ok {
		unlock := r.locks.lock(EntityID(ent))
		defer unlock()
		if cur := r.get(EntityID(ent)); cur != nil && cur.WakeHandle == w.Handle {
			return false
		}
	}
	if err := r.bridge.Cancel(ctx, w.Handle); err != nil {
		r.log.Warn("orphan wake cancel failed", logx.String("wake", w.Name), logx.Err(err))
		return false
	}
	return true
}

// repairSnapshot rewrites the snapshot when it disagrees with memory on the
// fields recovery depends on.
func (r *Registry) repairSnapshot(ctx context.Context) (bool, error) {
	cfg, _ := r.config()
	snap, ok, err := ReadSnapshot(ctx, r.kv, cfg.SnapshotKey, r.now(), cfg.Retry.MaxRetries)
	if err == nil && ok && snapshotMatches(snap.Records, r.Records()) {
		return false, nil
	}
	if perr := r.persist(ctx); perr != nil {
		return false, perr
	}
	return true, nil
}

func snapshotMatches(persisted map[EntityID]*Record, mem []Record) bool {
	if len(persisted) != len(mem) {
		return false
	}
	for _, m := range mem {
		p := persisted[m.EntityID]
		if p == nil {
			return false
		}
		if p.Active != m.Active || p.Paused != m.Paused || p.Interval != m.Interval ||
			p.WakeHandle != m.WakeHandle || p.RetryCount != m.RetryCount || p.Circuit != m.Circuit {
			return false
		}
		if m.Active && !sameMs(p.NextFireTime, m.NextFireTime) {
			return false
		}
	}
	return true
}

func sameMs(a, b time.Time) bool { return a.UnixMilli() == b.UnixMilli() }
