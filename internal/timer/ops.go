package timer

import (
	"context"
	"time"

	"boostd/internal/eventbus"
	"boostd/internal/retry"
	logx "boostd/pkg/logx"
)

// StartTimer creates (or replaces) the timer for e. Only invalid input fails;
// persistence and wake errors are logged and the record stays active in memory.
func (r *Registry) StartTimer(ctx context.Context, e EntityID, interval time.Duration) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	if err := r.validateInterval(interval); err != nil {
		return err
	}
	done, err := r.enter()
	if err != nil {
		return err
	}
	defer done()

	unlock := r.locks.lock(e)
	defer unlock()

	prev := r.get(e)
	r.start(ctx, e, interval, prev, false, "start")
	return nil
}

// start installs a fresh record. When carry is set its breaker state survives.
// Call with the entity lock held.
func (r *Registry) start(ctx context.Context, e EntityID, interval time.Duration, prev *Record, carry bool, op string) {
	if prev != nil {
		r.cancelWake(ctx, e, prev.WakeHandle, op)
	}

	now := r.now()
	rec := &Record{
		EntityID:     e,
		Interval:     interval,
		StartTime:    now,
		NextFireTime: now.Add(interval),
		Active:       true,
		Circuit:      retry.Closed,
		gen:          r.gen.Add(1),
	}
	if carry && prev != nil {
		rec.RetryCount = prev.RetryCount
		rec.Circuit = prev.Circuit
		rec.Cooldown = prev.Cooldown
		rec.OpenUntil = prev.OpenUntil
		rec.LastError = prev.LastError
	}

	r.put(rec)
	_ = r.persist(ctx)

	if h := r.scheduleWake(ctx, rec, interval, op); h != "" {
		rec.WakeHandle = h
		r.put(rec)
		_ = r.persist(ctx)
	}

	r.log.Debug("timer started", logx.Entity(string(e)), logx.Duration("interval", interval),
		logx.Bool("replaced", prev != nil), logx.Op(op))
	r.publish(eventbus.TimerStarted, rec, func(ev *Event) { ev.Reason = op })
}

// StopTimer cancels the wake and removes the record. It reports whether a record existed.
func (r *Registry) StopTimer(ctx context.Context, e EntityID) bool {
	done, err := r.enter()
	if err != nil {
		r.log.Debug("stop rejected", logx.Entity(string(e)), logx.Err(err))
		return false
	}
	defer done()

	unlock := r.locks.lock(e)
	defer unlock()
	return r.stop(ctx, e, "stop")
}

// stop removes e. Call with the entity lock held.
func (r *Registry) stop(ctx context.Context, e EntityID, op string) bool {
	rec := r.get(e)
	if rec == nil {
		return false
	}
	r.cancelWake(ctx, e, rec.WakeHandle, op)
	r.drop(e)
	_ = r.persist(ctx)

	r.log.Debug("timer stopped", logx.Entity(string(e)), logx.Op(op))
	rec.Active = false
	r.publish(eventbus.TimerStopped, rec, func(ev *Event) { ev.Reason = op })
	return true
}

// ResetTimer restarts e with a fresh period. Breaker state is kept unless ClearRetries.
// ErrNotFound is returned when e has no record and no interval was given.
func (r *Registry) ResetTimer(ctx context.Context, e EntityID, opts ResetOptions) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	if opts.Interval != 0 {
		if err := r.validateInterval(opts.Interval); err != nil {
			return err
		}
	}
	done, err := r.enter()
	if err != nil {
		return err
	}
	defer done()

	unlock := r.locks.lock(e)
	defer unlock()

	prev := r.get(e)
	interval := opts.Interval
	if interval == 0 {
		if prev == nil {
			return ErrNotFound
		}
		interval = prev.Interval
	}
	r.start(ctx, e, interval, prev, !opts.ClearRetries, "reset")
	return nil
}

// PauseTimer cancels the wake and keeps the remaining time. False when unknown or already paused.
func (r *Registry) PauseTimer(ctx context.Context, e EntityID) bool {
	done, err := r.enter()
	if err != nil {
		return false
	}
	defer done()

	unlock := r.locks.lock(e)
	defer unlock()

	rec := r.get(e)
	if rec == nil || rec.Paused {
		return false
	}
	r.cancelWake(ctx, e, rec.WakeHandle, "pause")

	rem := rec.NextFireTime.Sub(r.now())
	if rem < 0 {
		rem = 0
	}
	rec.Active = false
	rec.Paused = true
	rec.Remaining = rem
	rec.WakeHandle = ""
	r.put(rec)
	_ = r.persist(ctx)

	r.log.Debug("timer paused", logx.Entity(string(e)), logx.Duration("remaining", rem))
	r.publish(eventbus.TimerPaused, rec, nil)
	return true
}

// ResumeTimer reschedules a paused timer with its stored remaining time.
func (r *Registry) ResumeTimer(ctx context.Context, e EntityID) bool {
	done, err := r.enter()
	if err != nil {
		return false
	}
	defer done()

	unlock := r.locks.lock(e)
	defer unlock()

	rec := r.get(e)
	if rec == nil || !rec.Paused {
		return false
	}

	now := r.now()
	rem := rec.Remaining
	rec.Active = true
	rec.Paused = false
	rec.Remaining = 0
	rec.StartTime = now
	rec.NextFireTime = now.Add(rem)
	if !rec.NextFireTime.After(rec.StartTime) {
		rec.NextFireTime = rec.StartTime.Add(time.Millisecond)
		rem = time.Millisecond
	}
	r.put(rec)
	_ = r.persist(ctx)

	if h := r.scheduleWake(ctx, rec, rem, "resume"); h != "" {
		rec.WakeHandle = h
		r.put(rec)
		_ = r.persist(ctx)
	}

	r.log.Debug("timer resumed", logx.Entity(string(e)), logx.Duration("remaining", rem))
	r.publish(eventbus.TimerResumed, rec, nil)
	return true
}

// RemoveEntity stops e and forgets its callback (the entity no longer exists).
func (r *Registry) RemoveEntity(ctx context.Context, e EntityID) bool {
	r.RemoveCallback(e)
	done, err := r.enter()
	if err != nil {
		return false
	}
	defer done()

	unlock := r.locks.lock(e)
	defer unlock()
	return r.stop(ctx, e, "remove")
}

// Cleanup stops every timer and returns how many were removed.
func (r *Registry) Cleanup(ctx context.Context) int {
	done, err := r.enter()
	if err != nil {
		return 0
	}
	defer done()

	r.mu.RLock()
	ids := make([]EntityID, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		unlock := r.locks.lock(id)
		if r.stop(ctx, id, "cleanup") {
			n++
		}
		unlock()
	}
	if n > 0 {
		r.log.Info("all timers cleaned up", logx.Int("removed", n))
	}
	return n
}
