package timer

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"boostd/internal/eventbus"
	"boostd/internal/retry"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

// OnWake is the wake.FireFunc for the registry. Wakes that no longer match the
// entity's current handle are stale and dropped.
func (r *Registry) OnWake(ctx context.Context, w wake.Scheduled) {
	ent, _, ok := wake.ParseName(w.Name)
	if !ok {
		r.log.Warn("wake with foreign name ignored", logx.String("wake", w.Name))
		return
	}
	e := EntityID(ent)

	// The lock waits out a StartTimer that has scheduled but not yet stored the handle.
	unlock := r.locks.lock(e)
	rec := r.get(e)
	match := rec != nil && rec.Active && rec.WakeHandle == w.Handle
	unlock()

	if !match {
		r.log.Debug("stale wake ignored", logx.Entity(ent), logx.String("wake", string(w.Handle)))
		return
	}
	r.expire(ctx, e, w.Handle)
}

// HandleExpiration runs one expiration for e. A concurrent expiration for the same
// entity is dropped, not queued. Callback failures never escape.
func (r *Registry) HandleExpiration(ctx context.Context, e EntityID) {
	r.expire(ctx, e, "")
}

// expire is HandleExpiration for a delivered wake. When via is set, the record
// must still point at that wake once the guard is held; a drift repair may have
// replaced it in between.
func (r *Registry) expire(ctx context.Context, e EntityID, via wake.Handle) {
	done, err := r.enter()
	if err != nil {
		r.log.Debug("expiration ignored", logx.Entity(string(e)), logx.Err(err))
		return
	}
	defer done()

	release, ok := r.guard.TryAcquire(string(e))
	if !ok {
		r.log.Debug("expiration dropped; already processing", logx.Entity(string(e)))
		if rec := r.get(e); rec != nil {
			r.publish(eventbus.TimerSkipped, rec, func(ev *Event) { ev.Reason = "busy" })
		}
		return
	}
	defer release()

	rec := r.get(e)
	if rec == nil || !rec.Active {
		return
	}
	if via != "" && rec.WakeHandle != via {
		r.log.Debug("wake superseded before expiration", logx.Entity(string(e)), logx.String("wake", string(via)))
		return
	}
	cfg, policy := r.config()

	br, admit, wait := policy.OnSignal(rec.breaker(), r.now())
	if !admit {
		r.deferUntilOpen(ctx, e, rec.gen, wait)
		return
	}

	attempt := rec.RetryCount + 1
	started := time.Now()
	cbErr := r.invoke(ctx, cfg, e)
	r.complete(ctx, e, rec.gen, br, cbErr, attempt, time.Since(started))
}

func (r *Registry) invoke(ctx context.Context, cfg Config, e EntityID) (err error) {
	cb := r.callbackFor(e)
	if cb == nil {
		return nil
	}
	runCtx, cancel := context.WithTimeout(ctx, cfg.CallbackTimeout)
	defer cancel()

	// A panicking callback must not take the scheduler down.
	defer func() {
		if p := recover(); p != nil {
			err = errors.Mark(errors.Newf("panic: %v", p), ErrCallback)
			r.log.Error("callback panic", logx.Entity(string(e)), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := cb(runCtx, e); err != nil {
		return errors.Mark(err, ErrCallback)
	}
	return nil
}

// complete applies the outcome to the current record. A record that was removed
// or replaced while the callback ran is left alone.
func (r *Registry) complete(ctx context.Context, e EntityID, gen uint64, br retry.Breaker, cbErr error, attempt int, took time.Duration) {
	cfg, policy := r.config()

	unlock := r.locks.lock(e)
	defer unlock()

	cur := r.get(e)
	if cur == nil || cur.gen != gen {
		r.log.Debug("record changed during callback; not rescheduling", logx.Entity(string(e)))
		return
	}

	now := r.now()
	var (
		delay     time.Duration
		evType    string
		opened    bool
		closed    bool
		outcome   = "ok"
		errString string
	)
	if cbErr == nil {
		var nb retry.Breaker
		nb, closed = policy.OnSuccess(br)
		cur.setBreaker(nb)
		cur.LastError = ""
		delay = cur.Interval
		evType = eventbus.TimerFired
	} else {
		out := policy.OnFailure(br, now)
		cur.setBreaker(out.Breaker)
		errString = cbErr.Error()
		cur.LastError = errString
		delay = out.Delay
		opened = out.Opened
		evType = eventbus.TimerFailed
		outcome = "failed"
	}

	r.reschedule(ctx, cur, now, delay, "expire")

	fields := []logx.Field{
		logx.Entity(string(e)),
		logx.Op("expire"),
		logx.Attempt(attempt),
		logx.Duration("took", took),
		logx.Duration("next_in", delay),
		logx.String("circuit", cur.Circuit.String()),
	}
	if cbErr != nil {
		r.log.Warn("callback failed", append(fields, logx.Err(cbErr))...)
	} else {
		r.log.Debug("callback ok", fields...)
	}
	if opened {
		r.log.Warn("circuit opened", logx.Entity(string(e)), logx.Int("retries", cur.RetryCount), logx.Time("open_until", cur.OpenUntil))
	}

	r.hist.add(HistoryItem{Entity: e, Fired: now, Duration: took, Outcome: outcome, Attempt: attempt, Error: errString}, cfg.HistorySize)
	r.publish(evType, cur, func(ev *Event) { ev.Duration = took; ev.Error = errString })
	if opened {
		r.publish(eventbus.CircuitOpened, cur, nil)
	}
	if closed {
		r.publish(eventbus.CircuitClosed, cur, nil)
	}
}

// deferUntilOpen acknowledges a signal that arrived while the circuit is OPEN and
// makes sure a wake exists for the end of the cooldown.
func (r *Registry) deferUntilOpen(ctx context.Context, e EntityID, gen uint64, wait time.Duration) {
	cfg, _ := r.config()

	unlock := r.locks.lock(e)
	defer unlock()

	cur := r.get(e)
	if cur == nil || cur.gen != gen {
		return
	}
	now := r.now()
	r.reschedule(ctx, cur, now, wait, "circuit_open")

	r.log.Debug("expiration acknowledged; circuit open", logx.Entity(string(e)), logx.Duration("wait", wait))
	r.hist.add(HistoryItem{Entity: e, Fired: now, Outcome: "skipped", Attempt: cur.RetryCount}, cfg.HistorySize)
	r.publish(eventbus.TimerSkipped, cur, func(ev *Event) { ev.Reason = "circuit_open" })
}

// reschedule moves cur to now+delay and stores it. A paused record keeps the delay
// as its remaining time instead of getting a wake. Call with the entity lock held.
func (r *Registry) reschedule(ctx context.Context, cur *Record, now time.Time, delay time.Duration, op string) {
	if delay <= 0 {
		delay = time.Millisecond
	}
	if cur.Paused {
		cur.Remaining = delay
		r.put(cur)
		_ = r.persist(ctx)
		return
	}

	r.cancelWake(ctx, cur.EntityID, cur.WakeHandle, op)
	cur.WakeHandle = ""
	cur.StartTime = now
	cur.NextFireTime = now.Add(delay)
	cur.WakeHandle = r.scheduleWake(ctx, cur, delay, op)
	r.put(cur)
	_ = r.persist(ctx)
}
