package timer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"boostd/internal/eventbus"
	"boostd/internal/guard"
	"boostd/internal/retry"
	"boostd/internal/storage"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

const warnThrottle = 5 * time.Second

type Registry struct {
	log    logx.Logger
	kv     storage.KV
	bridge wake.Bridge
	bus    eventbus.Bus
	guard  *guard.Guard
	now    func() time.Time

	cfgMu  sync.RWMutex
	cfg    Config
	policy *retry.Policy
	randf  func() float64

	mu        sync.RWMutex
	records   map[EntityID]*Record
	global    Callback
	callbacks map[EntityID]Callback
	gen       atomic.Uint64

	locks     entityLocks
	persistMu sync.Mutex

	lifeMu   sync.RWMutex
	ready    bool
	closed   bool
	inflight sync.WaitGroup

	hist  history
	warns *logx.Throttle
}

type Option func(*Registry)

// WithClock overrides time.Now for scheduling math.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithGuard shares a concurrency guard (tests inspect it).
func WithGuard(g *guard.Guard) Option {
	return func(r *Registry) {
		if g != nil {
			r.guard = g
		}
	}
}

// WithJitter overrides the retry jitter source.
func WithJitter(f func() float64) Option {
	return func(r *Registry) { r.randf = f }
}

func New(cfg Config, kv storage.KV, bridge wake.Bridge, log logx.Logger, bus eventbus.Bus, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	r := &Registry{
		log:       log.For("timer"),
		kv:        kv,
		bridge:    bridge,
		bus:       bus,
		guard:     guard.New(),
		now:       time.Now,
		records:   make(map[EntityID]*Record),
		callbacks: make(map[EntityID]Callback),
		warns:     logx.NewThrottle(warnThrottle),
	}
	for _, o := range opts {
		o(r)
	}
	r.Apply(cfg)
	return r
}

// Apply swaps scheduler settings. Existing records keep their breaker state.
func (r *Registry) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p := retry.New(cfg.Retry)
	if r.randf != nil {
		p.WithRand(r.randf)
	}
	r.cfgMu.Lock()
	r.cfg = cfg
	r.policy = p
	r.cfgMu.Unlock()
}

func (r *Registry) config() (Config, *retry.Policy) {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg, r.policy
}

// Ready reports whether recovery has completed.
func (r *Registry) Ready() bool {
	r.lifeMu.RLock()
	defer r.lifeMu.RUnlock()
	return r.ready && !r.closed
}

// Close stops accepting calls and waits for in-flight expirations (bounded by ctx).
// Records and wakes stay persisted.
func (r *Registry) Close(ctx context.Context) error {
	r.lifeMu.Lock()
	if r.closed {
		r.lifeMu.Unlock()
		return nil
	}
	r.closed = true
	r.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timer: waiting for in-flight expirations")
	}
}

// enter registers an operation; the returned func must be called when done.
func (r *Registry) enter() (func(), error) {
	r.lifeMu.RLock()
	defer r.lifeMu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	if !r.ready {
		return nil, ErrNotReady
	}
	r.inflight.Add(1)
	return r.inflight.Done, nil
}

func (r *Registry) SetGlobalCallback(cb Callback) {
	r.mu.Lock()
	r.global = cb
	r.mu.Unlock()
}

// SetCallback registers a per-entity callback that takes precedence over the global one.
func (r *Registry) SetCallback(e EntityID, cb Callback) {
	r.mu.Lock()
	if cb == nil {
		delete(r.callbacks, e)
	} else {
		r.callbacks[e] = cb
	}
	r.mu.Unlock()
}

func (r *Registry) RemoveCallback(e EntityID) {
	r.mu.Lock()
	delete(r.callbacks, e)
	r.mu.Unlock()
}

func (r *Registry) callbackFor(e EntityID) Callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cb := r.callbacks[e]; cb != nil {
		return cb
	}
	return r.global
}

// Status never fails; unknown entities report Exists=false.
func (r *Registry) Status(e EntityID) Status {
	r.mu.RLock()
	rec := r.records[e]
	var cp Record
	if rec != nil {
		cp = *rec
	}
	r.mu.RUnlock()
	if rec == nil {
		return Status{EntityID: e}
	}

	st := Status{
		EntityID:   e,
		Exists:     true,
		Active:     cp.Active,
		Paused:     cp.Paused,
		Interval:   cp.Interval,
		RetryCount: cp.RetryCount,
		Circuit:    cp.Circuit,
		LastError:  cp.LastError,
	}
	if cp.Active {
		st.NextFireTime = cp.NextFireTime
		if rem := cp.NextFireTime.Sub(r.now()); rem > 0 {
			st.Remaining = rem
		}
	} else {
		st.Remaining = cp.Remaining
	}
	return st
}

// ActiveTimers returns copies of all active records ordered by entity.
func (r *Registry) ActiveTimers() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Active {
			out = append(out, *rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Records returns copies of every record, active or paused.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c Counts
	for _, rec := range r.records {
		c.Total++
		if rec.Active {
			c.Active++
			if rec.WakeHandle == "" {
				c.Unscheduled++
			}
		}
		if rec.Paused {
			c.Paused++
		}
		if rec.Circuit == retry.Open {
			c.CircuitOpen++
		}
	}
	return c
}

// History returns recent expirations, oldest first.
func (r *Registry) History() []HistoryItem { return r.hist.snapshot() }

// Guard exposes the expiration guard for diagnostics.
func (r *Registry) Guard() *guard.Guard { return r.guard }

func (r *Registry) get(e EntityID) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec := r.records[e]; rec != nil {
		cp := *rec
		return &cp
	}
	return nil
}

func (r *Registry) put(rec *Record) {
	cp := *rec
	r.mu.Lock()
	r.records[rec.EntityID] = &cp
	r.mu.Unlock()
}

func (r *Registry) drop(e EntityID) {
	r.mu.Lock()
	delete(r.records, e)
	r.mu.Unlock()
}

// persist writes the current table. Writers are serialized so an older table
// never lands after a newer one.
func (r *Registry) persist(ctx context.Context) error {
	if r.kv == nil {
		return nil
	}
	cfg, _ := r.config()

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	b, err := encodeSnapshot(r.records, r.now())
	r.mu.RUnlock()
	if err != nil {
		return persistenceErr(err, "encode snapshot")
	}
	if err := r.kv.Set(context.WithoutCancel(ctx), cfg.SnapshotKey, b); err != nil {
		err = persistenceErr(err, "write snapshot")
		r.warnThrottled("persist", "snapshot persist failed; keeping in-memory state", logx.Err(err))
		return err
	}
	return nil
}

// scheduleWake asks the bridge for a wake. Failure is logged and returns "".
func (r *Registry) scheduleWake(ctx context.Context, rec *Record, delay time.Duration, op string) wake.Handle {
	if r.bridge == nil {
		return ""
	}
	h, err := r.bridge.Schedule(ctx, wake.Name(string(rec.EntityID), rec.Interval), delay)
	if err != nil {
		err = schedulingErr(err, "schedule wake")
		r.warnThrottled("schedule:"+string(rec.EntityID), "wake schedule failed; health check will repair",
			logx.Entity(string(rec.EntityID)), logx.Op(op), logx.Attempt(rec.RetryCount), logx.Err(err))
		return ""
	}
	return h
}

func (r *Registry) cancelWake(ctx context.Context, e EntityID, h wake.Handle, op string) {
	if r.bridge == nil || h == "" {
		return
	}
	if err := r.bridge.Cancel(ctx, h); err != nil {
		err = schedulingErr(err, "cancel wake")
		r.warnThrottled("cancel:"+string(e), "wake cancel failed; stale wake will be ignored",
			logx.Entity(string(e)), logx.Op(op), logx.String("wake", string(h)), logx.Err(err))
	}
}

func (r *Registry) publish(typ string, rec *Record, extra func(*Event)) {
	ev := Event{Entity: rec.EntityID, Interval: rec.Interval, RetryCount: rec.RetryCount, Circuit: rec.Circuit.String()}
	if rec.Active {
		ev.NextFireTime = rec.NextFireTime
	}
	if extra != nil {
		extra(&ev)
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: ev})
}

func (r *Registry) warnThrottled(key, msg string, fields ...logx.Field) {
	r.warns.Warn(r.log, key, msg, fields...)
}

// validateEntity rejects ids that are blank or carry surrounding whitespace, so
// two ids never differ only in padding.
func validateEntity(e EntityID) error {
	id := string(e)
	if strings.TrimSpace(id) == "" {
		return ErrInvalidEntity
	}
	if strings.TrimSpace(id) != id {
		return errors.Wrapf(ErrInvalidEntity, "%q has surrounding whitespace", id)
	}
	return nil
}

func (r *Registry) validateInterval(interval time.Duration) error {
	cfg, _ := r.config()
	if interval <= 0 {
		return errors.Wrapf(ErrInvalidInterval, "%s must be positive", interval)
	}
	if interval > cfg.MaxInterval {
		return errors.Wrapf(ErrInvalidInterval, "%s exceeds maximum %s", interval, cfg.MaxInterval)
	}
	if interval < time.Millisecond {
		return errors.Wrapf(ErrInvalidInterval, "%s is below 1ms", interval)
	}
	// Wake names and snapshots carry milliseconds.
	if interval%time.Millisecond != 0 {
		return errors.Wrapf(ErrInvalidInterval, "%s is not a whole number of milliseconds", interval)
	}
	return nil
}
