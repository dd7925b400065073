package wake

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"boostd/internal/storage"
	logx "boostd/pkg/logx"
)

const (
	DefaultKey          = "wakes"
	DefaultCatchupRate  = 2.0
	DefaultCatchupBurst = 5

	tableVersion = 1
)

type Config struct {
	Key          string
	CatchupRate  float64 // past-due deliveries per second after a restart
	CatchupBurst int
}

func (c Config) withDefaults() Config {
	if c.Key == "" {
		c.Key = DefaultKey
	}
	if c.CatchupRate <= 0 {
		c.CatchupRate = DefaultCatchupRate
	}
	if c.CatchupBurst <= 0 {
		c.CatchupBurst = DefaultCatchupBurst
	}
	return c
}

type entry struct {
	Scheduled
	entryID cron.EntryID
}

// Durable is a Bridge backed by a storage.KV table and armed in-process by cron.
//
// Before Start, Schedule only records wakes; nothing is delivered.
type Durable struct {
	log     logx.Logger
	kv      storage.KV
	cfg     Config
	now     func() time.Time
	limiter *rate.Limiter

	mu      sync.Mutex
	wakes   map[Handle]*entry
	c       *cron.Cron
	fire    FireFunc
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

var _ Bridge = (*Durable)(nil)

// Option customizes a Durable.
type Option func(*Durable)

// WithClock overrides the clock used to compute fire times.
func WithClock(now func() time.Time) Option {
	return func(d *Durable) {
		if now != nil {
			d.now = now
		}
	}
}

type persistedWake struct {
	Name     string `json:"name"`
	Handle   string `json:"handle"`
	FireAtMs int64  `json:"fire_at_ms"`
}

type persistedTable struct {
	Version int             `json:"version"`
	Wakes   []persistedWake `json:"wakes"`
}

// Open loads the persisted wake table. A corrupt table is logged and treated as empty.
func Open(ctx context.Context, kv storage.KV, cfg Config, log logx.Logger, opts ...Option) (*Durable, error) {
	if kv == nil {
		return nil, errors.New("wake: storage is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Durable{
		log:     log.For("wake"),
		kv:      kv,
		cfg:     cfg,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(cfg.CatchupRate), cfg.CatchupBurst),
		wakes:   make(map[Handle]*entry),
	}
	for _, o := range opts {
		o(d)
	}

	raw, ok, err := kv.Get(ctx, cfg.Key)
	if err != nil {
		return nil, errors.Wrap(err, "wake: load table")
	}
	if !ok {
		return d, nil
	}
	var tbl persistedTable
	if err := json.Unmarshal(raw, &tbl); err != nil {
		d.log.Warn("wake table corrupt; starting empty", logx.Err(err))
		return d, nil
	}
	for _, w := range tbl.Wakes {
		if w.Handle == "" || w.Name == "" {
			continue
		}
		h := Handle(w.Handle)
		d.wakes[h] = &entry{Scheduled: Scheduled{Name: w.Name, Handle: h, FireAt: time.UnixMilli(w.FireAtMs)}}
	}
	d.log.Debug("wake table loaded", logx.Int("wakes", len(d.wakes)))
	return d, nil
}

func (d *Durable) Schedule(ctx context.Context, name string, delay time.Duration) (Handle, error) {
	if name == "" {
		return "", errors.New("wake: empty name")
	}
	if delay < 0 {
		delay = 0
	}
	h := Handle(uuid.NewString())
	e := &entry{Scheduled: Scheduled{Name: name, Handle: h, FireAt: d.now().Add(delay)}}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.wakes[h] = e
	if err := d.persistLocked(ctx); err != nil {
		delete(d.wakes, h)
		return "", err
	}
	if d.started {
		d.armLocked(e)
	}
	return h, nil
}

func (d *Durable) Cancel(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.wakes[h]
	if !ok {
		return nil
	}
	delete(d.wakes, h)
	if d.c != nil && e.entryID != 0 {
		d.c.Remove(e.entryID)
	}
	return d.persistLocked(ctx)
}

// List returns pending wakes ordered by fire time.
func (d *Durable) List(ctx context.Context) ([]Scheduled, error) {
	_ = ctx
	d.mu.Lock()
	out := make([]Scheduled, 0, len(d.wakes))
	for _, e := range d.wakes {
		out = append(out, e.Scheduled)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out, nil
}

// SetHandler installs the delivery callback without arming anything.
func (d *Durable) SetHandler(fire FireFunc) {
	d.mu.Lock()
	d.fire = fire
	d.mu.Unlock()
}

// Start installs fire and arms every pending wake. Past-due wakes are delivered
// in the background, paced by the catch-up limiter.
func (d *Durable) Start(ctx context.Context, fire FireFunc) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.fire = fire
	d.started = true
	d.runCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.c = cron.New()

	now := d.now()
	armed := 0
	for _, e := range d.wakes {
		if !e.FireAt.After(now) {
			continue
		}
		d.armLocked(e)
		armed++
	}
	d.c.Start()
	runCtx := d.runCtx
	d.mu.Unlock()

	d.log.Info("wake dispatcher started", logx.Int("armed", armed))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if n := d.FireDue(runCtx); n > 0 {
			d.log.Info("past-due wakes delivered", logx.Int("count", n))
		}
	}()
}

// Stop disarms cron and waits for in-flight deliveries (bounded by ctx).
// Pending wakes stay persisted for the next Start.
func (d *Durable) Stop(ctx context.Context) {
	d.mu.Lock()
	c := d.c
	cancel := d.cancel
	d.c = nil
	d.started = false
	for _, e := range d.wakes {
		e.entryID = 0
	}
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("wake dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// FireDue delivers every wake whose fire time has passed and returns the count.
func (d *Durable) FireDue(ctx context.Context) int {
	now := d.now()
	d.mu.Lock()
	due := make([]Scheduled, 0)
	for _, e := range d.wakes {
		if !e.FireAt.After(now) {
			due = append(due, e.Scheduled)
		}
	}
	d.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })

	n := 0
	for _, w := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			return n
		}
		if d.deliver(ctx, w.Handle) {
			n++
		}
	}
	return n
}

// armLocked registers a one-shot cron entry for e. Call with d.mu held.
func (d *Durable) armLocked(e *entry) {
	if d.c == nil {
		return
	}
	h := e.Handle
	e.entryID = d.c.Schedule(&onceSchedule{at: e.FireAt}, cron.FuncJob(func() {
		d.mu.Lock()
		ctx := d.runCtx
		d.mu.Unlock()
		if ctx == nil {
			return
		}
		d.deliver(ctx, h)
	}))
}

// deliver removes the wake from the table, then hands it to the fire callback.
func (d *Durable) deliver(ctx context.Context, h Handle) bool {
	d.mu.Lock()
	e, ok := d.wakes[h]
	if !ok || d.fire == nil {
		d.mu.Unlock()
		return false
	}
	delete(d.wakes, h)
	if d.c != nil && e.entryID != 0 {
		d.c.Remove(e.entryID)
	}
	if err := d.persistLocked(ctx); err != nil {
		d.log.Warn("wake table persist failed after delivery", logx.String("wake", e.Name), logx.Err(err))
	}
	fire := d.fire
	w := e.Scheduled
	d.mu.Unlock()

	fire(ctx, w)
	return true
}

func (d *Durable) persistLocked(ctx context.Context) error {
	tbl := persistedTable{Version: tableVersion, Wakes: make([]persistedWake, 0, len(d.wakes))}
	for _, e := range d.wakes {
		tbl.Wakes = append(tbl.Wakes, persistedWake{Name: e.Name, Handle: string(e.Handle), FireAtMs: e.FireAt.UnixMilli()})
	}
	sort.Slice(tbl.Wakes, func(i, j int) bool { return tbl.Wakes[i].Handle < tbl.Wakes[j].Handle })
	b, err := json.Marshal(tbl)
	if err != nil {
		return errors.Wrap(err, "wake: encode table")
	}
	if err := d.kv.Set(context.WithoutCancel(ctx), d.cfg.Key, b); err != nil {
		return errors.Wrap(err, "wake: persist table")
	}
	return nil
}

// onceSchedule fires once at `at` (or immediately if already past), then never again.
// cron calls Next from its run goroutine only.
type onceSchedule struct {
	at   time.Time
	used bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	if s.used {
		return time.Time{}
	}
	s.used = true
	if s.at.Before(t) {
		return t
	}
	return s.at
}
