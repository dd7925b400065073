// Package health runs the periodic drift check and keeps the host informed
// that the daemon is alive while timers are pending.
package health

import (
	"context"
	"sync"
	"time"

	"boostd/internal/eventbus"
	rtsup "boostd/internal/runtime/supervisor"
	"boostd/internal/timer"
	logx "boostd/pkg/logx"
	"boostd/pkg/systemd"
)

const (
	DefaultInterval          = 3 * time.Minute
	DefaultKeepaliveInterval = 30 * time.Second
	checkTimeout             = time.Minute
)

type Config struct {
	Interval time.Duration
	// KeepaliveInterval is used when the host does not announce a watchdog
	// timeout. With a systemd watchdog the ping period is half of it.
	KeepaliveInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return c
}

// Target is the part of the registry the monitor needs.
type Target interface {
	CheckDrift(ctx context.Context) (timer.DriftReport, error)
	Counts() timer.Counts
}

// Result is the outcome of the most recent check.
type Result struct {
	At     time.Time         `json:"at"`
	Took   time.Duration     `json:"took"`
	Report timer.DriftReport `json:"report"`
	Error  string            `json:"error,omitempty"`
}

type Monitor struct {
	target Target
	keep   KeepAlive
	log    logx.Logger
	bus    eventbus.Bus

	mu        sync.Mutex
	cfg       Config
	resetTick chan struct{}
	resetPing chan struct{}
	sup       *rtsup.Supervisor
	last      Result
	checks    uint64
	pings     uint64
}

func New(cfg Config, target Target, keep KeepAlive, log logx.Logger, bus eventbus.Bus) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if keep == nil {
		keep = Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Monitor{
		target: target,
		keep:   keep,
		log:    log.For("health"),
		bus:    bus,
		cfg:    cfg.withDefaults(),

		resetTick: make(chan struct{}, 1),
		resetPing: make(chan struct{}, 1),
	}
}

// Apply swaps the check and keep-alive intervals; running loops pick them up
// immediately.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
	for _, ch := range []chan struct{}{m.resetTick, m.resetPing} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Monitor) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Start signals readiness to the host and launches the check and keep-alive
// loops. It is idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.sup != nil {
		m.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.sup = sup
	m.mu.Unlock()

	if err := m.keep.Ready(); err != nil {
		m.log.Warn("keepalive ready failed", logx.String("keepalive", m.keep.Name()), logx.Err(err))
	}

	sup.GoRestart("health.drift", m.checkLoop, rtsup.WithRestartBackoff(time.Second, time.Minute))
	sup.GoRestart("health.keepalive", m.keepaliveLoop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	m.log.Info("health monitor started",
		logx.Duration("interval", m.config().Interval),
		logx.String("keepalive", m.keep.Name()),
	)
}

func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup == nil {
		return
	}
	if err := m.keep.Stopping(); err != nil {
		m.log.Debug("keepalive stopping failed", logx.Err(err))
	}
	if err := sup.Stop(ctx); err != nil {
		m.log.Warn("health monitor stop", logx.Err(err))
	}
}

func (m *Monitor) checkLoop(ctx context.Context) error {
	t := time.NewTimer(m.config().Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.resetTick:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			m.CheckOnce(ctx)
		}
		t.Reset(m.config().Interval)
	}
}

func (m *Monitor) keepaliveLoop(ctx context.Context) error {
	period := m.keepalivePeriod()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.resetPing:
			if p := m.keepalivePeriod(); p != period {
				period = p
				t.Reset(period)
				m.log.Debug("keepalive period changed", logx.Duration("period", period))
			}
		case <-t.C:
			m.PingOnce()
		}
	}
}

// keepalivePeriod is half the systemd watchdog timeout when one is set,
// otherwise the configured interval.
func (m *Monitor) keepalivePeriod() time.Duration {
	if m.keep.Name() == "systemd" {
		if wd, err := systemd.WatchdogInterval(); err == nil && wd > 0 {
			return wd / 2
		}
	}
	return m.config().KeepaliveInterval
}

// PingOnce signals liveness when at least one timer is active. It reports
// whether a ping was sent.
func (m *Monitor) PingOnce() bool {
	if m.target == nil || m.target.Counts().Active == 0 {
		return false
	}
	if err := m.keep.Ping(); err != nil {
		m.log.Warn("keepalive ping failed", logx.String("keepalive", m.keep.Name()), logx.Err(err))
		return false
	}
	m.mu.Lock()
	m.pings++
	m.mu.Unlock()
	return true
}

// CheckOnce runs one drift check. Repairs are always logged.
func (m *Monitor) CheckOnce(ctx context.Context) Result {
	if m.target == nil {
		return Result{}
	}
	cctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	rep, err := m.target.CheckDrift(cctx)
	res := Result{At: start, Took: time.Since(start), Report: rep}

	switch {
	case err != nil:
		res.Error = err.Error()
		m.log.Error("drift check failed", logx.Err(err), logx.Int("checked", rep.Checked))
		m.bus.Publish(eventbus.Event{Type: eventbus.HealthCheckFailed, Data: res})
	case rep.Repairs() > 0:
		m.log.Warn("drift repaired",
			logx.Int("checked", rep.Checked),
			logx.Int("wakes_rescheduled", rep.WakesRescheduled),
			logx.Int("orphans_cancelled", rep.OrphansCancelled),
			logx.Bool("snapshot_rewritten", rep.SnapshotRewritten),
			logx.Duration("took", res.Took),
		)
	default:
		m.log.Debug("drift check clean",
			logx.Int("checked", rep.Checked),
			logx.Int("skipped_busy", rep.SkippedBusy),
			logx.Duration("took", res.Took),
		)
	}

	m.mu.Lock()
	m.last = res
	m.checks++
	m.mu.Unlock()
	return res
}

// Last returns the most recent check result and the number of checks and
// pings so far.
func (m *Monitor) Last() (Result, uint64, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.checks, m.pings
}
