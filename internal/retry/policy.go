// Package retry bounds consecutive expiration failures per entity.
//
// The breaker is a plain value owned by the caller (the timer registry stores it
// inside each record); Policy only computes transitions. Every retry is expressed
// as a delay for a freshly scheduled wake, never as an in-line loop.
package retry

import (
	"math/rand/v2"
	"time"
)

// Config holds policy knobs. Zero values get defaults via withDefaults.
type Config struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the computed delay, capped at 0.1
	Cooldown    time.Duration
	CooldownMax time.Duration
}

const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultJitter      = 0.1
	DefaultCooldown    = 10 * time.Minute
	DefaultCooldownMax = 6 * time.Hour
	maxJitter          = 0.1
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > maxJitter {
		c.Jitter = maxJitter
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = DefaultCooldownMax
	}
	if c.CooldownMax < c.Cooldown {
		c.CooldownMax = c.Cooldown
	}
	return c
}

// Breaker is the per-entity circuit state.
type Breaker struct {
	State     State
	Retries   int
	Cooldown  time.Duration // current cooldown; doubles on each HALF_OPEN failure
	OpenUntil time.Time
}

// Outcome describes what to do after a failed attempt.
type Outcome struct {
	Breaker Breaker
	// Delay until the next attempt (a retry, or the HALF_OPEN trial when Opened).
	Delay  time.Duration
	Opened bool
}

type Policy struct {
	cfg   Config
	randf func() float64
}

func New(cfg Config) *Policy {
	return &Policy{cfg: cfg.withDefaults(), randf: rand.Float64}
}

// WithRand replaces the jitter source. f must return values in [0,1).
func (p *Policy) WithRand(f func() float64) *Policy {
	if f != nil {
		p.randf = f
	}
	return p
}

func (p *Policy) Config() Config { return p.cfg }

// OnSignal decides whether an expiration may invoke the callback.
// An OPEN breaker whose cooldown has elapsed moves to HALF_OPEN and admits exactly
// one attempt. When not admitted, wait is the time left until OpenUntil.
func (p *Policy) OnSignal(b Breaker, now time.Time) (next Breaker, admit bool, wait time.Duration) {
	switch b.State {
	case Open:
		if now.Before(b.OpenUntil) {
			return b, false, b.OpenUntil.Sub(now)
		}
		b.State = HalfOpen
		return b, true, 0
	default:
		return b, true, 0
	}
}

// OnSuccess closes the breaker. closed reports a transition out of OPEN/HALF_OPEN.
func (p *Policy) OnSuccess(b Breaker) (next Breaker, closed bool) {
	closed = b.State != Closed
	return Breaker{State: Closed}, closed
}

// OnFailure records a failed attempt.
func (p *Policy) OnFailure(b Breaker, now time.Time) Outcome {
	cfg := p.cfg

	if b.State == HalfOpen || b.State == Open {
		cd := b.Cooldown
		if cd <= 0 {
			cd = cfg.Cooldown
		} else {
			cd *= 2
		}
		if cd > cfg.CooldownMax {
			cd = cfg.CooldownMax
		}
		b.State = Open
		b.Retries = cfg.MaxRetries
		b.Cooldown = cd
		b.OpenUntil = now.Add(cd)
		return Outcome{Breaker: b, Delay: cd, Opened: true}
	}

	prev := b.Retries
	if prev < 0 {
		prev = 0
	}
	b.Retries = prev + 1
	if b.Retries >= cfg.MaxRetries {
		b.Retries = cfg.MaxRetries
		b.State = Open
		b.Cooldown = cfg.Cooldown
		b.OpenUntil = now.Add(cfg.Cooldown)
		return Outcome{Breaker: b, Delay: cfg.Cooldown, Opened: true}
	}
	return Outcome{Breaker: b, Delay: p.Backoff(prev)}
}

// Backoff returns BaseDelay*2^retries plus up to Jitter of that, capped at MaxDelay.
func (p *Policy) Backoff(retries int) time.Duration {
	cfg := p.cfg
	if retries < 0 {
		retries = 0
	}
	d := cfg.BaseDelay
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			d = cfg.MaxDelay
			break
		}
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter > 0 && p.randf != nil {
		d += time.Duration(float64(d) * cfg.Jitter * p.randf())
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
