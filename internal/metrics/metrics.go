// Package metrics exposes scheduler activity as Prometheus metrics.
//
// Counters are fed from the event bus. Table sizes are read from the registry
// at scrape time. The collector owns its registry so tests and restarts never
// collide on the global default registerer.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boostd/internal/eventbus"
	"boostd/internal/timer"
)

const namespace = "boostd"

// Source provides the current table summary.
type Source interface {
	Counts() timer.Counts
}

type Collector struct {
	reg *prometheus.Registry

	events           *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	driftRepairs     *prometheus.CounterVec
	recoveryDuration prometheus.Gauge
	recoveryOrphans  prometheus.Gauge
	recoveryLastTime prometheus.Gauge
}

// NewCollector builds the collector. src and bus may be nil.
func NewCollector(src Source, bus eventbus.Bus) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Scheduler events by type.",
		}, []string{"type"}),
		callbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "callback_duration_seconds",
			Help:      "Expiration callback duration by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		driftRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_repairs_total",
			Help:      "Drift repairs performed by the health monitor, by kind.",
		}, []string{"kind"}),
		recoveryDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of the last recovery pass.",
		}),
		recoveryOrphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_orphans_cancelled",
			Help:      "Orphaned wakes cancelled by the last recovery pass.",
		}),
		recoveryLastTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_last_timestamp_seconds",
			Help:      "Unix time of the last completed recovery pass.",
		}),
	}

	c.reg.MustRegister(
		c.events,
		c.callbackDuration,
		c.driftRepairs,
		c.recoveryDuration,
		c.recoveryOrphans,
		c.recoveryLastTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if src != nil {
		gauge := func(name, help string, pick func(timer.Counts) int) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
			}, func() float64 { return float64(pick(src.Counts())) })
		}
		c.reg.MustRegister(
			gauge("timers", "Timer records in the registry.", func(n timer.Counts) int { return n.Total }),
			gauge("timers_active", "Active timer records.", func(n timer.Counts) int { return n.Active }),
			gauge("timers_paused", "Paused timer records.", func(n timer.Counts) int { return n.Paused }),
			gauge("timers_circuit_open", "Timer records with an open circuit.", func(n timer.Counts) int { return n.CircuitOpen }),
			gauge("timers_unscheduled", "Active timer records without a pending wake.", func(n timer.Counts) int { return n.Unscheduled }),
		)
	}
	if bus != nil {
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) }))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe records one bus event.
func (c *Collector) Observe(ev eventbus.Event) {
	c.events.WithLabelValues(ev.Type).Inc()

	switch d := ev.Data.(type) {
	case timer.Event:
		switch ev.Type {
		case eventbus.TimerFired:
			c.callbackDuration.WithLabelValues("success").Observe(d.Duration.Seconds())
		case eventbus.TimerFailed:
			c.callbackDuration.WithLabelValues("failure").Observe(d.Duration.Seconds())
		}
	case timer.DriftReport:
		c.driftRepairs.WithLabelValues("wake_rescheduled").Add(float64(d.WakesRescheduled))
		c.driftRepairs.WithLabelValues("orphan_cancelled").Add(float64(d.OrphansCancelled))
		if d.SnapshotRewritten {
			c.driftRepairs.WithLabelValues("snapshot_rewritten").Inc()
		}
	case timer.Report:
		c.recoveryDuration.Set(d.Duration.Seconds())
		c.recoveryOrphans.Set(float64(d.OrphansCancelled))
		c.recoveryLastTime.Set(float64(ev.Time.Unix()))
	}
}

// Consume feeds bus events into the collector until ctx ends or the
// subscription is closed.
func (c *Collector) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}
