package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"boostd/internal/action"
	"boostd/internal/config"
	"boostd/internal/eventbus"
	"boostd/internal/health"
	"boostd/internal/metrics"
	"boostd/internal/observability"
	rtsup "boostd/internal/runtime/supervisor"
	"boostd/internal/storage"
	"boostd/internal/timer"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	kv   storage.KV

	wakes   *wake.Durable
	reg     *timer.Registry
	act     *action.Executor
	mon     *health.Monitor
	metrics *metrics.Collector
	http    *observability.Server

	recovery timer.Report
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", cfgPath)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a, err := build(ctx, cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build wires the components for cfg. The CLI reuses it for offline commands.
func build(ctx context.Context, cfg *config.Config, log logx.Logger) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	tc, err := mapTimerConfig(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	ac, err := mapActionConfig(cfg)
	if err != nil {
		return nil, err
	}

	kv, err := storage.Open(sc, log.For("storage"))
	if err != nil {
		return nil, err
	}
	wakes, err := wake.Open(ctx, kv, mapWakeConfig(cfg), log)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	act, err := action.New(ac, log)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	bus := eventbus.New()
	reg := timer.New(tc, kv, wakes, log, bus)
	reg.SetGlobalCallback(act.Run)

	coll := metrics.NewCollector(reg, bus)
	a := &App{
		log:     log.For("app"),
		bus:     bus,
		kv:      kv,
		wakes:   wakes,
		reg:     reg,
		act:     act,
		mon:     health.New(hc, reg, health.ForMode(cfg.Health.Keepalive), log, bus),
		metrics: coll,
	}
	a.http = observability.New(mapServerConfig(cfg), coll.Handler(), reg, a.healthView, log)

	a.log.Info("components ready",
		logx.String("storage", sc.Driver),
		logx.Bool("action", act.Enabled()),
	)
	return a, nil
}

func (a *App) Registry() *timer.Registry { return a.reg }

// Recovery returns the report of the startup recovery pass.
func (a *App) Recovery() timer.Report { return a.recovery }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start recovers persisted state, starts wake delivery, syncs the configured
// entities and launches the background loops. A recovery failure is fatal.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.cfgm.SetLogger(a.log.For("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTimerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHealthConfig(cfg); err != nil {
			return err
		}
		ac, err := mapActionConfig(cfg)
		if err != nil {
			return err
		}
		_, err = action.New(ac, logx.Nop())
		return err
	})

	rep, err := timer.NewRecoveryCoordinator(a.reg).Run(sctx)
	if err != nil {
		return errors.Wrap(err, "recovery")
	}
	a.recovery = rep

	a.wakes.Start(sctx, a.reg.OnWake)

	cfg := a.cfgm.Get()
	res := syncEntities(sctx, a.reg, cfg.Entities, a.log)
	a.log.Info("entities synced",
		logx.Int("started", res.Started),
		logx.Int("kept", res.Kept),
		logx.Int("removed", res.Removed),
		logx.Int("failed", res.Failed),
	)

	a.mon.Start(sctx)
	a.http.Start(sctx)

	a.sup.Go("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("timers", len(a.reg.Records())),
		logx.Int("orphans_cancelled", rep.OrphansCancelled),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") || slices.Contains(sections, "wake") {
		a.log.Warn("storage/wake config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(next))

	if tc, err := mapTimerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.reg.Apply(tc)
	}
	if hc, err := mapHealthConfig(next); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	} else {
		a.mon.Apply(hc)
	}
	if ac, err := mapActionConfig(next); err != nil {
		a.log.Warn("invalid action config; keeping previous", logx.Err(err))
	} else if err := a.act.Apply(ac); err != nil {
		a.log.Warn("invalid action command; keeping previous", logx.Err(err))
	}
	a.http.Reconfigure(ctx, mapServerConfig(next))

	if slices.Contains(sections, "entities") {
		res := syncEntities(ctx, a.reg, next.Entities, a.log)
		a.log.Info("entities synced",
			logx.Int("started", res.Started),
			logx.Int("kept", res.Kept),
			logx.Int("removed", res.Removed),
			logx.Int("failed", res.Failed),
		)
	}

	a.log.Info("config reloaded", fields...)
}

// healthView feeds /health.
func (a *App) healthView() any {
	last, checks, pings := a.mon.Last()
	var sups []rtsup.Stats
	if a.sup != nil {
		sups = a.sup.Snapshot()
	}
	return map[string]any{
		"ready":           a.reg.Ready(),
		"counts":          a.reg.Counts(),
		"recovery":        a.recovery,
		"last_check":      last,
		"checks":          checks,
		"keepalive_pings": pings,
		"events_dropped":  eventbus.Dropped(a.bus),
		"goroutines":      sups,
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("health", time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	// In-flight callbacks finish before wakes and storage go away.
	step("registry", 5*time.Second, a.reg.Close)
	step("wakes", 2*time.Second, func(c context.Context) error { a.wakes.Stop(c); return nil })
	a.sup.Cancel()
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.kv.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// close releases resources of an app that was never started.
func (a *App) close() error {
	var err error
	if a.kv != nil {
		err = a.kv.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
