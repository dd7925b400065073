package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"boostd/internal/action"
	"boostd/internal/config"
	"boostd/internal/health"
	"boostd/internal/observability"
	"boostd/internal/retry"
	"boostd/internal/storage"
	"boostd/internal/timer"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

const defaultBusyTimeout = time.Second

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = config.DefaultStorageDriver
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "file":
		if path == "" {
			path = config.DefaultStoragePath
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTimerConfig(cfg *config.Config) (timer.Config, error) {
	sc := cfg.Scheduler
	var (
		out timer.Config
		err error
	)
	if out.MaxInterval, err = config.ParseDurationOrDefault("scheduler.max_interval", sc.MaxInterval, timer.DefaultMaxInterval); err != nil {
		return timer.Config{}, err
	}
	if out.CallbackTimeout, err = config.ParseDurationOrDefault("scheduler.callback_timeout", sc.CallbackTimeout, timer.DefaultCallbackTimeout); err != nil {
		return timer.Config{}, err
	}
	out.HistorySize = sc.HistorySize

	rc := retry.Config{MaxRetries: sc.MaxRetries, Jitter: retry.DefaultJitter}
	if sc.RetryJitter != nil {
		rc.Jitter = *sc.RetryJitter
	}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.retry_base", sc.RetryBase, &rc.BaseDelay},
		{"scheduler.retry_max_delay", sc.RetryMaxDelay, &rc.MaxDelay},
		{"scheduler.cooldown", sc.Cooldown, &rc.Cooldown},
		{"scheduler.cooldown_max", sc.CooldownMax, &rc.CooldownMax},
	} {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return timer.Config{}, err
		}
	}
	out.Retry = rc
	return out, nil
}

func mapWakeConfig(cfg *config.Config) wake.Config {
	return wake.Config{
		CatchupRate:  cfg.Wake.CatchupRate,
		CatchupBurst: cfg.Wake.CatchupBurst,
	}
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	iv, err := config.ParseDurationOrDefault("health.interval", cfg.Health.Interval, config.DefaultHealthInterval)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{Interval: iv}, nil
}

func mapServerConfig(cfg *config.Config) observability.Config {
	addr := strings.TrimSpace(cfg.Metrics.Addr)
	if addr == "" {
		addr = config.DefaultMetricsAddr
	}
	return observability.Config{
		Enabled:       cfg.Metrics.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(cfg.Metrics.Token),
		AllowInsecure: cfg.Metrics.AllowInsecure,
		Pprof:         cfg.Metrics.Pprof,
	}
}

func mapActionConfig(cfg *config.Config) (action.Config, error) {
	to, err := config.ParseDurationOrDefault("action.timeout", cfg.Action.Timeout, config.DefaultActionTimeout)
	if err != nil {
		return action.Config{}, err
	}
	return action.Config{Command: cfg.Action.Command, Timeout: to}, nil
}
