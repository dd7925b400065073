package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	DefaultStorageDriver  = "file"
	DefaultStoragePath    = "./data"
	DefaultHealthInterval = 3 * time.Minute
	DefaultMaxInterval    = 24 * time.Hour
	DefaultActionTimeout  = time.Minute
	DefaultMetricsAddr    = "127.0.0.1:9469"

	KeepaliveAuto    = "auto"
	KeepaliveSystemd = "systemd"
	KeepaliveNone    = "none"
)

// Validate checks every field that would otherwise fail later at wiring time.
// It is used both on startup and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "file", "sqlite":
	default:
		return errors.Newf("storage.driver: unsupported driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	sc := cfg.Scheduler
	maxInterval, err := ParseDurationOrDefault("scheduler.max_interval", sc.MaxInterval, DefaultMaxInterval)
	if err != nil {
		return err
	}
	for path, raw := range map[string]string{
		"scheduler.retry_base":       sc.RetryBase,
		"scheduler.retry_max_delay":  sc.RetryMaxDelay,
		"scheduler.cooldown":         sc.Cooldown,
		"scheduler.cooldown_max":     sc.CooldownMax,
		"scheduler.callback_timeout": sc.CallbackTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if sc.MaxRetries < 0 {
		return errors.New("scheduler.max_retries must be >= 0")
	}
	if sc.HistorySize < 0 {
		return errors.New("scheduler.history_size must be >= 0")
	}
	if sc.RetryJitter != nil && *sc.RetryJitter < 0 {
		return errors.New("scheduler.retry_jitter must be >= 0")
	}

	if _, err := ParseDurationField("health.interval", cfg.Health.Interval); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Health.Keepalive)) {
	case "", KeepaliveAuto, KeepaliveSystemd, KeepaliveNone:
	default:
		return errors.Newf("health.keepalive: unsupported value %q", cfg.Health.Keepalive)
	}

	if cfg.Wake.CatchupRate < 0 || cfg.Wake.CatchupBurst < 0 {
		return errors.New("wake: catchup_rate and catchup_burst must be >= 0")
	}

	if _, err := ParseDurationField("action.timeout", cfg.Action.Timeout); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cfg.Entities))
	for i, e := range cfg.Entities {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return errors.Newf("entities[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return errors.Newf("entities[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		iv, err := e.IntervalDuration()
		if err != nil {
			return errors.Wrapf(err, "entities[%d]", i)
		}
		if iv <= 0 {
			return errors.Newf("entities[%d].interval must be > 0", i)
		}
		if iv%time.Millisecond != 0 {
			return errors.Newf("entities[%d].interval %s must be a whole number of milliseconds", i, iv)
		}
		if iv > maxInterval {
			return errors.Newf("entities[%d].interval %s exceeds scheduler.max_interval %s", i, iv, maxInterval)
		}
	}
	return nil
}

// IntervalDuration parses the entity interval.
func (e EntityConfig) IntervalDuration() (time.Duration, error) {
	return ParseDurationField("interval", e.Interval)
}
