package config

import (
	"reflect"
	"sort"
	"strings"

	logx "boostd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes the metrics token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_retries", newCfg.Scheduler.MaxRetries),
			logx.String("scheduler.retry_base", strings.TrimSpace(newCfg.Scheduler.RetryBase)),
			logx.String("scheduler.cooldown", strings.TrimSpace(newCfg.Scheduler.Cooldown)),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.interval", strings.TrimSpace(newCfg.Health.Interval)),
			logx.String("health.keepalive", strings.TrimSpace(newCfg.Health.Keepalive)),
		)
	}

	if oldCfg.Wake != newCfg.Wake {
		changed = append(changed, "wake")
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
		)
	}

	if oldCfg.Action != newCfg.Action {
		changed = append(changed, "action")
		attrs = append(attrs, logx.String("action.timeout", strings.TrimSpace(newCfg.Action.Timeout)))
	}

	upsert, removed := DiffEntities(oldCfg.Entities, newCfg.Entities)
	if len(upsert) > 0 || len(removed) > 0 {
		changed = append(changed, "entities")
		attrs = append(attrs,
			logx.Int("entities.total", len(newCfg.Entities)),
			logx.Int("entities.upserted", len(upsert)),
			logx.Int("entities.removed", len(removed)),
		)
	}

	return changed, attrs
}

// DiffEntities compares two entity lists by id. upsert holds entities that are
// new or whose interval changed; removed holds ids missing from next.
// Both results are sorted by id.
func DiffEntities(prev, next []EntityConfig) (upsert []EntityConfig, removed []string) {
	old := make(map[string]string, len(prev))
	for _, e := range prev {
		old[strings.TrimSpace(e.ID)] = strings.TrimSpace(e.Interval)
	}
	cur := make(map[string]struct{}, len(next))
	for _, e := range next {
		id := strings.TrimSpace(e.ID)
		cur[id] = struct{}{}
		iv, ok := old[id]
		if !ok || !sameInterval(iv, e.Interval) {
			upsert = append(upsert, EntityConfig{ID: id, Interval: strings.TrimSpace(e.Interval)})
		}
	}
	for id := range old {
		if _, ok := cur[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(upsert, func(i, j int) bool { return upsert[i].ID < upsert[j].ID })
	sort.Strings(removed)
	return upsert, removed
}

// sameInterval compares parsed durations so "15m" and "900s" are equal.
func sameInterval(a, b string) bool {
	da, errA := ParseDurationField("interval", a)
	db, errB := ParseDurationField("interval", b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return da == db
}
