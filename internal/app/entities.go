package app

import (
	"context"
	"strings"

	"boostd/internal/config"
	"boostd/internal/timer"
	logx "boostd/pkg/logx"
)

type syncResult struct {
	Started int
	Kept    int
	Removed int
	Failed  int
}

// syncEntities makes the registry match the configured entity list. Entities
// already present with the same interval keep their schedule (and paused
// state), so a restart or an unrelated config edit never resets a countdown.
func syncEntities(ctx context.Context, reg *timer.Registry, desired []config.EntityConfig, log logx.Logger) syncResult {
	var res syncResult

	want := make(map[timer.EntityID]struct{}, len(desired))
	for _, ec := range desired {
		id := timer.EntityID(strings.TrimSpace(ec.ID))
		want[id] = struct{}{}

		iv, err := ec.IntervalDuration()
		if err != nil || iv <= 0 {
			res.Failed++
			log.Warn("entity skipped: bad interval", logx.Entity(string(id)), logx.String("interval", ec.Interval), logx.Err(err))
			continue
		}
		if st := reg.Status(id); st.Exists && st.Interval == iv {
			res.Kept++
			continue
		}
		if err := reg.StartTimer(ctx, id, iv); err != nil {
			res.Failed++
			log.Warn("entity start failed", logx.Entity(string(id)), logx.Err(err))
			continue
		}
		res.Started++
	}

	for _, rec := range reg.Records() {
		if _, ok := want[rec.EntityID]; ok {
			continue
		}
		if reg.RemoveEntity(ctx, rec.EntityID) {
			res.Removed++
		}
	}
	return res
}
