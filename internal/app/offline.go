package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"boostd/internal/config"
	"boostd/internal/retry"
	"boostd/internal/storage"
	"boostd/internal/timer"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

// LoadConfig parses and validates a config file without watching it.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return cfg, nil
}

// PersistedState is what a stopped daemon left in storage.
type PersistedState struct {
	Snapshot      timer.Snapshot
	SnapshotFound bool
	Wakes         []wake.Scheduled
}

// ReadState reads the persisted snapshot and pending wakes. It must not run
// against the storage of a live daemon using the file driver while it writes.
func ReadState(ctx context.Context, cfg *config.Config, log logx.Logger) (PersistedState, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return PersistedState{}, err
	}
	tc, err := mapTimerConfig(cfg)
	if err != nil {
		return PersistedState{}, err
	}
	kv, err := storage.Open(sc, log)
	if err != nil {
		return PersistedState{}, err
	}
	defer func() { _ = kv.Close() }()

	maxRetries := tc.Retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = retry.DefaultMaxRetries
	}
	var st PersistedState
	st.Snapshot, st.SnapshotFound, err = timer.ReadSnapshot(ctx, kv, tc.SnapshotKey, time.Now(), maxRetries)
	if err != nil {
		return PersistedState{}, err
	}

	wakes, err := wake.Open(ctx, kv, mapWakeConfig(cfg), log)
	if err != nil {
		return PersistedState{}, err
	}
	st.Wakes, err = wakes.List(ctx)
	if err != nil {
		return PersistedState{}, err
	}
	return st, nil
}

// Reconcile runs one recovery pass over persisted state and exits without
// delivering any wake. Past-due timers stay due for the next daemon start.
func Reconcile(ctx context.Context, cfg *config.Config, log logx.Logger) (timer.Report, error) {
	a, err := build(ctx, cfg, log)
	if err != nil {
		return timer.Report{}, err
	}
	defer func() { _ = a.close() }()

	rep, err := timer.NewRecoveryCoordinator(a.reg).Run(ctx)
	if err != nil {
		return rep, err
	}
	if err := a.reg.Close(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}
