package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostd/internal/config"
	"boostd/internal/retry"
	"boostd/internal/storage"
	"boostd/internal/timer"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

func recoveredRegistry(t *testing.T) *timer.Registry {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemory()
	d, err := wake.Open(ctx, kv, wake.Config{}, logx.Nop())
	require.NoError(t, err)
	reg := timer.New(timer.Config{}, kv, d, logx.Nop(), nil)
	_, err = timer.NewRecoveryCoordinator(reg).Run(ctx)
	require.NoError(t, err)
	return reg
}

func TestSyncEntities(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := recoveredRegistry(t)

	res := syncEntities(ctx, reg, []config.EntityConfig{
		{ID: "a", Interval: "15m"},
		{ID: "b", Interval: "1h"},
		{ID: "bad", Interval: "nope"},
	}, logx.Nop())
	assert.Equal(t, syncResult{Started: 2, Failed: 1}, res)

	before := reg.Status("a").NextFireTime
	res = syncEntities(ctx, reg, []config.EntityConfig{
		{ID: "a", Interval: "900s"},
		{ID: "b", Interval: "2h"},
		{ID: "c", Interval: "1m"},
	}, logx.Nop())
	assert.Equal(t, syncResult{Started: 2, Kept: 1}, res)
	assert.Equal(t, before, reg.Status("a").NextFireTime, "unchanged entity keeps its countdown")
	assert.Equal(t, 2*time.Hour, reg.Status("b").Interval)

	res = syncEntities(ctx, reg, []config.EntityConfig{{ID: "c", Interval: "1m"}}, logx.Nop())
	assert.Equal(t, syncResult{Kept: 1, Removed: 2}, res)
	assert.False(t, reg.Status("a").Exists)
	assert.True(t, reg.Status("c").Exists)
}

func TestMapTimerConfig(t *testing.T) {
	t.Parallel()

	tc, err := mapTimerConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, timer.DefaultMaxInterval, tc.MaxInterval)
	assert.Equal(t, retry.DefaultJitter, tc.Retry.Jitter)

	zero := 0.0
	tc, err = mapTimerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		MaxRetries:  5,
		RetryBase:   "2s",
		Cooldown:    "1m",
		RetryJitter: &zero,
	}})
	require.NoError(t, err)
	assert.Equal(t, 5, tc.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, tc.Retry.BaseDelay)
	assert.Equal(t, time.Minute, tc.Retry.Cooldown)
	assert.Equal(t, 0.0, tc.Retry.Jitter)

	_, err = mapTimerConfig(&config.Config{Scheduler: config.SchedulerConfig{Cooldown: "later"}})
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, storage.Config{Driver: "file", Path: config.DefaultStoragePath}, sc)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	require.NoError(t, err)
	assert.Equal(t, defaultBusyTimeout, sc.BusyTimeout)
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "boostd.json")
	body := `{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "state")) + `"},
  "health": {"keepalive": "none"},
  "action": {"command": ""},
  "entities": [{"id": "tab-1", "interval": "1h"}]
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestAppRestartKeepsSchedule(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir())
	ctx := context.Background()

	run := func() (timer.Status, timer.Report) {
		a, err := New(ctx, path)
		require.NoError(t, err)
		require.NoError(t, a.Start(ctx))
		st := a.Registry().Status("tab-1")
		rep := a.Recovery()

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
		return st, rep
	}

	first, rep := run()
	require.True(t, first.Exists)
	assert.True(t, first.Active)
	assert.True(t, rep.SnapshotMissing)

	second, rep := run()
	require.True(t, second.Exists)
	assert.True(t, second.Active)
	assert.Equal(t, 1, rep.Adopted)
	assert.Equal(t, first.NextFireTime.UnixMilli(), second.NextFireTime.UnixMilli())

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	st, err := ReadState(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	assert.True(t, st.SnapshotFound)
	assert.Len(t, st.Snapshot.Records, 1)
	assert.Len(t, st.Wakes, 1)

	rep, err = Reconcile(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Adopted)
	assert.Equal(t, 0, rep.OrphansCancelled)
}
