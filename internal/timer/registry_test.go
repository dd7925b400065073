package timer

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostd/internal/storage"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

func TestStartTimer_StatusActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.reg.StartTimer(ctx, "42", 15*time.Minute))

	st := f.reg.Status("42")
	assert.True(t, st.Exists)
	assert.True(t, st.Active)
	assert.False(t, st.Paused)
	assert.Equal(t, 15*time.Minute, st.Remaining)
	assert.Equal(t, 0, st.RetryCount)

	ws := f.wakes()
	require.Len(t, ws, 1)
	assert.Equal(t, wake.Name("42", 15*time.Minute), ws[0].Name)
	assert.Equal(t, ws[0].Handle, f.reg.ActiveTimers()[0].WakeHandle)
}

func TestStartTimer_InvalidInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	cases := []time.Duration{0, -time.Second, 25 * time.Hour, 1500 * time.Microsecond, time.Minute + time.Nanosecond}
	for _, iv := range cases {
		err := f.reg.StartTimer(ctx, "1", iv)
		require.Error(t, err, iv)
		assert.True(t, errors.Is(err, ErrInvalidInterval), iv)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration), iv)
	}
	assert.False(t, f.reg.Status("1").Exists)

	for _, id := range []EntityID{" ", " a", "a ", "\ta"} {
		err := f.reg.StartTimer(ctx, id, time.Minute)
		assert.True(t, errors.Is(err, ErrInvalidEntity), "%q", id)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration), "%q", id)
	}
}

func TestResetTimer_RejectsSubMillisecondInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.reg.StartTimer(ctx, "x", time.Minute))
	err := f.reg.ResetTimer(ctx, "x", ResetOptions{Interval: 1500 * time.Microsecond})
	assert.True(t, errors.Is(err, ErrInvalidInterval))
	assert.Equal(t, time.Minute, f.reg.Status("x").Interval)

	// Whole milliseconds survive a restart without the wake turning into an orphan.
	require.NoError(t, f.reg.ResetTimer(ctx, "x", ResetOptions{Interval: 1500 * time.Millisecond}))
	rep := f.restart()
	assert.Equal(t, 1, rep.Adopted)
	assert.Equal(t, 0, rep.OrphansCancelled)
	assert.Equal(t, 1500*time.Millisecond, f.reg.Status("x").Interval)
}

func TestStartTimer_ReplacesExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.reg.StartTimer(ctx, "5", time.Minute))
	require.NoError(t, f.reg.StartTimer(ctx, "5", 2*time.Minute))

	ws := f.wakes()
	require.Len(t, ws, 1, "previous wake must be cancelled")
	assert.Equal(t, wake.Name("5", 2*time.Minute), ws[0].Name)
	assert.Len(t, f.reg.ActiveTimers(), 1)
}

func TestStopTimer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.reg.StartTimer(ctx, "5", time.Minute))
	assert.True(t, f.reg.StopTimer(ctx, "5"))
	assert.False(t, f.reg.Status("5").Exists)
	assert.Empty(t, f.wakes())
	assert.False(t, f.reg.StopTimer(ctx, "5"), "unknown entity is a no-op")
}

func TestPauseResume_KeepsRemaining(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.reg.StartTimer(ctx, "3", time.Minute))
	f.clock.Advance(20 * time.Second)

	require.True(t, f.reg.PauseTimer(ctx, "3"))
	require.False(t, f.reg.PauseTimer(ctx, "3"), "already paused")
	st := f.reg.Status("3")
	assert.True(t, st.Exists)
	assert.False(t, st.Active)
	assert.True(t, st.Paused)
	assert.Equal(t, 40*time.Second, st.Remaining)
	assert.Empty(t, f.wakes())
	assert.Empty(t, f.reg.ActiveTimers())

	f.clock.Advance(5 * time.Minute)
	require.True(t, f.reg.ResumeTimer(ctx, "3"))
	require.False(t, f.reg.ResumeTimer(ctx, "3"), "not paused")

	st = f.reg.Status("3")
	assert.True(t, st.Active)
	assert.Equal(t, 40*time.Second, st.Remaining)
	assert.True(t, st.NextFireTime.Equal(f.clock.Now().Add(40*time.Second)))
	assert.Len(t, f.wakes(), 1)

	assert.False(t, f.reg.PauseTimer(ctx, "nope"))
	assert.False(t, f.reg.ResumeTimer(ctx, "nope"))
}

func TestResetTimer_Retries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.reg.SetGlobalCallback(func(context.Context, EntityID) error { return errInjected })

	require.NoError(t, f.reg.StartTimer(ctx, "9", time.Minute))
	f.reg.HandleExpiration(ctx, "9")
	require.Equal(t, 1, f.reg.Status("9").RetryCount)

	require.NoError(t, f.reg.ResetTimer(ctx, "9", ResetOptions{}))
	st := f.reg.Status("9")
	assert.Equal(t, 1, st.RetryCount, "reset preserves retries by default")
	assert.Equal(t, time.Minute, st.Remaining)

	require.NoError(t, f.reg.ResetTimer(ctx, "9", ResetOptions{Interval: 2 * time.Minute, ClearRetries: true}))
	st = f.reg.Status("9")
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, 2*time.Minute, st.Interval)
	assert.Len(t, f.wakes(), 1)

	err := f.reg.ResetTimer(ctx, "unknown", ResetOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_NotReadyBeforeRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()
	d, err := wake.Open(ctx, kv, wake.Config{}, logx.Nop())
	require.NoError(t, err)

	reg := New(Config{}, kv, d, logx.Nop(), nil)
	assert.ErrorIs(t, reg.StartTimer(ctx, "1", time.Minute), ErrNotReady)
	assert.False(t, reg.Status("1").Exists)

	_, err = NewRecoveryCoordinator(reg).Run(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.StartTimer(ctx, "1", time.Minute))

	require.NoError(t, reg.Close(ctx))
	assert.ErrorIs(t, reg.StartTimer(ctx, "2", time.Minute), ErrClosed)
}

func TestStartTimer_DownstreamFailuresAreBestEffort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.bridge.failSchedule.Store(true)
	require.NoError(t, f.reg.StartTimer(ctx, "a", time.Minute))
	st := f.reg.Status("a")
	assert.True(t, st.Active)
	assert.Equal(t, 1, f.reg.Counts().Unscheduled)

	f.bridge.failSchedule.Store(false)
	f.kv.failSet.Store(true)
	require.NoError(t, f.reg.StartTimer(ctx, "b", time.Minute))
	assert.True(t, f.reg.Status("b").Active)
}

func TestCleanupAndRemoveEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	for _, id := range []EntityID{"1", "2", "3"} {
		require.NoError(t, f.reg.StartTimer(ctx, id, time.Minute))
	}
	f.reg.SetCallback("1", func(context.Context, EntityID) error { return nil })
	assert.True(t, f.reg.RemoveEntity(ctx, "1"))
	assert.Nil(t, f.reg.callbackFor("1"))

	assert.Equal(t, 2, f.reg.Cleanup(ctx))
	assert.Empty(t, f.reg.ActiveTimers())
	assert.Empty(t, f.wakes())
	assert.Equal(t, Counts{}, f.reg.Counts())
}
