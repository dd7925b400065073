package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"boostd/internal/retry"
	"boostd/internal/storage"
	"boostd/internal/wake"
	logx "boostd/pkg/logx"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *manualClock {
	return &manualClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyBridge wraps a bridge and fails calls on demand.
type flakyBridge struct {
	wake.Bridge
	failSchedule atomic.Bool
	failCancel   atomic.Bool
	failList     atomic.Bool
}

var errInjected = errors.New("injected failure")

func (b *flakyBridge) Schedule(ctx context.Context, name string, d time.Duration) (wake.Handle, error) {
	if b.failSchedule.Load() {
		return "", errInjected
	}
	return b.Bridge.Schedule(ctx, name, d)
}

func (b *flakyBridge) Cancel(ctx context.Context, h wake.Handle) error {
	if b.failCancel.Load() {
		return errInjected
	}
	return b.Bridge.Cancel(ctx, h)
}

func (b *flakyBridge) List(ctx context.Context) ([]wake.Scheduled, error) {
	if b.failList.Load() {
		return nil, errInjected
	}
	return b.Bridge.List(ctx)
}

// flakyKV fails writes on demand, and the next failSnapshotReads reads of the
// snapshot key.
type flakyKV struct {
	storage.KV
	failSet           atomic.Bool
	failSnapshotReads atomic.Int32
}

func (k *flakyKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == DefaultSnapshotKey && k.failSnapshotReads.Add(-1) >= 0 {
		return nil, false, errInjected
	}
	return k.KV.Get(ctx, key)
}

func (k *flakyKV) Set(ctx context.Context, key string, v []byte) error {
	if k.failSet.Load() {
		return errInjected
	}
	return k.KV.Set(ctx, key, v)
}

type fixture struct {
	t       *testing.T
	clock   *manualClock
	kv      *flakyKV
	durable *wake.Durable
	bridge  *flakyBridge
	reg     *Registry
}

func testConfig() Config {
	return Config{
		MaxInterval: 24 * time.Hour,
		Retry: retry.Config{
			MaxRetries:  3,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			Cooldown:    10 * time.Minute,
			CooldownMax: time.Hour,
		},
		ReadAttempts: 3,
		ReadBackoff:  time.Millisecond,
	}
}

// newFixture builds a recovered registry over fresh in-memory storage.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, clock: newClock(), kv: &flakyKV{KV: storage.NewMemory()}}
	f.restart()
	return f
}

// restart discards every in-memory structure and recovers from storage, like a
// process restart over the same persistent state.
func (f *fixture) restart() Report {
	f.t.Helper()
	ctx := context.Background()
	d, err := wake.Open(ctx, f.kv, wake.Config{CatchupRate: 1e6, CatchupBurst: 1000}, logx.Nop(), wake.WithClock(f.clock.Now))
	require.NoError(f.t, err)
	f.durable = d
	f.bridge = &flakyBridge{Bridge: d}
	f.reg = New(testConfig(), f.kv, f.bridge, logx.Nop(), nil, WithClock(f.clock.Now), WithJitter(func() float64 { return 0 }))
	d.SetHandler(f.reg.OnWake)

	rep, err := NewRecoveryCoordinator(f.reg).Run(ctx)
	require.NoError(f.t, err)
	return rep
}

// fireDue delivers wakes whose time has come on the manual clock.
func (f *fixture) fireDue() int {
	return f.durable.FireDue(context.Background())
}

func (f *fixture) wakes() []wake.Scheduled {
	f.t.Helper()
	ws, err := f.durable.List(context.Background())
	require.NoError(f.t, err)
	return ws
}
