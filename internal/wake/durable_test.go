package wake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostd/internal/storage"
	logx "boostd/pkg/logx"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
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

func TestName_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		entity   string
		interval time.Duration
		ok       bool
	}{
		{"boost:900000:42", "42", 15 * time.Minute, true},
		{"boost:60000:tab:7", "tab:7", time.Minute, true},
		{"boost:0:42", "", 0, false},
		{"boost:abc:42", "", 0, false},
		{"boost:1000:", "", 0, false},
		{"other:1000:42", "", 0, false},
	}
	for _, tc := range cases {
		e, iv, ok := ParseName(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		if tc.ok {
			assert.Equal(t, tc.entity, e)
			assert.Equal(t, tc.interval, iv)
			assert.Equal(t, tc.name, Name(e, iv))
		}
	}
}

func TestDurable_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()
	clk := &manualClock{now: time.UnixMilli(1_700_000_000_000)}

	d, err := Open(ctx, kv, Config{}, logx.Nop(), WithClock(clk.Now))
	require.NoError(t, err)

	h1, err := d.Schedule(ctx, Name("5", time.Minute), time.Minute)
	require.NoError(t, err)
	h2, err := d.Schedule(ctx, Name("6", time.Minute), 2*time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
	require.NoError(t, d.Cancel(ctx, h2))
	require.NoError(t, d.Cancel(ctx, "does-not-exist"))

	// Fresh process: same store, new bridge.
	d2, err := Open(ctx, kv, Config{}, logx.Nop(), WithClock(clk.Now))
	require.NoError(t, err)
	got, err := d2.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, h1, got[0].Handle)
	assert.Equal(t, Name("5", time.Minute), got[0].Name)
	assert.True(t, got[0].FireAt.Equal(clk.Now().Add(time.Minute)))
}

func TestDurable_FireDueRemovesDelivered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &manualClock{now: time.UnixMilli(1_700_000_000_000)}
	d, err := Open(ctx, storage.NewMemory(), Config{CatchupRate: 1000, CatchupBurst: 100}, logx.Nop(), WithClock(clk.Now))
	require.NoError(t, err)

	var fired []string
	d.SetHandler(func(ctx context.Context, w Scheduled) { fired = append(fired, w.Name) })

	_, err = d.Schedule(ctx, "boost:1000:a", time.Second)
	require.NoError(t, err)
	_, err = d.Schedule(ctx, "boost:5000:b", 5*time.Second)
	require.NoError(t, err)

	require.Equal(t, 0, d.FireDue(ctx))
	clk.Advance(2 * time.Second)
	require.Equal(t, 1, d.FireDue(ctx))
	require.Equal(t, []string{"boost:1000:a"}, fired)

	left, _ := d.List(ctx)
	require.Len(t, left, 1)
	require.Equal(t, "boost:5000:b", left[0].Name)
}

func TestDurable_CorruptTableIsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()
	require.NoError(t, kv.Set(ctx, DefaultKey, []byte("{not json")))

	d, err := Open(ctx, kv, Config{}, logx.Nop())
	require.NoError(t, err)
	got, _ := d.List(ctx)
	require.Empty(t, got)
}

func TestDurable_StartDeliversViaCron(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := Open(ctx, storage.NewMemory(), Config{}, logx.Nop())
	require.NoError(t, err)

	got := make(chan Scheduled, 2)
	d.Start(ctx, func(ctx context.Context, w Scheduled) { got <- w })
	defer d.Stop(ctx)

	h, err := d.Schedule(ctx, "boost:1000:x", 30*time.Millisecond)
	require.NoError(t, err)

	select {
	case w := <-got:
		require.Equal(t, h, w.Handle)
	case <-time.After(3 * time.Second):
		t.Fatalf("wake not delivered")
	}
	left, _ := d.List(ctx)
	require.Empty(t, left)
}

func TestDurable_StartCatchesUpPastDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()

	d, err := Open(ctx, kv, Config{}, logx.Nop())
	require.NoError(t, err)
	_, err = d.Schedule(ctx, "boost:1000:late", 0)
	require.NoError(t, err)

	// Simulated restart: a new bridge over the same table.
	d2, err := Open(ctx, kv, Config{}, logx.Nop())
	require.NoError(t, err)
	got := make(chan Scheduled, 1)
	d2.Start(ctx, func(ctx context.Context, w Scheduled) { got <- w })
	defer d2.Stop(ctx)

	select {
	case w := <-got:
		require.Equal(t, "boost:1000:late", w.Name)
	case <-time.After(3 * time.Second):
		t.Fatalf("past-due wake not delivered")
	}
}
