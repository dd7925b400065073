package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./state.db
scheduler:
  max_retries: 5
  retry_base: 2s
  retry_jitter: 0
health:
  interval: 1m
  keepalive: none
action:
  command: "echo boost {entity}"
  timeout: 30s
entities:
  - id: "42"
    interval: 15m
  - id: alpha
    interval: 900s
`

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()

	cfg, err := ParseBytes("boostd.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	require.NotNil(t, cfg.Scheduler.RetryJitter)
	assert.Equal(t, 0.0, *cfg.Scheduler.RetryJitter)
	require.Len(t, cfg.Entities, 2)
	assert.Equal(t, "42", cfg.Entities[0].ID)
}

func TestParseBytesStrict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		data string
	}{
		{"unknown json field", "c.json", `{"logging":{"level":"info"},"bogus":1}`},
		{"unknown yaml field", "c.yml", "scheduler:\n  retries: 3\n"},
		{"trailing json", "c.json", `{"logging":{}} {"logging":{}}`},
		{"bad yaml", "c.yaml", "logging: [unterminated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseBytes(tc.file, []byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	neg := -0.5
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"bad driver", Config{Storage: StorageConfig{Driver: "redis"}}, false},
		{"bad duration", Config{Scheduler: SchedulerConfig{RetryBase: "soon"}}, false},
		{"negative jitter", Config{Scheduler: SchedulerConfig{RetryJitter: &neg}}, false},
		{"bad keepalive", Config{Health: HealthConfig{Keepalive: "dbus"}}, false},
		{"missing id", Config{Entities: []EntityConfig{{Interval: "1m"}}}, false},
		{"duplicate id", Config{Entities: []EntityConfig{{ID: "a", Interval: "1m"}, {ID: "a", Interval: "2m"}}}, false},
		{"zero interval", Config{Entities: []EntityConfig{{ID: "a", Interval: "0s"}}}, false},
		{"sub-millisecond interval", Config{Entities: []EntityConfig{{ID: "a", Interval: "1500us"}}}, false},
		{"interval above max", Config{
			Scheduler: SchedulerConfig{MaxInterval: "1h"},
			Entities:  []EntityConfig{{ID: "a", Interval: "2h"}},
		}, false},
		{"valid entity", Config{Entities: []EntityConfig{{ID: "a", Interval: "15m"}}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDiffEntities(t *testing.T) {
	t.Parallel()

	prev := []EntityConfig{
		{ID: "a", Interval: "15m"},
		{ID: "b", Interval: "1m"},
		{ID: "c", Interval: "1m"},
	}
	next := []EntityConfig{
		{ID: "a", Interval: "900s"},
		{ID: "b", Interval: "2m"},
		{ID: "d", Interval: "5m"},
	}

	upsert, removed := DiffEntities(prev, next)
	assert.Equal(t, []EntityConfig{{ID: "b", Interval: "2m"}, {ID: "d", Interval: "5m"}}, upsert)
	assert.Equal(t, []string{"c"}, removed)

	upsert, removed = DiffEntities(nil, nil)
	assert.Empty(t, upsert)
	assert.Empty(t, removed)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Metrics:  MetricsConfig{Enabled: true, Token: "secret"},
		Entities: []EntityConfig{{ID: "x", Interval: "1m"}},
	}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"logging", "metrics", "entities"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(b, b)
	assert.Empty(t, changed)
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "boostd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	assert.False(t, m.reload(ctx), "unchanged content must not republish")

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	require.True(t, m.reload(ctx))
	got := <-sub
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	// Invalid config is rejected and the committed one stays.
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"redis"}}`), 0o644))
	assert.False(t, m.reload(ctx))
	assert.Equal(t, "debug", m.Get().Logging.Level)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o644))
	assert.False(t, m.reload(ctx))
	assert.Equal(t, "debug", m.Get().Logging.Level)
}
