package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Health    HealthConfig    `json:"health"`
	Wake      WakeConfig      `json:"wake,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Action    ActionConfig    `json:"action"`

	// Entities is the discovery source: every listed entity gets a running
	// timer, and entities that disappear from the list are removed.
	Entities []EntityConfig `json:"entities"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the snapshot backend.
//
// Driver is one of "memory", "file" or "sqlite" (default "file").
// Changes require a restart.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls timer bounds and the retry/circuit policy.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
//
// Defaults (when fields are omitted/zero):
//   - max_interval: "24h"
//   - max_retries: 3
//   - retry_base: "5s"
//   - retry_max_delay: "5m"
//   - retry_jitter: 0.1 (capped at 0.1; explicit 0 disables jitter)
//   - cooldown: "10m"
//   - cooldown_max: "6h"
//   - callback_timeout: "2m"
//   - history_size: 200
type SchedulerConfig struct {
	MaxInterval     string   `json:"max_interval,omitempty"`
	MaxRetries      int      `json:"max_retries,omitempty"`
	RetryBase       string   `json:"retry_base,omitempty"`
	RetryMaxDelay   string   `json:"retry_max_delay,omitempty"`
	RetryJitter     *float64 `json:"retry_jitter,omitempty"`
	Cooldown        string   `json:"cooldown,omitempty"`
	CooldownMax     string   `json:"cooldown_max,omitempty"`
	CallbackTimeout string   `json:"callback_timeout,omitempty"`
	HistorySize     int      `json:"history_size,omitempty"`
}

// HealthConfig controls the periodic drift check and the host keep-alive.
//
// Keepalive is "auto" (systemd when NOTIFY_SOCKET is set), "systemd" or "none".
type HealthConfig struct {
	Interval  string `json:"interval,omitempty"`
	Keepalive string `json:"keepalive,omitempty"`
}

type WakeConfig struct {
	CatchupRate  float64 `json:"catchup_rate,omitempty"`
	CatchupBurst int     `json:"catchup_burst,omitempty"`
}

// MetricsConfig controls the optional HTTP server exposing /metrics, /status
// and /debug/pprof/. Binding to a non-loopback address requires a token.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// ActionConfig is the command executed on every expiration.
// The literal "{entity}" in any argument is replaced with the entity id.
type ActionConfig struct {
	Command string `json:"command"`
	Timeout string `json:"timeout,omitempty"`
}

type EntityConfig struct {
	ID       string `json:"id"`
	Interval string `json:"interval"`
}
