package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the minute clock and reconciliation.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired jobs.
	TaskEngine TaskEngineConfig `json:"task_engine"`

	HTTP HTTPConfig `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./scheduler.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// RunRetention caps stored run history rows (0 = default 1000).
	RunRetention int `json:"run_retention,omitempty"`
}

type SchedulerConfig struct {
	// Trigger timezone (IANA, e.g. "Asia/Jakarta"). Empty means local.
	Timezone string `json:"timezone,omitempty"`

	// ReconcileEvery is a Go duration string. "0s" disables the periodic pass;
	// reconciliation still runs after every create/delete.
	ReconcileEvery string `json:"reconcile_every,omitempty"`

	// RequireRegistered rejects jobs whose task_name has no handler at create time.
	RequireRegistered bool `json:"require_registered,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "5m"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
//   - overlap: "skip_if_running"
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int    `json:"history_size,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	Overlap     string `json:"overlap,omitempty"`
}

// HTTPConfig controls the job control API.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:5000").
//   - A non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// RatePerSec limits mutating requests (0 = unlimited).
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// Pprof mounts net/http/pprof under /debug behind the same auth.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
