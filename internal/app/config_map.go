package app

import (
	"fmt"
	"strings"
	"time"

	"cronjobd/internal/config"
	"cronjobd/internal/jobs"
	"cronjobd/internal/storage"
	"cronjobd/internal/task/engine"
	"cronjobd/internal/task/scheduler"
	"cronjobd/internal/transport/httpapi"
	logx "cronjobd/pkg/logx"
)

const (
	defaultDBPath         = "./scheduler.db"
	defaultReconcileEvery = time.Minute
	defaultTaskTimeout    = 5 * time.Minute
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if sc.RunRetention < 0 {
		return storage.Config{}, fmt.Errorf("storage.run_retention must be >= 0")
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultDBPath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, RunRetention: sc.RunRetention}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path, RunRetention: sc.RunRetention}, nil
	case "memory":
		return storage.Config{Driver: "memory", RunRetention: sc.RunRetention}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, defaultTaskTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	overlap, err := engine.ParseOverlap(te.Overlap)
	if err != nil {
		return engine.Config{}, fmt.Errorf("task_engine.overlap: %w", err)
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
		Overlap:        overlap,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: tz}, nil
}

func mapReconcileEvery(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.reconcile_every", cfg.Scheduler.ReconcileEvery, defaultReconcileEvery)
}

func mapJobsConfig(cfg *config.Config) jobs.Config {
	return jobs.Config{RequireRegistered: cfg.Scheduler.RequireRegistered}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	if hc.RatePerSec < 0 {
		return httpapi.Config{}, fmt.Errorf("http.rate_per_sec must be >= 0")
	}
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		RatePerSec:    hc.RatePerSec,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validate rejects a config before it is committed, both at startup and on
// hot reload.
func validate(cfg *config.Config) error {
	if cfg.Logging.Level != "" && !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReconcileEvery(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
