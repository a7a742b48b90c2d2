package config

import (
	"sort"
	"strings"

	logx "cronjobd/pkg/logx"
)

type section struct {
	name    string
	changed func(o, n *Config) bool
	fields  func(n *Config) []logx.Field
}

// Token values are secret: only its presence is compared and logged.
var configSections = []section{
	{
		name:    "logging",
		changed: func(o, n *Config) bool { return o.Logging != n.Logging },
		fields: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("logging.level", n.Logging.Level),
				logx.Bool("logging.console", n.Logging.Console),
				logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			}
		},
	},
	{
		// Not hot-swappable; listed so the operator sees a restart is due.
		name:    "storage",
		changed: func(o, n *Config) bool { return o.Storage != n.Storage },
		fields: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("storage.driver", strings.TrimSpace(n.Storage.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(n.Storage.Path) != ""),
			}
		},
	},
	{
		name:    "scheduler",
		changed: func(o, n *Config) bool { return o.Scheduler != n.Scheduler },
		fields: func(n *Config) []logx.Field {
			sc := n.Scheduler
			return []logx.Field{
				logx.String("scheduler.timezone", strings.TrimSpace(sc.Timezone)),
				logx.String("scheduler.reconcile_every", strings.TrimSpace(sc.ReconcileEvery)),
				logx.Bool("scheduler.require_registered", sc.RequireRegistered),
			}
		},
	},
	{
		name:    "task_engine",
		changed: func(o, n *Config) bool { return o.TaskEngine != n.TaskEngine },
		fields: func(n *Config) []logx.Field {
			te := n.TaskEngine
			return []logx.Field{
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
				logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
				logx.String("task_engine.overlap", strings.TrimSpace(te.Overlap)),
				logx.Int("task_engine.retry_max", te.RetryMax),
			}
		},
	},
	{
		name:    "http",
		changed: func(o, n *Config) bool { return redactHTTP(o.HTTP) != redactHTTP(n.HTTP) },
		fields: func(n *Config) []logx.Field {
			h := n.HTTP
			return []logx.Field{
				logx.Bool("http.enabled", h.Enabled),
				logx.String("http.addr", strings.TrimSpace(h.Addr)),
				logx.Bool("http.token_set", hasToken(h)),
				logx.Int("http.rate_per_sec", h.RatePerSec),
			}
		},
	},
}

func hasToken(h HTTPConfig) bool { return strings.TrimSpace(h.Token) != "" }

func redactHTTP(h HTTPConfig) HTTPConfig {
	if hasToken(h) {
		h.Token = "set"
	} else {
		h.Token = ""
	}
	return h
}

// SummarizeConfigChange lists the changed top-level sections, sorted, and
// log fields describing their new values. Secrets never appear in the fields.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	for _, s := range configSections {
		if s.changed(oldCfg, newCfg) {
			changed = append(changed, s.name)
			fields = append(fields, s.fields(newCfg)...)
		}
	}
	sort.Strings(changed)
	return changed, fields
}
