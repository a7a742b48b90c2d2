package storage

import (
	"fmt"
	"strings"

	logx "cronjobd/pkg/logx"
)

// Open returns the store selected by cfg.Driver. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log.With(logx.String("driver", "sqlite")))
	case "file":
		return openFile(cfg, log.With(logx.String("driver", "file")))
	case "memory":
		return NewMemory(cfg), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", d)
	}
}
