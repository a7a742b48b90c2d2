package logx

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogPath    = "./logs/cronjobd.log"
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
)

// newFileSink returns a size-rotated writer for fc. Backups are named
// <name>-<timestamp><ext> next to the live file.
func newFileSink(fc FileConfig) (*lumberjack.Logger, error) {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogPath
	}
	// lumberjack opens lazily; fail here so Apply can fall back to console.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	size := fc.MaxSizeMB
	if size <= 0 {
		size = defaultMaxSizeMB
	}
	backups := fc.MaxBackups
	if backups <= 0 {
		backups = defaultMaxBackups
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    size,
		MaxBackups: backups,
		LocalTime:  true,
	}, nil
}
