package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig controls the JSON file sink. An empty Path means
// ./logs/cronjobd.log; MaxSizeMB <= 0 rotates at 100 MB; MaxBackups <= 0
// keeps 5 backups.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Service owns the log sinks and swaps them on Apply. Loggers taken from it
// pick up the change on their next line.
type Service struct {
	mu   sync.Mutex
	file *lumberjack.Logger

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the Service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks from cfg. Console output is used when no sink is
// enabled or the log file cannot be opened.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, newConsoleWriter(Stdout()))
	}

	var file *lumberjack.Logger
	if cfg.File.Enabled {
		f, err := newFileSink(cfg.File)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: log file %q unusable: %v\n", cfg.File.Path, err)
		} else {
			file = f
			sinks = append(sinks, f)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

// Close closes the file sink, if any. Later lines still go to the console.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	if f != nil {
		zl := zerolog.New(newConsoleWriter(Stdout())).Level(s.current().GetLevel()).With().Timestamp().Logger()
		s.root.Store(&zl)
	}
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
