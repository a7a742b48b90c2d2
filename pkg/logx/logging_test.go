package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int64("job_id", 7), Duration("dur", time.Second))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["job_id"] != float64(7) {
		t.Fatalf("job_id = %v", m["job_id"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want logging_test.go:<line>", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled")
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

func TestFileSinkDefaultsAndRotation(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	sink, err := newFileSink(FileConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("newFileSink: %v", err)
	}
	if sink.MaxSize != defaultMaxSizeMB || sink.MaxBackups != defaultMaxBackups {
		t.Fatalf("size=%d backups=%d", sink.MaxSize, sink.MaxBackups)
	}

	if _, err := sink.Write([]byte("before\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := sink.Write([]byte("after\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backups, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "app-*.log"))
	if len(backups) != 1 {
		t.Fatalf("backups = %v", backups)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "after\n" {
		t.Fatalf("live file = %q, %v", b, err)
	}

	sink, err = newFileSink(FileConfig{Path: path, MaxSizeMB: 2, MaxBackups: 1})
	if err != nil {
		t.Fatal(err)
	}
	if sink.MaxSize != 2 || sink.MaxBackups != 1 {
		t.Fatalf("size=%d backups=%d", sink.MaxSize, sink.MaxBackups)
	}
}

func TestThrottle(t *testing.T) {
	t.Parallel()
	th := NewThrottle(time.Hour, 2)
	if !th.Allow("a") || !th.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if th.Allow("a") {
		t.Fatal("third line within interval should be throttled")
	}
	if !th.Allow("b") {
		t.Fatal("keys are independent")
	}
	th.Forget("a")
	if !th.Allow("a") {
		t.Fatal("forgotten key should start fresh")
	}

	var nilTh *Throttle
	if !nilTh.Allow("x") {
		t.Fatal("nil throttle allows everything")
	}
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "cronjobd.log")
	svc, root := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log := root.With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("first")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, `"message":"first"`) || !strings.Contains(out, `"message":"second"`) {
		t.Fatalf("missing lines: %q", out)
	}
	if !strings.Contains(out, `"comp":"test"`) {
		t.Fatalf("derived fields missing: %q", out)
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "debug", "INFO", " warning ", "error", "trace"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
