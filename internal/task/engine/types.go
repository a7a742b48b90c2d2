package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Config controls the task execution engine.
//
// The app layer maps config.task_engine into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int

	// RetryMax is the default retry count. Cron jobs fire again next match,
	// so 0 is the usual value.
	RetryMax int

	// Overlap is used for tasks that leave TaskOptions.Overlap unset.
	Overlap OverlapPolicy
}

type OverlapPolicy int

const (
	OverlapDefault OverlapPolicy = iota
	OverlapAllow
	OverlapSkipIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapAllow:
		return "allow"
	case OverlapSkipIfRunning:
		return "skip_if_running"
	default:
		return "default"
	}
}

// ParseOverlap maps a config value to a policy. Empty means skip_if_running.
func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip_if_running", "skip":
		return OverlapSkipIfRunning, nil
	case "allow":
		return OverlapAllow, nil
	default:
		return OverlapDefault, fmt.Errorf("unknown overlap policy %q (use allow or skip_if_running)", s)
	}
}

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap == OverlapDefault {
		o.Overlap = cfg.Overlap
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState is the overlap gate of one job. Under skip_if_running a run holds
// it from enqueue until it finishes, so a schedule that fires faster than its
// handler cannot fill the queue.
type RunState struct {
	held atomic.Bool
}

func (s *RunState) tryAcquire() bool { return s.held.CompareAndSwap(false, true) }

func (s *RunState) release() { s.held.Store(false) }

// InFlight reports whether a run is queued or executing.
func (s *RunState) InFlight() bool {
	if s == nil {
		return false
	}
	return s.held.Load()
}

type HistoryItem struct {
	ID         string
	JobID      int64
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	JobID      int64         `json:"job_id,omitempty"`
	Name       string        `json:"name"`
	FiredAt    time.Time     `json:"fired_at,omitzero"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is one run of a job handed to the engine. State gates overlap under
// skip_if_running; a nil State is never gated.
type Task struct {
	ID      string
	JobID   int64
	Name    string
	FiredAt time.Time
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	Skipped          uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int
	Overlap        string

	History []HistoryItem
}
