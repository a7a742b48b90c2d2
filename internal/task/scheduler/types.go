package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cronjobd/internal/eventbus"
	"cronjobd/internal/task/cronexpr"
	"cronjobd/internal/task/dispatch"
	"cronjobd/internal/task/engine"
	"cronjobd/internal/task/params"
	logx "cronjobd/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Dispatcher receives due jobs. Dispatch must not block on execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv dispatch.Invocation) error
}

// Clock is the time source of the minute loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type armedJob struct {
	id       int64
	taskName string
	params   params.Params
	expr     *cronexpr.Expr
	armedAt  time.Time
	state    *engine.RunState

	// Unix seconds of the last minute this job fired for.
	lastFired atomic.Int64
}

// ArmedInfo describes one armed job for diagnostics.
type ArmedInfo struct {
	JobID     int64     `json:"job_id"`
	TaskName  string    `json:"task_name"`
	CronExpr  string    `json:"cron_expression"`
	ArmedAt   time.Time `json:"armed_at"`
	LastFired time.Time `json:"last_fired,omitzero"`
	Next      time.Time `json:"next,omitzero"`
	InFlight  bool      `json:"in_flight"`
}

type Service struct {
	mu  sync.RWMutex
	cfg Config
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus

	dispatcher Dispatcher
	clock      Clock

	armed map[int64]*armedJob

	// Lifecycle of the clock goroutine.
	lmu    sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	dispatchWarn *logx.Throttle

	ticks    atomic.Uint64
	fired    atomic.Uint64
	lastTick atomic.Int64
}

type Option func(*Service)

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Ticks    uint64      `json:"ticks"`
	Fired    uint64      `json:"fired"`
	LastTick time.Time   `json:"last_tick,omitzero"`
	Armed    []ArmedInfo `json:"armed"`
}
