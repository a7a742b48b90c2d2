// Package engine runs fired jobs on a bounded worker pool with timeouts,
// panic isolation, an overlap gate per job, retries and a bounded history.
//
// Enqueue never blocks: the minute clock must not stall behind a slow
// handler, so a full queue drops the run and reports it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cronjobd/internal/eventbus"
	rtsup "cronjobd/internal/runtime/supervisor"
	logx "cronjobd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu   sync.Mutex
	cfg  Config
	pool *pool

	log  logx.Logger
	bus  eventbus.Bus
	warn *logx.Throttle

	inFlight atomic.Int32
	seq      atomic.Uint64
	counters counters

	hmu     sync.Mutex
	history []HistoryItem
}

type counters struct {
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	skipped          atomic.Uint64
}

// pool is one generation of workers. Apply replaces it when the worker count
// or queue size changes.
type pool struct {
	queue    chan queuedTask
	quit     chan struct{}
	sup      *rtsup.Supervisor
	stopping bool
	stopped  chan struct{}
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	gated      bool
}

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.Overlap == OverlapDefault {
		cfg.Overlap = OverlapSkipIfRunning
	}
	return cfg
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  normalize(cfg),
		log:  log,
		bus:  bus,
		warn: logx.NewThrottle(warnThrottleEvery, 1),
	}
}

// Running reports whether workers are started and not stopping.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool != nil && !s.pool.stopping
}

// Apply swaps the configuration. Worker count or queue size changes restart
// the pool; in-flight runs finish first.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.pool != nil && !s.pool.stopping
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("task engine resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent and waits for a pending Stop
// to finish before starting a new pool.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		p := s.pool
		if p == nil {
			break
		}
		stopping := p.stopping
		s.mu.Unlock()
		if !stopping {
			return
		}
		select {
		case <-p.stopped:
		case <-ctx.Done():
			return
		}
	}
	// s.mu is held here.
	cfg := s.cfg
	p := &pool{
		queue:   make(chan queuedTask, cfg.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		// Workers outlive the caller's request context; Stop cancels them.
		sup: rtsup.NewSupervisor(context.WithoutCancel(ctx),
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
	}
	s.pool = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p, i)
			select {
			case <-p.quit:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.String("overlap", cfg.Overlap.String()),
		logx.Duration("default_timeout", cfg.DefaultTimeout),
	)
}

// Stop stops accepting runs and lets in-flight ones finish until ctx
// expires; then their contexts are canceled. Queued runs that never started
// are discarded and reported as dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.stopping
	if first {
		p.stopping = true
		close(p.quit)
	}
	s.mu.Unlock()

	if first {
		go func() {
			_ = p.sup.Wait(context.Background())
			s.discard(p.queue)
			s.inFlight.Store(0)
			s.mu.Lock()
			if s.pool == p {
				s.pool = nil
			}
			s.mu.Unlock()
			close(p.stopped)
		}()
	}

	select {
	case <-p.stopped:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		p.sup.Cancel()
		s.log.Warn("task engine stop timed out; canceling in-flight tasks", logx.Err(ctx.Err()))
	}
}

func (s *Service) discard(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			qt.release()
			s.publish(eventbus.TaskDropped, time.Now(), qt.task, 0, 0, 0, "engine_stopped")
		default:
			return
		}
	}
}

// Enqueue hands a run to the pool without blocking. It returns ErrOverlapSkip
// when the task's RunState is held and the policy is skip_if_running, and
// ErrQueueFull when the queue has no room.
//
// The stopping check and the send happen under s.mu, so a run accepted here
// is always seen by Stop's discard.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("run-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	switch {
	case p == nil:
		s.mu.Unlock()
		return ErrStopped
	case p.stopping:
		s.mu.Unlock()
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.opt.Overlap == OverlapSkipIfRunning && t.State != nil {
		if !t.State.tryAcquire() {
			s.mu.Unlock()
			s.counters.skipped.Add(1)
			s.publish(eventbus.TaskSkipped, now, t, 0, 0, 0, "overlap_skip")
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.Int64("job_id", t.JobID), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		qt.gated = true
	}

	var sent bool
	select {
	case p.queue <- qt:
		sent = true
	default:
	}
	s.mu.Unlock()

	if sent {
		return nil
	}
	qt.release()
	s.counters.droppedQueueFull.Add(1)
	s.publish(eventbus.TaskDropped, now, t, 0, 0, 0, "queue_full")
	if s.warn.Allow("queue_full") {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int64("job_id", t.JobID),
			logx.Int("queue_cap", cap(p.queue)),
			logx.Uint64("dropped_queue_full", s.counters.droppedQueueFull.Load()),
		)
	}
	return ErrQueueFull
}

func (qt queuedTask) release() {
	if qt.gated {
		qt.task.State.release()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	running := p != nil && !p.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.counters.droppedQueueFull.Load(),
		DroppedStale:     s.counters.droppedStale.Load(),
		Skipped:          s.counters.skipped.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		Overlap:          cfg.Overlap.String(),
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem, limit int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - limit; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, t Task, queueDelay, dur time.Duration, attempts int, errText string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: TaskEvent{
		ID:         t.ID,
		JobID:      t.JobID,
		Name:       t.Name,
		FiredAt:    t.FiredAt,
		Started:    at,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
		Error:      errText,
	}})
}
