// Package runlog persists the outcome of every job firing as a storage.Run.
//
// It only listens to the event bus. A slow or failing store costs run history,
// never scheduling: the bus drops events for a full subscriber instead of
// blocking the publisher.
package runlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cronjobd/internal/eventbus"
	rtsup "cronjobd/internal/runtime/supervisor"
	"cronjobd/internal/storage"
	"cronjobd/internal/task/engine"
	logx "cronjobd/pkg/logx"
)

// Appender is the part of the store the recorder writes to.
type Appender interface {
	AppendRun(ctx context.Context, r storage.Run) error
}

type Config struct {
	// Buffer is the bus subscription size. 0 means 256.
	Buffer int
	// WriteTimeout bounds one AppendRun. 0 means 2s.
	WriteTimeout time.Duration
}

type Recorder struct {
	cfg   Config
	store Appender
	bus   eventbus.Bus
	log   logx.Logger
	warn  *logx.Throttle

	mu    sync.Mutex
	unsub func()
	sup   *rtsup.Supervisor

	recorded atomic.Uint64
	failed   atomic.Uint64
}

func New(cfg Config, store Appender, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Recorder{
		cfg:   cfg,
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "runlog")),
		warn:  logx.NewThrottle(time.Minute, 1),
	}
}

// Start subscribes to the bus. It is idempotent.
func (r *Recorder) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil || r.bus == nil {
		return
	}
	ch, unsub := r.bus.Subscribe(r.cfg.Buffer)
	r.unsub = unsub
	r.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.sup.GoRestart("consume", func(c context.Context) error {
		return r.consume(c, ch)
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
}

// Stop unsubscribes, writes what is already buffered and returns when done or
// when ctx expires.
func (r *Recorder) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	unsub, sup := r.unsub, r.sup
	r.unsub, r.sup = nil, nil
	r.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		r.log.Warn("run recorder stop timed out", logx.Err(err))
		return
	}
	r.log.Debug("run recorder stopped", logx.Uint64("recorded", r.recorded.Load()), logx.Uint64("failed", r.failed.Load()))
}

// consume returns nil once ch is closed by unsubscribe.
func (r *Recorder) consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	run, ok := ToRun(ev)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	err := r.store.AppendRun(wctx, run)
	cancel()
	if err != nil {
		r.failed.Add(1)
		if r.warn.Allow("append") {
			r.log.Warn("run not recorded", logx.Int64("job_id", run.JobID), logx.String("outcome", run.Outcome), logx.Err(err))
		}
		return
	}
	r.recorded.Add(1)
}

// Stats returns how many runs were written and how many writes failed.
func (r *Recorder) Stats() (recorded, failed uint64) {
	return r.recorded.Load(), r.failed.Load()
}

// ToRun maps a terminal task event of a job to a run row. Events without a
// job id and non-terminal events are ignored.
func ToRun(ev eventbus.Event) (storage.Run, bool) {
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok || te.JobID == 0 {
		return storage.Run{}, false
	}
	var outcome string
	switch ev.Type {
	case eventbus.TaskFinished:
		outcome = storage.OutcomeSuccess
	case eventbus.TaskFailed:
		outcome = storage.OutcomeFailure
	case eventbus.TaskNotFound:
		outcome = storage.OutcomeNotFound
	case eventbus.TaskSkipped:
		outcome = storage.OutcomeSkipped
	case eventbus.TaskDropped:
		outcome = storage.OutcomeDropped
	default:
		return storage.Run{}, false
	}

	started := te.Started
	if started.IsZero() {
		started = te.FiredAt
	}
	if started.IsZero() {
		started = ev.Time
	}
	return storage.Run{
		ID:        uuid.NewString(),
		JobID:     te.JobID,
		TaskName:  te.Name,
		StartedAt: started,
		Duration:  te.Duration,
		Outcome:   outcome,
		Error:     te.Error,
	}, true
}
