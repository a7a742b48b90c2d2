// Package dispatch turns a fired job into a task on the execution engine.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"

	"cronjobd/internal/eventbus"
	"cronjobd/internal/task/engine"
	"cronjobd/internal/task/params"
	"cronjobd/internal/task/registry"
	logx "cronjobd/pkg/logx"
)

// Invocation is one firing of an armed job.
type Invocation struct {
	JobID    int64
	TaskName string
	Params   params.Params
	FiredAt  time.Time

	// State gates overlapping runs of the same job. Optional.
	State *engine.RunState
}

// Enqueuer is the part of the engine the dispatcher needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Lookuper resolves task names. *registry.Registry satisfies it.
type Lookuper interface {
	Lookup(name string) (registry.Handler, error)
}

type Dispatcher struct {
	reg Lookuper
	eng Enqueuer
	bus eventbus.Bus
	log logx.Logger

	// One not-found warning per job every notFoundEvery.
	throttle *logx.Throttle
}

const notFoundEvery = 10 * time.Minute

// New builds a dispatcher. Runs use the engine's default timeout.
func New(reg Lookuper, eng Enqueuer, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		reg:      reg,
		eng:      eng,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch")),
		throttle: logx.NewThrottle(notFoundEvery, 1),
	}
}

// Dispatch looks up the handler and submits it without blocking.
//
// An unknown task name is logged and reported on the bus; the job stays
// armed and nil is returned. Overlap skips and a full queue are also not
// errors for the caller. Only a stopped engine is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) error {
	h, err := d.reg.Lookup(inv.TaskName)
	if err != nil {
		d.notFound(inv, err)
		return nil
	}

	p := inv.Params
	err = d.eng.Enqueue(engine.Task{
		JobID:   inv.JobID,
		Name:    inv.TaskName,
		FiredAt: inv.FiredAt,
		State:   inv.State,
		Run: func(ctx context.Context) error {
			return h.Invoke(ctx, p)
		},
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrOverlapSkip):
		d.log.Info("dispatch skipped: previous run still in flight",
			logx.Int64("job_id", inv.JobID), logx.String("task", inv.TaskName), logx.Time("fired_at", inv.FiredAt))
		return nil
	case errors.Is(err, engine.ErrQueueFull):
		// The engine already logged (throttled) and published the drop.
		return nil
	default:
		return err
	}
}

func (d *Dispatcher) notFound(inv Invocation, err error) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TaskNotFound, Time: time.Now(), Data: engine.TaskEvent{
			JobID:   inv.JobID,
			Name:    inv.TaskName,
			FiredAt: inv.FiredAt,
			Started: inv.FiredAt,
			Error:   err.Error(),
		}})
	}
	fields := []logx.Field{
		logx.Int64("job_id", inv.JobID),
		logx.String("task", inv.TaskName),
		logx.Time("fired_at", inv.FiredAt),
	}
	if d.throttle.Allow(strconv.FormatInt(inv.JobID, 10)) {
		d.log.Warn("dispatch not found", fields...)
		return
	}
	d.log.Debug("dispatch not found", fields...)
}

// Forget clears per-job log throttling, e.g. after the job is deleted.
func (d *Dispatcher) Forget(jobID int64) {
	d.throttle.Forget(strconv.FormatInt(jobID, 10))
}
