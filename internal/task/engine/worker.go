package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"cronjobd/internal/eventbus"
	logx "cronjobd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, p *pool, idx int) {
	// Per-worker RNG so concurrent retries do not contend on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))
	for {
		// A closed quit wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case qt := <-p.queue:
			s.inFlight.Add(1)
			s.exec(ctx, p.quit, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, quit <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.release()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	item := HistoryItem{ID: qt.task.ID, JobID: qt.task.JobID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.counters.droppedStale.Add(1)
		s.publish(eventbus.TaskDropped, start, qt.task, queueDelay, 0, 0, "stale_queue_delay")
		if s.warn.Allow("stale") {
			s.log.Warn("task dropped: stale queue",
				logx.String("task", qt.task.Name),
				logx.Int64("job_id", qt.task.JobID),
				logx.Duration("queue_delay", queueDelay),
				logx.Uint64("dropped_stale", s.counters.droppedStale.Load()),
			)
		}
		item.Error = "stale_queue_delay"
		s.record(item, cfg.HistorySize)
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.Int64("job_id", qt.task.JobID))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, start, qt.task, queueDelay, 0, 0, "")

	attempts, err := s.runWithRetries(ctx, quit, qt, rng, log)

	item.Duration = time.Since(start)
	fields := []logx.Field{
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", item.Duration),
		logx.Int("attempts", attempts),
	}
	if err != nil {
		item.Error = err.Error()
		log.Warn("task.failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TaskFailed, start, qt.task, queueDelay, item.Duration, attempts, item.Error)
	} else {
		log.Info("task.completed", fields...)
		s.publish(eventbus.TaskFinished, start, qt.task, queueDelay, item.Duration, attempts, "")
	}
	s.record(item, cfg.HistorySize)
}

// runWithRetries calls the task up to 1+RetryMax times. A NoRetry error ends
// the loop at once and is returned unwrapped.
func (s *Service) runWithRetries(ctx context.Context, quit <-chan struct{}, qt queuedTask, rng *rand.Rand, log logx.Logger) (int, error) {
	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	for attempt := 1; ; attempt++ {
		err := invoke(ctx, qt.task.Run, qt.timeout, log)
		if err == nil {
			return attempt, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		if attempt >= maxAttempts {
			return attempt, err
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-quit:
			t.Stop()
			return attempt, ErrStopping
		case <-t.C:
		}
	}
}

// invoke runs fn under timeout. A panic becomes an error; the worker survives.
func invoke(ctx context.Context, fn func(context.Context) error, timeout time.Duration, log logx.Logger) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}
	ceiling := opt.RetryMaxDelay
	if ceiling <= 0 {
		ceiling = 15 * time.Second
	}
	d := min(max(ra.RetryAfter(), 0), ceiling)
	return min(jitter(d, opt.RetryJitter, rng), ceiling)
}

// backoffDelay doubles RetryBase per retry, capped at RetryMaxDelay.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base, ceiling := opt.RetryBase, opt.RetryMaxDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 15 * time.Second
	}
	d := base
	for i := 1; i < retry && d < ceiling; i++ {
		d *= 2
	}
	return min(jitter(min(d, ceiling), opt.RetryJitter, rng), ceiling)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 {
		j = 0.2
	}
	if d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
