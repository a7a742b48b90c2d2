package scheduler

import (
	"context"
	"strings"
	"time"

	"cronjobd/internal/eventbus"
	rtsup "cronjobd/internal/runtime/supervisor"
	logx "cronjobd/pkg/logx"
)

func New(cfg Config, d Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:          cfg,
		log:          log.With(logx.String("comp", "scheduler")),
		bus:          bus,
		dispatcher:   d,
		clock:        realClock{},
		armed:        map[int64]*armedJob{},
		dispatchWarn: logx.NewThrottle(5*time.Minute, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Apply swaps the configuration. A timezone change takes effect at the next
// minute boundary.
func (s *Service) Apply(cfg Config) {
	loc := s.loadLocation(cfg.Timezone)
	s.mu.Lock()
	old := s.loc
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
	if old.String() != loc.String() {
		s.log.Info("timezone changed", logx.String("from", old.String()), logx.String("to", loc.String()))
	}
}

func (s *Service) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

// Start launches the minute clock. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx = runCtx
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done

	sup := rtsup.NewSupervisor(runCtx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup.GoRestart("clock", s.loop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()

	s.log.Info("service started", logx.String("tz", s.Location().String()), logx.Int("armed", s.Len()))
}

// Stop halts the clock. Armed jobs stay armed; in-flight runs are not touched.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.lmu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done, s.runCtx = nil, nil, nil
	s.lmu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Running reports whether the clock goroutine is active.
func (s *Service) Running() bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return s.cancel != nil
}

func (s *Service) loop(ctx context.Context) error {
	for {
		now := s.clock.Now().In(s.Location())
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(next.Sub(now)):
		}
		// Timers may fire a hair early; never tick the previous minute.
		at := s.clock.Now()
		if at.Before(next) {
			at = next
		}
		s.Tick(at)
	}
}

func (s *Service) dispatchContext() context.Context {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
