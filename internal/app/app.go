package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"cronjobd/internal/config"
	"cronjobd/internal/eventbus"
	"cronjobd/internal/jobs"
	rtsup "cronjobd/internal/runtime/supervisor"
	"cronjobd/internal/storage"
	"cronjobd/internal/task/dispatch"
	"cronjobd/internal/task/engine"
	"cronjobd/internal/task/handlers"
	"cronjobd/internal/task/reconcile"
	"cronjobd/internal/task/registry"
	"cronjobd/internal/task/runlog"
	"cronjobd/internal/task/scheduler"
	"cronjobd/internal/transport/httpapi"
	logx "cronjobd/pkg/logx"
	"cronjobd/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sd    *systemd.Notifier

	reg    *registry.Registry
	engine *engine.Service
	disp   *dispatch.Dispatcher
	sched  *scheduler.Service
	rec    *reconcile.Reconciler
	runs   *runlog.Recorder
	jobs   *jobs.Service
	http   *httpapi.Service

	reconcileEvery atomic.Int64
	startedAt      time.Time
}

type options struct {
	tasks  []func(b *registry.Builder)
	client *http.Client
}

type Option func(*options)

// WithTasks registers extra task handlers next to the built-in ones.
func WithTasks(fn func(b *registry.Builder)) Option {
	return func(o *options) { o.tasks = append(o.tasks, fn) }
}

// WithHTTPClient sets the client used by the http_ping task.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	b := handlers.Register(registry.NewBuilder(), handlers.Deps{Log: root, Client: o.client})
	for _, fn := range o.tasks {
		fn(b)
	}
	reg := b.Build()

	engCfg, _ := mapTaskEngineConfig(cfg)
	eng := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)
	disp := dispatch.New(reg, eng, bus, root)

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, disp, root, bus)
	rec := reconcile.New(store, sched, root, bus)
	runs := runlog.New(runlog.Config{}, store, bus, root)

	jobSvc := jobs.New(mapJobsConfig(cfg), jobs.Deps{
		Store:      store,
		Reconciler: rec,
		Armed:      sched,
		Dispatcher: disp,
		Tasks:      reg,
		Log:        root,
	})

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		sd:     systemd.New(root),
		reg:    reg,
		engine: eng,
		disp:   disp,
		sched:  sched,
		rec:    rec,
		runs:   runs,
		jobs:   jobSvc,
	}
	every, _ := mapReconcileEvery(cfg)
	a.reconcileEvery.Store(int64(every))

	httpCfg, _ := mapHTTPConfig(cfg)
	a.http = httpapi.New(httpCfg, httpapi.Deps{
		Jobs:   jobSvc,
		Armed:  sched,
		Tasks:  reg,
		Health: a.health,
	}, root)

	return a, nil
}

// Jobs exposes the job service (used by tests and embedding callers).
func (a *App) Jobs() *jobs.Service { return a.jobs }

// Scheduler exposes the armed set.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// HTTP exposes the control API server.
func (a *App) HTTP() *httpapi.Service { return a.http }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings components up in dependency order: run recorder, engine,
// initial reconcile, clock, periodic reconcile, HTTP API. A store failure
// during the initial reconcile aborts startup.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()
	runCtx := a.sup.Context()

	a.runs.Start(runCtx)
	a.engine.Start(runCtx)

	res, err := a.rec.Reconcile(runCtx)
	if err != nil {
		_ = a.Stop(context.WithoutCancel(ctx), StopFatalError)
		return fmt.Errorf("initial reconcile: %w", err)
	}
	a.log.Info("jobs loaded",
		logx.Int("armed", len(res.Armed)),
		logx.Int("rejected", len(res.Rejected)),
	)

	a.sched.Start(runCtx)

	a.sup.Go("reconcile.loop", func(c context.Context) error {
		return a.rec.Run(c, a.reconcileInterval)
	})

	if a.http.Enabled() {
		a.http.Start(runCtx)
	}

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d jobs armed", a.sched.Len()))
	a.log.Info("app started", logx.Int("tasks", a.reg.Len()), logx.Int("armed", a.sched.Len()))
	return nil
}

func (a *App) reconcileInterval() time.Duration {
	return time.Duration(a.reconcileEvery.Load())
}

func (a *App) health() map[string]any {
	es := a.engine.Snapshot()
	recorded, failed := a.runs.Stats()
	return map[string]any{
		"uptime":         time.Since(a.startedAt).Round(time.Second).String(),
		"armed":          a.sched.Len(),
		"clock_running":  a.sched.Running(),
		"engine_running": es.Running,
		"in_flight":      es.InFlight,
		"queue_len":      es.QueueLen,
		"dropped":        es.Dropped,
		"skipped":        es.Skipped,
		"runs_recorded":  recorded,
		"runs_failed":    failed,
		"events_dropped": eventbus.Dropped(a.bus),
		"goroutines":     a.sup.Snapshot(),
	}
}

// Stop tears components down in reverse start order. Each step is bounded so
// one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel background loops (reload, watch, reconcile) right away.
	a.sup.Cancel()

	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "runlog", 2*time.Second, func(c context.Context) error { a.runs.Stop(c); return nil })
	a.step(ctx, "storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })
	// Finally, wait for supervised goroutines (config watch/reload, reconcile loop, watchdog).
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound that never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
