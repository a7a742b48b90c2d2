// Package jobs is the control surface over the job store: create, list,
// pause, resume and delete. Every mutation is followed by a reconcile pass so
// the armed set reflects the store before the call returns.
package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"

	"cronjobd/internal/storage"
	"cronjobd/internal/task/cronexpr"
	"cronjobd/internal/task/params"
	"cronjobd/internal/task/reconcile"
	logx "cronjobd/pkg/logx"
)

// ValidationError reports a malformed job definition.
type ValidationError = cronexpr.ValidationError

// ErrNotFound is returned by Get and SetStatus for unknown ids.
var ErrNotFound = storage.ErrNotFound

// Reconciler runs one reconcile pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Result, error)
}

// Disarmer removes a job from the armed set right away.
type Disarmer interface {
	Disarm(id int64) bool
}

// Forgetter drops per-job state kept by the dispatcher.
type Forgetter interface {
	Forget(jobID int64)
}

// TaskSet answers whether a task name is registered.
type TaskSet interface {
	Has(name string) bool
}

type Config struct {
	// RequireRegistered rejects unknown task names at create time. Off by
	// default: a job may be stored before its task ships.
	RequireRegistered bool
}

type Deps struct {
	Store      storage.Store
	Reconciler Reconciler
	Armed      Disarmer
	Dispatcher Forgetter
	Tasks      TaskSet
	Log        logx.Logger
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	TaskName string
	Params   params.Params
	CronExpr string
}

type Service struct {
	mu  sync.RWMutex
	cfg Config
	d   Deps
	log logx.Logger
}

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Service{cfg: cfg, d: d, log: d.Log.With(logx.String("comp", "jobs"))}
}

// Apply swaps the configuration for subsequent calls.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Validate checks a request without storing it.
func (s *Service) Validate(req CreateRequest) (CreateRequest, error) {
	s.mu.RLock()
	requireRegistered := s.cfg.RequireRegistered
	s.mu.RUnlock()

	req.TaskName = strings.TrimSpace(req.TaskName)
	if req.TaskName == "" {
		return req, &ValidationError{Field: "task_name", Msg: "required"}
	}
	expr, err := cronexpr.Parse(req.CronExpr)
	if err != nil {
		return req, err
	}
	req.CronExpr = expr.String()
	if requireRegistered && s.d.Tasks != nil && !s.d.Tasks.Has(req.TaskName) {
		return req, &ValidationError{Field: "task_name", Value: req.TaskName, Msg: "not registered"}
	}
	if req.Params == nil {
		req.Params = params.Params{}
	}
	return req, nil
}

// Create stores a new active job and arms it. A *ValidationError means
// nothing was stored. If the follow-up reconcile fails the job is still
// stored and the periodic pass arms it later.
func (s *Service) Create(ctx context.Context, req CreateRequest) (storage.Job, error) {
	req, err := s.Validate(req)
	if err != nil {
		return storage.Job{}, err
	}
	id, err := s.d.Store.CreateJob(ctx, storage.NewJob{TaskName: req.TaskName, Params: req.Params, CronExpr: req.CronExpr})
	if err != nil {
		return storage.Job{}, err
	}
	s.log.Info("job created", logx.Int64("job_id", id), logx.String("task", req.TaskName), logx.String("cron", req.CronExpr))
	s.reconcile(ctx, "create")
	return s.d.Store.GetJob(ctx, id)
}

// List returns active jobs, or all jobs when includeInactive is set.
func (s *Service) List(ctx context.Context, includeInactive bool) ([]storage.Job, error) {
	return s.d.Store.ListJobs(ctx, storage.ListFilter{IncludeInactive: includeInactive})
}

func (s *Service) Get(ctx context.Context, id int64) (storage.Job, error) {
	return s.d.Store.GetJob(ctx, id)
}

// Delete removes the row and disarms the job. Unknown ids are not an error.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.d.Store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if s.d.Armed != nil {
		s.d.Armed.Disarm(id)
	}
	if s.d.Dispatcher != nil {
		s.d.Dispatcher.Forget(id)
	}
	s.log.Info("job deleted", logx.Int64("job_id", id))
	s.reconcile(ctx, "delete")
	return nil
}

// SetStatus pauses (active=false) or resumes a job and returns the row.
func (s *Service) SetStatus(ctx context.Context, id int64, active bool) (storage.Job, error) {
	if err := s.d.Store.SetStatus(ctx, id, active); err != nil {
		return storage.Job{}, err
	}
	s.log.Info("job status changed", logx.Int64("job_id", id), logx.Bool("active", active))
	s.reconcile(ctx, "set status")
	return s.d.Store.GetJob(ctx, id)
}

// Runs returns the newest runs of a job; id 0 means all jobs.
func (s *Service) Runs(ctx context.Context, id int64, limit int) ([]storage.Run, error) {
	return s.d.Store.RecentRuns(ctx, id, limit)
}

func (s *Service) reconcile(ctx context.Context, after string) {
	if s.d.Reconciler == nil {
		return
	}
	if _, err := s.d.Reconciler.Reconcile(ctx); err != nil {
		s.log.Warn("reconcile after "+after+" failed", logx.Err(err))
	}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
