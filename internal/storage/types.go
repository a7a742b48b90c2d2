package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cronjobd/internal/task/params"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrClosed   = errors.New("store closed")
)

// Error reports a persistence failure (store unavailable, corrupt row, ...).
// It is distinct from ErrNotFound and from an empty result.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// IsStoreError reports whether err is (or wraps) a *Error.
func IsStoreError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsStoreError(err) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// RunRetention caps stored run rows. 0 means 1000.
	RunRetention int
}

const defaultRunRetention = 1000

func (c Config) runRetention() int {
	if c.RunRetention <= 0 {
		return defaultRunRetention
	}
	return c.RunRetention
}

// Job is one persisted row of the jobs table.
type Job struct {
	ID        int64         `json:"id"`
	TaskName  string        `json:"task_name"`
	Params    params.Params `json:"parameters"`
	CronExpr  string        `json:"cron_expression"`
	Active    bool          `json:"active"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewJob is the input of CreateJob. New jobs are always active.
type NewJob struct {
	TaskName string
	Params   params.Params
	CronExpr string
}

type ListFilter struct {
	IncludeInactive bool
}

// Run outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeNotFound = "not_found"
	OutcomeSkipped  = "skipped"
	OutcomeDropped  = "dropped"
)

// Run records one dispatch of a job.
type Run struct {
	ID        string        `json:"id"`
	JobID     int64         `json:"job_id"`
	TaskName  string        `json:"task_name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Store is the persistence API used by the reconciler and the job service.
//
// Guarantees:
//   - ActiveJobs returns only active jobs, ordered by id.
//   - DeleteJob on a missing id is a no-op.
//   - Failures come back as *Error, never as an empty result.
type Store interface {
	CreateJob(ctx context.Context, j NewJob) (int64, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	ActiveJobs(ctx context.Context) ([]Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]Job, error)
	DeleteJob(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, active bool) error

	AppendRun(ctx context.Context, r Run) error
	// RecentRuns returns newest-first runs; jobID 0 means all jobs.
	RecentRuns(ctx context.Context, jobID int64, limit int) ([]Run, error)

	Close() error
}
