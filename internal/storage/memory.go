package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"cronjobd/internal/task/params"
)

// jobTable is the in-memory job/run state shared by the memory and file
// backends. Callers hold the owning store's lock.
type jobTable struct {
	nextID    int64
	jobs      map[int64]Job
	runs      []Run
	retention int
}

func newJobTable(retention int) *jobTable {
	return &jobTable{nextID: 1, jobs: map[int64]Job{}, retention: retention}
}

func (t *jobTable) insert(j NewJob, now time.Time) (Job, error) {
	if strings.TrimSpace(j.TaskName) == "" {
		return Job{}, errors.New("task name is required")
	}
	p := j.Params
	if p == nil {
		p = params.Params{}
	}
	job := Job{
		ID:        t.nextID,
		TaskName:  j.TaskName,
		Params:    p,
		CronExpr:  j.CronExpr,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.jobs[job.ID] = job
	t.nextID++
	return job, nil
}

func (t *jobTable) put(j Job) {
	t.jobs[j.ID] = j
	if j.ID >= t.nextID {
		t.nextID = j.ID + 1
	}
}

func (t *jobTable) list(includeInactive bool) []Job {
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if !includeInactive && !j.Active {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (t *jobTable) setStatus(id int64, active bool, now time.Time) (Job, error) {
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	j.Active = active
	j.UpdatedAt = now
	t.jobs[id] = j
	return j, nil
}

func (t *jobTable) appendRun(r Run) {
	t.runs = append(t.runs, r)
	if over := len(t.runs) - t.retention; over > 0 {
		t.runs = append(t.runs[:0:0], t.runs[over:]...)
	}
}

func (t *jobTable) recentRuns(jobID int64, limit int) []Run {
	if limit <= 0 {
		limit = 50
	}
	out := make([]Run, 0, limit)
	for i := len(t.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if jobID != 0 && t.runs[i].JobID != jobID {
			continue
		}
		out = append(out, t.runs[i])
	}
	return out
}

// memoryStore keeps everything in process memory. Used by tests and by
// deployments that do not need jobs to survive a restart.
type memoryStore struct {
	mu     sync.Mutex
	t      *jobTable
	closed bool
	now    func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory(cfg Config) Store {
	return &memoryStore{t: newJobTable(cfg.runRetention()), now: time.Now}
}

func (s *memoryStore) check(ctx context.Context, op string) error {
	if s.closed {
		return &Error{Op: op, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}

func (s *memoryStore) CreateJob(ctx context.Context, j NewJob) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "create job"); err != nil {
		return 0, err
	}
	job, err := s.t.insert(j, s.now().UTC())
	if err != nil {
		return 0, &Error{Op: "create job", Err: err}
	}
	return job.ID, nil
}

func (s *memoryStore) GetJob(ctx context.Context, id int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "get job"); err != nil {
		return Job{}, err
	}
	j, ok := s.t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *memoryStore) ActiveJobs(ctx context.Context) ([]Job, error) {
	return s.ListJobs(ctx, ListFilter{})
}

func (s *memoryStore) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "list jobs"); err != nil {
		return nil, err
	}
	return s.t.list(f.IncludeInactive), nil
}

func (s *memoryStore) DeleteJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "delete job"); err != nil {
		return err
	}
	delete(s.t.jobs, id)
	return nil
}

func (s *memoryStore) SetStatus(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "set status"); err != nil {
		return err
	}
	_, err := s.t.setStatus(id, active, s.now().UTC())
	return err
}

func (s *memoryStore) AppendRun(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "append run"); err != nil {
		return err
	}
	s.t.appendRun(r)
	return nil
}

func (s *memoryStore) RecentRuns(ctx context.Context, jobID int64, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "recent runs"); err != nil {
		return nil, err
	}
	return s.t.recentRuns(jobID, limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
