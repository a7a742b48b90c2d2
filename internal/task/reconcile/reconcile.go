// Package reconcile keeps the scheduler's armed set equal to the active rows
// of the job store.
//
// A pass arms active jobs that are not armed and disarms armed jobs that are
// no longer active (paused or deleted). Passes are serialized, so a pass
// triggered by a create and the periodic pass never interleave.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"cronjobd/internal/eventbus"
	"cronjobd/internal/storage"
	logx "cronjobd/pkg/logx"
)

// Source lists the jobs that should be armed.
type Source interface {
	ActiveJobs(ctx context.Context) ([]storage.Job, error)
}

// Target is the armed set. *scheduler.Service satisfies it.
type Target interface {
	Arm(job storage.Job) error
	Disarm(id int64) bool
	ArmedIDs() map[int64]struct{}
}

// Rejection is an active job that could not be armed.
type Rejection struct {
	JobID    int64  `json:"job_id"`
	TaskName string `json:"task_name"`
	CronExpr string `json:"cron_expression"`
	Error    string `json:"error"`
}

// Result reports what one pass changed.
type Result struct {
	Armed     []int64     `json:"armed"`
	Disarmed  []int64     `json:"disarmed"`
	Rejected  []Rejection `json:"rejected"`
	Unchanged int         `json:"unchanged"`
}

// Changed reports whether the pass armed or disarmed anything.
func (r Result) Changed() bool { return len(r.Armed) > 0 || len(r.Disarmed) > 0 }

type Reconciler struct {
	mu sync.Mutex

	src Source
	dst Target
	log logx.Logger
	bus eventbus.Bus

	// Rows are never edited in place, so a rejected row stays rejected until
	// it is deleted or paused. Keyed by job id.
	rejected map[int64]Rejection
}

func New(src Source, dst Target, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		src:      src,
		dst:      dst,
		log:      log.With(logx.String("comp", "reconcile")),
		bus:      bus,
		rejected: map[int64]Rejection{},
	}
}

// Reconcile runs one pass. A store failure is returned as is (a
// *storage.Error) and leaves the armed set untouched. Jobs that fail to arm
// are collected in Result.Rejected and do not abort the pass. A row that was
// already rejected is reported again without another Arm call.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active, err := r.src.ActiveJobs(ctx)
	if err != nil {
		return Result{}, err
	}
	armed := r.dst.ArmedIDs()

	var res Result
	want := make(map[int64]struct{}, len(active))
	for _, j := range active {
		want[j.ID] = struct{}{}
		if _, ok := armed[j.ID]; ok {
			res.Unchanged++
			delete(r.rejected, j.ID)
			continue
		}
		if rj, ok := r.rejected[j.ID]; ok && rj.TaskName == j.TaskName && rj.CronExpr == j.CronExpr {
			res.Rejected = append(res.Rejected, rj)
			continue
		}
		if err := r.dst.Arm(j); err != nil {
			res.Rejected = append(res.Rejected, r.reject(j, err))
			continue
		}
		delete(r.rejected, j.ID)
		res.Armed = append(res.Armed, j.ID)
	}

	stale := make([]int64, 0)
	for id := range armed {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	for _, id := range stale {
		if r.dst.Disarm(id) {
			res.Disarmed = append(res.Disarmed, id)
		}
	}

	// Forget rejections of jobs that are gone or paused.
	for id := range r.rejected {
		if _, ok := want[id]; !ok {
			delete(r.rejected, id)
		}
	}

	if res.Changed() {
		r.log.Info("reconciled",
			logx.Int("armed", len(res.Armed)),
			logx.Int("disarmed", len(res.Disarmed)),
			logx.Int("rejected", len(res.Rejected)),
			logx.Int("unchanged", res.Unchanged),
		)
	}
	return res, nil
}

func (r *Reconciler) reject(j storage.Job, err error) Rejection {
	rj := Rejection{JobID: j.ID, TaskName: j.TaskName, CronExpr: j.CronExpr, Error: err.Error()}
	r.rejected[j.ID] = rj
	r.log.Warn("job rejected",
		logx.Int64("job_id", j.ID),
		logx.String("task", j.TaskName),
		logx.String("cron", j.CronExpr),
		logx.Err(err),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.JobRejected, Time: time.Now(), Data: rj})
	}
	return rj
}

// Run reconciles every interval until ctx is done. Failures are logged and
// retried on the next interval. every is re-read after each pass so config
// reloads apply; a value <= 0 pauses the loop.
func (r *Reconciler) Run(ctx context.Context, every func() time.Duration) error {
	for {
		d := every()
		enabled := d > 0
		if !enabled {
			d = time.Minute
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if !enabled {
			continue
		}
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("periodic reconcile failed", logx.Err(err))
		}
	}
}
