package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cronjobd/internal/storage"
	"cronjobd/internal/task/cronexpr"
	"cronjobd/internal/task/params"
	logx "cronjobd/pkg/logx"
)

// countingTarget records Arm/Disarm calls and validates cron like the
// scheduler does.
type countingTarget struct {
	mu       sync.Mutex
	armed    map[int64]struct{}
	arms     int
	disarms  int
	armCalls []int64
}

func newTarget() *countingTarget { return &countingTarget{armed: map[int64]struct{}{}} }

func (c *countingTarget) Arm(j storage.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arms++
	c.armCalls = append(c.armCalls, j.ID)
	if _, err := cronexpr.Parse(j.CronExpr); err != nil {
		return err
	}
	c.armed[j.ID] = struct{}{}
	return nil
}

func (c *countingTarget) Disarm(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarms++
	_, ok := c.armed[id]
	delete(c.armed, id)
	return ok
}

func (c *countingTarget) ArmedIDs() map[int64]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]struct{}, len(c.armed))
	for id := range c.armed {
		out[id] = struct{}{}
	}
	return out
}

type failingSource struct{ err error }

func (f failingSource) ActiveJobs(ctx context.Context) ([]storage.Job, error) { return nil, f.err }

func create(t *testing.T, st storage.Store, task, expr string) int64 {
	t.Helper()
	p, _ := params.Parse([]byte(`{}`))
	id, err := st.CreateJob(context.Background(), storage.NewJob{TaskName: task, Params: p, CronExpr: expr})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestReconcileArmsActiveJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(storage.Config{})
	id1 := create(t, st, "a", "* * * * *")
	id2 := create(t, st, "b", "0 * * * *")
	id3 := create(t, st, "c", "0 0 * * *")
	_ = st.SetStatus(ctx, id3, false)

	tgt := newTarget()
	r := New(st, tgt, logx.Nop(), nil)
	res, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Armed) != 2 || res.Armed[0] != id1 || res.Armed[1] != id2 {
		t.Fatalf("armed = %v", res.Armed)
	}
	if _, ok := tgt.ArmedIDs()[id3]; ok {
		t.Fatal("inactive job armed")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(storage.Config{})
	create(t, st, "a", "* * * * *")
	create(t, st, "b", "*/5 * * * *")
	bad := create(t, st, "c", "99 * * * *")

	tgt := newTarget()
	r := New(st, tgt, logx.Nop(), nil)
	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	arms, disarms := tgt.arms, tgt.disarms

	res, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed() || len(res.Rejected) != 1 || res.Rejected[0].JobID != bad || res.Unchanged != 2 {
		t.Fatalf("second pass = %+v", res)
	}
	if tgt.arms != arms || tgt.disarms != disarms {
		t.Fatalf("second pass called Arm %d / Disarm %d times", tgt.arms-arms, tgt.disarms-disarms)
	}
}

func TestReconcileDisarmsDeletedAndPaused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(storage.Config{})
	id1 := create(t, st, "a", "* * * * *")
	id2 := create(t, st, "b", "* * * * *")

	tgt := newTarget()
	r := New(st, tgt, logx.Nop(), nil)
	_, _ = r.Reconcile(ctx)

	_ = st.DeleteJob(ctx, id1)
	_ = st.SetStatus(ctx, id2, false)
	res, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Disarmed) != 2 || res.Disarmed[0] != id1 || res.Disarmed[1] != id2 {
		t.Fatalf("disarmed = %v", res.Disarmed)
	}
	if len(tgt.ArmedIDs()) != 0 {
		t.Fatalf("armed = %v", tgt.ArmedIDs())
	}

	// Resume re-arms.
	_ = st.SetStatus(ctx, id2, true)
	res, _ = r.Reconcile(ctx)
	if len(res.Armed) != 1 || res.Armed[0] != id2 {
		t.Fatalf("armed after resume = %v", res.Armed)
	}
}

func TestReconcileCollectsRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(storage.Config{})
	bad := create(t, st, "sample_function", "99 * * * *")
	good := create(t, st, "sample_function", "* * * * *")

	tgt := newTarget()
	r := New(st, tgt, logx.Nop(), nil)
	res, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].JobID != bad {
		t.Fatalf("rejected = %+v", res.Rejected)
	}
	if len(res.Armed) != 1 || res.Armed[0] != good {
		t.Fatalf("armed = %v", res.Armed)
	}

	// The row is untouched and still reported, without another Arm call.
	j, err := st.GetJob(ctx, bad)
	if err != nil || !j.Active || j.CronExpr != "99 * * * *" {
		t.Fatalf("row = %+v, %v", j, err)
	}
	arms := tgt.arms
	res, _ = r.Reconcile(ctx)
	if len(res.Rejected) != 1 || res.Rejected[0].Error == "" {
		t.Fatalf("second pass rejected = %+v", res.Rejected)
	}
	if tgt.arms != arms {
		t.Fatalf("rejected row re-armed: %v", tgt.armCalls[arms:])
	}

	// Pausing and resuming gives the row a fresh attempt.
	_ = st.SetStatus(ctx, bad, false)
	_, _ = r.Reconcile(ctx)
	_ = st.SetStatus(ctx, bad, true)
	res, _ = r.Reconcile(ctx)
	if tgt.arms != arms+1 || len(res.Rejected) != 1 {
		t.Fatalf("after resume arms = %d, rejected = %+v", tgt.arms-arms, res.Rejected)
	}
}

func TestReconcileStoreFailureLeavesStateAlone(t *testing.T) {
	t.Parallel()
	tgt := newTarget()
	tgt.armed[42] = struct{}{}
	storeErr := &storage.Error{Op: "list jobs", Err: errors.New("disk I/O error")}

	r := New(failingSource{err: storeErr}, tgt, logx.Nop(), nil)
	_, err := r.Reconcile(context.Background())
	if !storage.IsStoreError(err) {
		t.Fatalf("err = %v, want store error", err)
	}
	if _, ok := tgt.ArmedIDs()[42]; !ok || tgt.disarms != 0 {
		t.Fatal("store failure must not disarm anything")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory(storage.Config{})
	create(t, st, "a", "* * * * *")
	tgt := newTarget()
	r := New(st, tgt, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, func() time.Duration { return 5 * time.Millisecond }) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(tgt.ArmedIDs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("periodic pass never armed the job")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
