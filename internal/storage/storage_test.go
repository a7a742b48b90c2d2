package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cronjobd/internal/task/params"
	logx "cronjobd/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, d := range []struct{ driver, path string }{
		{"sqlite", filepath.Join(dir, "jobs.db")},
		{"file", filepath.Join(dir, "jobs.json")},
		{"memory", ""},
	} {
		st, err := Open(Config{Driver: d.driver, Path: d.path, RunRetention: 5}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", d.driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[d.driver] = st
	}
	return out
}

func mustParams(t *testing.T, s string) params.Params {
	t.Helper()
	p, err := params.Parse([]byte(s))
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return p
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id1, err := st.CreateJob(ctx, NewJob{TaskName: "sample_function", Params: mustParams(t, `{"name":"Ann","age":5}`), CronExpr: "*/1 * * * *"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			id2, err := st.CreateJob(ctx, NewJob{TaskName: "log_message", CronExpr: "0 * * * *"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if id2 <= id1 {
				t.Fatalf("ids not increasing: %d, %d", id1, id2)
			}

			j, err := st.GetJob(ctx, id1)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !j.Active || j.TaskName != "sample_function" || j.CronExpr != "*/1 * * * *" {
				t.Fatalf("job = %+v", j)
			}
			if j.Params.String() != `{"name":"Ann","age":5}` {
				t.Fatalf("params = %s", j.Params.String())
			}

			if err := st.SetStatus(ctx, id1, false); err != nil {
				t.Fatalf("pause: %v", err)
			}
			active, err := st.ActiveJobs(ctx)
			if err != nil {
				t.Fatalf("active: %v", err)
			}
			if len(active) != 1 || active[0].ID != id2 {
				t.Fatalf("active = %+v", active)
			}
			all, err := st.ListJobs(ctx, ListFilter{IncludeInactive: true})
			if err != nil || len(all) != 2 || all[0].ID != id1 {
				t.Fatalf("all = %+v, %v", all, err)
			}

			if err := st.DeleteJob(ctx, id2); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := st.DeleteJob(ctx, id2); err != nil {
				t.Fatalf("second delete should be a no-op: %v", err)
			}
			if _, err := st.GetJob(ctx, id2); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get deleted = %v", err)
			}
			if err := st.SetStatus(ctx, 9999, true); !errors.Is(err, ErrNotFound) {
				t.Fatalf("set status missing = %v", err)
			}
		})
	}
}

func TestEmptyStoreReturnsEmptyList(t *testing.T) {
	t.Parallel()
	for name, st := range openAll(t) {
		jobs, err := st.ActiveJobs(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(jobs) != 0 {
			t.Fatalf("%s: jobs = %+v", name, jobs)
		}
	}
}

func TestRunsNewestFirstAndRetention(t *testing.T) {
	t.Parallel()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 8; i++ {
				r := Run{
					ID:        "r" + string(rune('a'+i)),
					JobID:     int64(1 + i%2),
					TaskName:  "log_message",
					StartedAt: base.Add(time.Duration(i) * time.Minute),
					Outcome:   OutcomeSuccess,
				}
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			runs, err := st.RecentRuns(ctx, 0, 3)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(runs) != 3 || runs[0].ID != "rh" || runs[2].ID != "rf" {
				t.Fatalf("runs = %+v", runs)
			}
			only, err := st.RecentRuns(ctx, 2, 10)
			if err != nil {
				t.Fatalf("recent job: %v", err)
			}
			for _, r := range only {
				if r.JobID != 2 {
					t.Fatalf("unexpected job in %+v", only)
				}
			}
		})
	}
}

func TestClosedStoreReportsStoreError(t *testing.T) {
	t.Parallel()
	for name, st := range openAll(t) {
		_ = st.Close()
		_, err := st.ActiveJobs(context.Background())
		if !IsStoreError(err) || !errors.Is(err, ErrClosed) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	id1, _ := st.CreateJob(ctx, NewJob{TaskName: "a", CronExpr: "* * * * *"})
	id2, _ := st.CreateJob(ctx, NewJob{TaskName: "b", CronExpr: "* * * * *"})
	_ = st.SetStatus(ctx, id1, false)
	_ = st.DeleteJob(ctx, id2)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	all, err := st.ListJobs(ctx, ListFilter{IncludeInactive: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != id1 || all[0].Active {
		t.Fatalf("all = %+v", all)
	}
	id3, _ := st.CreateJob(ctx, NewJob{TaskName: "c", CronExpr: "* * * * *"})
	if id3 <= id2 {
		t.Fatalf("id reused: %d <= %d", id3, id2)
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.Count(b, []byte("\n"))
}

func TestFileStoreBoundsRunsLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	runsPath := filepath.Join(dir, "jobs.runs.jsonl")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path, RunRetention: 3}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := range 1000 {
		if err := st.AppendRun(ctx, Run{ID: fmt.Sprintf("r%d", i), JobID: 1, Outcome: OutcomeSuccess}); err != nil {
			t.Fatal(err)
		}
	}
	if n := countLines(t, runsPath); n >= 6 {
		t.Fatalf("runs log has %d lines while open", n)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := countLines(t, runsPath); n != 3 {
		t.Fatalf("runs log has %d lines after close, want 3", n)
	}

	st, err = Open(Config{Driver: "file", Path: path, RunRetention: 3}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	runs, err := st.RecentRuns(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || runs[0].ID != "r999" || runs[2].ID != "r997" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite3", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	id, _ := st.CreateJob(ctx, NewJob{TaskName: "a", Params: mustParams(t, `{"x":[1,2]}`), CronExpr: "5 4 * * *"})
	_ = st.Close()

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	j, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Params.String() != `{"x":[1,2]}` || j.CronExpr != "5 4 * * *" {
		t.Fatalf("job = %+v", j)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
