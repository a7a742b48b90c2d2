package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"cronjobd/internal/task/params"
	logx "cronjobd/pkg/logx"

	_ "modernc.org/sqlite"
)

const jobColumns = `id, task_name, parameters, cron_expression, status, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  int
	opCount    atomic.Uint64
	pruneEvery uint64
	closed     atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &Error{Op: "open", Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{
		db:         db,
		log:        log.With(logx.String("comp", "storage.sqlite")),
		retention:  cfg.runRetention(),
		pruneEvery: 100,
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := migrate(context.Background(), db, st.log); err != nil {
		_ = db.Close()
		return nil, &Error{Op: "migrate", Err: err}
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ready(op string) error {
	if s.closed.Load() {
		return &Error{Op: op, Err: ErrClosed}
	}
	return nil
}

func (s *sqliteStore) CreateJob(ctx context.Context, j NewJob) (int64, error) {
	if err := s.ready("create job"); err != nil {
		return 0, err
	}
	if strings.TrimSpace(j.TaskName) == "" {
		return 0, &Error{Op: "create job", Err: errors.New("task name is required")}
	}
	p := j.Params
	if p == nil {
		p = params.Params{}
	}
	raw, err := p.MarshalJSON()
	if err != nil {
		return 0, &Error{Op: "create job", Err: err}
	}
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(task_name, parameters, cron_expression, status, created_at, updated_at)
		 VALUES(?,?,?,1,?,?)`,
		j.TaskName, string(raw), j.CronExpr, now, now,
	)
	if err != nil {
		return 0, wrap("create job", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("create job", err)
	}
	return id, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id int64) (Job, error) {
	if err := s.ready("get job"); err != nil {
		return Job{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, wrap("get job", err)
	}
	return j, nil
}

func (s *sqliteStore) ActiveJobs(ctx context.Context) ([]Job, error) {
	return s.ListJobs(ctx, ListFilter{})
}

func (s *sqliteStore) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	if err := s.ready("list jobs"); err != nil {
		return nil, err
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 1 ORDER BY id`
	if f.IncludeInactive {
		q = `SELECT ` + jobColumns + ` FROM jobs ORDER BY id`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrap("list jobs", err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrap("list jobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list jobs", err)
	}
	return out, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id int64) error {
	if err := s.ready("delete job"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return wrap("delete job", err)
}

func (s *sqliteStore) SetStatus(ctx context.Context, id int64, active bool) error {
	if err := s.ready("set status"); err != nil {
		return err
	}
	status := 0
	if active {
		status = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id,
	)
	if err != nil {
		return wrap("set status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r Run) error {
	if err := s.ready("append run"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job_id, task_name, started_at, duration_ms, outcome, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.JobID, r.TaskName, formatTime(r.StartedAt), r.Duration.Milliseconds(), r.Outcome, nullStr(r.Error),
	)
	if err != nil {
		return wrap("append run", err)
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.pruneRuns(pctx); err != nil {
			s.log.Debug("prune runs failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, jobID int64, limit int) ([]Run, error) {
	if err := s.ready("recent runs"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job_id, task_name, started_at, duration_ms, outcome, err FROM runs`
	args := []any{}
	if jobID != 0 {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("recent runs", err)
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		var (
			r       Run
			started string
			ms      int64
			errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.TaskName, &started, &ms, &r.Outcome, &errText); err != nil {
			return nil, wrap("recent runs", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Error = errText.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("recent runs", err)
	}
	return out, nil
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM runs) - ?`,
		s.retention,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (Job, error) {
	var (
		job              Job
		rawParams        string
		status           int
		created, updated string
	)
	if err := sc.Scan(&job.ID, &job.TaskName, &rawParams, &job.CronExpr, &status, &created, &updated); err != nil {
		return Job{}, err
	}
	p, err := params.Parse([]byte(rawParams))
	if err != nil {
		return Job{}, fmt.Errorf("job %d: corrupt parameters: %w", job.ID, err)
	}
	job.Params = p
	job.Active = status == 1
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
