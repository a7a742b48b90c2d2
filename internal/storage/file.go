package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronjobd/pkg/logx"
)

// fileStore persists jobs without a database.
//
// Files:
//   - <prefix>.jobs.snapshot.json (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl (append-only journal)
//   - <prefix>.runs.jsonl         (JSON Lines, bounded)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close. The runs file is rewritten from the retained runs once it holds
// twice the retention, and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	t  *jobTable

	snapshotPath string
	journalFile  *os.File
	runsPath     string
	runsFile     *os.File
	runLines     int

	writes       int
	compactEvery int
	now          func() time.Time
}

type journalRecord struct {
	Op  string `json:"op"` // put | del
	Job *Job   `json:"job,omitempty"`
	ID  int64  `json:"id,omitempty"`
}

type jobSnapshot struct {
	NextID int64 `json:"next_id"`
	Jobs   []Job `json:"jobs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"
	runsPath := prefix + ".runs.jsonl"

	t := newJobTable(cfg.runRetention())
	if err := loadSnapshot(snapPath, t); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &Error{Op: "load snapshot", Err: err}
	}
	if err := replayJournal(journalPath, t, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &Error{Op: "replay journal", Err: err}
	}
	runLines, err := replayRuns(runsPath, t)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("runs log unreadable", logx.String("path", runsPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, &Error{Op: "open journal", Err: err}
	}
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, &Error{Op: "open runs", Err: err}
	}

	return &fileStore{
		log:          log.With(logx.String("comp", "storage.file")),
		t:            t,
		snapshotPath: snapPath,
		journalFile:  jf,
		runsPath:     runsPath,
		runsFile:     rf,
		runLines:     runLines,
		compactEvery: 500,
		now:          time.Now,
	}, nil
}

func (s *fileStore) check(ctx context.Context, op string) error {
	if s.journalFile == nil {
		return &Error{Op: op, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}

func (s *fileStore) appendJournalLocked(op string, r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return &Error{Op: op, Err: err}
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) CreateJob(ctx context.Context, j NewJob) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "create job"); err != nil {
		return 0, err
	}
	job, err := s.t.insert(j, s.now().UTC())
	if err != nil {
		return 0, &Error{Op: "create job", Err: err}
	}
	if err := s.appendJournalLocked("create job", journalRecord{Op: "put", Job: &job}); err != nil {
		// Keep memory consistent with disk.
		delete(s.t.jobs, job.ID)
		return 0, err
	}
	return job.ID, nil
}

func (s *fileStore) GetJob(ctx context.Context, id int64) (Job, error) {
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

func (s *fileStore) ActiveJobs(ctx context.Context) ([]Job, error) {
	return s.ListJobs(ctx, ListFilter{})
}

func (s *fileStore) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "list jobs"); err != nil {
		return nil, err
	}
	return s.t.list(f.IncludeInactive), nil
}

func (s *fileStore) DeleteJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "delete job"); err != nil {
		return err
	}
	if _, ok := s.t.jobs[id]; !ok {
		return nil
	}
	if err := s.appendJournalLocked("delete job", journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.t.jobs, id)
	return nil
}

func (s *fileStore) SetStatus(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "set status"); err != nil {
		return err
	}
	prev, ok := s.t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j, _ := s.t.setStatus(id, active, s.now().UTC())
	if err := s.appendJournalLocked("set status", journalRecord{Op: "put", Job: &j}); err != nil {
		s.t.jobs[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "append run"); err != nil {
		return err
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return &Error{Op: "append run", Err: err}
	}
	s.t.appendRun(r)
	s.runLines++
	if s.runLines >= 2*s.t.retention {
		if err := s.rewriteRunsLocked(); err != nil {
			s.log.Warn("runs log rewrite failed", logx.String("path", s.runsPath), logx.Err(err))
		}
	}
	return nil
}

// rewriteRunsLocked replaces the runs file with the retained runs.
func (s *fileStore) rewriteRunsLocked() error {
	tmp := s.runsPath + ".tmp"
	if err := writeJSONLines(tmp, s.t.runs); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.runsFile.Close()
	s.runsFile = rf
	s.runLines = len(s.t.runs)
	return nil
}

func writeJSONLines(path string, runs []Run) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) RecentRuns(ctx context.Context, jobID int64, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "recent runs"); err != nil {
		return nil, err
	}
	return s.t.recentRuns(jobID, limit), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	errCompact := s.compactLocked()
	errRuns := s.rewriteRunsLocked()
	errJ := s.journalFile.Close()
	errR := s.runsFile.Close()
	s.journalFile = nil
	s.runsFile = nil
	return errors.Join(errCompact, errRuns, errJ, errR)
}

func (s *fileStore) compactLocked() error {
	snap := jobSnapshot{NextID: s.t.nextID, Jobs: s.t.list(true)}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, t *jobTable) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap jobSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, j := range snap.Jobs {
		t.put(j)
	}
	if snap.NextID > t.nextID {
		t.nextID = snap.NextID
	}
	return nil
}

func replayJournal(path string, t *jobTable, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final write is expected after a crash.
			log.Warn("skipping bad journal line", logx.String("path", path), logx.Int("line", line), logx.Err(err))
			continue
		}
		switch r.Op {
		case "put":
			if r.Job != nil && r.Job.ID > 0 {
				t.put(*r.Job)
			}
		case "del":
			delete(t.jobs, r.ID)
			// Deleted ids are never reused.
			if r.ID >= t.nextID {
				t.nextID = r.ID + 1
			}
		}
	}
	return sc.Err()
}

// replayRuns loads the runs file and returns how many lines it holds.
func replayRuns(path string, t *jobTable) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		var r Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		t.appendRun(r)
	}
	return n, sc.Err()
}
