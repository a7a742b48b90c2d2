package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronjobd/internal/jobs"
	"cronjobd/internal/storage"
	"cronjobd/internal/task/dispatch"
	"cronjobd/internal/task/params"
	"cronjobd/internal/task/reconcile"
	"cronjobd/internal/task/registry"
	"cronjobd/internal/task/scheduler"
	logx "cronjobd/pkg/logx"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(ctx context.Context, inv dispatch.Invocation) error { return nil }

type env struct {
	h     http.Handler
	store storage.Store
	sched *scheduler.Service
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	st := storage.NewMemory(storage.Config{})
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, nopDispatcher{}, logx.Nop(), nil)
	reg := registry.NewBuilder().RegisterFunc("sample_function", func(ctx context.Context, p params.Params) error { return nil }).Build()
	svc := jobs.New(jobs.Config{}, jobs.Deps{
		Store:      st,
		Reconciler: reconcile.New(st, sched, logx.Nop(), nil),
		Armed:      sched,
		Tasks:      reg,
	})
	cfg.Enabled = true
	api := New(cfg, Deps{Jobs: svc, Armed: sched, Tasks: reg}, logx.Nop())
	return &env{h: api.Handler(), store: st, sched: sched}
}

func (e *env) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func TestCreateListDelete(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})

	rec := e.do(t, http.MethodPost, "/jobs", `{"task_name":"sample_function","parameters":{"name":"Ann","age":5},"cron_expression":"*/1 * * * *"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created storage.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "sample_function", created.TaskName)
	assert.Equal(t, `{"name":"Ann","age":5}`, created.Params.String())
	assert.True(t, created.Active)
	assert.True(t, e.sched.IsArmed(created.ID))

	rec = e.do(t, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	rec = e.do(t, http.MethodGet, "/jobs/"+itoa(created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodDelete, "/jobs/"+itoa(created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, e.sched.IsArmed(created.ID))

	rec = e.do(t, http.MethodGet, "/jobs/"+itoa(created.ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Deleting again stays 200.
	rec = e.do(t, http.MethodDelete, "/jobs/"+itoa(created.ID), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})

	cases := map[string]string{
		"bad cron":     `{"task_name":"sample_function","cron_expression":"99 * * * *"}`,
		"four fields":  `{"task_name":"sample_function","cron_expression":"* * * *"}`,
		"no task":      `{"cron_expression":"* * * * *"}`,
		"bad json":     `{"task_name":`,
		"params array": `{"task_name":"sample_function","parameters":[1],"cron_expression":"* * * * *"}`,
	}
	for name, body := range cases {
		rec := e.do(t, http.MethodPost, "/jobs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	all, err := e.store.ListJobs(context.Background(), storage.ListFilter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPauseResumeAndListAll(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	rec := e.do(t, http.MethodPost, "/jobs", `{"task_name":"sample_function","cron_expression":"0 * * * *"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var j storage.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))

	rec = e.do(t, http.MethodPost, "/jobs/"+itoa(j.ID)+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, e.sched.IsArmed(j.ID))

	var list []storage.Job
	rec = e.do(t, http.MethodGet, "/jobs", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)

	rec = e.do(t, http.MethodGet, "/jobs?all=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)

	rec = e.do(t, http.MethodPost, "/jobs/"+itoa(j.ID)+"/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.sched.IsArmed(j.ID))

	rec = e.do(t, http.MethodPost, "/jobs/999/pause", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLegacyRoutes(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})

	rec := e.do(t, http.MethodPost, "/add_job", `{"function_name":"sample_function","parameters":{"name":"Ann","age":5},"cron_expression":"*/1 * * * *"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var added struct {
		Message string `json:"message"`
		ID      int64  `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	assert.Equal(t, "Job added successfully", added.Message)

	rec = e.do(t, http.MethodGet, "/list_jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":`+itoa(added.ID)+`,"function_name":"sample_function","parameters":{"name":"Ann","age":5},"cron_expression":"*/1 * * * *"}]`, rec.Body.String())

	rec = e.do(t, http.MethodDelete, "/delete_job/"+itoa(added.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Job deleted successfully"}`, rec.Body.String())
	assert.False(t, e.sched.IsArmed(added.ID))
}

func TestStoreFailureIs503(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	require.NoError(t, e.store.Close())

	rec := e.do(t, http.MethodGet, "/jobs", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = e.do(t, http.MethodPost, "/jobs", `{"task_name":"sample_function","cron_expression":"* * * * *"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/jobs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/jobs", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/jobs", "", "Authorization", "Bearer s3cret").Code)
	// Health stays open for probes.
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestRateLimitOnMutations(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{RatePerSec: 1})
	body := `{"task_name":"sample_function","cron_expression":"* * * * *"}`

	assert.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/jobs", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodPost, "/jobs", body).Code)
	// Reads are not limited.
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/jobs", "").Code)
}

func TestRateLimitSharedAcrossMutatingRoutes(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{RatePerSec: 1})
	body := `{"task_name":"sample_function","cron_expression":"* * * * *"}`

	assert.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/jobs", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodDelete, "/jobs/1", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodPost, "/jobs/1/pause", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodPost, "/add_job", body).Code)
}

func TestArmedAndTasks(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/jobs", `{"task_name":"sample_function","cron_expression":"5 4 * * *"}`).Code)

	rec := e.do(t, http.MethodGet, "/armed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var armed []scheduler.ArmedInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &armed))
	require.Len(t, armed, 1)
	assert.Equal(t, "5 4 * * *", armed[0].CronExpr)

	rec = e.do(t, http.MethodGet, "/tasks", "")
	assert.JSONEq(t, `["sample_function"]`, rec.Body.String())
}

func TestRunsEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, e.store.AppendRun(ctx, storage.Run{ID: "a", JobID: 1, TaskName: "sample_function", Outcome: storage.OutcomeSuccess}))
	require.NoError(t, e.store.AppendRun(ctx, storage.Run{ID: "b", JobID: 2, TaskName: "sample_function", Outcome: storage.OutcomeFailure}))

	rec := e.do(t, http.MethodGet, "/jobs/2/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].ID)

	rec = e.do(t, http.MethodGet, "/runs?limit=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/runs?limit=x", "").Code)
}

func TestBadJobID(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/jobs/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodDelete, "/delete_job/-1", "").Code)
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())

	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Stop(context.Background())
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:5000"))
	assert.True(t, isLoopbackAddr("localhost:5000"))
	assert.True(t, isLoopbackAddr("[::1]:5000"))
	assert.False(t, isLoopbackAddr(":5000"))
	assert.False(t, isLoopbackAddr("0.0.0.0:5000"))
	assert.False(t, isLoopbackAddr("bad"))
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
