// Package httpapi serves the job control API.
//
//	POST   /jobs                {task_name, parameters, cron_expression}
//	GET    /jobs[?all=1]
//	GET    /jobs/{id}
//	DELETE /jobs/{id}
//	POST   /jobs/{id}/pause
//	POST   /jobs/{id}/resume
//	GET    /jobs/{id}/runs[?limit=n]
//	GET    /runs[?limit=n]
//	GET    /armed
//	GET    /tasks
//	GET    /healthz
//
// The first API generation is still served: POST /add_job (function_name),
// GET /list_jobs and DELETE /delete_job/{id}.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"cronjobd/internal/jobs"
	"cronjobd/internal/storage"
	"cronjobd/internal/task/scheduler"
	logx "cronjobd/pkg/logx"
)

// Jobs is the job service. *jobs.Service satisfies it.
type Jobs interface {
	Create(ctx context.Context, req jobs.CreateRequest) (storage.Job, error)
	List(ctx context.Context, includeInactive bool) ([]storage.Job, error)
	Get(ctx context.Context, id int64) (storage.Job, error)
	Delete(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, active bool) (storage.Job, error)
	Runs(ctx context.Context, id int64, limit int) ([]storage.Run, error)
}

// Armed lists the scheduler's armed set.
type Armed interface {
	Armed() []scheduler.ArmedInfo
}

// Tasks lists registered task names.
type Tasks interface {
	Names() []string
}

type Deps struct {
	Jobs  Jobs
	Armed Armed
	Tasks Tasks
	// Health returns extra fields for /healthz. Optional.
	Health func() map[string]any
}

func newRouter(cfg Config, d Deps, log logx.Logger) http.Handler {
	h := &handlers{d: d, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Get("/jobs/{id}/runs", h.jobRuns)
		r.Get("/runs", h.allRuns)
		r.Get("/armed", h.armed)
		r.Get("/tasks", h.tasks)
		r.Get("/list_jobs", h.legacyListJobs)

		r.Group(func(r chi.Router) {
			r.Use(limitRate(cfg.RatePerSec))

			r.Post("/jobs", h.createJob)
			r.Delete("/jobs/{id}", h.deleteJob)
			r.Post("/jobs/{id}/pause", h.setStatus(false))
			r.Post("/jobs/{id}/resume", h.setStatus(true))

			r.Post("/add_job", h.legacyAddJob)
			r.Delete("/delete_job/{id}", h.legacyDeleteJob)
		})

		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// bearerAuth requires "Authorization: Bearer <token>" when token is set.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// limitRate caps requests per second across all callers and every route it
// wraps; 0 disables it. chi applies group middleware per route, so the
// limiter is built here, once.
func limitRate(perSec int) func(http.Handler) http.Handler {
	if perSec <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lim := rate.NewLimiter(rate.Limit(perSec), perSec)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				writeMessage(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}
