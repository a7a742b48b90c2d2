package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cronjobd/internal/jobs"
	"cronjobd/internal/storage"
	"cronjobd/internal/task/params"
	logx "cronjobd/pkg/logx"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	d   Deps
	log logx.Logger
}

type createBody struct {
	TaskName     string        `json:"task_name"`
	FunctionName string        `json:"function_name"`
	Parameters   params.Params `json:"parameters"`
	CronExpr     string        `json:"cron_expression"`
}

func (b createBody) request() jobs.CreateRequest {
	name := b.TaskName
	if strings.TrimSpace(name) == "" {
		name = b.FunctionName
	}
	return jobs.CreateRequest{TaskName: name, Params: b.Parameters, CronExpr: b.CronExpr}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.d.Health != nil {
		for k, v := range h.d.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	j, err := h.d.Jobs.Create(r.Context(), body.request())
	if err != nil {
		h.fail(w, r, "create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	all := truthy(r.URL.Query().Get("all"))
	list, err := h.d.Jobs.List(r.Context(), all)
	if err != nil {
		h.fail(w, r, "list jobs", err)
		return
	}
	if list == nil {
		list = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	j, err := h.d.Jobs.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.d.Jobs.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "delete job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "job deleted", "id": id})
}

func (h *handlers) setStatus(active bool) http.HandlerFunc {
	op := "pause job"
	if active {
		op = "resume job"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		j, err := h.d.Jobs.SetStatus(r.Context(), id, active)
		if err != nil {
			h.fail(w, r, op, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	}
}

func (h *handlers) jobRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	h.runs(w, r, id)
}

func (h *handlers) allRuns(w http.ResponseWriter, r *http.Request) {
	h.runs(w, r, 0)
}

func (h *handlers) runs(w http.ResponseWriter, r *http.Request, id int64) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := h.d.Jobs.Runs(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, "list runs", err)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) armed(w http.ResponseWriter, r *http.Request) {
	if h.d.Armed == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.d.Armed.Armed())
}

func (h *handlers) tasks(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.d.Tasks != nil {
		names = append(names, h.d.Tasks.Names()...)
	}
	writeJSON(w, http.StatusOK, names)
}

// legacyJob is the row shape of GET /list_jobs.
type legacyJob struct {
	ID           int64         `json:"id"`
	FunctionName string        `json:"function_name"`
	Parameters   params.Params `json:"parameters"`
	CronExpr     string        `json:"cron_expression"`
}

func (h *handlers) legacyAddJob(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	j, err := h.d.Jobs.Create(r.Context(), body.request())
	if err != nil {
		h.fail(w, r, "create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Job added successfully", "id": j.ID})
}

func (h *handlers) legacyListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.d.Jobs.List(r.Context(), false)
	if err != nil {
		h.fail(w, r, "list jobs", err)
		return
	}
	out := make([]legacyJob, 0, len(list))
	for _, j := range list {
		out = append(out, legacyJob{ID: j.ID, FunctionName: j.TaskName, Parameters: j.Params, CronExpr: j.CronExpr})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) legacyDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.d.Jobs.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "delete job", err)
		return
	}
	writeMessage(w, http.StatusOK, "Job deleted successfully")
}

func (h *handlers) decodeCreate(w http.ResponseWriter, r *http.Request) (createBody, bool) {
	var body createBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid request body", Error: err.Error()})
		return body, false
	}
	return body, true
}

// fail maps service errors to status codes.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case jobs.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid job", Error: err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "job not found")
	case storage.IsStoreError(err):
		h.log.Error(op+" failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeMessage(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.log.Error(op+" failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
