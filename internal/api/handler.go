// Package api provides the Controller's HTTP surface: the per-backend Task
// API that Agents poll, and the RAP API that the job-server uses to create,
// cancel, and poll status on RAP requests.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensafely-core/job-runner/internal/apperrors"
	"github.com/opensafely-core/job-runner/internal/controller"
	"github.com/opensafely-core/job-runner/internal/health"
	"github.com/opensafely-core/job-runner/internal/job"
	"github.com/opensafely-core/job-runner/pkg/redact"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains the Task API and RAP API HTTP handlers.
type Handler struct {
	scheduler *controller.Scheduler
	rap       *controller.RAPService
	health    *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(scheduler *controller.Scheduler, rap *controller.RAPService, healthChecker *health.Checker) *Handler {
	return &Handler{
		scheduler: scheduler,
		rap:       rap,
		health:    healthChecker,
	}
}

// ListTasks handles GET /{backend}/tasks/: every active Task for the
// calling Agent's backend, complete with the RUNJOB definition it needs
// to execute offline.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")

	tasks, err := h.scheduler.ActiveTasks(r.Context(), backend)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// taskUpdateRequest is the body an Agent posts to report task progress.
type taskUpdateRequest struct {
	TaskID    string          `json:"task_id"`
	Stage     job.Stage       `json:"stage"`
	Results   job.TaskResults `json:"results"`
	Timestamp time.Time       `json:"timestamp"`
}

// UpdateTask handles POST /{backend}/task/update/: an Agent reports the
// latest stage/results for one of its Tasks.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TaskID == "" {
		h.writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	agentComplete, err := h.scheduler.ApplyTaskUpdate(r.Context(), backend, req.TaskID, req.Stage, req.Results, req.Timestamp)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"agent_complete": agentComplete})
}

// RAPCreate handles POST /rap/create/: the job-server submits a new RAP
// request, which is expanded against the workspace's project.yaml into Jobs.
func (h *Handler) RAPCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req job.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Backend != tokenBackend(r.Context()) {
		h.writeError(w, http.StatusForbidden, "token is not scoped to this backend")
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	n, err := h.rap.CreateFromRequest(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{"job_request_id": req.ID, "jobs_created": n})
}

// RAPCancel handles POST /rap/cancel/: flags the named actions within an
// existing RAP request as cancel-requested.
func (h *Handler) RAPCancel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req job.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Backend != tokenBackend(r.Context()) {
		h.writeError(w, http.StatusForbidden, "token is not scoped to this backend")
		return
	}

	if err := h.rap.Cancel(r.Context(), &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// RAPStatus handles GET /rap/status/?id=<job_request_id>[&id=...]: the
// aggregated per-Job status for one or more JobRequests that the
// job-server polls, with status messages redacted before they leave the
// Controller.
func (h *Handler) RAPStatus(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		h.writeError(w, http.StatusBadRequest, "id parameter is required")
		return
	}

	var jobs []*job.Job
	for _, id := range ids {
		js, err := h.rap.StatusForRequest(r.Context(), id)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		jobs = append(jobs, js...)
	}
	for _, j := range jobs {
		if j.Backend != tokenBackend(r.Context()) {
			h.writeError(w, http.StatusForbidden, "token is not scoped to this backend")
			return
		}
	}

	redacted := make([]*job.Job, len(jobs))
	for i, j := range jobs {
		cp := *j
		cp.StatusMessage = redact.Message(j.StatusMessage, j.Workspace)
		redacted[i] = &cp
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": redacted})
}

// BackendStatus handles GET /backend/status/?backend=<backend>: the
// current admin flags (paused, reboot, db-maintenance) for one backend.
func (h *Handler) BackendStatus(w http.ResponseWriter, r *http.Request) {
	backend := r.URL.Query().Get("backend")
	if backend == "" {
		backend = tokenBackend(r.Context())
	}
	if backend != tokenBackend(r.Context()) {
		h.writeError(w, http.StatusForbidden, "token is not scoped to this backend")
		return
	}

	flags, err := h.rap.BackendStatus(r.Context(), backend)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the controller layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
