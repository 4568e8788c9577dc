// Package api provides the HTTP and WebSocket transport for the queue
// coordinators.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"coordinator/internal/apperrors"
	"coordinator/internal/health"
	"coordinator/internal/job"
	"coordinator/internal/protocol"
	"coordinator/internal/queue"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// apiTag marks state changes that arrived over REST.
const apiTag = "api"

// Handler contains HTTP handlers for the queue API
type Handler struct {
	queues *queue.Queues
	health *health.Checker
	socket SocketConfig

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a new API handler
func NewHandler(queues *queue.Queues, healthChecker *health.Checker, socket SocketConfig) *Handler {
	return &Handler{
		queues:  queues,
		health:  healthChecker,
		socket:  socket.withDefaults(),
		closing: make(chan struct{}),
	}
}

// SubmitRequest is the body of POST /v1/queues/{queue}/jobs.
type SubmitRequest struct {
	Definition job.Definition `json:"definition"`
	Namespace  string         `json:"namespace,omitempty"`
}

// JobResponse reports the outcome of a job operation.
type JobResponse struct {
	JobID    string      `json:"jobId"`
	Accepted bool        `json:"accepted"`
	Record   *job.Record `json:"record,omitempty"`
}

// JobList is the body of GET /v1/queues/{queue}/jobs.
type JobList struct {
	Jobs  map[string]*job.Record `json:"jobs"`
	Total int                    `json:"total"`
}

func (h *Handler) coordinator(w http.ResponseWriter, r *http.Request) (*queue.Coordinator, bool) {
	c, err := h.queues.Get(r.Context(), r.PathValue("queue"))
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	return c, true
}

// ListQueues handles GET /v1/queues
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"queues": h.queues.Names()})
}

// SubmitJob handles POST /v1/queues/{queue}/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	res, err := c.Submit(r.Context(), apiTag, req.Definition, req.Namespace)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if !res.Accepted {
		status = http.StatusOK
	}
	h.writeJSON(w, status, jobResponse(res))
}

// ListJobs handles GET /v1/queues/{queue}/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	jobs := c.Snapshot()
	h.writeJSON(w, http.StatusOK, JobList{Jobs: jobs, Total: len(jobs)})
}

// GetJob handles GET /v1/queues/{queue}/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	rec, err := c.Query(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// CancelJob handles DELETE /v1/queues/{queue}/jobs/{jobId}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	res, err := c.Cancel(r.Context(), apiTag, r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, jobResponse(res))
}

// ResubmitJob handles POST /v1/queues/{queue}/jobs/{jobId}/resubmit
func (h *Handler) ResubmitJob(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	res, err := c.Resubmit(r.Context(), apiTag, r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobResponse(res))
}

// ClearCache handles DELETE /v1/queues/{queue}/cache/{jobId}
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	jobID := r.PathValue("jobId")
	removed, err := c.ClearCache(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, protocol.ClearJobCacheConfirm{Job: jobID, Removed: removed})
}

// Status handles GET /v1/queues/{queue}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, c.Status(r.Context()))
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if persistence or the bus is unreachable, or during shutdown.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func jobResponse(res queue.Result) JobResponse {
	out := JobResponse{Accepted: res.Accepted, Record: res.Record}
	if res.Record != nil {
		out.JobID = res.Record.Hash
	}
	return out
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

// handleError handles errors from the coordinator with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
