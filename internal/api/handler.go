// Package api provides the HTTP API handlers and routing for the genjobs service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"genjobs/internal/apperrors"
	"genjobs/internal/estimator"
	"genjobs/internal/health"
	"genjobs/internal/job"
)

// maxRequestBodySize limits request bodies. Inline base64 images make
// generation requests much larger than typical JSON.
const maxRequestBodySize = 32 << 20 // 32 MB

// JobService is the job lifecycle the handlers expose.
type JobService interface {
	Submit(ctx context.Context, req *job.Request) (*job.Response, error)
	Get(ctx context.Context, jobID string) (*job.Status, error)
	Stop(ctx context.Context, jobID string) (*job.StopResponse, error)
	List(ctx context.Context) (*job.ListResponse, error)
	Delete(ctx context.Context, jobID string) error
	Reset(ctx context.Context) (*job.ResetResponse, error)
}

// FontLister lists the fonts available to the text step.
type FontLister interface {
	List() ([]string, error)
}

// StatsSource exposes the step duration statistics.
type StatsSource interface {
	Snapshot() map[string]estimator.StepStat
}

// Handler contains HTTP handlers for the genjobs API
type Handler struct {
	svc    JobService
	fonts  FontLister
	stats  StatsSource
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc JobService, fonts FontLister, stats StatsSource, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		fonts:  fonts,
		stats:  stats,
		health: healthChecker,
	}
}

// CreateJob handles POST /v1/jobs. An empty body submits a request with
// every default.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	status, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// StopJob handles POST /v1/jobs/{jobId}/stop
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	resp, err := h.svc.Stop(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.svc.Delete(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Reset handles POST /v1/admin/reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Reset(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ListFonts handles GET /v1/fonts
func (h *Handler) ListFonts(w http.ResponseWriter, r *http.Request) {
	fonts, err := h.fonts.List()
	if err != nil {
		h.handleError(w, r, apperrors.Internal("list fonts", err))
		return
	}
	if fonts == nil {
		fonts = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string][]string{"fonts": fonts})
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the worker launcher is unavailable or the service is
// shutting down. Degraded optional checks still report ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
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

type busyResponse struct {
	Status     string `json:"status"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	switch {
	case status >= 500 && !errors.Is(err, apperrors.ErrBusy):
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	default:
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	if errors.Is(err, apperrors.ErrBusy) {
		retryAfter := apperrors.RetryAfter(err)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeJSON(w, status, busyResponse{Status: "busy", Error: err.Error(), RetryAfter: retryAfter})
		return
	}

	body := map[string]string{"error": err.Error()}
	if field := apperrors.Field(err); field != "" {
		body["field"] = field
	}
	h.writeJSON(w, status, body)
}
