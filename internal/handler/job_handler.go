package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"ingest-queue/internal/metrics"
	"ingest-queue/internal/models"
	"ingest-queue/internal/service"

	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 1 << 20

// Trigger is the part of the scheduler the HTTP surface drives.
type Trigger interface {
	AfterRequest(ctx context.Context) (bool, error)
	RunNow(ctx context.Context) (int, error)
}

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	jobService  *service.JobService
	trigger     Trigger
	rateLimiter *service.RateLimiter
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// NewJobHandler creates a new job handler. rateLimiter may be nil.
func NewJobHandler(
	jobService *service.JobService,
	trigger Trigger,
	rateLimiter *service.RateLimiter,
	metrics *metrics.Metrics,
	log *slog.Logger,
) *JobHandler {
	return &JobHandler{
		jobService:  jobService,
		trigger:     trigger,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		log:         log,
	}
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckSubmissionRate(r.Context(), clientID(r)); err != nil {
			writeError(w, http.StatusTooManyRequests, "too many submissions, retry later")
			return
		}
	}

	var req models.EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.jobService.Enqueue(r.Context(), req)
	if err != nil {
		var admission *service.AdmissionError
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrThrottled):
			writeError(w, http.StatusTooManyRequests, "queue backlog is full, retry later")
		case errors.As(err, &admission):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":  "file is unreadable",
				"reason": string(admission.Reason),
			})
		default:
			h.log.ErrorContext(r.Context(), "error creating job", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "job creation failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// GetStatus handles GET /jobs/{referenceID}/status
func (h *JobHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.jobService.GetStatus(r.Context(), chi.URLParam(r, "referenceID"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.ErrorContext(r.Context(), "error getting job status", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve job status")
		return
	}

	status := http.StatusOK
	if !view.Found {
		status = http.StatusNotFound
	}
	writeJSON(w, status, view)
}

// RunPending handles POST /admin/run-pending
func (h *JobHandler) RunPending(w http.ResponseWriter, r *http.Request) {
	n, err := h.trigger.RunNow(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "manual run failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

// GetMetrics handles GET /metrics/summary
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

// clientID keys the submission throttle. RealIP runs first, so RemoteAddr
// already reflects forwarding headers.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
