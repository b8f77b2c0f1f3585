package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rezkam/jobqueue/internal/api/http/response"
	"github.com/rezkam/jobqueue/internal/deadletter"
	"github.com/rezkam/jobqueue/internal/domain"
	"github.com/rezkam/jobqueue/internal/queue"
	"github.com/rezkam/jobqueue/internal/store"
)

// AdminHandler serves the admin surface of spec §6: DLQ
// list/stats/clear/retry, health, and metrics, grounded on the
// teacher's dead_letter_handler.go shape and concretized per
// SPEC_FULL.md §C.3 from original_source/app/routes/admin.py.
type AdminHandler struct {
	store  store.Store
	queue  *queue.Queue
	dlq    *deadletter.Sink
	logger *slog.Logger
}

func NewAdminHandler(s store.Store, q *queue.Queue, dlq *deadletter.Sink, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: s, queue: q, dlq: dlq, logger: logger}
}

// ListDeadLetters handles GET /admin/dlq.
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := 50, 0
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		offset = v
	}

	entries, err := h.dlq.List(r.Context(), offset, limit)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, entries)
}

// RecentDeadLetters handles GET /admin/dlq/recent.
func (h *AdminHandler) RecentDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	entries, err := h.dlq.Recent(r.Context(), limit)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, entries)
}

// DeadLetterStats handles GET /admin/dlq/stats.
func (h *AdminHandler) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, stats)
}

// ClearDeadLetters handles DELETE /admin/dlq.
func (h *AdminHandler) ClearDeadLetters(w http.ResponseWriter, r *http.Request) {
	typeFilter := r.URL.Query().Get("type")
	removed, err := h.dlq.Clear(r.Context(), typeFilter)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]int{"removed": removed})
}

// RetryDeadLetter handles POST /admin/dlq/{jobId}/retry: it re-admits
// the dead-lettered payload as a brand new job (a fresh id, a fresh
// attempt counter) rather than resurrecting the original row, since the
// original is a terminal FAILED/TIMEOUT record that spec §3's
// transitions never revisit.
func (h *AdminHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		response.BadRequest(w, "jobId must be a valid UUID")
		return
	}

	ctx := r.Context()
	entry, err := h.dlq.RemoveOne(ctx, jobID)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	spec := domain.JobSpec{
		Type:    entry.Type,
		Payload: entry.PayloadSnapshot,
	}
	spec.Normalize()

	newJob := domain.NewJob(uuid.Must(uuid.NewV7()), spec, time.Now().UTC(), false)
	if _, err := h.store.CreateJob(ctx, newJob); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if ok, err := h.store.CompareAndSetStatus(ctx, newJob.ID, domain.StatusPending, domain.StatusReady, store.StatusPatch{}); err != nil {
		h.logger.WarnContext(ctx, "failed to promote retried dead-letter job to ready", "job_id", newJob.ID, "error", err)
	} else if ok {
		newJob.Status = domain.StatusReady
		if err := h.queue.Enqueue(ctx, newJob); err != nil {
			h.logger.ErrorContext(ctx, "failed to enqueue retried dead-letter job", "job_id", newJob.ID, "error", err)
		}
	}

	response.Created(w, newJob)
}

// Health handles GET /admin/health: component reachability per spec §6.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{"store": "ok", "queue": "ok"}
	status := http.StatusOK

	if _, err := h.store.CountByStatus(ctx); err != nil {
		components["store"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if _, err := h.queue.Ledger(ctx); err != nil {
		components["queue"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"components": components})
}

// Metrics handles GET /admin/metrics: counts by status plus a
// success-rate percentage, per SPEC_FULL.md §C.3.
func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	completed := counts[domain.StatusCompleted]
	failed := counts[domain.StatusFailed] + counts[domain.StatusTimeout]
	finished := completed + failed

	successRate := 0.0
	if finished > 0 {
		successRate = float64(completed) / float64(finished) * 100
	}

	response.OK(w, metricsResponse{
		CountsByStatus: counts,
		SuccessRatePct: successRate,
	})
}

type metricsResponse struct {
	CountsByStatus map[domain.JobStatus]int `json:"counts_by_status"`
	SuccessRatePct float64                  `json:"success_rate_pct"`
}
