// Package handler implements the Admission API and admin surface of
// spec §6, grounded on the teacher's internal/infrastructure/http/handler
// package shape (a Handler struct wrapping the domain collaborators,
// one method per route, response.FromDomainError for the error path).
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rezkam/jobqueue/internal/api/http/middleware"
	"github.com/rezkam/jobqueue/internal/api/http/response"
	"github.com/rezkam/jobqueue/internal/deadletter"
	"github.com/rezkam/jobqueue/internal/dependency"
	"github.com/rezkam/jobqueue/internal/domain"
	"github.com/rezkam/jobqueue/internal/eventbus"
	"github.com/rezkam/jobqueue/internal/queue"
	"github.com/rezkam/jobqueue/internal/store"
)

// JobHandler serves the Admission API: POST/GET /jobs, GET /jobs/{id},
// PATCH /jobs/{id}/cancel, GET /jobs/{id}/logs.
type JobHandler struct {
	store    store.Store
	queue    *queue.Queue
	resolver *dependency.Resolver
	dlq      *deadletter.Sink
	bus      *eventbus.Bus
	logger   *slog.Logger
}

func NewJobHandler(s store.Store, q *queue.Queue, resolver *dependency.Resolver, dlq *deadletter.Sink, bus *eventbus.Bus, logger *slog.Logger) *JobHandler {
	return &JobHandler{store: s, queue: q, resolver: resolver, dlq: dlq, bus: bus, logger: logger}
}

// Create handles POST /jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var spec domain.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		response.BadRequest(w, "request body is not valid JSON")
		return
	}
	spec.Normalize()

	if err := middleware.Validate.Struct(spec); err != nil {
		response.ValidationError(w, middleware.FieldErrors(err)...)
		return
	}

	ctx := r.Context()

	if spec.IdempotencyKey != nil {
		existing, err := h.store.GetJobByIdempotencyKey(ctx, *spec.IdempotencyKey)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			response.FromDomainError(w, r, err)
			return
		}
		if err == nil && existing != nil {
			h.attachPosition(ctx, existing)
			response.OK(w, existing)
			return
		}
	}

	id := uuid.Must(uuid.NewV7())

	if len(spec.DependsOn) > 0 {
		cycle, err := h.resolver.WouldCreateCycle(ctx, id, spec.DependsOn)
		if err != nil {
			response.FromDomainError(w, r, err)
			return
		}
		if cycle {
			response.FromDomainError(w, r, domain.ErrCycle)
			return
		}
	}

	h.createJob(w, r, id, spec)
}

// createJob persists the job and, if every declared parent is already
// COMPLETED at admission time, promotes it straight to READY and
// enqueues it rather than waiting for a later promotion pass.
func (h *JobHandler) createJob(w http.ResponseWriter, r *http.Request, id uuid.UUID, spec domain.JobSpec) {
	ctx := r.Context()
	now := time.Now().UTC()

	hasUnsatisfiedParent, err := h.hasUnsatisfiedParent(ctx, spec.DependsOn)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	job := domain.NewJob(id, spec, now, hasUnsatisfiedParent)

	created, err := h.store.CreateJob(ctx, job)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if !created {
		existing, err := h.store.GetJobByIdempotencyKey(ctx, *job.IdempotencyKey)
		if err != nil {
			response.FromDomainError(w, r, err)
			return
		}
		h.attachPosition(ctx, existing)
		response.OK(w, existing)
		return
	}

	for _, parentID := range spec.DependsOn {
		if err := h.store.AddDependency(ctx, parentID, job.ID); err != nil {
			response.FromDomainError(w, r, err)
			return
		}
	}

	if !hasUnsatisfiedParent {
		if ok, err := h.store.CompareAndSetStatus(ctx, job.ID, domain.StatusPending, domain.StatusReady, store.StatusPatch{}); err != nil {
			h.logger.WarnContext(ctx, "failed to promote newly created job to ready", "job_id", job.ID, "error", err)
		} else if ok {
			job.Status = domain.StatusReady
			if err := h.queue.Enqueue(ctx, job); err != nil {
				h.logger.ErrorContext(ctx, "failed to enqueue newly created job", "job_id", job.ID, "error", err)
			}
		}
	}

	h.attachPosition(ctx, job)
	response.Created(w, job)
}

// hasUnsatisfiedParent looks up each declared parent directly (the
// child doesn't exist in the store yet, so store.ParentStatuses, which
// is keyed by an existing child id, can't be used here). A declared
// parent that doesn't exist is a malformed request (400), not a
// missing resource (404) — GetJob's domain.ErrNotFound is translated
// accordingly before it can reach response.FromDomainError, which
// maps ErrNotFound unconditionally to 404.
func (h *JobHandler) hasUnsatisfiedParent(ctx context.Context, parents []uuid.UUID) (bool, error) {
	for _, parentID := range parents {
		parent, err := h.store.GetJob(ctx, parentID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return false, domain.ErrValidation
			}
			return false, err
		}
		if parent == nil {
			return false, domain.ErrValidation
		}
		if parent.Status != domain.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// Get handles GET /jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "id must be a valid UUID")
		return
	}

	ctx := r.Context()
	job, err := h.store.GetJob(ctx, id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if job == nil {
		response.NotFound(w, "job")
		return
	}

	h.attachPosition(ctx, job)
	response.OK(w, job)
}

// List handles GET /jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ListFilter{
		Status:   domain.JobStatus(strings.ToUpper(q.Get("status"))),
		Priority: domain.JobPriority(strings.ToUpper(q.Get("priority"))),
		TypeLike: q.Get("job_type"),
		Page:     1,
		PerPage:  20,
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page >= 1 {
		filter.Page = page
	}
	if perPage, err := strconv.Atoi(q.Get("per_page")); err == nil && perPage >= 1 && perPage <= 100 {
		filter.PerPage = perPage
	}

	ctx := r.Context()
	jobs, total, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	for _, job := range jobs {
		h.attachPosition(ctx, job)
	}

	response.OK(w, listJobsResponse{
		Jobs:    jobs,
		Total:   total,
		Page:    filter.Page,
		PerPage: filter.PerPage,
	})
}

type listJobsResponse struct {
	Jobs    []*domain.Job `json:"jobs"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// Cancel handles PATCH /jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "id must be a valid UUID")
		return
	}

	ctx := r.Context()
	job, err := h.store.GetJob(ctx, id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if job == nil {
		response.NotFound(w, "job")
		return
	}

	switch job.Status {
	case domain.StatusPending, domain.StatusReady, domain.StatusBlocked:
	default:
		response.Conflict(w, "job in status "+string(job.Status)+" cannot be cancelled")
		return
	}

	// A READY job sits in its priority band but has not yet had ledger
	// capacity deducted against it; that only happens when the
	// dispatcher admits it into RUNNING (queue.TryPopAdmissible). So
	// cancelling here needs no queue.Release call. If the job is still
	// sitting in its band list, the dispatcher's own
	// CompareAndSetStatus(READY, RUNNING) at admission time will fail
	// once the status below lands, and it's silently skipped.
	if err := h.store.SetStatus(ctx, id, domain.StatusCancelled, store.StatusPatch{}); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	job.Status = domain.StatusCancelled
	response.OK(w, job)
}

// Logs handles GET /jobs/{id}/logs, returning entries newest first.
func (h *JobHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "id must be a valid UUID")
		return
	}

	ctx := r.Context()
	if job, err := h.store.GetJob(ctx, id); err != nil {
		response.FromDomainError(w, r, err)
		return
	} else if job == nil {
		response.NotFound(w, "job")
		return
	}

	logs, err := h.store.ListLogs(ctx, id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}

	response.OK(w, logs)
}

// attachPosition populates job.PositionInQueue for non-terminal jobs,
// per spec §6. Failures are logged and left unset rather than failing
// the whole request.
func (h *JobHandler) attachPosition(ctx context.Context, job *domain.Job) {
	if job.Status.IsTerminal() {
		return
	}
	pos, err := h.store.PositionInQueue(ctx, job.ID)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to compute position in queue", "job_id", job.ID, "error", err)
		return
	}
	job.PositionInQueue = &pos
}
