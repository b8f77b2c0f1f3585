// Package store defines the State Store contract (spec §4.1): durable
// CRUD over Job/JobDependency/JobExecution/JobLog with the invariants
// of spec §3. internal/store/postgres provides the concrete
// implementation.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/jobqueue/internal/domain"
)

// ListFilter narrows GET /jobs results. Zero-valued fields are not
// applied.
type ListFilter struct {
	Status   domain.JobStatus
	Priority domain.JobPriority
	TypeLike string // case-insensitive substring match against job_type
	Page     int    // 1-based
	PerPage  int
}

// StatusPatch carries the fields that accompany a status transition.
// Only non-nil fields are applied; SetStatus always bumps updated_at
// and, per transition, started_at/completed_at (see Store.SetStatus).
type StatusPatch struct {
	CurrentAttempt *int
	NextRetryAt    *time.Time
	ErrorMessage   *string
	Result         []byte
}

// Store is the State Store contract. Every method that mutates status
// participates in a single transaction with its paired timestamp
// update, per spec §4.1.
type Store interface {
	// CreateJob persists job. If job carries an IdempotencyKey already
	// on file, nothing is written and created=false is returned instead
	// of an error; the prior Job is left unchanged and is not returned,
	// so callers fetch it with GetJobByIdempotencyKey.
	CreateJob(ctx context.Context, job *domain.Job) (created bool, err error)

	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// GetJobByIdempotencyKey looks up a prior Job by key, used by the
	// admission path before falling back to CreateJob's own upsert path.
	GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)

	ListJobs(ctx context.Context, filter ListFilter) (jobs []*domain.Job, total int, err error)

	// SetStatus transitions id to newStatus, applying patch, inside one
	// transaction. Sets started_at when newStatus is RUNNING and
	// completed_at when newStatus is terminal. Returns
	// domain.ErrStateConflict if id is already in a terminal status.
	SetStatus(ctx context.Context, id uuid.UUID, newStatus domain.JobStatus, patch StatusPatch) error

	// CompareAndSetStatus transitions id from expectedStatus to
	// newStatus only if its current status still equals expectedStatus,
	// returning ok=false (no error) on mismatch. Used by the Dispatcher
	// to re-check READY before committing to RUNNING under concurrent
	// cancellation.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expectedStatus, newStatus domain.JobStatus, patch StatusPatch) (ok bool, err error)

	// AddDependency inserts a parent->child edge, returning
	// domain.ErrCycle if it would create a cycle and leaving the graph
	// unmodified.
	AddDependency(ctx context.Context, parent, child uuid.UUID) error

	// ParentStatuses returns the status of every parent of jobID. An
	// empty slice means no parents.
	ParentStatuses(ctx context.Context, jobID uuid.UUID) ([]domain.JobStatus, error)

	// Children returns the ids of every job that depends on parentID.
	Children(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error)

	// WouldCreateCycle runs the DFS of spec §4.3 directly against SS,
	// without mutating anything, so the Dependency Resolver can
	// validate a whole batch of proposed parents before any edge is
	// written.
	WouldCreateCycle(ctx context.Context, candidateChild uuid.UUID, proposedParents []uuid.UUID) (bool, error)

	// FindReadyBatch returns up to limit READY jobs ordered by priority
	// class then created_at. The dispatcher does not call it; READY jobs
	// reach the Ready Queue only through admission, promotion and the
	// retry-admission scan.
	FindReadyBatch(ctx context.Context, limit int) ([]*domain.Job, error)

	// FindDueRetries returns PENDING jobs whose next_retry_at <= now,
	// ordered by next_retry_at, for the dispatcher's retry-admission
	// scan.
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// FindOrphanedRunning returns jobs in RUNNING status whose deadline
	// (started_at + timeout_seconds) has already passed as of now, for
	// the startup crash-recovery sweep and the dispatcher's timeout
	// sweep (spec §5: "for every Job where status=RUNNING but no live
	// worker claims it, status is reset to PENDING"; spec §4.4 step 4).
	// A RUNNING job still inside its deadline is left alone even across
	// process restarts, since spec §5/§9 explicitly designs for
	// multiple server/worker processes sharing one Postgres/Redis
	// backend — it may genuinely be in flight in another process.
	FindOrphanedRunning(ctx context.Context, now time.Time) ([]*domain.Job, error)

	AppendLog(ctx context.Context, entry *domain.JobLog) error
	ListLogs(ctx context.Context, jobID uuid.UUID) ([]*domain.JobLog, error)

	AppendExecution(ctx context.Context, exec *domain.JobExecution) error

	// CountByStatus returns the count of jobs in each status, used by
	// the admin metrics surface.
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)

	// PositionInQueue returns the 1-based count of non-terminal jobs
	// that would run before jobID, per spec §6's position-in-queue
	// semantics.
	PositionInQueue(ctx context.Context, jobID uuid.UUID) (int, error)

	Close()
}
