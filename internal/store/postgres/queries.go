package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rezkam/jobqueue/internal/domain"
	"github.com/rezkam/jobqueue/internal/store"
)

// CreateJob inserts job, or on idempotency_key collision leaves the
// table untouched and the caller (the admission handler in
// internal/api/http/handler) follows up with GetJobByIdempotencyKey. The
// ON CONFLICT DO NOTHING + zero-rows-affected check is the hand-written
// equivalent of the teacher's sqlc-generated insert-with-RETURNING,
// which treats pgx.ErrNoRows from the RETURNING clause as "already
// exists, not an error".
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, type, status, priority, payload, cpu_units, memory_mb,
			timeout_seconds, max_attempts, current_attempt, backoff_multiplier,
			created_at, updated_at, idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		job.ID, job.Type, job.Status, job.Priority, []byte(job.Payload),
		job.ResourceRequirements.CPUUnits, job.ResourceRequirements.MemoryMB,
		job.TimeoutSeconds, job.MaxAttempts, job.CurrentAttempt, job.BackoffMultiplier,
		job.CreatedAt, job.UpdatedAt, job.IdempotencyKey,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Store) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency_key %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.ListFilter) ([]*domain.Job, int, error) {
	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.Priority != "" {
		where = append(where, "priority = "+arg(filter.Priority))
	}
	if filter.TypeLike != "" {
		where = append(where, "type ILIKE "+arg("%"+filter.TypeLike+"%"))
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	page, perPage := filter.Page, filter.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	limitArg := arg(perPage)
	offsetArg := arg(offset)

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE `+whereClause+`
		ORDER BY created_at DESC
		LIMIT `+limitArg+` OFFSET `+offsetArg,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan jobs: %w", err)
	}

	return jobs, total, nil
}

// SetStatus is the single-transaction status+timestamp update of spec
// §4.1.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, newStatus domain.JobStatus, patch store.StatusPatch) error {
	return s.Atomic(ctx, func(ctx context.Context, q querier) error {
		var current domain.JobStatus
		if err := q.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if current.IsTerminal() {
			return fmt.Errorf("%w: job %s is already %s", domain.ErrStateConflict, id, current)
		}

		return applyStatusUpdate(ctx, q, id, newStatus, patch)
	})
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expectedStatus, newStatus domain.JobStatus, patch store.StatusPatch) (bool, error) {
	ok := false
	err := s.Atomic(ctx, func(ctx context.Context, q querier) error {
		var current domain.JobStatus
		if err := q.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if current != expectedStatus {
			ok = false
			return nil
		}
		if err := applyStatusUpdate(ctx, q, id, newStatus, patch); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func applyStatusUpdate(ctx context.Context, q querier, id uuid.UUID, newStatus domain.JobStatus, patch store.StatusPatch) error {
	now := time.Now().UTC()

	setClauses := []string{"status = $2", "updated_at = $3"}
	args := []any{id, newStatus, now}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if newStatus == domain.StatusRunning {
		setClauses = append(setClauses, "started_at = "+next(now))
	}
	if newStatus.IsTerminal() {
		setClauses = append(setClauses, "completed_at = "+next(now))
	}
	if patch.CurrentAttempt != nil {
		setClauses = append(setClauses, "current_attempt = "+next(*patch.CurrentAttempt))
	}
	if patch.NextRetryAt != nil {
		setClauses = append(setClauses, "next_retry_at = "+next(*patch.NextRetryAt))
	}
	if patch.ErrorMessage != nil {
		setClauses = append(setClauses, "error_message = "+next(*patch.ErrorMessage))
	}
	if patch.Result != nil {
		setClauses = append(setClauses, "result = "+next(patch.Result))
	}

	sql := `UPDATE jobs SET ` + strings.Join(setClauses, ", ") + ` WHERE id = $1`
	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (s *Store) AddDependency(ctx context.Context, parent, child uuid.UUID) error {
	return s.Atomic(ctx, func(ctx context.Context, q querier) error {
		cycle, err := wouldCreateCycle(ctx, q, child, []uuid.UUID{parent})
		if err != nil {
			return err
		}
		if cycle {
			return domain.ErrCycle
		}

		_, err = q.Exec(ctx, `
			INSERT INTO job_dependencies (parent_job_id, child_job_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, parent, child)
		if err != nil {
			return fmt.Errorf("failed to insert dependency: %w", err)
		}
		return nil
	})
}

func (s *Store) ParentStatuses(ctx context.Context, jobID uuid.UUID) ([]domain.JobStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT j.status FROM job_dependencies d
		JOIN jobs j ON j.id = d.parent_job_id
		WHERE d.child_job_id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query parent statuses: %w", err)
	}
	defer rows.Close()

	var statuses []domain.JobStatus
	for rows.Next() {
		var st domain.JobStatus
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("failed to scan parent status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

func (s *Store) Children(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT child_job_id FROM job_dependencies WHERE parent_job_id = $1`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	var children []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan child id: %w", err)
		}
		children = append(children, id)
	}
	return children, rows.Err()
}

// WouldCreateCycle is the public, non-mutating counterpart used by the
// Dependency Resolver to validate a full JobSpec.DependsOn batch before
// a single edge is written.
func (s *Store) WouldCreateCycle(ctx context.Context, candidateChild uuid.UUID, proposedParents []uuid.UUID) (bool, error) {
	return wouldCreateCycle(ctx, s.pool, candidateChild, proposedParents)
}

// wouldCreateCycle performs an iterative DFS from each proposed parent
// following parent edges upward (parent-of-parent...); a cycle exists
// iff candidateChild is reachable, per spec §4.3. Iterative (an
// explicit stack, not recursion) per spec §9's graph-traversal design
// note, to bound stack usage for large graphs.
func wouldCreateCycle(ctx context.Context, q querier, candidateChild uuid.UUID, proposedParents []uuid.UUID) (bool, error) {
	visited := make(map[uuid.UUID]bool)
	stack := append([]uuid.UUID{}, proposedParents...)

	for len(stack) > 0 {
		n := len(stack) - 1
		current := stack[n]
		stack = stack[:n]

		if current == candidateChild {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		rows, err := q.Query(ctx, `SELECT parent_job_id FROM job_dependencies WHERE child_job_id = $1`, current)
		if err != nil {
			return false, fmt.Errorf("failed to walk dependency graph: %w", err)
		}
		for rows.Next() {
			var parentOfCurrent uuid.UUID
			if err := rows.Scan(&parentOfCurrent); err != nil {
				rows.Close()
				return false, fmt.Errorf("failed to scan ancestor: %w", err)
			}
			if !visited[parentOfCurrent] {
				stack = append(stack, parentOfCurrent)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, fmt.Errorf("failed to walk dependency graph: %w", err)
		}
	}

	return false, nil
}

func (s *Store) FindReadyBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY CASE priority
			WHEN 'CRITICAL' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'NORMAL' THEN 2 ELSE 3
		END, created_at
		LIMIT $2
	`, domain.StatusReady, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find ready batch: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3
	`, domain.StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due retries: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) FindOrphanedRunning(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		  AND started_at IS NOT NULL
		  AND started_at + (timeout_seconds * interval '1 second') < $2
	`, domain.StatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned running jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) AppendLog(ctx context.Context, entry *domain.JobLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (id, job_id, level, message, timestamp, context)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.JobID, entry.Level, entry.Message, entry.Timestamp, entry.Context)
	if err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, jobID uuid.UUID) ([]*domain.JobLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, timestamp, context FROM job_logs
		WHERE job_id = $1
		ORDER BY timestamp ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.JobLog
	for rows.Next() {
		var l domain.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &l.Timestamp, &l.Context); err != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *Store) AppendExecution(ctx context.Context, exec *domain.JobExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_executions (
			id, job_id, attempt_number, status, started_at, completed_at,
			duration_seconds, worker_identity, error_message, error_traceback, result
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		exec.ID, exec.JobID, exec.AttemptNumber, exec.Status, exec.StartedAt, exec.CompletedAt,
		exec.DurationSeconds, exec.WorkerIdentity, exec.ErrorMessage, exec.ErrorTraceback, []byte(exec.Result),
	)
	if err != nil {
		return fmt.Errorf("failed to append job execution: %w", err)
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var st domain.JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// PositionInQueue implements spec §6: "1-based count of non-terminal
// jobs (PENDING∪READY) with strictly higher priority, plus jobs of
// equal priority with earlier created_at, plus one."
func (s *Store) PositionInQueue(ctx context.Context, jobID uuid.UUID) (int, error) {
	var priority domain.JobPriority
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT priority, created_at FROM jobs WHERE id = $1`, jobID).Scan(&priority, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up job for queue position: %w", err)
	}

	higherPriorities := higherPriorityList(priority)

	var ahead int
	err = s.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE status IN ('PENDING', 'READY')
		  AND (priority = ANY($1) OR (priority = $2 AND created_at < $3))
	`, higherPriorities, priority, createdAt).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs ahead in queue: %w", err)
	}

	return ahead + 1, nil
}

func higherPriorityList(p domain.JobPriority) []domain.JobPriority {
	var out []domain.JobPriority
	for _, candidate := range domain.AllPriorities {
		if candidate.Rank() < p.Rank() {
			out = append(out, candidate)
		}
	}
	return out
}
