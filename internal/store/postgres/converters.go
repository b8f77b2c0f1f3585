package postgres

import (
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/rezkam/jobqueue/internal/domain"
)

const jobColumns = `id, type, status, priority, payload, cpu_units, memory_mb,
	timeout_seconds, max_attempts, current_attempt, backoff_multiplier,
	created_at, updated_at, started_at, completed_at, next_retry_at,
	idempotency_key, result, error_message`

// scanJob scans one jobColumns-shaped row into a domain.Job. nullable
// JSON columns come back as driver nil ([]byte(nil)); callers treat
// empty/nil payload/result as simply absent rather than forcing a
// "null" JSON literal onto the caller.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var payload, result []byte

	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &payload, &j.ResourceRequirements.CPUUnits, &j.ResourceRequirements.MemoryMB,
		&j.TimeoutSeconds, &j.MaxAttempts, &j.CurrentAttempt, &j.BackoffMultiplier,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.NextRetryAt,
		&j.IdempotencyKey, &result, &j.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(payload)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
