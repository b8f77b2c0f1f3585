package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobExecution is one row per attempt, append-only for the job's life.
type JobExecution struct {
	ID             uuid.UUID       `json:"id"`
	JobID          uuid.UUID       `json:"job_id"`
	AttemptNumber  int             `json:"attempt_number"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	WorkerIdentity string          `json:"worker_identity"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ErrorTraceback *string         `json:"error_traceback,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// JobLog is a structured audit line, append-only for the job's life.
type JobLog struct {
	ID        uuid.UUID `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Context   string    `json:"context"`
}

// DeadLetterEntry is a permanently-failed job snapshot kept by the
// Dead-Letter Sink.
type DeadLetterEntry struct {
	JobID           uuid.UUID       `json:"job_id"`
	Type            string          `json:"type"`
	ErrorMessage    string          `json:"error_message"`
	Attempts        int             `json:"attempts"`
	PayloadSnapshot json.RawMessage `json:"payload_snapshot"`
	FailedAt        time.Time       `json:"failed_at"`
	AddedAt         time.Time       `json:"added_at"`
}
