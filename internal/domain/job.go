package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ResourceRequirements is the cpu/memory a job declares at admission and
// holds for the duration of its RUNNING status.
type ResourceRequirements struct {
	CPUUnits  int `json:"cpu_units" validate:"min=1,max=16"`
	MemoryMB  int `json:"memory_mb" validate:"min=64,max=8192"`
}

// RetryConfig is the caller-supplied retry policy, bounded per spec §6.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts" validate:"min=1,max=10"`
	BackoffMultiplier float64 `json:"backoff_multiplier" validate:"min=1.0,max=10.0"`
}

// DefaultRetryConfig mirrors spec.md §6's configuration defaults
// (max_retry_attempts=3, retry_backoff_multiplier=2.0).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffMultiplier: 2.0}
}

// JobSpec is the admission payload for POST /jobs. Validation tags are
// enforced by go-playground/validator at the API edge only; the State
// Store does not check these bounds itself.
type JobSpec struct {
	Type                 string                `json:"type" validate:"required,min=1,max=50"`
	Priority             JobPriority           `json:"priority" validate:"omitempty,oneof=CRITICAL HIGH NORMAL LOW"`
	Payload              json.RawMessage       `json:"payload"`
	ResourceRequirements ResourceRequirements  `json:"resource_requirements"`
	DependsOn            []uuid.UUID           `json:"depends_on" validate:"max=10,dive,required"`
	RetryConfig          RetryConfig           `json:"retry_config"`
	TimeoutSeconds       int                   `json:"timeout_seconds" validate:"min=1,max=86400"`
	IdempotencyKey       *string               `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

// Normalize fills in spec-mandated defaults for fields the caller left
// zero-valued, prior to validator.Struct being run on the result.
func (s *JobSpec) Normalize() {
	if s.Priority == "" {
		s.Priority = PriorityNormal
	}
	if len(s.Payload) == 0 {
		s.Payload = json.RawMessage(`{}`)
	}
	if s.ResourceRequirements.CPUUnits == 0 {
		s.ResourceRequirements.CPUUnits = 1
	}
	if s.ResourceRequirements.MemoryMB == 0 {
		s.ResourceRequirements.MemoryMB = 64
	}
	if s.RetryConfig.MaxAttempts == 0 {
		s.RetryConfig.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if s.RetryConfig.BackoffMultiplier == 0 {
		s.RetryConfig.BackoffMultiplier = DefaultRetryConfig().BackoffMultiplier
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = 3600
	}
}

// Job is the durable record of one unit of work, as specified in §3.
type Job struct {
	ID     uuid.UUID   `json:"id"`
	Type   string      `json:"type"`
	Status JobStatus   `json:"status"`
	Priority JobPriority `json:"priority"`

	Payload              json.RawMessage      `json:"payload"`
	ResourceRequirements ResourceRequirements `json:"resource_requirements"`

	TimeoutSeconds int `json:"timeout_seconds"`

	MaxAttempts       int     `json:"max_attempts"`
	CurrentAttempt    int     `json:"current_attempt"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	IdempotencyKey *string `json:"idempotency_key,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`

	// PositionInQueue is populated only on read paths (GET /jobs,
	// GET /jobs/{id}) for non-terminal jobs, per spec §6. It is never
	// persisted.
	PositionInQueue *int `json:"position_in_queue,omitempty"`
}

// AttemptsExhausted reports whether a further retry is disallowed
// because current_attempt+1 would equal max_attempts. Used by the Retry
// Engine to choose between reschedule and permanent failure.
func (j *Job) AttemptsExhausted() bool {
	return j.CurrentAttempt+1 >= j.MaxAttempts
}

// AttemptNumber returns the spec's 1-based "attempt N of M" message
// numbering: the first attempt runs at current_attempt=0, so N is
// current_attempt+1.
func (j *Job) AttemptNumber() int {
	return j.CurrentAttempt + 1
}

// NewJob builds a Job in PENDING or BLOCKED status from a normalized,
// validated JobSpec. hasUnsatisfiedParent is supplied by the caller
// (the admission path, after consulting the Dependency Resolver) since
// Job itself holds no reference to SS.
func NewJob(id uuid.UUID, spec JobSpec, now time.Time, hasUnsatisfiedParent bool) *Job {
	status := StatusPending
	if hasUnsatisfiedParent {
		status = StatusBlocked
	}
	return &Job{
		ID:                   id,
		Type:                 spec.Type,
		Status:               status,
		Priority:             spec.Priority,
		Payload:              spec.Payload,
		ResourceRequirements: spec.ResourceRequirements,
		TimeoutSeconds:       spec.TimeoutSeconds,
		MaxAttempts:          spec.RetryConfig.MaxAttempts,
		CurrentAttempt:       0,
		BackoffMultiplier:    spec.RetryConfig.BackoffMultiplier,
		CreatedAt:            now,
		UpdatedAt:            now,
		IdempotencyKey:       spec.IdempotencyKey,
	}
}

// Outcome is the triple-variant result of a worker run (§4.5, GLOSSARY).
// Exactly one of Result/ErrMessage is meaningful, selected by Kind.
type Outcome struct {
	Kind       OutcomeKind
	Result     json.RawMessage
	ErrMessage string
	Traceback  string

	// Permanent marks a Failure as non-retryable: the Retry Engine
	// treats it as if every attempt were already exhausted, sending it
	// straight to the Dead-Letter Sink instead of scheduling a retry.
	// Set for handler panics and for handler errors wrapped in
	// retry.Permanent.
	Permanent bool
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeTimeout
)

func SuccessOutcome(result json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

func FailureOutcome(message, traceback string) Outcome {
	return Outcome{Kind: OutcomeFailure, ErrMessage: message, Traceback: traceback}
}

func TimeoutOutcome() Outcome {
	return Outcome{Kind: OutcomeTimeout, ErrMessage: "handler exceeded timeout_seconds deadline"}
}
