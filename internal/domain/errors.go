package domain

import "errors"

// Sentinel errors for the taxonomy of §7: Validation, Not-Found, and
// State-Conflict are distinguished so the API layer can map them to the
// right status code with errors.Is, without string matching.
var (
	// ErrNotFound is returned when a job, dependency, or DLQ entry id is
	// unknown to the State Store.
	ErrNotFound = errors.New("job: not found")

	// ErrValidation wraps malformed input: field out of range, unknown
	// dependency id, or any other request-shape problem.
	ErrValidation = errors.New("job: validation failed")

	// ErrCycle is a specific Validation case: the requested dependency
	// edge would create a cycle in the dependency graph.
	ErrCycle = errors.New("job: dependency would create a cycle")

	// ErrStateConflict is returned when an operation is not valid from
	// the job's current status, e.g. cancelling a COMPLETED job.
	ErrStateConflict = errors.New("job: invalid state transition")

	// ErrIdempotencyKeyInUse signals an idempotency_key collision to
	// callers that need to distinguish it from a generic conflict; the
	// State Store itself resolves this by returning the prior Job, not
	// by surfacing this error, per spec's create_job contract.
	ErrIdempotencyKeyInUse = errors.New("job: idempotency key already in use")
)
