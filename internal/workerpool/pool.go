// Package workerpool implements the Worker Pool (spec §4.5): bounded
// concurrent execution of Job handlers under a hard per-job deadline,
// with panic recovery, grounded on the teacher's
// internal/application/worker.GenerationWorker (executeWithRecovery).
package workerpool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rezkam/jobqueue/internal/domain"
	"github.com/rezkam/jobqueue/internal/retry"
)

// Handler processes a job's payload and returns its result as JSON, or
// an error. Handlers are pure consumers of the payload; any side
// effects are the handler's own responsibility (spec §4.5).
type Handler func(ctx context.Context, job *domain.Job) (result []byte, err error)

// Registry maps job.Type to a Handler, falling back to a generic
// handler for unknown types (spec §4.5, §6).
type Registry struct {
	byType  map[string]Handler
	generic Handler
}

func NewRegistry(generic Handler) *Registry {
	return &Registry{byType: make(map[string]Handler), generic: generic}
}

func (r *Registry) Register(jobType string, h Handler) {
	r.byType[jobType] = h
}

func (r *Registry) resolve(jobType string) Handler {
	if h, ok := r.byType[jobType]; ok {
		return h
	}
	return r.generic
}

// Pool bounds concurrent job execution to Capacity via a buffered
// semaphore channel, following the teacher's preferred pattern of a
// channel-of-tokens rather than a third-party semaphore package for
// this kind of fixed-capacity gate.
type Pool struct {
	registry     *Registry
	tokens       chan struct{}
	workerIdentity string
	logger       *slog.Logger
}

func New(registry *Registry, capacity int, workerIdentity string, logger *slog.Logger) *Pool {
	return &Pool{
		registry:       registry,
		tokens:         make(chan struct{}, capacity),
		workerIdentity: workerIdentity,
		logger:         logger,
	}
}

// TryAcquire claims one of the pool's capacity tokens without
// blocking, returning false if the pool is at capacity. The dispatcher
// calls this before handing off a newly-admitted job so it never
// blocks its own tick waiting for a slot.
func (p *Pool) TryAcquire() bool {
	select {
	case p.tokens <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a capacity token acquired via TryAcquire. Run calls
// this itself on completion; callers only need it when a TryAcquire
// turns out to be unused (e.g. the popped job failed re-validation).
func (p *Pool) Release() {
	<-p.tokens
}

// Run executes job's handler under a hard deadline equal to
// job.TimeoutSeconds, recovering from panics and converting every
// failure mode into a domain.Outcome, and invokes onDone with the
// result and the JobExecution row to append once finished. Run always
// releases its pool token before returning, including on panic.
//
// The caller (internal/dispatcher) is expected to call this in its own
// goroutine after a successful TryAcquire; Run blocks for the whole
// job duration.
func (p *Pool) Run(ctx context.Context, job *domain.Job, onDone func(domain.Outcome, *domain.JobExecution)) {
	defer p.Release()

	attemptNumber := job.AttemptNumber()
	started := time.Now().UTC()
	exec := &domain.JobExecution{
		JobID:          job.ID,
		AttemptNumber:  attemptNumber,
		Status:         domain.ExecutionStarted,
		StartedAt:      started,
		WorkerIdentity: p.workerIdentity,
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
	defer cancel()

	outcome := p.execute(runCtx, job)

	completed := time.Now().UTC()
	duration := completed.Sub(started).Seconds()
	exec.CompletedAt = &completed
	exec.DurationSeconds = &duration

	switch outcome.Kind {
	case domain.OutcomeSuccess:
		exec.Status = domain.ExecutionCompleted
		exec.Result = outcome.Result
	case domain.OutcomeTimeout:
		exec.Status = domain.ExecutionTimeout
		msg := outcome.ErrMessage
		exec.ErrorMessage = &msg
	default:
		exec.Status = domain.ExecutionFailed
		msg := outcome.ErrMessage
		exec.ErrorMessage = &msg
		if outcome.Traceback != "" {
			tb := outcome.Traceback
			exec.ErrorTraceback = &tb
		}
	}

	onDone(outcome, exec)
}

// execute runs the handler with panic recovery, classifying a deadline
// breach as Timeout and everything else as Failure. A panic is also
// classified as Failure (spec has no separate panic outcome) but marked
// Permanent, with its stack trace carried on the Outcome for logging
// and the JobExecution row. A handler error wrapped in retry.Permanent
// is marked Permanent too.
func (p *Pool) execute(ctx context.Context, job *domain.Job) (outcome domain.Outcome) {
	handler := p.registry.resolve(job.Type)

	resultCh := make(chan domain.Outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				p.logger.Error("job handler panicked", "job_id", job.ID, "panic", r)
				panicErr := &retry.PanicError{Value: r, Stack: stack}
				outcome := domain.FailureOutcome(panicErr.Error(), stack)
				outcome.Permanent = true
				resultCh <- outcome
			}
		}()

		result, err := handler(ctx, job)
		if err != nil {
			outcome := domain.FailureOutcome(err.Error(), "")
			outcome.Permanent = retry.IsPermanent(err)
			resultCh <- outcome
			return
		}
		resultCh <- domain.SuccessOutcome(result)
	}()

	select {
	case outcome = <-resultCh:
		return outcome
	case <-ctx.Done():
		// Best-effort: the handler goroutine observes ctx.Done() itself
		// if it respects context (spec §4.5 requirement on handlers);
		// we don't wait for it to unwind before reporting Timeout.
		return domain.TimeoutOutcome()
	}
}
