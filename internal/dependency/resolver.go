// Package dependency implements the Dependency Resolver (spec §4.3):
// graph queries over the State Store answering whether a job's parents
// are satisfied, and the promotion/cascade-failure walks triggered when
// a parent reaches a terminal status.
package dependency

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rezkam/jobqueue/internal/domain"
	"github.com/rezkam/jobqueue/internal/ptr"
	"github.com/rezkam/jobqueue/internal/store"
)

// Enqueuer is the subset of the Ready Queue the resolver needs to push
// newly-READY jobs, kept narrow per the teacher's interface-segregation
// style (consumer-owned interfaces, not the producer's full API).
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job) error
}

type Resolver struct {
	store store.Store
	queue Enqueuer
}

func New(s store.Store, q Enqueuer) *Resolver {
	return &Resolver{store: s, queue: q}
}

// AreParentsSatisfied returns true iff every parent of jobID has
// status COMPLETED; true (vacuously) when jobID has no parents.
func (r *Resolver) AreParentsSatisfied(ctx context.Context, jobID uuid.UUID) (bool, error) {
	statuses, err := r.store.ParentStatuses(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to read parent statuses: %w", err)
	}
	for _, st := range statuses {
		if st != domain.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// WouldCreateCycle delegates to the State Store's DFS (spec §4.3),
// exposed here so callers only need the Dependency Resolver, not a
// direct store.Store reference, for admission-time validation.
func (r *Resolver) WouldCreateCycle(ctx context.Context, candidateChild uuid.UUID, proposedParents []uuid.UUID) (bool, error) {
	return r.store.WouldCreateCycle(ctx, candidateChild, proposedParents)
}

// PromoteDependentsOf transitions every BLOCKED child of parentID to
// READY (and enqueues it) if all of that child's parents are now
// COMPLETED. Idempotent: a child already promoted by a concurrent call
// simply fails the CompareAndSetStatus and is skipped.
func (r *Resolver) PromoteDependentsOf(ctx context.Context, parentID uuid.UUID) error {
	children, err := r.store.Children(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to list children of %s: %w", parentID, err)
	}

	for _, childID := range children {
		satisfied, err := r.AreParentsSatisfied(ctx, childID)
		if err != nil {
			return fmt.Errorf("failed to check readiness of %s: %w", childID, err)
		}
		if !satisfied {
			continue
		}

		ok, err := r.store.CompareAndSetStatus(ctx, childID, domain.StatusBlocked, domain.StatusReady, store.StatusPatch{})
		if err != nil {
			return fmt.Errorf("failed to promote %s to ready: %w", childID, err)
		}
		if !ok {
			continue // already promoted or moved on (e.g. cancelled) by a concurrent caller
		}

		child, err := r.store.GetJob(ctx, childID)
		if err != nil {
			return fmt.Errorf("failed to reload promoted job %s: %w", childID, err)
		}
		if err := r.queue.Enqueue(ctx, child); err != nil {
			return fmt.Errorf("failed to enqueue promoted job %s: %w", childID, err)
		}
	}

	return nil
}

// FailDependentsOf walks the transitive closure of parentID's
// descendants and marks every non-terminal one FAILED with the fixed
// message "Dependency job failed" (spec §4.3, §8 scenario 6). The walk
// is iterative with an explicit visited set, per spec §9's graph
// traversal design note, so it terminates and bounds stack usage even
// for large fan-out.
func (r *Resolver) FailDependentsOf(ctx context.Context, parentID uuid.UUID) error {
	visited := make(map[uuid.UUID]bool)
	stack, err := r.store.Children(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to list children of %s: %w", parentID, err)
	}

	for len(stack) > 0 {
		n := len(stack) - 1
		id := stack[n]
		stack = stack[:n]

		if visited[id] {
			continue
		}
		visited[id] = true

		job, err := r.store.GetJob(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load dependent %s: %w", id, err)
		}

		if job.Status.IsNonTerminal() {
			patch := store.StatusPatch{ErrorMessage: ptr.To("Dependency job failed")}
			if err := r.store.SetStatus(ctx, id, domain.StatusFailed, patch); err != nil {
				return fmt.Errorf("failed to cascade-fail %s: %w", id, err)
			}
		}

		grandchildren, err := r.store.Children(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list children of %s: %w", id, err)
		}
		for _, gc := range grandchildren {
			if !visited[gc] {
				stack = append(stack, gc)
			}
		}
	}

	return nil
}
