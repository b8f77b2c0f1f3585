package domain

import "github.com/google/uuid"

// JobDependency is a directed parent->child edge. A child cannot run
// until the parent reaches COMPLETED. Uniqueness on (parent, child) and
// DAG-ness are enforced by the State Store at insertion time.
type JobDependency struct {
	ParentJobID uuid.UUID `json:"parent_job_id"`
	ChildJobID  uuid.UUID `json:"child_job_id"`
}
