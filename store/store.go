// Package store persists engine entities.
//
// Reads go straight to the database and never hold a write lock. Writes
// are collected by a command context and flushed through a Tx, where every
// update and delete names the revision it read:
//
//	tx, err := s.Begin(ctx)
//	...
//	if err := tx.Update(ctx, job, job.Revision()); errors.IsOptimisticLockConflict(err) {
//	    // someone else changed the job since it was read
//	}
package store

import (
	"context"
	"time"

	"github.com/teranos/weft/entity"
)

// Reader is the read side of the store. Missing entities are reported with
// an error for which errors.IsNotFoundError is true.
type Reader interface {
	Load(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error)

	GetExecution(ctx context.Context, id string) (*entity.Execution, error)
	ChildExecutions(ctx context.Context, parentID string) ([]*entity.Execution, error)
	ExecutionsByInstance(ctx context.Context, processInstanceID string) ([]*entity.Execution, error)
	ListProcessInstances(ctx context.Context, filter InstanceFilter) ([]*entity.Execution, error)

	VariablesByExecution(ctx context.Context, executionID string) ([]*entity.Variable, error)
	VariablesByInstance(ctx context.Context, processInstanceID string) ([]*entity.Variable, error)

	GetJob(ctx context.Context, id string) (*entity.Job, error)
	JobsByExecution(ctx context.Context, executionID string) ([]*entity.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*entity.Job, error)
	SelectDueJobs(ctx context.Context, query DueJobsQuery) ([]*entity.Job, error)

	GetIncident(ctx context.Context, id string) (*entity.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*entity.Incident, error)

	ListOperationLog(ctx context.Context, limit int) ([]*entity.OperationLogEntry, error)
}

// Tx applies versioned writes atomically.
type Tx interface {
	// Insert writes e with revision 1. A duplicate key is an optimistic
	// lock conflict: another transaction created the same row first.
	Insert(ctx context.Context, e entity.Entity) error
	// Update writes e if the stored revision equals expectedRevision and
	// sets e's revision to expectedRevision+1.
	Update(ctx context.Context, e entity.Entity, expectedRevision int) error
	// Delete removes e if the stored revision equals e.Revision().
	Delete(ctx context.Context, e entity.Entity) error

	Commit() error
	Rollback() error
}

// Store combines reads with transactional writes.
type Store interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
}

// DueJobsQuery selects acquirable jobs.
type DueJobsQuery struct {
	Now   time.Time
	Limit int
}

// JobFilter narrows ListJobs. Zero fields do not filter.
type JobFilter struct {
	IDs                 []string
	ProcessInstanceID   string
	ProcessDefinitionID string
	Type                string
	LockOwner           string
	Suspended           *bool
	NoRetriesLeft       bool // only jobs with retries = 0
	Limit               int
}

// IncidentFilter narrows ListIncidents. Zero fields do not filter.
type IncidentFilter struct {
	ProcessInstanceID string
	JobID             string
	State             entity.IncidentState
	Limit             int
}

// InstanceFilter narrows ListProcessInstances. Zero fields do not filter.
type InstanceFilter struct {
	DefinitionKey string // matches process_definition_id "key:version"
	State         entity.ExecutionState
	BusinessKey   string
	Limit         int
}

// DefaultListLimit applies when a filter leaves Limit at zero. A negative
// Limit returns every match.
const DefaultListLimit = 100
