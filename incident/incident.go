// Package incident records failures that need an operator: jobs that ran
// out of retries and jobs whose execution no longer exists.
//
// Incidents are only ever created and resolved. Nothing resolves them
// automatically, not even restoring the retries of the failed job.
package incident

import (
	"context"

	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/metrics"
	"github.com/teranos/weft/store"
)

// Spec describes a new incident.
type Spec struct {
	Type              entity.IncidentType
	JobID             string
	ExecutionID       string
	ProcessInstanceID string
	ActivityID        string
	Message           string
	Stacktrace        string
}

// ForJob fills the job references of a spec.
func ForJob(typ entity.IncidentType, job *entity.Job, message string) Spec {
	return Spec{
		Type:              typ,
		JobID:             job.ID,
		ExecutionID:       job.ExecutionID,
		ProcessInstanceID: job.ProcessInstanceID,
		ActivityID:        job.ActivityID,
		Message:           message,
		Stacktrace:        job.ExceptionStacktrace,
	}
}

// HasOpen reports whether jobID has a stored open incident.
func HasOpen(cc *command.Context, jobID string) (bool, error) {
	open, err := cc.Store().ListIncidents(cc.Ctx(), store.IncidentFilter{
		JobID: jobID,
		State: entity.IncidentOpen,
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

// Create appends an open incident in the running command.
func Create(cc *command.Context, s Spec) *entity.Incident {
	inc := &entity.Incident{
		Type:              s.Type,
		JobID:             s.JobID,
		ExecutionID:       s.ExecutionID,
		ProcessInstanceID: s.ProcessInstanceID,
		ActivityID:        s.ActivityID,
		Message:           s.Message,
		Stacktrace:        s.Stacktrace,
		State:             entity.IncidentOpen,
		CreatedAt:         cc.Now(),
	}
	cc.Insert(inc)
	cc.OnCommit(func(_ context.Context) {
		cc.Executor().Metrics().Inc(metrics.IncidentsCreated)
		cc.Logger().Warnw("Incident created",
			logger.FieldIncidentID, inc.ID,
			"type", string(inc.Type),
			logger.FieldJobID, inc.JobID,
			logger.FieldProcessInstanceID, inc.ProcessInstanceID,
			"message", inc.Message)
	})
	return inc
}

// ResolveIncidentCmd marks an open incident resolved.
type ResolveIncidentCmd struct {
	IncidentID string
}

func (c ResolveIncidentCmd) Execute(cc *command.Context) (*entity.Incident, error) {
	if c.IncidentID == "" {
		return nil, errors.Validation("incident id is required")
	}
	inc, err := cc.Incident(c.IncidentID)
	if err != nil {
		return nil, err
	}
	if inc.State == entity.IncidentResolved {
		return nil, errors.Validation("incident %s is already resolved", inc.ID)
	}
	now := cc.Now()
	inc.State = entity.IncidentResolved
	inc.ResolvedAt = &now
	cc.Update(inc)
	return inc, nil
}

// ListIncidentsCmd queries incidents.
type ListIncidentsCmd struct {
	Filter store.IncidentFilter
}

func (c ListIncidentsCmd) Execute(cc *command.Context) ([]*entity.Incident, error) {
	return cc.Store().ListIncidents(cc.Ctx(), c.Filter)
}
