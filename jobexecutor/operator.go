package jobexecutor

import (
	"context"
	"fmt"

	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/store"
)

// Operation names written to the operation log.
const (
	OpSetJobRetries = "SetJobRetries"
	OpSuspendJobs   = "SuspendJob"
	OpActivateJobs  = "ActivateJob"
	OpExecuteJobNow = "ExecuteJob"
	OpUnlockJobs    = "UnlockJobs"
)

// JobSelector names the jobs of a bulk operation: explicit ids, or every
// job of a process instance.
type JobSelector struct {
	JobIDs            []string
	ProcessInstanceID string
}

func (s JobSelector) load(cc *command.Context) ([]*entity.Job, error) {
	switch {
	case len(s.JobIDs) > 0:
		jobs := make([]*entity.Job, 0, len(s.JobIDs))
		for _, id := range s.JobIDs {
			j, err := cc.Job(id)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
		return jobs, nil
	case s.ProcessInstanceID != "":
		return cc.ListJobs(store.JobFilter{ProcessInstanceID: s.ProcessInstanceID, Limit: -1})
	default:
		return nil, errors.Validation("job ids or a process instance id are required")
	}
}

// checkFailureThreshold rejects an operation touching more entities than
// the policy allows, before anything is changed.
func checkFailureThreshold(cc *command.Context, op string, affected int) error {
	limit := cc.OperationLog().FailureThreshold
	if limit > 0 && affected > limit {
		return errors.Validation("%s would affect %d jobs, more than the allowed %d", op, affected, limit)
	}
	return nil
}

// recordOperation writes the operation log entries of a bulk operation:
// one per job, or a single summary when more jobs were affected than the
// summary threshold.
func recordOperation(cc *command.Context, op string, jobs []*entity.Job, details string) {
	if len(jobs) == 0 {
		return
	}
	user := cc.Identity().UserID
	now := cc.Now()
	threshold := cc.OperationLog().SummaryThreshold
	if threshold >= 0 && len(jobs) > threshold {
		cc.Insert(&entity.OperationLogEntry{
			Operation:     op,
			EntityKind:    entity.KindJob,
			AffectedCount: len(jobs),
			UserID:        user,
			CreatedAt:     now,
			Details:       details,
		})
		return
	}
	for _, j := range jobs {
		cc.Insert(&entity.OperationLogEntry{
			Operation:     op,
			EntityKind:    entity.KindJob,
			TargetID:      j.ID,
			AffectedCount: 1,
			UserID:        user,
			CreatedAt:     now,
			Details:       details,
		})
	}
}

func logOperation(cc *command.Context, op string, affected int) {
	cc.OnCommit(func(_ context.Context) {
		cc.Logger().Infow("Operator command applied",
			logger.FieldCommand, op,
			logger.FieldCount, affected,
			logger.FieldUserID, cc.Identity().UserID)
	})
}

// SetJobRetriesCmd sets the retries of the selected jobs. Open incidents
// of those jobs stay open.
type SetJobRetriesCmd struct {
	JobSelector
	Retries int
}

func (c SetJobRetriesCmd) Execute(cc *command.Context) (int, error) {
	if c.Retries < 0 {
		return 0, errors.Validation("retries must not be negative, got %d", c.Retries)
	}
	jobs, err := c.load(cc)
	if err != nil {
		return 0, err
	}
	if err := checkFailureThreshold(cc, OpSetJobRetries, len(jobs)); err != nil {
		return 0, err
	}
	for _, j := range jobs {
		j.Retries = c.Retries
		cc.Update(j)
	}
	recordOperation(cc, OpSetJobRetries, jobs, fmt.Sprintf("retries=%d", c.Retries))
	logOperation(cc, OpSetJobRetries, len(jobs))
	return len(jobs), nil
}

// SuspendJobsCmd hides the selected jobs from acquisition.
type SuspendJobsCmd struct {
	JobSelector
}

func (c SuspendJobsCmd) Execute(cc *command.Context) (int, error) {
	return setSuspended(cc, c.JobSelector, true, OpSuspendJobs)
}

// ActivateJobsCmd makes suspended jobs acquirable again.
type ActivateJobsCmd struct {
	JobSelector
}

func (c ActivateJobsCmd) Execute(cc *command.Context) (int, error) {
	return setSuspended(cc, c.JobSelector, false, OpActivateJobs)
}

func setSuspended(cc *command.Context, sel JobSelector, suspended bool, op string) (int, error) {
	jobs, err := sel.load(cc)
	if err != nil {
		return 0, err
	}
	if err := checkFailureThreshold(cc, op, len(jobs)); err != nil {
		return 0, err
	}
	var changed []*entity.Job
	for _, j := range jobs {
		if j.Suspended == suspended {
			continue
		}
		j.Suspended = suspended
		cc.Update(j)
		changed = append(changed, j)
	}
	recordOperation(cc, op, changed, "")
	logOperation(cc, op, len(changed))
	return len(changed), nil
}

// ExecuteJobNowCmd runs a job immediately, ignoring its due date and
// suspension. A job locked by a running executor is refused. A handler
// failure is returned to the caller and also recorded on the job, with an
// operation log entry of its own since this command's entry rolls back.
type ExecuteJobNowCmd struct {
	JobID   string
	Backoff Backoff
}

func (c ExecuteJobNowCmd) Execute(cc *command.Context) (struct{}, error) {
	if c.JobID == "" {
		return struct{}{}, errors.Validation("job id is required")
	}
	job, err := cc.Job(c.JobID)
	if err != nil {
		return struct{}{}, err
	}
	if job.IsLocked(cc.Now()) {
		return struct{}{}, errors.Validation("job %s is locked by %s", job.ID, job.LockOwner)
	}
	recordOperation(cc, OpExecuteJobNow, []*entity.Job{job}, "")
	return struct{}{}, runHandler(cc, job, c.Backoff, OpExecuteJobNow)
}

// UnlockJobsCmd releases every lock held by LockOwner. Executors run it
// on shutdown so their unfinished jobs are picked up without waiting for
// lock expiry. The failure threshold does not apply.
type UnlockJobsCmd struct {
	LockOwner string
}

func (c UnlockJobsCmd) Execute(cc *command.Context) (int, error) {
	if c.LockOwner == "" {
		return 0, errors.Validation("lock owner is required")
	}
	jobs, err := cc.ListJobs(store.JobFilter{LockOwner: c.LockOwner, Limit: -1})
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		j.Unlock()
		cc.Update(j)
	}
	recordOperation(cc, OpUnlockJobs, jobs, "lock_owner="+c.LockOwner)
	return len(jobs), nil
}

// ListJobsCmd queries jobs.
type ListJobsCmd struct {
	Filter store.JobFilter
}

func (c ListJobsCmd) Execute(cc *command.Context) ([]*entity.Job, error) {
	return cc.Store().ListJobs(cc.Ctx(), c.Filter)
}

// ListOperationLogCmd returns the newest operation log entries.
type ListOperationLogCmd struct {
	Limit int
}

func (c ListOperationLogCmd) Execute(cc *command.Context) ([]*entity.OperationLogEntry, error) {
	return cc.Store().ListOperationLog(cc.Ctx(), c.Limit)
}
