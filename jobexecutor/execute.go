package jobexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/incident"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/metrics"
)

// Backoff is the delay schedule for failed jobs.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns min(Base*2^(failures-1), Cap) for the given failure count.
func (b Backoff) Delay(failures int) time.Duration {
	if b.Base <= 0 || failures < 1 {
		return 0
	}
	d := b.Base
	for i := 1; i < failures; i++ {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// ExecuteJobCmd runs the handler of one job and deletes the job when the
// handler succeeds. It returns false without error when the job is gone
// or locked by someone other than LockOwner. An empty LockOwner skips the
// owner check.
//
// A handler failure rolls the command back; the failure is then recorded
// by FailedJobCmd in a separate transaction. Optimistic lock conflicts are
// not failures: the command is retried and usually finds the job gone.
type ExecuteJobCmd struct {
	JobID     string
	LockOwner string
	Backoff   Backoff
}

func (c ExecuteJobCmd) Execute(cc *command.Context) (bool, error) {
	job, err := cc.Job(c.JobID)
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.LockOwner != "" && job.LockOwner != c.LockOwner {
		return false, nil
	}
	return true, runHandler(cc, job, c.Backoff, "")
}

// runHandler executes job inside cc. A non-empty operation is the
// operator command running the job; its failure is written to the
// operation log together with the failed run.
func runHandler(cc *command.Context, job *entity.Job, backoff Backoff, operation string) error {
	registerFailure(cc, job.ID, backoff, operation)
	h, ok := cc.Registry().Handler(job.Type)
	if !ok {
		return errors.HandlerExecution(job.ID, job.Type, errors.Newf("no handler registered for job type %q", job.Type))
	}

	ctx := logger.WithJobID(cc.Ctx(), job.ID)
	log := logger.FromContext(ctx, cc.Logger())
	start := time.Now()
	if err := h.Execute(cc, job); err != nil {
		return errors.HandlerExecution(job.ID, job.Type, err)
	}
	cc.Delete(job)
	cc.OnCommit(func(_ context.Context) {
		cc.Executor().Metrics().Inc(metrics.JobsExecuted)
		log.Debugw("Job executed",
			logger.FieldJobType, job.Type,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
	return nil
}

// registerFailure records a failed handler run once the command rolled
// back for a reason other than a conflict.
func registerFailure(cc *command.Context, jobID string, backoff Backoff, operation string) {
	ex := cc.Executor()
	id := cc.Identity()
	cc.OnRollback(func(ctx context.Context, cause error) {
		if cause == nil || errors.IsOptimisticLockConflict(cause) {
			return
		}
		ctx = command.WithIdentity(context.WithoutCancel(ctx), id)
		_, err := command.RunInNewTransaction(ctx, ex, FailedJobCmd{
			JobID:     jobID,
			Cause:     cause,
			Backoff:   backoff,
			Operation: operation,
		})
		if err != nil {
			ex.Logger().Errorw("Failed to record job failure",
				logger.FieldJobID, jobID,
				logger.FieldError, err)
		}
	})
}

// FailedJobCmd records a failed run of a job: one retry less, the error
// with its stack, the lock released and the due date pushed back. The
// last retry raises a failedJob incident instead and leaves the job with
// no retries. A job already out of retries gets no second open incident.
//
// Operation names the operator command that ran the job, if any; the
// failed run is then written to the operation log.
type FailedJobCmd struct {
	JobID     string
	Cause     error
	Backoff   Backoff
	Operation string
}

func (c FailedJobCmd) Execute(cc *command.Context) (*entity.Job, error) {
	job, err := cc.Job(c.JobID)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cause := c.Cause
	if cause == nil {
		cause = errors.New("job failed")
	}
	job.Retries = max(job.Retries-1, 0)
	job.Failures++
	job.ExceptionMessage = cause.Error()
	job.ExceptionStacktrace = fmt.Sprintf("%+v", cause)
	job.Unlock()

	now := cc.Now()
	if job.Retries > 0 {
		base := job.DueDate
		if now.After(base) {
			base = now
		}
		job.DueDate = base.Add(c.Backoff.Delay(job.Failures))
	} else {
		open, err := incident.HasOpen(cc, job.ID)
		if err != nil {
			return nil, err
		}
		if !open {
			incident.Create(cc, incident.ForJob(entity.IncidentFailedJob, job, job.ExceptionMessage))
		}
	}
	cc.Update(job)
	if c.Operation != "" {
		recordOperation(cc, c.Operation, []*entity.Job{job}, "failed: "+job.ExceptionMessage)
	}

	cc.OnCommit(func(_ context.Context) {
		cc.Executor().Metrics().Inc(metrics.JobsFailed)
		cc.Logger().Infow("Job failed",
			logger.FieldJobID, job.ID,
			logger.FieldJobType, job.Type,
			logger.FieldRetries, job.Retries,
			logger.FieldDueDate, job.DueDate,
			logger.FieldError, job.ExceptionMessage)
	})
	return job, nil
}
