package execution

import (
	"strconv"
	"time"

	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/incident"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/process"
	"github.com/teranos/weft/store"
)

func newJob(cc *command.Context, exe *entity.Execution, act *process.Activity, typ string, due time.Time) *entity.Job {
	job := &entity.Job{
		Type:                typ,
		DueDate:             due,
		Retries:             cc.DefaultJobRetries(),
		ProcessInstanceID:   exe.ProcessInstanceID,
		ExecutionID:         exe.ID,
		ProcessDefinitionID: exe.ProcessDefinitionID,
		ActivityID:          act.ID,
		Priority:            act.JobPriority,
		Exclusive:           act.Exclusive,
		CreatedAt:           cc.Now(),
	}
	cc.Insert(job)
	return job
}

func createAsyncJob(cc *command.Context, exe *entity.Execution, act *process.Activity) {
	newJob(cc, exe, act, entity.JobTypeAsyncContinuation, cc.Now())
}

func createTimerJob(cc *command.Context, exe *entity.Execution, act *process.Activity) {
	newJob(cc, exe, act, entity.JobTypeTimer, act.Timer.DueDate(cc.Now()))
}

// createBoundaryJobs schedules one timer job per boundary event of act on
// the execution waiting there.
func createBoundaryJobs(cc *command.Context, exe *entity.Execution, act *process.Activity) {
	for _, b := range act.Boundaries {
		createTimerJob(cc, exe, b)
	}
}

func removeBoundaryJobs(cc *command.Context, exe *entity.Execution, act *process.Activity) error {
	ids := make(map[string]bool, len(act.Boundaries))
	for _, b := range act.Boundaries {
		ids[b.ID] = true
	}
	return removeJobs(cc, exe, func(j *entity.Job) bool {
		return j.Type == entity.JobTypeTimer && ids[j.ActivityID]
	})
}

// TimerStartJobID is the id of the timer-start job of a definition due at
// due. The id is deterministic so nodes deploying the same definition
// create one job, not one each.
func TimerStartJobID(def *process.Definition, due time.Time) string {
	return entity.JobTypeTimerStart + ":" + def.ID() + ":" + strconv.FormatInt(entity.ToMillis(due), 10)
}

func scheduleTimerStart(cc *command.Context, def *process.Definition, due time.Time) *entity.Job {
	act := def.TimerStart
	job := &entity.Job{
		Base:                entity.Base{ID: TimerStartJobID(def, due)},
		Type:                entity.JobTypeTimerStart,
		DueDate:             due,
		Retries:             cc.DefaultJobRetries(),
		ProcessDefinitionID: def.ID(),
		ActivityID:          act.ID,
		Priority:            act.JobPriority,
		Exclusive:           act.Exclusive,
		Repeat:              act.Timer.Cycle,
		CreatedAt:           cc.Now(),
	}
	cc.Insert(job)
	return job
}

// RegisterHandlers binds the built-in job types to reg.
func RegisterHandlers(reg *command.Registry) {
	reg.RegisterHandler(entity.JobTypeTimer, command.JobHandlerFunc(handleTimer))
	reg.RegisterHandler(entity.JobTypeAsyncContinuation, command.JobHandlerFunc(handleAsyncContinuation))
	reg.RegisterHandler(entity.JobTypeTimerStart, command.JobHandlerFunc(handleTimerStart))
}

// jobExecution loads the execution of a job. A missing or ended execution
// yields nil without error.
func jobExecution(cc *command.Context, job *entity.Job) (*entity.Execution, error) {
	exe, err := cc.Execution(job.ExecutionID)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exe.IsEnded() {
		return nil, nil
	}
	return exe, nil
}

// handleTimer fires intermediate and boundary timers. A timer whose
// execution moved on is stale and completes without effect.
func handleTimer(cc *command.Context, job *entity.Job) error {
	exe, err := jobExecution(cc, job)
	if err != nil || exe == nil {
		return err
	}
	act, err := activityOf(cc, exe, job.ActivityID)
	if err != nil {
		return err
	}

	switch act.Type {
	case process.IntermediateTimer:
		if exe.ActivityID != act.ID {
			return staleTimer(cc, job, exe)
		}
		return schedule(cc, operation{kind: opLeave, exe: exe, activity: act})

	case process.BoundaryTimer:
		if exe.ActivityID != act.AttachedTo.ID {
			return staleTimer(cc, job, exe)
		}
		return fireBoundary(cc, exe, act)

	default:
		return errors.Validation("timer job %s points at %s %s", job.ID, act.Type, act.ID)
	}
}

func staleTimer(cc *command.Context, job *entity.Job, exe *entity.Execution) error {
	cc.Logger().Debugw("Dropping stale timer",
		logger.FieldJobID, job.ID,
		logger.FieldExecutionID, exe.ID,
		logger.FieldActivityID, job.ActivityID)
	return nil
}

// fireBoundary interrupts the activity exe waits at and continues along
// the boundary event.
func fireBoundary(cc *command.Context, exe *entity.Execution, boundary *process.Activity) error {
	if err := removeDescendants(cc, exe); err != nil {
		return err
	}
	if err := removeBoundaryJobs(cc, exe, boundary.AttachedTo); err != nil {
		return err
	}
	exe.State = entity.StateActive
	exe.ActivityID = boundary.ID
	cc.Update(exe)
	return schedule(cc, operation{kind: opLeave, exe: exe, activity: boundary})
}

// handleAsyncContinuation executes the activity the job was created for.
// A job whose execution is gone raises an inconsistency incident and is
// removed.
func handleAsyncContinuation(cc *command.Context, job *entity.Job) error {
	exe, err := jobExecution(cc, job)
	if err != nil {
		return err
	}
	if exe == nil || exe.ActivityID != job.ActivityID {
		msg := "execution " + job.ExecutionID + " no longer exists"
		if exe != nil {
			msg = "execution " + exe.ID + " moved from " + job.ActivityID + " to " + exe.ActivityID
		}
		incident.Create(cc, incident.ForJob(entity.IncidentInconsistency, job, msg))
		cc.Delete(job)
		return nil
	}
	act, err := activityOf(cc, exe, job.ActivityID)
	if err != nil {
		return err
	}
	return schedule(cc, operation{kind: opEnter, exe: exe, activity: act, skipAsync: true})
}

// handleTimerStart starts an instance of the job's definition and, for
// cycles, schedules the next firing.
func handleTimerStart(cc *command.Context, job *entity.Job) error {
	def, err := cc.Registry().Processes().Get(job.ProcessDefinitionID)
	if err != nil {
		return err
	}
	if def.TimerStart == nil {
		return errors.Validation("process definition %s has no timer start event", def.ID())
	}
	if _, err := startInstance(cc, def, def.TimerStart, "", nil); err != nil {
		return err
	}
	if job.Repeat == "" {
		return nil
	}
	next := def.TimerStart.Timer.Next(job.DueDate)
	if next.IsZero() {
		return errors.Validation("timer cycle %q of %s has no next time", job.Repeat, def.ID())
	}
	scheduleTimerStart(cc, def, next)
	return nil
}

// timerStartJobs lists the timer-start jobs of a definition.
func timerStartJobs(cc *command.Context, definitionID string) ([]*entity.Job, error) {
	return cc.ListJobs(store.JobFilter{
		Type:                entity.JobTypeTimerStart,
		ProcessDefinitionID: definitionID,
	})
}
