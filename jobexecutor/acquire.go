package jobexecutor

import (
	"time"

	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/store"
)

// WorkUnit is a set of jobs handed to one worker. Exclusive jobs of the
// same process instance acquired together share a unit and run in order.
type WorkUnit struct {
	JobIDs            []string
	ProcessInstanceID string
}

// AcquiredJobs is the result of one acquisition.
type AcquiredJobs struct {
	Units []WorkUnit
	Count int
	// Filled is true when the batch limit was reached, so more due jobs
	// are likely waiting.
	Filled bool
}

// AcquireJobsCmd locks up to Limit due jobs for LockOwner. Two nodes
// selecting the same job conflict on its revision; the loser's command is
// retried and selects again.
type AcquireJobsCmd struct {
	LockOwner    string
	LockDuration time.Duration
	Limit        int
}

func (c AcquireJobsCmd) Execute(cc *command.Context) (AcquiredJobs, error) {
	if c.LockOwner == "" {
		return AcquiredJobs{}, errors.Validation("lock owner is required")
	}
	if c.LockDuration <= 0 {
		return AcquiredJobs{}, errors.Validation("lock duration must be positive, got %s", c.LockDuration)
	}
	now := cc.Now()
	jobs, err := cc.Store().SelectDueJobs(cc.Ctx(), store.DueJobsQuery{Now: now, Limit: c.Limit})
	if err != nil {
		return AcquiredJobs{}, err
	}

	expiration := now.Add(c.LockDuration)
	for _, j := range jobs {
		j.Lock(c.LockOwner, expiration)
		cc.Update(j)
	}
	return AcquiredJobs{
		Units:  group(jobs),
		Count:  len(jobs),
		Filled: c.Limit > 0 && len(jobs) >= c.Limit,
	}, nil
}

// group splits acquired jobs into work units, keeping acquisition order.
func group(jobs []*entity.Job) []WorkUnit {
	var units []WorkUnit
	exclusive := make(map[string]int)
	for _, j := range jobs {
		if !j.Exclusive || j.ProcessInstanceID == "" {
			units = append(units, WorkUnit{JobIDs: []string{j.ID}, ProcessInstanceID: j.ProcessInstanceID})
			continue
		}
		if i, ok := exclusive[j.ProcessInstanceID]; ok {
			units[i].JobIDs = append(units[i].JobIDs, j.ID)
			continue
		}
		exclusive[j.ProcessInstanceID] = len(units)
		units = append(units, WorkUnit{JobIDs: []string{j.ID}, ProcessInstanceID: j.ProcessInstanceID})
	}
	return units
}
