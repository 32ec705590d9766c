package entity

import (
	"encoding/json"
	"time"
)

// Built-in job types
const (
	JobTypeTimer             = "timer"
	JobTypeTimerStart        = "timer-start"
	JobTypeAsyncContinuation = "async-continuation"
)

// Job is a unit of deferred work picked up by the job executor.
type Job struct {
	Base
	Type                string     `json:"type"`
	HandlerConfig       string     `json:"handler_config,omitempty"`
	DueDate             time.Time  `json:"due_date"`
	LockOwner           string     `json:"lock_owner,omitempty"`
	LockExpirationTime  *time.Time `json:"lock_expiration_time,omitempty"`
	Retries             int        `json:"retries"`
	Failures            int        `json:"failures"`
	ExceptionMessage    string     `json:"exception_message,omitempty"`
	ExceptionStacktrace string     `json:"exception_stacktrace,omitempty"`
	ProcessInstanceID   string     `json:"process_instance_id,omitempty"`
	ExecutionID         string     `json:"execution_id,omitempty"`
	ProcessDefinitionID string     `json:"process_definition_id,omitempty"`
	ActivityID          string     `json:"activity_id,omitempty"`
	Priority            int        `json:"priority"`
	Exclusive           bool       `json:"exclusive"`
	Suspended           bool       `json:"suspended"`
	Repeat              string     `json:"repeat,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func (*Job) Kind() Kind { return KindJob }

// IsLocked reports whether a lock on j is still valid at now.
func (j *Job) IsLocked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpirationTime != nil && !j.LockExpirationTime.Before(now)
}

// IsAcquirable mirrors the acquisition predicate of the store:
// due, not suspended, retries left, and unlocked or lock expired.
func (j *Job) IsAcquirable(now time.Time) bool {
	if j.DueDate.After(now) || j.Suspended || j.Retries <= 0 {
		return false
	}
	return j.LockOwner == "" || (j.LockExpirationTime != nil && j.LockExpirationTime.Before(now))
}

// Lock assigns j to owner until expiration.
func (j *Job) Lock(owner string, expiration time.Time) {
	j.LockOwner = owner
	j.LockExpirationTime = &expiration
}

// Unlock clears the lock columns.
func (j *Job) Unlock() {
	j.LockOwner = ""
	j.LockExpirationTime = nil
}

// SetConfig stores v as the JSON handler configuration.
func (j *Job) SetConfig(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.HandlerConfig = string(data)
	return nil
}

// DecodeConfig unmarshals the handler configuration into v.
// An empty configuration leaves v untouched.
func (j *Job) DecodeConfig(v any) error {
	if j.HandlerConfig == "" {
		return nil
	}
	return json.Unmarshal([]byte(j.HandlerConfig), v)
}
