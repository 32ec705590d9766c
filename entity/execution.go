package entity

import "time"

// ExecutionState is the lifecycle state of an execution.
type ExecutionState string

const (
	StateActive   ExecutionState = "active"
	StateInactive ExecutionState = "inactive"
	StateEnded    ExecutionState = "ended"
)

// Execution is one node of a process instance's execution tree.
type Execution struct {
	Base
	ParentID            string         `json:"parent_id,omitempty"`
	ProcessInstanceID   string         `json:"process_instance_id"`
	ProcessDefinitionID string         `json:"process_definition_id"`
	BusinessKey         string         `json:"business_key,omitempty"`
	ActivityID          string         `json:"activity_id,omitempty"`
	State               ExecutionState `json:"state"`
	IsConcurrent        bool           `json:"is_concurrent"`
	IsScope             bool           `json:"is_scope"`
	IsEventScope        bool           `json:"is_event_scope"`
	StartedAt           time.Time      `json:"started_at"`
	EndedAt             *time.Time     `json:"ended_at,omitempty"`
}

func (*Execution) Kind() Kind { return KindExecution }

// IsRoot reports whether e is the process instance execution.
func (e *Execution) IsRoot() bool { return e.ParentID == "" }

func (e *Execution) IsActive() bool { return e.State == StateActive }

func (e *Execution) IsEnded() bool { return e.State == StateEnded }
