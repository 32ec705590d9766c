package entity

import "time"

type IncidentType string

const (
	IncidentFailedJob     IncidentType = "failedJob"
	IncidentInconsistency IncidentType = "inconsistency"
)

type IncidentState string

const (
	IncidentOpen     IncidentState = "open"
	IncidentResolved IncidentState = "resolved"
)

// Incident records a failure that needs an operator.
type Incident struct {
	Base
	Type              IncidentType  `json:"type"`
	JobID             string        `json:"job_id,omitempty"`
	ExecutionID       string        `json:"execution_id,omitempty"`
	ProcessInstanceID string        `json:"process_instance_id,omitempty"`
	ActivityID        string        `json:"activity_id,omitempty"`
	Message           string        `json:"message"`
	Stacktrace        string        `json:"stacktrace,omitempty"`
	State             IncidentState `json:"state"`
	CreatedAt         time.Time     `json:"created_at"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
}

func (*Incident) Kind() Kind { return KindIncident }

// OperationLogEntry records a bulk operator action.
type OperationLogEntry struct {
	Base
	Operation     string    `json:"operation"`
	EntityKind    Kind      `json:"entity_kind"`
	TargetID      string    `json:"entity_id,omitempty"` // empty for summary entries
	AffectedCount int       `json:"affected_count"`
	UserID        string    `json:"user_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Details       string    `json:"details,omitempty"`
}

func (*OperationLogEntry) Kind() Kind { return KindOperationLog }
