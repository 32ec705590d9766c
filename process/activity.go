// Package process describes process graphs: typed activities joined by
// transitions, built in Go with a Builder and kept in a Repository.
//
//	b := process.New("invoice", "1.0.0")
//	b.StartEvent("start")
//	b.ServiceTask("charge", chargeCard, process.AsyncBefore())
//	b.EndEvent("done")
//	b.Flow("start", "charge")
//	b.Flow("charge", "done")
//	def, err := b.Build()
package process

import (
	"context"
)

// ActivityType is the closed set of node kinds the engine executes.
type ActivityType int

const (
	StartEvent ActivityType = iota + 1
	EndEvent
	TerminateEndEvent
	ServiceTask
	ScriptTask
	UserTask
	ReceiveTask
	ExclusiveGateway
	ParallelGateway
	SubProcess
	IntermediateTimer
	BoundaryTimer
)

func (t ActivityType) String() string {
	switch t {
	case StartEvent:
		return "startEvent"
	case EndEvent:
		return "endEvent"
	case TerminateEndEvent:
		return "terminateEndEvent"
	case ServiceTask:
		return "serviceTask"
	case ScriptTask:
		return "scriptTask"
	case UserTask:
		return "userTask"
	case ReceiveTask:
		return "receiveTask"
	case ExclusiveGateway:
		return "exclusiveGateway"
	case ParallelGateway:
		return "parallelGateway"
	case SubProcess:
		return "subProcess"
	case IntermediateTimer:
		return "intermediateTimerEvent"
	case BoundaryTimer:
		return "boundaryTimerEvent"
	default:
		return "unknown"
	}
}

// IsWaitState reports whether an execution rests at activities of this type
// until it is signalled or a timer fires.
func (t ActivityType) IsWaitState() bool {
	switch t {
	case UserTask, ReceiveTask, IntermediateTimer:
		return true
	}
	return false
}

// ActivityExecution is the view of the current execution handed to service
// task delegates.
type ActivityExecution interface {
	Context() context.Context
	ExecutionID() string
	ProcessInstanceID() string
	ActivityID() string
	BusinessKey() string

	// Variable resolves name from this execution up to the root.
	Variable(name string) (any, bool, error)
	Variables() (map[string]any, error)
	// SetVariable updates the nearest scope defining name, else the root.
	SetVariable(name string, value any) error
	// SetVariableLocal writes name on this execution.
	SetVariableLocal(name string, value any) error
}

// Delegate implements a service task. A returned error aborts the command
// and rolls back its transaction.
type Delegate func(ActivityExecution) error

// Activity is one node of a process graph.
type Activity struct {
	ID   string
	Name string
	Type ActivityType

	// Parent is the enclosing sub-process, nil at the top level.
	Parent *Activity

	Incoming []*Transition
	Outgoing []*Transition

	Delegate       Delegate // ServiceTask
	Script         string   // ScriptTask expression
	ResultVariable string   // ScriptTask, optional
	DefaultFlow    string   // ExclusiveGateway, optional transition id

	Timer      *TimerDefinition // IntermediateTimer, BoundaryTimer, timer StartEvent
	AttachedTo *Activity        // BoundaryTimer
	Boundaries []*Activity      // boundary events attached to this activity

	// SubProcess contents
	Children []*Activity
	Initial  *Activity

	AsyncBefore bool
	Exclusive   bool
	JobPriority int
}

// IsScope reports whether entering the activity creates a scope execution.
func (a *Activity) IsScope() bool {
	return a.Type == SubProcess
}

// HasBoundaries reports whether boundary events are attached.
func (a *Activity) HasBoundaries() bool {
	return len(a.Boundaries) > 0
}

// Transition is a directed sequence flow between two activities of the same scope.
type Transition struct {
	ID        string
	Source    *Activity
	Target    *Activity
	Condition string // expression; empty means unconditional
}

// Option configures an activity declared on a Builder.
type Option func(*Activity)

// AsyncBefore makes the engine create an async-continuation job instead of
// executing the activity in the calling transaction.
func AsyncBefore() Option {
	return func(a *Activity) { a.AsyncBefore = true }
}

// NonExclusive allows the activity's jobs to run concurrently with other
// jobs of the same process instance.
func NonExclusive() Option {
	return func(a *Activity) { a.Exclusive = false }
}

// JobPriority sets the priority of jobs created for the activity.
// Higher runs first among jobs due at the same time.
func JobPriority(p int) Option {
	return func(a *Activity) { a.JobPriority = p }
}

// Named sets a display name.
func Named(name string) Option {
	return func(a *Activity) { a.Name = name }
}

// DefaultFlow marks the transition taken by an exclusive gateway when no
// condition matches.
func DefaultFlow(transitionID string) Option {
	return func(a *Activity) { a.DefaultFlow = transitionID }
}

// ResultVariable stores a script task's result in the named variable.
func ResultVariable(name string) Option {
	return func(a *Activity) { a.ResultVariable = name }
}

// FlowOption configures a transition.
type FlowOption func(*Transition)

// Condition guards a transition with an expression evaluated against the
// execution's variables.
func Condition(expression string) FlowOption {
	return func(t *Transition) { t.Condition = expression }
}

// FlowID names a transition. Unnamed transitions get "<source>-<target>".
func FlowID(id string) FlowOption {
	return func(t *Transition) { t.ID = id }
}
