// Package execution advances process instances.
//
// A process instance is a tree of executions rooted at the instance
// execution. Commands change the tree by queueing atomic operations on the
// agenda of their command context: enter an activity, execute it, leave it,
// take a transition, end an execution. The agenda runs until no operation is
// left; wait states simply queue nothing.
package execution

import (
	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/process"
)

type opKind int

const (
	opEnter opKind = iota
	opExecute
	opLeave
	opTake
	opEnd
)

func (k opKind) String() string {
	switch k {
	case opEnter:
		return "enter"
	case opExecute:
		return "execute"
	case opLeave:
		return "leave"
	case opTake:
		return "take"
	default:
		return "end"
	}
}

type operation struct {
	kind       opKind
	exe        *entity.Execution
	activity   *process.Activity
	transition *process.Transition
	skipAsync  bool
}

const agendaKey command.SessionKey = "execution.agenda"

type agenda struct {
	queue   []operation
	running bool
}

func agendaOf(cc *command.Context) *agenda {
	return command.Session(cc, agendaKey, func(*command.Context) *agenda { return &agenda{} })
}

func (a *agenda) push(op operation) { a.queue = append(a.queue, op) }

// run executes queued operations in order. A nested command that queues
// operations while the agenda is running leaves them to the running loop.
func (a *agenda) run(cc *command.Context) error {
	if a.running {
		return nil
	}
	a.running = true
	defer func() { a.running = false }()

	for len(a.queue) > 0 {
		op := a.queue[0]
		a.queue = a.queue[1:]
		if cc.IsDeleted(op.exe) || op.exe.IsEnded() {
			continue
		}
		if err := perform(cc, op); err != nil {
			a.queue = nil
			return err
		}
	}
	return nil
}

func perform(cc *command.Context, op operation) error {
	cc.Logger().Debugw("Agenda operation",
		"operation", op.kind.String(),
		logger.FieldExecutionID, op.exe.ID,
		logger.FieldActivityID, activityID(op.activity))

	switch op.kind {
	case opEnter:
		return enter(cc, op.exe, op.activity, op.skipAsync)
	case opExecute:
		return execute(cc, op.exe, op.activity)
	case opLeave:
		return leave(cc, op.exe, op.activity)
	case opTake:
		return take(cc, op.exe, op.transition)
	default:
		return end(cc, op.exe)
	}
}

func activityID(a *process.Activity) string {
	if a == nil {
		return ""
	}
	return a.ID
}

// schedule queues op and runs the agenda.
func schedule(cc *command.Context, op operation) error {
	a := agendaOf(cc)
	a.push(op)
	return a.run(cc)
}
