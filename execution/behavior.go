package execution

import (
	"maps"

	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/expr"
	"github.com/teranos/weft/process"
)

// ErrNoOutgoingFlow is returned when no outgoing flow of an activity can
// be taken.
var ErrNoOutgoingFlow = errors.New("no outgoing sequence flow")

func enter(cc *command.Context, exe *entity.Execution, act *process.Activity, skipAsync bool) error {
	exe.ActivityID = act.ID
	cc.Update(exe)
	if act.AsyncBefore && !skipAsync {
		createAsyncJob(cc, exe, act)
		return nil
	}
	return execute(cc, exe, act)
}

func execute(cc *command.Context, exe *entity.Execution, act *process.Activity) error {
	a := agendaOf(cc)
	switch act.Type {
	case process.StartEvent:
		a.push(operation{kind: opLeave, exe: exe, activity: act})

	case process.EndEvent:
		a.push(operation{kind: opEnd, exe: exe})

	case process.TerminateEndEvent:
		scope, err := scopeOf(cc, exe)
		if err != nil {
			return err
		}
		return complete(cc, scope)

	case process.ServiceTask:
		if err := act.Delegate(&activityExecution{cc: cc, exe: exe}); err != nil {
			return errors.Wrapf(err, "service task %s", act.ID)
		}
		a.push(operation{kind: opLeave, exe: exe, activity: act})

	case process.ScriptTask:
		result, err := evaluate(cc, exe, act.Script)
		if err != nil {
			return errors.Wrapf(err, "script task %s", act.ID)
		}
		if act.ResultVariable != "" {
			if err := setVariable(cc, exe, act.ResultVariable, result); err != nil {
				return err
			}
		}
		a.push(operation{kind: opLeave, exe: exe, activity: act})

	case process.UserTask, process.ReceiveTask:
		createBoundaryJobs(cc, exe, act)

	case process.IntermediateTimer:
		createTimerJob(cc, exe, act)

	case process.ExclusiveGateway:
		if len(act.Outgoing) == 0 {
			a.push(operation{kind: opEnd, exe: exe})
			return nil
		}
		t, err := chooseFlow(cc, exe, act)
		if err != nil {
			return err
		}
		a.push(operation{kind: opTake, exe: exe, transition: t})

	case process.ParallelGateway:
		return join(cc, exe, act)

	case process.SubProcess:
		exe.State = entity.StateInactive
		scope := newChild(cc, exe, false, true)
		scope.ActivityID = act.Initial.ID
		createBoundaryJobs(cc, exe, act)
		a.push(operation{kind: opEnter, exe: scope, activity: act.Initial})

	case process.BoundaryTimer:
		// Reached only when its timer fires; see fireBoundary.
		a.push(operation{kind: opLeave, exe: exe, activity: act})

	default:
		return errors.AssertionFailedf("unsupported activity type %s", act.Type)
	}
	return nil
}

// leave takes every outgoing flow whose condition holds. Forking happens
// when more than one applies; no outgoing flow ends the execution.
func leave(cc *command.Context, exe *entity.Execution, act *process.Activity) error {
	if act.HasBoundaries() {
		if err := removeBoundaryJobs(cc, exe, act); err != nil {
			return err
		}
	}
	if len(act.Outgoing) == 0 {
		agendaOf(cc).push(operation{kind: opEnd, exe: exe})
		return nil
	}

	var flows []*process.Transition
	if act.Type == process.ParallelGateway {
		flows = act.Outgoing
	} else {
		for _, t := range act.Outgoing {
			ok, err := holds(cc, exe, t)
			if err != nil {
				return err
			}
			if ok {
				flows = append(flows, t)
			}
		}
	}
	if len(flows) == 0 {
		return errors.Wrapf(ErrNoOutgoingFlow, "activity %s", act.ID)
	}
	return fork(cc, exe, flows)
}

func take(cc *command.Context, exe *entity.Execution, t *process.Transition) error {
	exe.ActivityID = t.Target.ID
	cc.Update(exe)
	agendaOf(cc).push(operation{kind: opEnter, exe: exe, activity: t.Target})
	return nil
}

// end removes a finished token. The scope completes once its last token
// is gone.
func end(cc *command.Context, exe *entity.Execution) error {
	if exe.IsScope || exe.IsRoot() {
		return complete(cc, exe)
	}
	parent, err := cc.Execution(exe.ParentID)
	if err != nil {
		return err
	}
	if err := remove(cc, exe); err != nil {
		return err
	}
	children, err := cc.ChildExecutions(parent.ID)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return complete(cc, parent)
	}
	return nil
}

// fork sends exe down the first flow and new concurrent executions down
// the others. A scope execution becomes the inactive parent of all of them.
func fork(cc *command.Context, exe *entity.Execution, flows []*process.Transition) error {
	a := agendaOf(cc)
	if len(flows) == 1 {
		a.push(operation{kind: opTake, exe: exe, transition: flows[0]})
		return nil
	}

	if exe.IsConcurrent && !exe.IsScope {
		parent, err := cc.Execution(exe.ParentID)
		if err != nil {
			return err
		}
		a.push(operation{kind: opTake, exe: exe, transition: flows[0]})
		for _, t := range flows[1:] {
			sibling := newChild(cc, parent, true, false)
			sibling.ActivityID = exe.ActivityID
			a.push(operation{kind: opTake, exe: sibling, transition: t})
		}
		return nil
	}

	from := exe.ActivityID
	exe.State = entity.StateInactive
	exe.IsConcurrent = true
	exe.ActivityID = ""
	cc.Update(exe)
	for _, t := range flows {
		child := newChild(cc, exe, true, false)
		child.ActivityID = from
		a.push(operation{kind: opTake, exe: child, transition: t})
	}
	return nil
}

// join parks exe at a parallel gateway until one token per incoming flow
// has arrived. The last arrival continues; if no other token is left in
// the scope, the scope execution itself continues.
func join(cc *command.Context, exe *entity.Execution, gw *process.Activity) error {
	a := agendaOf(cc)
	if len(gw.Incoming) <= 1 {
		a.push(operation{kind: opLeave, exe: exe, activity: gw})
		return nil
	}
	exe.State = entity.StateInactive
	cc.Update(exe)
	if !exe.IsConcurrent || exe.IsScope {
		return nil
	}

	parent, err := cc.Execution(exe.ParentID)
	if err != nil {
		return err
	}
	siblings, err := cc.ChildExecutions(parent.ID)
	if err != nil {
		return err
	}
	joined := []*entity.Execution{exe}
	others := 0
	for _, s := range siblings {
		switch {
		case s.ID == exe.ID:
		case s.ActivityID == gw.ID && s.State == entity.StateInactive && len(joined) < len(gw.Incoming):
			joined = append(joined, s)
		default:
			others++
		}
	}
	if len(joined) < len(gw.Incoming) {
		return nil
	}

	if others == 0 {
		for _, s := range joined {
			if err := remove(cc, s); err != nil {
				return err
			}
		}
		parent.State = entity.StateActive
		parent.IsConcurrent = false
		parent.ActivityID = gw.ID
		cc.Update(parent)
		a.push(operation{kind: opLeave, exe: parent, activity: gw})
		return nil
	}

	for _, s := range joined[1:] {
		if err := remove(cc, s); err != nil {
			return err
		}
	}
	exe.State = entity.StateActive
	a.push(operation{kind: opLeave, exe: exe, activity: gw})
	return nil
}

func chooseFlow(cc *command.Context, exe *entity.Execution, gw *process.Activity) (*process.Transition, error) {
	var fallback *process.Transition
	for _, t := range gw.Outgoing {
		if t.ID == gw.DefaultFlow {
			fallback = t
			continue
		}
		ok, err := holds(cc, exe, t)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.Wrapf(ErrNoOutgoingFlow, "exclusive gateway %s", gw.ID)
}

func holds(cc *command.Context, exe *entity.Execution, t *process.Transition) (bool, error) {
	if t.Condition == "" {
		return true, nil
	}
	ev := cc.Registry().Evaluator()
	if ev == nil {
		return false, errors.Newf("flow %s has a condition but no expression evaluator is configured", t.ID)
	}
	view, err := variableView(cc, exe)
	if err != nil {
		return false, err
	}
	ok, err := expr.EvaluateBool(cc.Ctx(), ev, t.Condition, maps.Clone(view))
	if err != nil {
		return false, errors.Wrapf(err, "condition of flow %s", t.ID)
	}
	return ok, nil
}

func evaluate(cc *command.Context, exe *entity.Execution, expression string) (any, error) {
	ev := cc.Registry().Evaluator()
	if ev == nil {
		return nil, errors.New("no expression evaluator is configured")
	}
	view, err := variableView(cc, exe)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(cc.Ctx(), expression, maps.Clone(view))
}
