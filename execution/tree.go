package execution

import (
	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/process"
)

func definitionOf(cc *command.Context, exe *entity.Execution) (*process.Definition, error) {
	return cc.Registry().Processes().Get(exe.ProcessDefinitionID)
}

func activityOf(cc *command.Context, exe *entity.Execution, id string) (*process.Activity, error) {
	def, err := definitionOf(cc, exe)
	if err != nil {
		return nil, err
	}
	act, ok := def.Activity(id)
	if !ok {
		return nil, errors.Validation("activity %s not found in %s", id, def.ID())
	}
	return act, nil
}

// newChild creates a child execution under parent. The parent row is
// updated too, so concurrent changes to one parent's children conflict.
func newChild(cc *command.Context, parent *entity.Execution, concurrent, scope bool) *entity.Execution {
	child := &entity.Execution{
		ParentID:            parent.ID,
		ProcessInstanceID:   parent.ProcessInstanceID,
		ProcessDefinitionID: parent.ProcessDefinitionID,
		BusinessKey:         parent.BusinessKey,
		State:               entity.StateActive,
		IsConcurrent:        concurrent,
		IsScope:             scope,
		StartedAt:           cc.Now(),
	}
	cc.Insert(child)
	cc.Update(parent)
	return child
}

// remove deletes exe with its descendants, variables and jobs.
func remove(cc *command.Context, exe *entity.Execution) error {
	if err := removeDescendants(cc, exe); err != nil {
		return err
	}
	if err := removeOwned(cc, exe); err != nil {
		return err
	}
	cc.Delete(exe)
	if exe.ParentID != "" {
		parent, err := cc.Execution(exe.ParentID)
		if err != nil {
			return err
		}
		cc.Update(parent)
	}
	return nil
}

func removeDescendants(cc *command.Context, exe *entity.Execution) error {
	children, err := cc.ChildExecutions(exe.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := remove(cc, child); err != nil {
			return err
		}
	}
	return nil
}

func removeOwned(cc *command.Context, exe *entity.Execution) error {
	vars, err := cc.Variables(exe.ID)
	if err != nil {
		return err
	}
	for _, v := range vars {
		cc.Delete(v)
	}
	invalidateVariables(cc)
	return removeJobs(cc, exe, func(*entity.Job) bool { return true })
}

func removeJobs(cc *command.Context, exe *entity.Execution, match func(*entity.Job) bool) error {
	jobs, err := cc.JobsByExecution(exe.ID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if match(j) {
			cc.Delete(j)
		}
	}
	return nil
}

// scopeOf returns the scope execution owning exe: exe itself for scope
// executions, its parent for concurrent children.
func scopeOf(cc *command.Context, exe *entity.Execution) (*entity.Execution, error) {
	if exe.IsScope || exe.ParentID == "" {
		return exe, nil
	}
	return cc.Execution(exe.ParentID)
}

// complete ends a scope execution whose last token is gone. The root is
// kept as an ended record; a sub-process scope is removed and the
// execution waiting at the sub-process continues.
func complete(cc *command.Context, scope *entity.Execution) error {
	if err := removeDescendants(cc, scope); err != nil {
		return err
	}
	if scope.IsRoot() {
		if err := removeJobs(cc, scope, func(*entity.Job) bool { return true }); err != nil {
			return err
		}
		now := cc.Now()
		scope.State = entity.StateEnded
		scope.IsConcurrent = false
		scope.EndedAt = &now
		cc.Update(scope)
		return nil
	}

	parent, err := cc.Execution(scope.ParentID)
	if err != nil {
		return err
	}
	sub, err := activityOf(cc, parent, parent.ActivityID)
	if err != nil {
		return err
	}
	if err := remove(cc, scope); err != nil {
		return err
	}
	parent.State = entity.StateActive
	cc.Update(parent)
	agendaOf(cc).push(operation{kind: opLeave, exe: parent, activity: sub})
	return nil
}

// requireActive rejects mutations of ended executions.
func requireActive(exe *entity.Execution) error {
	if exe.IsEnded() {
		return errors.ExecutionEnded(exe.ID)
	}
	return nil
}
