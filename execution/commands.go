package execution

import (
	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/process"
	"github.com/teranos/weft/store"
)

// StartProcessInstanceCmd starts an instance at the none start event of a
// definition. The definition is named by DefinitionID ("key:version") or
// by DefinitionKey, optionally narrowed by a semver VersionConstraint.
type StartProcessInstanceCmd struct {
	DefinitionID      string
	DefinitionKey     string
	VersionConstraint string
	BusinessKey       string
	Variables         map[string]any
}

func (c StartProcessInstanceCmd) Execute(cc *command.Context) (*entity.Execution, error) {
	def, err := c.definition(cc.Registry().Processes())
	if err != nil {
		return nil, err
	}
	if def.Initial == nil {
		return nil, errors.Validation("process %s can only be started by its timer", def.ID())
	}
	return startInstance(cc, def, def.Initial, c.BusinessKey, c.Variables)
}

func (c StartProcessInstanceCmd) definition(repo *process.Repository) (*process.Definition, error) {
	switch {
	case c.DefinitionID != "":
		return repo.Get(c.DefinitionID)
	case c.DefinitionKey != "":
		return repo.Resolve(c.DefinitionKey, c.VersionConstraint)
	default:
		return nil, errors.Validation("process definition id or key is required")
	}
}

func startInstance(cc *command.Context, def *process.Definition, start *process.Activity, businessKey string, vars map[string]any) (*entity.Execution, error) {
	id := command.NewID()
	root := &entity.Execution{
		Base:                entity.Base{ID: id},
		ProcessInstanceID:   id,
		ProcessDefinitionID: def.ID(),
		BusinessKey:         businessKey,
		ActivityID:          start.ID,
		State:               entity.StateActive,
		IsScope:             true,
		StartedAt:           cc.Now(),
	}
	cc.Insert(root)
	if err := setVariables(cc, root, vars, true); err != nil {
		return nil, err
	}
	if err := schedule(cc, operation{kind: opEnter, exe: root, activity: start}); err != nil {
		return nil, err
	}
	return root, nil
}

// SignalCmd continues an execution waiting at a user or receive task.
type SignalCmd struct {
	ExecutionID string
	Variables   map[string]any
}

func (c SignalCmd) Execute(cc *command.Context) (*entity.Execution, error) {
	exe, err := cc.Execution(c.ExecutionID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(exe); err != nil {
		return nil, err
	}
	act, err := activityOf(cc, exe, exe.ActivityID)
	if err != nil {
		return nil, err
	}
	if !exe.IsActive() || (act.Type != process.UserTask && act.Type != process.ReceiveTask) {
		return nil, errors.Validation("execution %s is not waiting for a signal at %s", exe.ID, act.ID)
	}
	if err := setVariables(cc, exe, c.Variables, false); err != nil {
		return nil, err
	}
	if err := schedule(cc, operation{kind: opLeave, exe: exe, activity: act}); err != nil {
		return nil, err
	}
	return exe, nil
}

// SetVariablesCmd writes variables. Without Local each name goes to the
// nearest scope defining it, or to the process instance.
type SetVariablesCmd struct {
	ExecutionID string
	Variables   map[string]any
	Local       bool
}

func (c SetVariablesCmd) Execute(cc *command.Context) (struct{}, error) {
	exe, err := cc.Execution(c.ExecutionID)
	if err != nil {
		return struct{}{}, err
	}
	if err := requireActive(exe); err != nil {
		return struct{}{}, err
	}
	return struct{}{}, setVariables(cc, exe, c.Variables, c.Local)
}

// GetVariablesCmd reads the variables visible from an execution, or only
// its own with Local. Ended process instances stay readable.
type GetVariablesCmd struct {
	ExecutionID string
	Local       bool
}

func (c GetVariablesCmd) Execute(cc *command.Context) (map[string]any, error) {
	exe, err := cc.Execution(c.ExecutionID)
	if err != nil {
		return nil, err
	}
	if c.Local {
		return localValues(cc, exe)
	}
	view, err := variableView(cc, exe)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(view))
	for k, v := range view {
		out[k] = v
	}
	return out, nil
}

// StartActivityCmd adds a token at an activity of a running instance. The
// activity must belong to the process level or to a sub-process that is
// currently active in the instance.
type StartActivityCmd struct {
	ProcessInstanceID string
	ActivityID        string
	Variables         map[string]any
}

func (c StartActivityCmd) Execute(cc *command.Context) (*entity.Execution, error) {
	root, err := cc.Execution(c.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	if !root.IsRoot() {
		return nil, errors.Validation("%s is not a process instance", c.ProcessInstanceID)
	}
	if err := requireActive(root); err != nil {
		return nil, err
	}
	act, err := activityOf(cc, root, c.ActivityID)
	if err != nil {
		return nil, err
	}
	if act.Type == process.BoundaryTimer {
		return nil, errors.Validation("boundary event %s cannot be started directly", act.ID)
	}

	scope, err := scopeExecutionFor(cc, root, act.Parent)
	if err != nil {
		return nil, err
	}
	if !scope.IsConcurrent {
		if err := splitScope(cc, scope); err != nil {
			return nil, err
		}
	}
	token := newChild(cc, scope, true, false)
	token.ActivityID = act.ID
	if err := setVariables(cc, token, c.Variables, true); err != nil {
		return nil, err
	}
	if err := schedule(cc, operation{kind: opEnter, exe: token, activity: act}); err != nil {
		return nil, err
	}
	return token, nil
}

// scopeExecutionFor finds the scope execution of an activity's enclosing
// sub-process, or the root for top-level activities.
func scopeExecutionFor(cc *command.Context, root *entity.Execution, sub *process.Activity) (*entity.Execution, error) {
	if sub == nil {
		return root, nil
	}
	all, err := cc.ExecutionsByInstance(root.ID)
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.IsRoot() || !e.IsScope {
			continue
		}
		parent, err := cc.Execution(e.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.ActivityID == sub.ID {
			return e, nil
		}
	}
	return nil, errors.Validation("sub-process %s is not active in %s", sub.ID, root.ID)
}

// splitScope moves the single token of a scope execution into a new
// concurrent child so more tokens can be added beside it. The token keeps
// its jobs and child scopes; the scope keeps its variables.
func splitScope(cc *command.Context, scope *entity.Execution) error {
	jobs, err := cc.JobsByExecution(scope.ID)
	if err != nil {
		return err
	}
	children, err := cc.ChildExecutions(scope.ID)
	if err != nil {
		return err
	}

	token := newChild(cc, scope, true, false)
	token.ActivityID = scope.ActivityID
	token.State = scope.State
	for _, j := range jobs {
		j.ExecutionID = token.ID
		cc.Update(j)
	}
	for _, child := range children {
		child.ParentID = token.ID
		cc.Update(child)
	}

	scope.State = entity.StateInactive
	scope.IsConcurrent = true
	scope.ActivityID = ""
	cc.Update(scope)
	return nil
}

// TerminateProcessInstanceCmd ends an instance and everything in it.
type TerminateProcessInstanceCmd struct {
	ProcessInstanceID string
	Reason            string
}

func (c TerminateProcessInstanceCmd) Execute(cc *command.Context) (*entity.Execution, error) {
	root, err := cc.Execution(c.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	if !root.IsRoot() {
		return nil, errors.Validation("%s is not a process instance", c.ProcessInstanceID)
	}
	if err := requireActive(root); err != nil {
		return nil, err
	}
	if err := complete(cc, root); err != nil {
		return nil, err
	}
	cc.Logger().Infow("Process instance terminated",
		logger.FieldProcessInstanceID, root.ID,
		"reason", c.Reason)
	return root, nil
}

// DeployCmd registers a definition on this node and makes sure its timer
// start event has a pending job. Redeploying an already known definition
// only checks the job; deploying a newer version of a timer-started
// process removes the timer jobs of older versions.
type DeployCmd struct {
	Definition *process.Definition
}

func (c DeployCmd) Execute(cc *command.Context) (*process.Definition, error) {
	def := c.Definition
	if def == nil {
		return nil, errors.Validation("process definition is required")
	}
	repo := cc.Registry().Processes()
	if existing, err := repo.Get(def.ID()); err == nil {
		def = existing
	} else if err := repo.Deploy(def); err != nil {
		return nil, err
	}
	if !def.IsTimerStarted() {
		return def, nil
	}

	latest, err := repo.Latest(def.Key)
	if err != nil {
		return nil, err
	}
	for _, old := range repo.Definitions() {
		if old.Key != def.Key || old.ID() == latest.ID() {
			continue
		}
		jobs, err := timerStartJobs(cc, old.ID())
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			cc.Delete(j)
		}
	}
	if latest.ID() != def.ID() {
		return def, nil
	}

	jobs, err := timerStartJobs(cc, def.ID())
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		scheduleTimerStart(cc, def, def.TimerStart.Timer.DueDate(cc.Now()))
	}
	return def, nil
}

// ListProcessInstancesCmd queries process instances.
type ListProcessInstancesCmd struct {
	Filter store.InstanceFilter
}

func (c ListProcessInstancesCmd) Execute(cc *command.Context) ([]*entity.Execution, error) {
	return cc.Store().ListProcessInstances(cc.Ctx(), c.Filter)
}

// ExecutionTreeCmd returns every execution of an instance, parents first.
type ExecutionTreeCmd struct {
	ProcessInstanceID string
}

func (c ExecutionTreeCmd) Execute(cc *command.Context) ([]*entity.Execution, error) {
	all, err := cc.Store().ExecutionsByInstance(cc.Ctx(), c.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, errors.NotFound("process instance", c.ProcessInstanceID)
	}
	return orderTree(all), nil
}

func orderTree(all []*entity.Execution) []*entity.Execution {
	children := make(map[string][]*entity.Execution)
	var roots []*entity.Execution
	for _, e := range all {
		if e.ParentID == "" {
			roots = append(roots, e)
			continue
		}
		children[e.ParentID] = append(children[e.ParentID], e)
	}
	out := make([]*entity.Execution, 0, len(all))
	var walk func(e *entity.Execution)
	walk = func(e *entity.Execution) {
		out = append(out, e)
		for _, c := range children[e.ID] {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return out
}
