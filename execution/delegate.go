package execution

import (
	"context"

	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/process"
)

// activityExecution is what service task delegates see of the execution.
type activityExecution struct {
	cc  *command.Context
	exe *entity.Execution
}

var _ process.ActivityExecution = (*activityExecution)(nil)

func (a *activityExecution) Context() context.Context  { return a.cc.Ctx() }
func (a *activityExecution) ExecutionID() string       { return a.exe.ID }
func (a *activityExecution) ProcessInstanceID() string { return a.exe.ProcessInstanceID }
func (a *activityExecution) ActivityID() string        { return a.exe.ActivityID }
func (a *activityExecution) BusinessKey() string       { return a.exe.BusinessKey }

func (a *activityExecution) Variable(name string) (any, bool, error) {
	return getVariable(a.cc, a.exe, name)
}

func (a *activityExecution) Variables() (map[string]any, error) {
	view, err := variableView(a.cc, a.exe)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(view))
	for k, v := range view {
		out[k] = v
	}
	return out, nil
}

func (a *activityExecution) SetVariable(name string, value any) error {
	return setVariable(a.cc, a.exe, name, value)
}

func (a *activityExecution) SetVariableLocal(name string, value any) error {
	return setVariableLocal(a.cc, a.exe, name, value)
}

// CommandContextOf returns the command context behind a delegate's
// execution, for delegates that run engine commands themselves.
func CommandContextOf(ae process.ActivityExecution) (*command.Context, bool) {
	a, ok := ae.(*activityExecution)
	if !ok {
		return nil, false
	}
	return a.cc, true
}
