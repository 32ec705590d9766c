package execution

import (
	"sort"

	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
)

const variablesKey command.SessionKey = "execution.variables"

// variableCache holds the flattened variable view of executions for
// expression evaluation. Any variable write in the command context drops it.
type variableCache struct {
	views map[string]map[string]any
}

func variableCacheOf(cc *command.Context) *variableCache {
	return command.Session(cc, variablesKey, func(*command.Context) *variableCache {
		return &variableCache{views: make(map[string]map[string]any)}
	})
}

func invalidateVariables(cc *command.Context) {
	if c, ok := command.LookupSession[*variableCache](cc, variablesKey); ok {
		clear(c.views)
	}
}

func findLocal(cc *command.Context, exe *entity.Execution, name string) (*entity.Variable, error) {
	vars, err := cc.Variables(exe.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range vars {
		if v.Name == name {
			return v, nil
		}
	}
	return nil, nil
}

// lookup walks from exe to the root and returns the nearest variable
// called name with the execution defining it.
func lookup(cc *command.Context, exe *entity.Execution, name string) (*entity.Variable, *entity.Execution, error) {
	for cur := exe; ; {
		v, err := findLocal(cc, cur, name)
		if err != nil {
			return nil, nil, err
		}
		if v != nil {
			return v, cur, nil
		}
		if cur.ParentID == "" {
			return nil, nil, nil
		}
		if cur, err = cc.Execution(cur.ParentID); err != nil {
			return nil, nil, err
		}
	}
}

func getVariable(cc *command.Context, exe *entity.Execution, name string) (any, bool, error) {
	v, _, err := lookup(cc, exe, name)
	if err != nil || v == nil {
		return nil, false, err
	}
	value, err := v.Value()
	if err != nil {
		return nil, false, errors.Wrapf(err, "decode variable %s", name)
	}
	return value, true, nil
}

// ancestry returns exe and its ancestors, root first.
func ancestry(cc *command.Context, exe *entity.Execution) ([]*entity.Execution, error) {
	chain := []*entity.Execution{exe}
	for cur := exe; cur.ParentID != ""; {
		parent, err := cc.Execution(cur.ParentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// variableView returns every visible variable of exe, nearer scopes
// shadowing farther ones. The returned map is shared; do not modify it.
func variableView(cc *command.Context, exe *entity.Execution) (map[string]any, error) {
	cache := variableCacheOf(cc)
	if view, ok := cache.views[exe.ID]; ok {
		return view, nil
	}
	chain, err := ancestry(cc, exe)
	if err != nil {
		return nil, err
	}
	view := make(map[string]any)
	for _, scope := range chain {
		locals, err := localValues(cc, scope)
		if err != nil {
			return nil, err
		}
		for name, value := range locals {
			view[name] = value
		}
	}
	cache.views[exe.ID] = view
	return view, nil
}

func localValues(cc *command.Context, exe *entity.Execution) (map[string]any, error) {
	vars, err := cc.Variables(exe.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		value, err := v.Value()
		if err != nil {
			return nil, errors.Wrapf(err, "decode variable %s", v.Name)
		}
		out[v.Name] = value
	}
	return out, nil
}

// setVariable updates the nearest scope defining name, or creates the
// variable on the process instance.
func setVariable(cc *command.Context, exe *entity.Execution, name string, value any) error {
	v, _, err := lookup(cc, exe, name)
	if err != nil {
		return err
	}
	if v != nil {
		return writeVariable(cc, v, value)
	}
	root, err := cc.Execution(exe.ProcessInstanceID)
	if err != nil {
		return err
	}
	return createVariable(cc, root, name, value)
}

func setVariableLocal(cc *command.Context, exe *entity.Execution, name string, value any) error {
	v, err := findLocal(cc, exe, name)
	if err != nil {
		return err
	}
	if v != nil {
		return writeVariable(cc, v, value)
	}
	return createVariable(cc, exe, name, value)
}

func writeVariable(cc *command.Context, v *entity.Variable, value any) error {
	if err := v.SetValue(value); err != nil {
		return errors.Validation("variable %s: %v", v.Name, err)
	}
	cc.Update(v)
	invalidateVariables(cc)
	return nil
}

func createVariable(cc *command.Context, exe *entity.Execution, name string, value any) error {
	if err := requireActive(exe); err != nil {
		return err
	}
	if name == "" {
		return errors.Validation("variable name is required")
	}
	v := &entity.Variable{
		ExecutionID:       exe.ID,
		ProcessInstanceID: exe.ProcessInstanceID,
		Name:              name,
	}
	if err := v.SetValue(value); err != nil {
		return errors.Validation("variable %s: %v", name, err)
	}
	cc.Insert(v)
	invalidateVariables(cc)
	return nil
}

// setVariables applies vars in name order so that writes are deterministic.
func setVariables(cc *command.Context, exe *entity.Execution, vars map[string]any, local bool) error {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var err error
		if local {
			err = setVariableLocal(cc, exe, name, vars[name])
		} else {
			err = setVariable(cc, exe, name, vars[name])
		}
		if err != nil {
			return err
		}
	}
	return nil
}
