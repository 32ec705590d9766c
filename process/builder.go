package process

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/weft/errors"
)

// Builder assembles a Definition. Declaration errors are collected and
// reported together by Build, so calls can be chained without checks.
type Builder struct {
	root  *buildState
	scope *Activity
}

type buildState struct {
	def          *Definition
	errs         []error
	flows        []pendingFlow
	boundaries   []pendingBoundary
	subProcesses []*Activity
	built        bool
}

type pendingFlow struct {
	scope    *Activity
	from, to string
	opts     []FlowOption
}

type pendingBoundary struct {
	activity   *Activity
	attachedTo string
}

// New starts a definition with the given key and semantic version.
func New(key, version string) *Builder {
	st := &buildState{def: &Definition{
		Key:         key,
		activities:  make(map[string]*Activity),
		transitions: make(map[string]*Transition),
	}}
	if key == "" {
		st.errs = append(st.errs, fmt.Errorf("process key is required"))
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		st.errs = append(st.errs, fmt.Errorf("invalid version %q: %v", version, err))
		v = semver.MustParse("0.0.0")
	}
	st.def.Version = v
	return &Builder{root: st}
}

// Name sets the display name of the process.
func (b *Builder) Name(name string) *Builder {
	b.root.def.Name = name
	return b
}

func (b *Builder) add(id string, typ ActivityType, opts []Option) *Activity {
	a := &Activity{ID: id, Name: id, Type: typ, Parent: b.scope, Exclusive: true}
	for _, opt := range opts {
		opt(a)
	}
	if id == "" {
		b.root.errs = append(b.root.errs, fmt.Errorf("%s without id", typ))
		return a
	}
	if _, dup := b.root.def.activities[id]; dup {
		b.root.errs = append(b.root.errs, fmt.Errorf("duplicate activity id %q", id))
		return a
	}
	b.root.def.activities[id] = a
	b.root.def.order = append(b.root.def.order, a)
	if b.scope != nil {
		b.scope.Children = append(b.scope.Children, a)
	}
	return a
}

// StartEvent declares the none start event of the current scope.
func (b *Builder) StartEvent(id string, opts ...Option) *Builder {
	b.add(id, StartEvent, opts)
	return b
}

// TimerStartEvent declares a top-level start event that instantiates the
// process when its timer fires.
func (b *Builder) TimerStartEvent(id string, timer TimerDefinition, opts ...Option) *Builder {
	a := b.add(id, StartEvent, opts)
	a.Timer = &timer
	return b
}

// EndEvent ends the arriving execution.
func (b *Builder) EndEvent(id string, opts ...Option) *Builder {
	b.add(id, EndEvent, opts)
	return b
}

// TerminateEndEvent ends every execution of the enclosing scope.
func (b *Builder) TerminateEndEvent(id string, opts ...Option) *Builder {
	b.add(id, TerminateEndEvent, opts)
	return b
}

// ServiceTask runs delegate in the transaction that reaches it.
func (b *Builder) ServiceTask(id string, delegate Delegate, opts ...Option) *Builder {
	a := b.add(id, ServiceTask, opts)
	a.Delegate = delegate
	return b
}

// ScriptTask evaluates script with the execution's variables.
func (b *Builder) ScriptTask(id, script string, opts ...Option) *Builder {
	a := b.add(id, ScriptTask, opts)
	a.Script = script
	return b
}

// UserTask waits for a signal.
func (b *Builder) UserTask(id string, opts ...Option) *Builder {
	b.add(id, UserTask, opts)
	return b
}

// ReceiveTask waits for a signal.
func (b *Builder) ReceiveTask(id string, opts ...Option) *Builder {
	b.add(id, ReceiveTask, opts)
	return b
}

// ExclusiveGateway takes the first outgoing flow whose condition holds.
func (b *Builder) ExclusiveGateway(id string, opts ...Option) *Builder {
	b.add(id, ExclusiveGateway, opts)
	return b
}

// ParallelGateway forks on every outgoing flow and joins all incoming ones.
func (b *Builder) ParallelGateway(id string, opts ...Option) *Builder {
	b.add(id, ParallelGateway, opts)
	return b
}

// IntermediateTimer waits until timer fires.
func (b *Builder) IntermediateTimer(id string, timer TimerDefinition, opts ...Option) *Builder {
	a := b.add(id, IntermediateTimer, opts)
	a.Timer = &timer
	return b
}

// BoundaryTimer attaches an interrupting timer to a wait state or
// sub-process. When it fires the attached activity is cancelled and the
// execution leaves through the boundary event's outgoing flows.
func (b *Builder) BoundaryTimer(id, attachedTo string, timer TimerDefinition, opts ...Option) *Builder {
	a := b.add(id, BoundaryTimer, opts)
	a.Timer = &timer
	b.root.boundaries = append(b.root.boundaries, pendingBoundary{activity: a, attachedTo: attachedTo})
	return b
}

// SubProcess declares an embedded sub-process and returns a builder scoped
// to its contents.
//
//	sub := b.SubProcess("review")
//	sub.StartEvent("review-start").UserTask("approve").Flow("review-start", "approve")
func (b *Builder) SubProcess(id string, opts ...Option) *Builder {
	a := b.add(id, SubProcess, opts)
	b.root.subProcesses = append(b.root.subProcesses, a)
	return &Builder{root: b.root, scope: a}
}

// Flow connects two activities of the current scope. Activities may be
// declared after the flow that references them.
func (b *Builder) Flow(from, to string, opts ...FlowOption) *Builder {
	b.root.flows = append(b.root.flows, pendingFlow{scope: b.scope, from: from, to: to, opts: opts})
	return b
}

// Build resolves flows and attachments and validates the graph.
func (b *Builder) Build() (*Definition, error) {
	st := b.root
	if st.built {
		return nil, errors.Validation("builder for %s already built", st.def.Key)
	}
	st.built = true
	def := st.def
	errs := append([]error(nil), st.errs...)
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for _, f := range st.flows {
		src, ok := def.activities[f.from]
		if !ok {
			fail("flow %s -> %s: unknown source", f.from, f.to)
			continue
		}
		dst, ok := def.activities[f.to]
		if !ok {
			fail("flow %s -> %s: unknown target", f.from, f.to)
			continue
		}
		if src.Parent != f.scope || dst.Parent != f.scope {
			fail("flow %s -> %s crosses a scope boundary", f.from, f.to)
			continue
		}
		t := &Transition{Source: src, Target: dst}
		for _, opt := range f.opts {
			opt(t)
		}
		if t.ID == "" {
			t.ID = src.ID + "-" + dst.ID
		}
		if _, dup := def.transitions[t.ID]; dup {
			fail("duplicate flow id %q", t.ID)
			continue
		}
		def.transitions[t.ID] = t
		src.Outgoing = append(src.Outgoing, t)
		dst.Incoming = append(dst.Incoming, t)
	}

	for _, pb := range st.boundaries {
		host, ok := def.activities[pb.attachedTo]
		if !ok {
			fail("boundary %s: unknown activity %q", pb.activity.ID, pb.attachedTo)
			continue
		}
		switch host.Type {
		case UserTask, ReceiveTask, SubProcess:
		default:
			fail("boundary %s: cannot attach to %s %s", pb.activity.ID, host.Type, host.ID)
			continue
		}
		if host.Parent != pb.activity.Parent {
			fail("boundary %s must be declared in the scope of %s", pb.activity.ID, host.ID)
			continue
		}
		pb.activity.AttachedTo = host
		host.Boundaries = append(host.Boundaries, pb.activity)
	}

	for _, a := range def.order {
		errs = append(errs, validateActivity(a)...)
	}

	var top []*Activity
	for _, a := range def.order {
		if a.Parent == nil {
			top = append(top, a)
		}
	}
	if initial, timer, err := startEvents(top, true); err != nil {
		errs = append(errs, fmt.Errorf("process %s: %w", def.Key, err))
	} else {
		def.Initial, def.TimerStart = initial, timer
	}
	for _, sp := range st.subProcesses {
		initial, _, err := startEvents(sp.Children, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("sub-process %s: %w", sp.ID, err))
			continue
		}
		sp.Initial = initial
	}

	if len(errs) > 0 {
		msg := fmt.Sprintf("process %s:%s is invalid", def.Key, def.Version)
		for _, e := range errs {
			msg += "\n  - " + e.Error()
		}
		return nil, errors.Validation("%s", msg)
	}
	return def, nil
}

func validateActivity(a *Activity) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s %s: %s", a.Type, a.ID, fmt.Sprintf(format, args...)))
	}
	switch a.Type {
	case StartEvent:
		if len(a.Incoming) > 0 {
			fail("start events take no incoming flows")
		}
	case EndEvent, TerminateEndEvent:
		if len(a.Outgoing) > 0 {
			fail("end events take no outgoing flows")
		}
	case ServiceTask:
		if a.Delegate == nil {
			fail("delegate is required")
		}
	case ScriptTask:
		if a.Script == "" {
			fail("script is required")
		}
	case ExclusiveGateway:
		if a.DefaultFlow != "" {
			found := false
			for _, t := range a.Outgoing {
				if t.ID == a.DefaultFlow {
					found = true
				}
			}
			if !found {
				fail("default flow %q is not an outgoing flow", a.DefaultFlow)
			}
		}
	case BoundaryTimer:
		if len(a.Incoming) > 0 {
			fail("boundary events take no incoming flows")
		}
	}
	if a.Timer != nil {
		if err := a.Timer.validate(); err != nil {
			fail("%v", err)
		} else if a.Timer.IsCycle() && !(a.Type == StartEvent && a.Parent == nil) {
			fail("cycles are only supported on timer start events")
		}
	}
	if (a.Type == IntermediateTimer || a.Type == BoundaryTimer) && a.Timer == nil {
		fail("timer definition is required")
	}
	return errs
}

func startEvents(scope []*Activity, allowTimer bool) (initial, timer *Activity, err error) {
	for _, a := range scope {
		if a.Type != StartEvent {
			continue
		}
		if a.Timer != nil {
			if !allowTimer {
				return nil, nil, fmt.Errorf("timer start event %s is only allowed at the top level", a.ID)
			}
			if timer != nil {
				return nil, nil, fmt.Errorf("more than one timer start event")
			}
			timer = a
			continue
		}
		if initial != nil {
			return nil, nil, fmt.Errorf("more than one start event")
		}
		initial = a
	}
	if initial == nil && timer == nil {
		return nil, nil, fmt.Errorf("no start event")
	}
	if initial == nil && !allowTimer {
		return nil, nil, fmt.Errorf("no start event")
	}
	return initial, timer, nil
}
