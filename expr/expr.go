// Package expr evaluates the expressions found on sequence flow conditions
// and script tasks. Expressions are ECMAScript run by goja against a
// snapshot of the execution's variables, optionally wrapped in ${...}.
package expr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/teranos/weft/errors"
)

// Evaluator resolves an expression against variables.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// ErrEvaluation marks failures raised by the expression itself.
var ErrEvaluation = errors.New("expression evaluation failed")

// ErrTimeout is returned when an expression runs past its deadline.
var ErrTimeout = errors.New("expression timed out")

const interruptedMessage = "weft: expression interrupted"

// DefaultCacheSize bounds the number of compiled programs kept.
const DefaultCacheSize = 512

// Goja is an Evaluator backed by goja. Compiled programs are cached by
// source; every evaluation gets a fresh runtime because goja runtimes are
// not safe for concurrent use.
type Goja struct {
	timeout time.Duration

	mu       sync.Mutex
	programs map[string]*goja.Program
	order    []string
	limit    int
}

// NewGoja creates an evaluator. A zero timeout disables the deadline.
func NewGoja(timeout time.Duration) *Goja {
	return &Goja{
		timeout:  timeout,
		programs: make(map[string]*goja.Program),
		limit:    DefaultCacheSize,
	}
}

// Strip removes a surrounding ${...} or #{...}.
func Strip(expression string) string {
	s := strings.TrimSpace(expression)
	if len(s) >= 3 && (s[0] == '$' || s[0] == '#') && s[1] == '{' && s[len(s)-1] == '}' {
		return strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}

func (g *Goja) compile(expression string) (*goja.Program, error) {
	src := Strip(expression)
	g.mu.Lock()
	p, ok := g.programs[src]
	g.mu.Unlock()
	if ok {
		return p, nil
	}

	// Parenthesised so object literals evaluate as expressions.
	p, err := goja.Compile("", "("+src+"\n)", true)
	if err != nil {
		// Statements such as "var x = 1; x * 2" are valid scripts too.
		var serr error
		if p, serr = goja.Compile("", src, true); serr != nil {
			return nil, errors.Wrapf(ErrEvaluation, "compile %q: %v", src, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.programs[src]; !ok {
		if len(g.order) >= g.limit {
			delete(g.programs, g.order[0])
			g.order = g.order[1:]
		}
		g.programs[src] = p
		g.order = append(g.order, src)
	}
	return p, nil
}

// Evaluate compiles expression (once per distinct source) and runs it with
// vars bound as globals.
func (g *Goja) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	p, err := g.compile(expression)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for name, value := range vars {
		if err := vm.Set(name, value); err != nil {
			return nil, errors.Wrapf(ErrEvaluation, "bind %s: %v", name, err)
		}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(interruptedMessage)
		case <-done:
		}
	}()

	v, err := vm.RunProgram(p)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, errors.Wrapf(ErrTimeout, "%q: %v", Strip(expression), ctx.Err())
		}
		return nil, errors.Wrapf(ErrEvaluation, "%q: %v", Strip(expression), err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// EvaluateBool evaluates a condition. Non-boolean results are an error.
func EvaluateBool(ctx context.Context, ev Evaluator, expression string, vars map[string]any) (bool, error) {
	v, err := ev.Evaluate(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Wrapf(ErrEvaluation, "condition %q returned %T, not a boolean", Strip(expression), v)
	}
	return b, nil
}

// CacheLen reports the number of cached programs.
func (g *Goja) CacheLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.programs)
}
