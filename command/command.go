// Package command runs engine commands through an interceptor chain.
//
// A command is a unit of work against the entity store. Run gives it a
// Context that caches what it reads and records what it changes; the chain
// flushes those changes in one transaction when the command returns:
//
//	n, err := command.Run(ctx, ex, command.Func[int](func(cc *command.Context) (int, error) {
//	    job, err := cc.Job(id)
//	    if err != nil {
//	        return 0, err
//	    }
//	    job.Retries = 5
//	    cc.Update(job)
//	    return job.Retries, nil
//	}))
//
// Commands started with Run inside another command join its Context and
// transaction. RunInNewTransaction always starts a fresh pair.
package command

import (
	"fmt"
	"strings"
)

// Command is a unit of work executed inside a Context.
type Command[T any] interface {
	Execute(cc *Context) (T, error)
}

// Func adapts a function to Command.
type Func[T any] func(cc *Context) (T, error)

func (f Func[T]) Execute(cc *Context) (T, error) { return f(cc) }

// Named is implemented by commands that name themselves in logs,
// traces and metrics.
type Named interface {
	CommandName() string
}

type namedCommand[T any] struct {
	name string
	cmd  Command[T]
}

func (n namedCommand[T]) Execute(cc *Context) (T, error) { return n.cmd.Execute(cc) }
func (n namedCommand[T]) CommandName() string             { return n.name }

// WithName attaches a name to cmd.
func WithName[T any](name string, cmd Command[T]) Command[T] {
	return namedCommand[T]{name: name, cmd: cmd}
}

// NameOf returns the command's name: CommandName when implemented, else its
// Go type name without package and pointer.
func NameOf(cmd any) string {
	if n, ok := cmd.(Named); ok {
		return n.CommandName()
	}
	name := strings.TrimLeft(fmt.Sprintf("%T", cmd), "*")
	if i := strings.Index(name, "["); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Propagation selects how a command relates to a running one.
type Propagation int

const (
	// PropagationRequired joins the caller's Context when there is one.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew always runs in a fresh Context and transaction.
	PropagationRequiresNew
)

func (p Propagation) String() string {
	if p == PropagationRequiresNew {
		return "requires_new"
	}
	return "required"
}
