package command

import "context"

// Run executes cmd. Inside a running command it joins that command's
// Context and transaction; otherwise it starts both.
func Run[T any](ctx context.Context, ex *Executor, cmd Command[T]) (T, error) {
	return run(ctx, ex, PropagationRequired, cmd)
}

// RunInNewTransaction executes cmd in its own Context and transaction,
// independent of any running command. Its commit or rollback does not
// affect the caller's.
func RunInNewTransaction[T any](ctx context.Context, ex *Executor, cmd Command[T]) (T, error) {
	return run(ctx, ex, PropagationRequiresNew, cmd)
}

func run[T any](ctx context.Context, ex *Executor, p Propagation, cmd Command[T]) (T, error) {
	v, err := ex.invoke(ctx, p, NameOf(cmd), func(cc *Context) (any, error) {
		return cmd.Execute(cc)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
