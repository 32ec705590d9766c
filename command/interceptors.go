package command

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/metrics"
)

// Invocation is one command travelling through the chain.
type Invocation struct {
	Name        string
	Propagation Propagation
	// Joined is true when the command runs inside the caller's Context.
	Joined bool
	// Attempt counts retry attempts, starting at 1.
	Attempt int

	run func(cc *Context) (any, error)
}

// Handler is the rest of the chain as seen by an interceptor.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Interceptor wraps the rest of the chain.
type Interceptor func(next Handler) Handler

func chain(interceptors []Interceptor, last Handler) Handler {
	h := last
	for i := len(interceptors) - 1; i >= 0; i-- {
		h = interceptors[i](h)
	}
	return h
}

// exceptionCodeInterceptor guarantees every error leaving the chain answers
// errors.CodeOf with a stable code.
func exceptionCodeInterceptor() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			v, err := next(ctx, inv)
			if err == nil {
				return v, nil
			}
			var coded *errors.CodedError
			if errors.As(err, &coded) {
				return v, err
			}
			return v, errors.WithCode(err, errors.ClassifyCode(err))
		}
	}
}

func (ex *Executor) loggingInterceptor() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			log := logger.FromContext(ctx, ex.logger).With(
				logger.FieldCommand, inv.Name,
				logger.FieldPropagation, inv.Propagation.String(),
			)
			if id, ok := IdentityFrom(ctx); ok && id.UserID != "" {
				log = log.With(logger.FieldUserID, id.UserID)
			}
			log.Debugw("Command started", "joined", inv.Joined)

			start := time.Now()
			v, err := next(ctx, inv)
			elapsed := time.Since(start).Milliseconds()
			switch {
			case err == nil:
				log.Debugw("Command completed", logger.FieldDurationMS, elapsed)
			case inv.Joined:
				log.Debugw("Nested command failed",
					logger.FieldDurationMS, elapsed,
					logger.FieldError, err.Error())
			default:
				log.Warnw("Command failed",
					logger.FieldDurationMS, elapsed,
					logger.FieldErrorCode, errors.ClassifyCode(err).String(),
					logger.FieldError, err.Error())
			}
			return v, err
		}
	}
}

func (ex *Executor) tracingInterceptor() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			if inv.Joined {
				return next(ctx, inv)
			}
			ctx, span := ex.tracer.Start(ctx, "command "+inv.Name,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("weft.command", inv.Name),
					attribute.String("weft.propagation", inv.Propagation.String()),
				))
			defer span.End()

			v, err := next(ctx, inv)
			span.SetAttributes(attribute.Int("weft.attempts", inv.Attempt))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, errors.ClassifyCode(err).String())
			}
			return v, err
		}
	}
}

func (ex *Executor) counterInterceptor() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			v, err := next(ctx, inv)
			switch {
			case err == nil:
				ex.metrics.Inc(metrics.CommandsExecuted)
			case errors.IsOptimisticLockConflict(err):
				ex.metrics.Inc(metrics.CommandsConflicts)
				ex.metrics.Inc(metrics.CommandsFailed)
			default:
				ex.metrics.Inc(metrics.CommandsFailed)
			}
			return v, err
		}
	}
}

// retryInterceptor reruns everything inside it on optimistic lock
// conflicts. Joined commands pass through: the outermost command owns the
// transaction and retries as a whole.
func (ex *Executor) retryInterceptor() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			if inv.Joined {
				return next(ctx, inv)
			}
			res := Retry(ctx, ex.retry, func(attempt int) (any, error) {
				inv.Attempt = attempt
				return next(ctx, inv)
			}, func(attempt int, err error) {
				ex.metrics.Inc(metrics.CommandsRetried)
				ex.logger.Debugw("Retrying command after conflict",
					logger.FieldCommand, inv.Name,
					logger.FieldAttempt, attempt,
					logger.FieldError, err.Error())
			})
			if res.Outcome == RetryConflictExhausted {
				return nil, errors.WithDetailf(res.Err, "gave up after %d attempts", res.Attempts)
			}
			return res.Value, res.Err
		}
	}
}

// contextInterceptor binds the caller identity for the duration of the
// command and restores the previous binding on return.
func (ex *Executor) contextInterceptor() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			b := bindingsFrom(ctx)
			if b == nil {
				b = &bindings{}
				ctx = context.WithValue(ctx, bindingsKey{}, b)
			}
			id, ok := IdentityFrom(ctx)
			if !ok {
				id = b.top()
			}
			b.push(id)
			defer b.pop()
			return next(ctx, inv)
		}
	}
}

// transactionInterceptor commits on success and rolls back on error or
// panic, then notifies the listeners of the outcome.
func (ex *Executor) transactionInterceptor() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) (v any, err error) {
			if inv.Joined {
				return next(ctx, inv)
			}
			tx := newTransaction(ex.store)
			txCtx := context.WithValue(ctx, transactionKey{}, tx)

			defer func() {
				if r := recover(); r != nil {
					if rbErr := tx.rollback(); rbErr != nil {
						ex.logger.Errorw("Rollback after panic failed", logger.FieldCommand, inv.Name, logger.FieldError, rbErr)
					}
					panic(r)
				}
			}()

			v, err = next(txCtx, inv)
			if err == nil {
				if err = tx.commit(); err == nil {
					tx.fire(ctx, TxCommitted, nil)
					return v, nil
				}
			}
			if rbErr := tx.rollback(); rbErr != nil {
				ex.logger.Errorw("Rollback failed", logger.FieldCommand, inv.Name, logger.FieldError, rbErr)
			}
			tx.fire(ctx, TxRolledBack, err)
			return nil, err
		}
	}
}

// commandContextInterceptor runs the command in a Context and flushes it
// as the last step before commit.
func (ex *Executor) commandContextInterceptor() Handler {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		if inv.Joined {
			cc, _ := FromContext(ctx)
			return inv.run(cc)
		}
		tx := transactionFrom(ctx)
		if tx == nil {
			return nil, errors.AssertionFailedf("command %s reached the context without a transaction", inv.Name)
		}
		cc := newContext(ctx, ex, tx, bindingsFrom(ctx))
		defer cc.close()

		v, err := inv.run(cc)
		if err != nil {
			return nil, err
		}
		if err := cc.flush(); err != nil {
			return nil, err
		}
		if cc.jobsCreated && ex.jobHint != nil {
			hint := ex.jobHint
			tx.addListener(TxCommitted, func(context.Context, error) { hint() })
		}
		return v, nil
	}
}
