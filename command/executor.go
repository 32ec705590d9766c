package command

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/clock"
	"github.com/teranos/weft/metrics"
	"github.com/teranos/weft/store"
)

// TracerName is the instrumentation scope of command spans.
const TracerName = "github.com/teranos/weft/command"

// Executor runs commands through the interceptor chain. It is safe for
// concurrent use; commands share nothing but the store.
type Executor struct {
	store             store.Store
	registry          *Registry
	clock             clock.Clock
	metrics           *metrics.Registry
	logger            *zap.SugaredLogger
	tracer            trace.Tracer
	retry             RetryPolicy
	retryPoint        string
	defaultJobRetries int
	operationLog      OperationLogPolicy
	extra             []Interceptor

	once    sync.Once
	handler Handler
	jobHint func()
}

// Option configures an Executor.
type Option func(*Executor)

func WithClock(c clock.Clock) Option { return func(ex *Executor) { ex.clock = c } }

func WithMetrics(m *metrics.Registry) Option { return func(ex *Executor) { ex.metrics = m } }

func WithLogger(l *zap.SugaredLogger) Option { return func(ex *Executor) { ex.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(ex *Executor) { ex.tracer = t } }

func WithRetryPolicy(p RetryPolicy) Option { return func(ex *Executor) { ex.retry = p } }

// WithRetryPoint places the retry interceptor before the context
// interceptor (am.RetryPointContext) or just before the transaction
// interceptor (am.RetryPointTransaction).
func WithRetryPoint(point string) Option { return func(ex *Executor) { ex.retryPoint = point } }

func WithDefaultJobRetries(n int) Option { return func(ex *Executor) { ex.defaultJobRetries = n } }

// OperationLogPolicy bounds what bulk operator commands write to the
// operation log. More affected entities than SummaryThreshold produce one
// summary entry (-1 never summarizes); more than FailureThreshold reject
// the operation (0 allows any number).
type OperationLogPolicy struct {
	SummaryThreshold int
	FailureThreshold int
}

// DefaultOperationLogPolicy matches the shipped configuration defaults.
var DefaultOperationLogPolicy = OperationLogPolicy{SummaryThreshold: 1}

func WithOperationLog(p OperationLogPolicy) Option { return func(ex *Executor) { ex.operationLog = p } }

// WithInterceptors adds interceptors between the counter and the retry
// interceptor.
func WithInterceptors(in ...Interceptor) Option {
	return func(ex *Executor) { ex.extra = append(ex.extra, in...) }
}

// WithJobHint sets a function called after every commit that created jobs.
// The job executor uses it to start an acquisition cycle early.
func WithJobHint(hint func()) Option { return func(ex *Executor) { ex.jobHint = hint } }

// OptionsFromConfig maps configuration onto executor options.
func OptionsFromConfig(cfg *am.Config) []Option {
	return []Option{
		WithRetryPolicy(RetryPolicy{
			Attempts:    cfg.Command.RetryAttempts,
			BackoffBase: cfg.Command.RetryBackoffBase,
			BackoffCap:  cfg.Command.RetryBackoffCap,
		}),
		WithRetryPoint(cfg.Command.RetryPoint),
		WithDefaultJobRetries(cfg.Engine.DefaultJobRetries),
		WithOperationLog(OperationLogPolicy{
			SummaryThreshold: cfg.Engine.OperationLog.SummaryThreshold,
			FailureThreshold: cfg.Engine.OperationLog.FailureThreshold,
		}),
	}
}

// NewExecutor creates an executor over s.
func NewExecutor(s store.Store, reg *Registry, opts ...Option) *Executor {
	ex := &Executor{
		store:             s,
		registry:          reg,
		clock:             clock.System(),
		metrics:           metrics.New(),
		logger:            zap.NewNop().Sugar(),
		retry:             DefaultRetryPolicy,
		retryPoint:        am.RetryPointContext,
		defaultJobRetries: 3,
		operationLog:      DefaultOperationLogPolicy,
	}
	for _, opt := range opts {
		opt(ex)
	}
	if ex.registry == nil {
		ex.registry = NewRegistry(nil, nil)
	}
	if ex.tracer == nil {
		ex.tracer = otel.Tracer(TracerName)
	}
	return ex
}

// Interceptors returns the chain in order, outermost first.
func (ex *Executor) Interceptors() []Interceptor {
	in := []Interceptor{
		exceptionCodeInterceptor(),
		ex.loggingInterceptor(),
		ex.tracingInterceptor(),
		ex.counterInterceptor(),
	}
	in = append(in, ex.extra...)
	if ex.retryPoint == am.RetryPointTransaction {
		return append(in, ex.contextInterceptor(), ex.retryInterceptor(), ex.transactionInterceptor())
	}
	return append(in, ex.retryInterceptor(), ex.contextInterceptor(), ex.transactionInterceptor())
}

func (ex *Executor) handlerChain() Handler {
	ex.once.Do(func() {
		ex.handler = chain(ex.Interceptors(), ex.commandContextInterceptor())
	})
	return ex.handler
}

func (ex *Executor) invoke(ctx context.Context, p Propagation, name string, run func(cc *Context) (any, error)) (any, error) {
	_, inside := FromContext(ctx)
	inv := &Invocation{
		Name:        name,
		Propagation: p,
		Joined:      inside && p == PropagationRequired,
		Attempt:     1,
		run:         run,
	}
	return ex.handlerChain()(ctx, inv)
}

func (ex *Executor) Store() store.Store { return ex.store }

func (ex *Executor) Registry() *Registry { return ex.registry }

func (ex *Executor) Clock() clock.Clock { return ex.clock }

func (ex *Executor) Metrics() *metrics.Registry { return ex.metrics }

func (ex *Executor) Logger() *zap.SugaredLogger { return ex.logger }

// SetJobHint replaces the job hint. Call it before commands run.
func (ex *Executor) SetJobHint(hint func()) { ex.jobHint = hint }
