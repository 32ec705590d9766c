// Package engine wires the store, the command pipeline and the job executor
// into one process engine.
//
//	eng, err := engine.New(ctx, cfg, engine.WithDefinitions(defs...))
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	root, err := eng.StartProcessInstance(ctx, execution.StartProcessInstanceCmd{DefinitionKey: "order"})
//
// Every method runs one command through the executor. Callers that need
// several operations in one transaction run a command.Func with
// command.Run on Executor() instead.
package engine

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/clock"
	"github.com/teranos/weft/command"
	"github.com/teranos/weft/db"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/execution"
	"github.com/teranos/weft/expr"
	"github.com/teranos/weft/incident"
	"github.com/teranos/weft/jobexecutor"
	"github.com/teranos/weft/metrics"
	"github.com/teranos/weft/process"
	"github.com/teranos/weft/store"
)

// Engine is a running process engine node.
type Engine struct {
	cfg      *am.Config
	db       *sql.DB
	ownsDB   bool
	store    *store.SQLStore
	repo     *process.Repository
	registry *command.Registry
	ex       *command.Executor
	jobs     *jobexecutor.JobExecutor
	logger   *zap.SugaredLogger
}

type options struct {
	db          *sql.DB
	clock       clock.Clock
	logger      *zap.SugaredLogger
	definitions []*process.Definition
	handlers    map[string]command.JobHandler
	commandOpts []command.Option
}

// Option configures New.
type Option func(*options)

// WithDB uses an open, migrated database instead of opening
// database.path. The engine does not close it.
func WithDB(conn *sql.DB) Option { return func(o *options) { o.db = conn } }

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the engine logger. Components log through named children.
func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.logger = l } }

// WithDefinitions deploys defs while the engine is created.
func WithDefinitions(defs ...*process.Definition) Option {
	return func(o *options) { o.definitions = append(o.definitions, defs...) }
}

// WithJobHandler registers a handler for a custom job type.
func WithJobHandler(jobType string, h command.JobHandler) Option {
	return func(o *options) {
		if o.handlers == nil {
			o.handlers = make(map[string]command.JobHandler)
		}
		o.handlers[jobType] = h
	}
}

// WithCommandOptions passes extra options to the command executor, after
// the ones derived from configuration.
func WithCommandOptions(opts ...command.Option) Option {
	return func(o *options) { o.commandOpts = append(o.commandOpts, opts...) }
}

// New creates an engine from cfg. A nil cfg uses the built-in defaults.
// The job executor is created but not started; see Start.
func New(ctx context.Context, cfg *am.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = am.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	if o.clock == nil {
		o.clock = clock.System()
	}

	e := &Engine{cfg: cfg, logger: o.logger, db: o.db}
	if e.db == nil {
		conn, err := db.OpenWithMigrations(cfg.GetDatabasePath(), o.logger.Named("db"))
		if err != nil {
			return nil, err
		}
		e.db, e.ownsDB = conn, true
	}

	e.store = store.NewSQLStore(e.db)
	e.repo = process.NewRepository()
	e.registry = command.NewRegistry(e.repo, expr.NewGoja(cfg.Engine.ExpressionTimeout))
	execution.RegisterHandlers(e.registry)
	for typ, h := range o.handlers {
		e.registry.RegisterHandler(typ, h)
	}

	cmdOpts := append(command.OptionsFromConfig(cfg),
		command.WithClock(o.clock),
		command.WithLogger(o.logger.Named("command")))
	e.ex = command.NewExecutor(e.store, e.registry, append(cmdOpts, o.commandOpts...)...)
	e.jobs = jobexecutor.New(e.ex, jobexecutor.ConfigFrom(cfg), o.logger.Named("jobexecutor"))

	for _, def := range o.definitions {
		if _, err := e.Deploy(ctx, def); err != nil {
			e.Close()
			return nil, errors.Wrapf(err, "failed to deploy %s", def.ID())
		}
	}
	return e, nil
}

// Start launches the job executor when job_executor.enabled is set.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.JobExecutor.Enabled {
		e.logger.Infow("Job executor disabled, engine runs commands only")
		return nil
	}
	return e.jobs.Start(ctx)
}

// Close stops the job executor and closes the database if the engine
// opened it.
func (e *Engine) Close() error {
	e.jobs.Stop()
	if e.ownsDB {
		return e.db.Close()
	}
	return nil
}

func (e *Engine) Config() *am.Config { return e.cfg }
func (e *Engine) Executor() *command.Executor { return e.ex }
func (e *Engine) Store() *store.SQLStore { return e.store }
func (e *Engine) Registry() *command.Registry { return e.registry }
func (e *Engine) Processes() *process.Repository { return e.repo }
func (e *Engine) JobExecutor() *jobexecutor.JobExecutor { return e.jobs }
func (e *Engine) Metrics() *metrics.Registry { return e.ex.Metrics() }
func (e *Engine) SystemMetrics() jobexecutor.SystemMetrics { return e.jobs.SystemMetrics() }

// WatchConfig hot-applies job executor tuning from cw.
func (e *Engine) WatchConfig(cw *am.ConfigWatcher) { e.jobs.WatchConfig(cw) }

// Deploy registers a process definition and schedules its timer start.
func (e *Engine) Deploy(ctx context.Context, def *process.Definition) (*process.Definition, error) {
	return command.Run(ctx, e.ex, execution.DeployCmd{Definition: def})
}

// StartProcessInstance creates and runs a new instance until it waits.
func (e *Engine) StartProcessInstance(ctx context.Context, cmd execution.StartProcessInstanceCmd) (*entity.Execution, error) {
	return command.Run(ctx, e.ex, cmd)
}

// Signal resumes an execution waiting in a wait state.
func (e *Engine) Signal(ctx context.Context, executionID string, vars map[string]any) (*entity.Execution, error) {
	return command.Run(ctx, e.ex, execution.SignalCmd{ExecutionID: executionID, Variables: vars})
}

func (e *Engine) SetVariables(ctx context.Context, executionID string, vars map[string]any) error {
	_, err := command.Run(ctx, e.ex, execution.SetVariablesCmd{ExecutionID: executionID, Variables: vars})
	return err
}

// Variables returns the variables visible from an execution.
func (e *Engine) Variables(ctx context.Context, executionID string) (map[string]any, error) {
	return command.Run(ctx, e.ex, execution.GetVariablesCmd{ExecutionID: executionID})
}

// StartActivity adds a token at activityID of a running instance.
func (e *Engine) StartActivity(ctx context.Context, processInstanceID, activityID string, vars map[string]any) (*entity.Execution, error) {
	return command.Run(ctx, e.ex, execution.StartActivityCmd{
		ProcessInstanceID: processInstanceID,
		ActivityID:        activityID,
		Variables:         vars,
	})
}

func (e *Engine) Terminate(ctx context.Context, processInstanceID, reason string) (*entity.Execution, error) {
	return command.Run(ctx, e.ex, execution.TerminateProcessInstanceCmd{
		ProcessInstanceID: processInstanceID,
		Reason:            reason,
	})
}

func (e *Engine) Instances(ctx context.Context, filter store.InstanceFilter) ([]*entity.Execution, error) {
	return command.Run(ctx, e.ex, execution.ListProcessInstancesCmd{Filter: filter})
}

// Tree returns every execution of an instance, parents first.
func (e *Engine) Tree(ctx context.Context, processInstanceID string) ([]*entity.Execution, error) {
	return command.Run(ctx, e.ex, execution.ExecutionTreeCmd{ProcessInstanceID: processInstanceID})
}

func (e *Engine) Jobs(ctx context.Context, filter store.JobFilter) ([]*entity.Job, error) {
	return command.Run(ctx, e.ex, jobexecutor.ListJobsCmd{Filter: filter})
}

func (e *Engine) SetJobRetries(ctx context.Context, sel jobexecutor.JobSelector, retries int) (int, error) {
	return command.Run(ctx, e.ex, jobexecutor.SetJobRetriesCmd{JobSelector: sel, Retries: retries})
}

func (e *Engine) SuspendJobs(ctx context.Context, sel jobexecutor.JobSelector) (int, error) {
	return command.Run(ctx, e.ex, jobexecutor.SuspendJobsCmd{JobSelector: sel})
}

func (e *Engine) ActivateJobs(ctx context.Context, sel jobexecutor.JobSelector) (int, error) {
	return command.Run(ctx, e.ex, jobexecutor.ActivateJobsCmd{JobSelector: sel})
}

// ExecuteJobNow runs a job's handler immediately. A failure is recorded on
// the job as if the executor had run it.
func (e *Engine) ExecuteJobNow(ctx context.Context, jobID string) error {
	_, err := command.Run(ctx, e.ex, jobexecutor.ExecuteJobNowCmd{
		JobID:   jobID,
		Backoff: jobexecutor.ConfigFrom(e.cfg).Backoff(),
	})
	return err
}

func (e *Engine) Incidents(ctx context.Context, filter store.IncidentFilter) ([]*entity.Incident, error) {
	return command.Run(ctx, e.ex, incident.ListIncidentsCmd{Filter: filter})
}

func (e *Engine) ResolveIncident(ctx context.Context, incidentID string) (*entity.Incident, error) {
	return command.Run(ctx, e.ex, incident.ResolveIncidentCmd{IncidentID: incidentID})
}

func (e *Engine) OperationLog(ctx context.Context, limit int) ([]*entity.OperationLogEntry, error) {
	return command.Run(ctx, e.ex, jobexecutor.ListOperationLogCmd{Limit: limit})
}

// WaitForInstance polls until the instance has ended or ctx is done.
func (e *Engine) WaitForInstance(ctx context.Context, processInstanceID string, every time.Duration) (*entity.Execution, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		root, err := e.store.GetExecution(ctx, processInstanceID)
		if err != nil {
			return nil, err
		}
		if root.IsEnded() {
			return root, nil
		}
		select {
		case <-ctx.Done():
			return root, ctx.Err()
		case <-ticker.C:
		}
	}
}
