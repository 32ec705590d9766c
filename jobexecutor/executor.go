// Package jobexecutor acquires due jobs and runs their handlers on a
// bounded pool of workers.
//
// One acquisition loop per node locks batches of due jobs under the node's
// lock owner and hands them to the workers through a bounded queue. A full
// queue blocks the loop, so a node never locks more jobs than it can run.
// Lock expiry is the only crash recovery: jobs of a dead node become
// acquirable again once their locks run out.
//
//	je := jobexecutor.New(ex, jobexecutor.ConfigFrom(cfg), logger.ComponentLogger("jobexecutor"))
//	if err := je.Start(ctx); err != nil {
//	    return err
//	}
//	defer je.Stop()
package jobexecutor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/command"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/metrics"
)

// stopTimeout bounds how long Stop waits for running handlers.
const stopTimeout = 30 * time.Second

// Config tunes a JobExecutor.
type Config struct {
	LockOwner           string
	AcquisitionInterval time.Duration
	BatchSize           int
	Workers             int
	QueueSize           int
	LockDuration        time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxJobsPerSecond    float64 // 0 = unlimited
}

// ConfigFrom maps loaded configuration onto a Config.
func ConfigFrom(cfg *am.Config) Config {
	return Config{
		LockOwner:           cfg.Engine.NodeID,
		AcquisitionInterval: cfg.JobExecutor.AcquisitionInterval,
		BatchSize:           cfg.JobExecutor.BatchSize,
		Workers:             cfg.JobExecutor.Workers,
		QueueSize:           cfg.JobExecutor.QueueSize,
		LockDuration:        cfg.JobExecutor.LockDuration,
		BackoffBase:         cfg.JobExecutor.BackoffBase,
		BackoffCap:          cfg.JobExecutor.BackoffCap,
		MaxJobsPerSecond:    cfg.JobExecutor.MaxJobsPerSecond,
	}
}

// DefaultConfig returns the shipped defaults with a random lock owner.
func DefaultConfig() Config {
	return ConfigFrom(am.Default())
}

// Backoff returns the failed-job delay schedule.
func (c Config) Backoff() Backoff { return Backoff{Base: c.BackoffBase, Cap: c.BackoffCap} }

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// JobExecutor is the acquisition loop and worker pool of one node.
type JobExecutor struct {
	ex      *command.Executor
	logger  executorLogger
	owner   string
	workers int
	queue   chan WorkUnit
	hint    chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	cfg     Config
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	active   atomic.Int32 // workers running a unit
	inflight atomic.Int32 // units queued or running
}

// New creates a job executor over ex and subscribes it to ex's commit
// hints. Workers and QueueSize are fixed for the executor's lifetime; the
// other settings can be changed with Apply.
func New(ex *command.Executor, cfg Config, log *zap.SugaredLogger) *JobExecutor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.LockOwner == "" {
		cfg.LockOwner = uuid.NewString()
	}
	cfg.Workers = max(cfg.Workers, 1)
	cfg.QueueSize = max(cfg.QueueSize, 0)

	e := &JobExecutor{
		ex:      ex,
		logger:  executorLogger{log.With(logger.FieldLockOwner, cfg.LockOwner)},
		owner:   cfg.LockOwner,
		workers: cfg.Workers,
		queue:   make(chan WorkUnit, cfg.QueueSize),
		hint:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rateLimit(cfg.MaxJobsPerSecond), 1),
		cfg:     cfg,
	}
	ex.SetJobHint(e.Hint)
	return e
}

// LockOwner returns the owner name this executor locks jobs under.
func (e *JobExecutor) LockOwner() string { return e.owner }

func (e *JobExecutor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Apply changes the tuning of a running executor. Lock owner, worker count
// and queue size keep their original values.
func (e *JobExecutor) Apply(cfg Config) {
	e.mu.Lock()
	prev := e.cfg
	cfg.LockOwner, cfg.Workers, cfg.QueueSize = prev.LockOwner, prev.Workers, prev.QueueSize
	e.cfg = cfg
	e.mu.Unlock()

	e.limiter.SetLimit(rateLimit(cfg.MaxJobsPerSecond))
	e.logger.Infow("Job executor configuration applied",
		"acquisition_interval", cfg.AcquisitionInterval,
		logger.FieldBatchSize, cfg.BatchSize,
		"lock_duration", cfg.LockDuration,
		"max_jobs_per_second", cfg.MaxJobsPerSecond)
	e.Hint()
}

// WatchConfig applies job executor settings whenever cw reloads the
// configuration file.
func (e *JobExecutor) WatchConfig(cw *am.ConfigWatcher) {
	cw.OnReload(func(cfg *am.Config) error {
		next := ConfigFrom(cfg)
		if next.Workers != e.workers || next.QueueSize != cap(e.queue) {
			e.logger.Warnw("Worker and queue size changes need a restart",
				"workers", next.Workers,
				"queue_size", next.QueueSize)
		}
		e.Apply(next)
		return nil
	})
}

// Hint asks for an acquisition cycle now. It never blocks.
func (e *JobExecutor) Hint() {
	select {
	case e.hint <- struct{}{}:
	default:
	}
}

// Start launches the workers and the acquisition loop. They run until ctx
// is cancelled or Stop is called.
func (e *JobExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("job executor already running")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	e.logger.Starting("Job executor starting",
		"workers", e.workers,
		"queue_size", cap(e.queue),
		logger.FieldBatchSize, e.cfg.BatchSize)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.wg.Add(1)
	go e.acquisitionLoop(ctx)
	return nil
}

// Stop cancels the loop, waits for running handlers and releases the
// locks of jobs that were acquired but not run.
func (e *JobExecutor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		e.logger.Closing("Workers still running after timeout", "timeout", stopTimeout)
	}

	// drain units that never reached a worker
	for drained := false; !drained; {
		select {
		case <-e.queue:
			e.inflight.Add(-1)
		default:
			drained = true
		}
	}

	n, err := command.Run(context.Background(), e.ex, UnlockJobsCmd{LockOwner: e.owner})
	if err != nil {
		e.logger.Errorw("Failed to release job locks", logger.FieldError, err)
	}
	e.logger.Closing("Job executor stopped", "released_locks", n)
}

func (e *JobExecutor) acquisitionLoop(ctx context.Context) {
	defer e.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.hint:
		}
		wait := e.config().AcquisitionInterval
		if e.cycle(ctx) {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// cycle runs one acquisition and dispatches what it locked. It reports
// whether the batch was full.
func (e *JobExecutor) cycle(ctx context.Context) bool {
	cfg := e.config()
	e.ex.Metrics().Inc(metrics.AcquisitionCycles)
	free := cap(e.queue) + e.workers - int(e.inflight.Load())
	if free <= 0 {
		return false
	}

	res, err := command.Run(ctx, e.ex, AcquireJobsCmd{
		LockOwner:    e.owner,
		LockDuration: cfg.LockDuration,
		Limit:        min(cfg.BatchSize, free),
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.IsOptimisticLockConflict(err):
			e.ex.Metrics().Inc(metrics.JobsAcquireConflicts)
			e.logger.Debugw("Job acquisition lost to another node", logger.FieldError, err)
		default:
			e.logger.Warnw("Job acquisition failed",
				logger.FieldError, err,
				logger.FieldErrorCode, errors.CodeOf(err).String())
		}
		return false
	}
	if res.Count == 0 {
		return false
	}

	e.ex.Metrics().Counter(metrics.JobsAcquired).Add(int64(res.Count))
	e.logger.Cycle("Acquired jobs",
		logger.FieldCount, res.Count,
		"units", len(res.Units))
	for _, u := range res.Units {
		if !e.dispatch(ctx, u) {
			e.ex.Metrics().Counter(metrics.JobsRejected).Add(int64(len(u.JobIDs)))
			return false
		}
	}
	return res.Filled
}

// dispatch blocks until a worker queue slot is free.
func (e *JobExecutor) dispatch(ctx context.Context, u WorkUnit) bool {
	e.inflight.Add(1)
	select {
	case e.queue <- u:
		return true
	case <-ctx.Done():
		e.inflight.Add(-1)
		return false
	}
}

func (e *JobExecutor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-e.queue:
			e.runUnit(ctx, id, u)
			e.inflight.Add(-1)
		}
	}
}

// runUnit executes the jobs of a unit in order. A started job runs to
// completion even when ctx is cancelled; the rest of the unit is left
// for Stop to unlock.
func (e *JobExecutor) runUnit(ctx context.Context, workerID int, u WorkUnit) {
	e.active.Add(1)
	defer e.active.Add(-1)

	jobCtx := context.WithoutCancel(ctx)
	for _, id := range u.JobIDs {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
		e.executeJob(jobCtx, workerID, id)
	}
}

func (e *JobExecutor) executeJob(ctx context.Context, workerID int, jobID string) {
	ctx = logger.WithJobID(ctx, jobID)
	ran, err := command.Run(ctx, e.ex, ExecuteJobCmd{
		JobID:     jobID,
		LockOwner: e.owner,
		Backoff:   e.config().Backoff(),
	})
	log := logger.FromContext(ctx, e.logger.SugaredLogger)
	switch {
	case err != nil:
		log.Warnw("Job execution failed",
			logger.FieldWorkerID, workerID,
			logger.FieldError, err,
			logger.FieldErrorCode, errors.CodeOf(err).String())
	case !ran:
		e.ex.Metrics().Inc(metrics.JobsSkipped)
		log.Debugw("Job skipped, gone or locked elsewhere", logger.FieldWorkerID, workerID)
	}
}
