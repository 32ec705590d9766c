package jobexecutor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/teranos/weft/clock"
	"github.com/teranos/weft/command"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/execution"
	"github.com/teranos/weft/expr"
	"github.com/teranos/weft/incident"
	weftest "github.com/teranos/weft/internal/testing"
	"github.com/teranos/weft/metrics"
	"github.com/teranos/weft/process"
	"github.com/teranos/weft/store"
)

// ============================================================================
// The Bakery Test Universe
// ============================================================================
//
// Characters:
//   - The ovens: job executor nodes ("oven-a", "oven-b") that lock orders
//   - The orders: jobs, each due when its dough has risen
//   - The burnt batches: handlers that fail and end up as incidents
//
// Theme: every order is baked exactly once, even when two ovens reach for
// the same tray.
// ============================================================================

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type bakery struct {
	store *store.SQLStore
	clock *clock.Manual
	repo  *process.Repository
}

func newBakery(t *testing.T) *bakery {
	t.Helper()
	return &bakery{
		store: store.NewSQLStore(weftest.CreateTestDB(t)),
		clock: clock.NewManual(t0),
		repo:  process.NewRepository(),
	}
}

// oven creates one node's command executor over the shared store.
func (b *bakery) oven(opts ...command.Option) *command.Executor {
	reg := command.NewRegistry(b.repo, expr.NewGoja(time.Second))
	execution.RegisterHandlers(reg)
	opts = append([]command.Option{
		command.WithClock(b.clock),
		command.WithRetryPolicy(command.RetryPolicy{Attempts: 3}),
	}, opts...)
	return command.NewExecutor(b.store, reg, opts...)
}

func seedJobs(t *testing.T, ex *command.Executor, jobs ...*entity.Job) {
	t.Helper()
	_, err := command.Run(context.Background(), ex, command.Func[struct{}](func(cc *command.Context) (struct{}, error) {
		for _, j := range jobs {
			cc.Insert(j)
		}
		return struct{}{}, nil
	}))
	require.NoError(t, err)
}

func order(id, typ string) *entity.Job {
	return &entity.Job{
		Base:      entity.Base{ID: id},
		Type:      typ,
		DueDate:   t0,
		Retries:   3,
		Exclusive: true,
		CreatedAt: t0,
	}
}

func (b *bakery) job(t *testing.T, id string) *entity.Job {
	t.Helper()
	j, err := b.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (b *bakery) incidents(t *testing.T, jobID string) []*entity.Incident {
	t.Helper()
	out, err := b.store.ListIncidents(context.Background(), store.IncidentFilter{JobID: jobID})
	require.NoError(t, err)
	return out
}

func acquire(t *testing.T, ex *command.Executor, owner string, limit int) AcquiredJobs {
	t.Helper()
	res, err := command.Run(context.Background(), ex, AcquireJobsCmd{
		LockOwner:    owner,
		LockDuration: time.Minute,
		Limit:        limit,
	})
	require.NoError(t, err)
	return res
}

func burnt(msg string) command.JobHandlerFunc {
	return func(cc *command.Context, job *entity.Job) error {
		return errors.New(msg)
	}
}

// ============================================================================
// Scheduling math
// ============================================================================

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 10 * time.Second, Cap: time.Minute}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{40, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.failures), "failures=%d", tt.failures)
	}
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
	assert.Equal(t, 320*time.Second, Backoff{Base: 10 * time.Second}.Delay(6), "no cap")
}

func TestGroupKeepsExclusiveJobsTogether(t *testing.T) {
	t.Log("🥖 Exclusive orders of one customer share a tray, everything else gets its own")
	jobs := []*entity.Job{
		{Base: entity.Base{ID: "a1"}, ProcessInstanceID: "alice", Exclusive: true},
		{Base: entity.Base{ID: "b1"}, ProcessInstanceID: "bob", Exclusive: true},
		{Base: entity.Base{ID: "a2"}, ProcessInstanceID: "alice", Exclusive: false},
		{Base: entity.Base{ID: "a3"}, ProcessInstanceID: "alice", Exclusive: true},
		{Base: entity.Base{ID: "s1"}, Exclusive: true},
	}

	units := group(jobs)

	require.Len(t, units, 4)
	assert.Equal(t, []string{"a1", "a3"}, units[0].JobIDs)
	assert.Equal(t, "alice", units[0].ProcessInstanceID)
	assert.Equal(t, []string{"b1"}, units[1].JobIDs)
	assert.Equal(t, []string{"a2"}, units[2].JobIDs)
	assert.Equal(t, []string{"s1"}, units[3].JobIDs)
}

// ============================================================================
// Acquisition
// ============================================================================

func TestAcquireLocksDueJobsInOrder(t *testing.T) {
	t.Log("⏲️ The oven locks the due orders, highest priority first, and leaves the rest")
	b := newBakery(t)
	ex := b.oven()
	late := order("late", "bake")
	late.DueDate = t0.Add(time.Hour)
	urgent := order("urgent", "bake")
	urgent.Priority = 9
	urgent.Exclusive = false
	plain := order("plain", "bake")
	plain.Exclusive = false
	seedJobs(t, ex, late, urgent, plain)

	res := acquire(t, ex, "oven-a", 10)

	assert.Equal(t, 2, res.Count)
	assert.False(t, res.Filled)
	require.Len(t, res.Units, 2)
	assert.Equal(t, []string{"urgent"}, res.Units[0].JobIDs)
	assert.Equal(t, []string{"plain"}, res.Units[1].JobIDs)

	locked := b.job(t, "urgent")
	assert.Equal(t, "oven-a", locked.LockOwner)
	require.NotNil(t, locked.LockExpirationTime)
	assert.Equal(t, t0.Add(time.Minute), *locked.LockExpirationTime)
	assert.Equal(t, 2, locked.Revision())
	assert.Empty(t, b.job(t, "late").LockOwner)

	res = acquire(t, ex, "oven-b", 10)
	assert.Equal(t, 0, res.Count)
	t.Log("  ✓ a second oven finds nothing while the locks are valid")

	b.clock.Advance(2 * time.Minute)
	res = acquire(t, ex, "oven-b", 1)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.Filled)
	assert.Equal(t, "oven-b", b.job(t, "urgent").LockOwner)
	t.Log("  ✓ expired locks are taken over")
}

func TestAcquireSkipsBusyProcessInstances(t *testing.T) {
	t.Log("🧁 While one oven holds an exclusive order of Alice, no other oven takes her exclusive orders")
	b := newBakery(t)
	ex := b.oven()
	first := order("alice-1", "bake")
	first.ProcessInstanceID = "alice"
	second := order("alice-2", "bake")
	second.ProcessInstanceID = "alice"
	second.CreatedAt = t0.Add(time.Second)
	second.DueDate = t0.Add(time.Millisecond)
	side := order("alice-side", "bake")
	side.ProcessInstanceID = "alice"
	side.Exclusive = false
	side.DueDate = t0.Add(2 * time.Millisecond)
	seedJobs(t, ex, first, second, side)
	b.clock.Advance(time.Second)

	res := acquire(t, ex, "oven-a", 1)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, []string{"alice-1"}, res.Units[0].JobIDs)

	res = acquire(t, ex, "oven-b", 10)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, []string{"alice-side"}, res.Units[0].JobIDs)
	assert.Empty(t, b.job(t, "alice-2").LockOwner)
	t.Log("  ✓ only the non-exclusive order went to the second oven")
}

func TestAcquireBatchGroupsOneInstance(t *testing.T) {
	b := newBakery(t)
	ex := b.oven()
	first := order("bob-1", "bake")
	first.ProcessInstanceID = "bob"
	second := order("bob-2", "bake")
	second.ProcessInstanceID = "bob"
	seedJobs(t, ex, first, second)

	res := acquire(t, ex, "oven-a", 10)

	assert.Equal(t, 2, res.Count)
	require.Len(t, res.Units, 1)
	assert.Equal(t, []string{"bob-1", "bob-2"}, res.Units[0].JobIDs)
}

func TestAcquireLoserRetriesAndSkips(t *testing.T) {
	t.Log("🔥 Two ovens reach for the same tray; the loser retries and finds it taken")
	b := newBakery(t)
	ovenA := b.oven()
	ovenB := b.oven()
	seedJobs(t, ovenA, order("tray", "bake"))
	ctx := context.Background()

	attempts := 0
	res, err := command.Run(ctx, ovenB, command.Func[AcquiredJobs](func(cc *command.Context) (AcquiredJobs, error) {
		attempts++
		got, err := AcquireJobsCmd{LockOwner: "oven-b", LockDuration: time.Minute, Limit: 10}.Execute(cc)
		if err != nil || attempts > 1 {
			return got, err
		}
		// oven-a commits first, between oven-b's read and its flush
		_, err = command.RunInNewTransaction(ctx, ovenA, AcquireJobsCmd{LockOwner: "oven-a", LockDuration: time.Minute, Limit: 10})
		return got, err
	}))
	require.NoError(t, err)

	assert.Equal(t, 2, attempts)
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, "oven-a", b.job(t, "tray").LockOwner)
	assert.Equal(t, int64(1), ovenB.Metrics().Value(metrics.CommandsRetried))
}

func TestAcquireValidation(t *testing.T) {
	b := newBakery(t)
	ex := b.oven()
	_, err := command.Run(context.Background(), ex, AcquireJobsCmd{LockDuration: time.Minute, Limit: 1})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	_, err = command.Run(context.Background(), ex, AcquireJobsCmd{LockOwner: "oven-a", Limit: 1})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

// ============================================================================
// Execution
// ============================================================================

func noonVoyage(t *testing.T, ex *command.Executor) *entity.Execution {
	t.Helper()
	def, err := process.New("noon", "1.0.0").
		StartEvent("dough").
		IntermediateTimer("rise", process.Date(t0)).
		EndEvent("bread").
		Flow("dough", "rise").
		Flow("rise", "bread").
		Build()
	require.NoError(t, err)
	ctx := context.Background()
	_, err = command.Run(ctx, ex, execution.DeployCmd{Definition: def})
	require.NoError(t, err)
	root, err := command.Run(ctx, ex, execution.StartProcessInstanceCmd{DefinitionID: def.ID()})
	require.NoError(t, err)
	return root
}

func TestScenarioATimerJobRunsOnce(t *testing.T) {
	t.Log("🍞 A timer due now is locked, its handler runs, the job row disappears and nothing burns")
	b := newBakery(t)
	ex := b.oven()
	root := noonVoyage(t, ex)
	ctx := context.Background()

	res := acquire(t, ex, "oven-a", 10)
	require.Equal(t, 1, res.Count)
	jobID := res.Units[0].JobIDs[0]
	assert.Equal(t, "oven-a", b.job(t, jobID).LockOwner)

	ran, err := command.Run(ctx, ex, ExecuteJobCmd{JobID: jobID, LockOwner: "oven-a"})
	require.NoError(t, err)
	assert.True(t, ran)

	_, err = b.store.GetJob(ctx, jobID)
	assert.True(t, errors.IsNotFoundError(err))
	exe, err := b.store.GetExecution(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, exe.IsEnded())
	assert.Empty(t, b.incidents(t, jobID))
	assert.Equal(t, int64(1), ex.Metrics().Value(metrics.JobsExecuted))
}

func TestExecuteSkipsForeignAndMissingJobs(t *testing.T) {
	b := newBakery(t)
	ex := b.oven()
	ex.Registry().RegisterHandler("bake", burnt("should not run"))
	seedJobs(t, ex, order("tray", "bake"))
	acquire(t, ex, "oven-a", 10)
	ctx := context.Background()

	ran, err := command.Run(ctx, ex, ExecuteJobCmd{JobID: "tray", LockOwner: "oven-b"})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 3, b.job(t, "tray").Retries)

	ran, err = command.Run(ctx, ex, ExecuteJobCmd{JobID: "gone", LockOwner: "oven-a"})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestScenarioBLastRetryRaisesIncident(t *testing.T) {
	t.Log("🔥 An order with one retry left burns: no retries remain and exactly one incident exists")
	b := newBakery(t)
	ex := b.oven()
	ex.Registry().RegisterHandler("bake", burnt("oven on fire"))
	j := order("tray", "bake")
	j.Retries = 1
	j.ProcessInstanceID = "carol"
	seedJobs(t, ex, j)
	acquire(t, ex, "oven-a", 10)

	_, err := command.Run(context.Background(), ex, ExecuteJobCmd{
		JobID:     "tray",
		LockOwner: "oven-a",
		Backoff:   Backoff{Base: 10 * time.Second},
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeHandlerExecution, errors.CodeOf(err))

	failed := b.job(t, "tray")
	assert.Equal(t, 0, failed.Retries)
	assert.Equal(t, 1, failed.Failures)
	assert.Contains(t, failed.ExceptionMessage, "oven on fire")
	assert.NotEmpty(t, failed.ExceptionStacktrace)
	assert.Empty(t, failed.LockOwner)
	assert.Nil(t, failed.LockExpirationTime)
	assert.False(t, failed.Suspended)
	assert.Equal(t, t0, failed.DueDate)

	incidents := b.incidents(t, "tray")
	require.Len(t, incidents, 1)
	assert.Equal(t, entity.IncidentFailedJob, incidents[0].Type)
	assert.Contains(t, incidents[0].Message, "oven on fire")
	assert.Equal(t, "carol", incidents[0].ProcessInstanceID)
	assert.Equal(t, int64(1), ex.Metrics().Value(metrics.IncidentsCreated))
	t.Log("  ✓ the incident carries the handler's message")

	res := acquire(t, ex, "oven-a", 10)
	assert.Equal(t, 0, res.Count)
	t.Log("  ✓ a job without retries is never acquired again")
}

func TestRetryMonotonicity(t *testing.T) {
	t.Log("📉 Every failure costs one retry and pushes the due date strictly later")
	b := newBakery(t)
	ex := b.oven()
	ex.Registry().RegisterHandler("bake", burnt("soggy"))
	seedJobs(t, ex, order("tray", "bake"))
	backoff := Backoff{Base: 10 * time.Second, Cap: 15 * time.Second}
	ctx := context.Background()

	prev := b.job(t, "tray")
	wantDue := []time.Time{t0.Add(10 * time.Second), t0.Add(25 * time.Second)}
	for i, want := range wantDue {
		_, err := command.Run(ctx, ex, ExecuteJobCmd{JobID: "tray", Backoff: backoff})
		require.Error(t, err)

		cur := b.job(t, "tray")
		assert.Equal(t, prev.Retries-1, cur.Retries)
		assert.True(t, cur.DueDate.After(prev.DueDate), "due date moved from %s to %s", prev.DueDate, cur.DueDate)
		assert.Equal(t, want, cur.DueDate, "failure %d", i+1)
		assert.Empty(t, b.incidents(t, "tray"))
		prev = cur
	}

	_, err := command.Run(ctx, ex, ExecuteJobCmd{JobID: "tray", Backoff: backoff})
	require.Error(t, err)
	cur := b.job(t, "tray")
	assert.Equal(t, 0, cur.Retries)
	assert.Equal(t, 3, cur.Failures)
	assert.Len(t, b.incidents(t, "tray"), 1)
}

func TestFailedJobBacksOffFromNow(t *testing.T) {
	b := newBakery(t)
	ex := b.oven()
	seedJobs(t, ex, order("tray", "bake"))
	b.clock.Advance(time.Hour)

	job, err := command.Run(context.Background(), ex, FailedJobCmd{
		JobID:   "tray",
		Cause:   errors.New("cold oven"),
		Backoff: Backoff{Base: time.Minute},
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour+time.Minute), job.DueDate)

	job, err = command.Run(context.Background(), ex, FailedJobCmd{JobID: "missing"})
	require.NoError(t, err)
	assert.Nil(t, job)
}

// tally counts completions in the "counter" variable of the job's
// execution. With a gate it reads the counter, then waits.
func tally(gate func()) command.JobHandlerFunc {
	return func(cc *command.Context, job *entity.Job) error {
		vars, err := command.Run(cc.Ctx(), cc.Executor(), execution.GetVariablesCmd{ExecutionID: job.ExecutionID})
		if err != nil {
			return err
		}
		if gate != nil {
			gate()
		}
		n, _ := vars["counter"].(int64)
		_, err = command.Run(cc.Ctx(), cc.Executor(), execution.SetVariablesCmd{
			ExecutionID: job.ExecutionID,
			Variables:   map[string]any{"counter": n + 1},
		})
		return err
	}
}

func TestIdempotentReacquisition(t *testing.T) {
	t.Log("🥐 Oven A stalls past its lock; oven B bakes the order; A's late commit is discarded")
	b := newBakery(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ovenA := b.oven()
	ovenA.Registry().RegisterHandler("tally", tally(func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}))
	ovenB := b.oven()
	ovenB.Registry().RegisterHandler("tally", tally(nil))
	ctx := context.Background()

	def, err := process.New("croissant", "1.0.0").StartEvent("dough").UserTask("shelf").Flow("dough", "shelf").Build()
	require.NoError(t, err)
	_, err = command.Run(ctx, ovenA, execution.DeployCmd{Definition: def})
	require.NoError(t, err)
	root, err := command.Run(ctx, ovenA, execution.StartProcessInstanceCmd{
		DefinitionID: def.ID(),
		Variables:    map[string]any{"counter": 0},
	})
	require.NoError(t, err)
	j := order("tray", "tally")
	j.ExecutionID = root.ID
	j.ProcessInstanceID = root.ID
	seedJobs(t, ovenA, j)

	require.Equal(t, 1, acquire(t, ovenA, "oven-a", 10).Count)

	type result struct {
		ran bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ran, err := command.Run(ctx, ovenA, ExecuteJobCmd{JobID: "tray", LockOwner: "oven-a"})
		done <- result{ran, err}
	}()
	<-started

	b.clock.Advance(2 * time.Minute)
	require.Equal(t, 1, acquire(t, ovenB, "oven-b", 10).Count)
	ran, err := command.Run(ctx, ovenB, ExecuteJobCmd{JobID: "tray", LockOwner: "oven-b"})
	require.NoError(t, err)
	require.True(t, ran)
	t.Log("  ✓ oven B re-acquired the expired lock and baked the order")

	close(release)
	r := <-done
	require.NoError(t, r.err)
	assert.False(t, r.ran, "oven A's retry found the job gone")

	vars, err := command.Run(ctx, ovenA, execution.GetVariablesCmd{ExecutionID: root.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), vars["counter"])
	assert.Empty(t, b.incidents(t, "tray"))
	_, err = b.store.GetJob(ctx, "tray")
	assert.True(t, errors.IsNotFoundError(err))
	t.Log("  ✓ the counter moved exactly once")
}

// ============================================================================
// The running executor
// ============================================================================

func testConfig(owner string) Config {
	return Config{
		LockOwner:           owner,
		AcquisitionInterval: 10 * time.Millisecond,
		BatchSize:           10,
		Workers:             2,
		QueueSize:           4,
		LockDuration:        5 * time.Minute,
		BackoffBase:         10 * time.Second,
		BackoffCap:          10 * time.Minute,
	}
}

func TestJobExecutorEndToEnd(t *testing.T) {
	t.Log("🏭 The running executor picks up a due timer and finishes the instance")
	b := newBakery(t)
	ex := b.oven()
	root := noonVoyage(t, ex)
	je := New(ex, testConfig("oven-a"), nil)

	require.NoError(t, je.Start(context.Background()))
	require.Error(t, je.Start(context.Background()), "already running")

	require.Eventually(t, func() bool {
		exe, err := b.store.GetExecution(context.Background(), root.ID)
		return err == nil && exe.IsEnded()
	}, 5*time.Second, 10*time.Millisecond)
	je.Stop()
	je.Stop()

	assert.Equal(t, int64(1), ex.Metrics().Value(metrics.JobsAcquired))
	assert.Equal(t, int64(1), ex.Metrics().Value(metrics.JobsExecuted))
	assert.Positive(t, ex.Metrics().Value(metrics.AcquisitionCycles))

	m := je.SystemMetrics()
	assert.Equal(t, 2, m.WorkersTotal)
	assert.Equal(t, 4, m.QueueCapacity)
	assert.Equal(t, 0, m.WorkersActive)
	assert.Equal(t, int64(1), m.JobsExecuted)
}

func TestStopReleasesUnrunLocks(t *testing.T) {
	b := newBakery(t)
	ex := b.oven()
	seedJobs(t, ex, order("tray", "bake"))
	je := New(ex, testConfig("oven-a"), nil)
	acquire(t, ex, je.LockOwner(), 10)

	require.NoError(t, je.Start(context.Background()))
	je.Stop()

	assert.Empty(t, b.job(t, "tray").LockOwner, "locks held at Stop are released")
}

func TestCommitHintWakesTheExecutor(t *testing.T) {
	b := newBakery(t)
	ex := b.oven()
	je := New(ex, testConfig(""), nil)
	assert.NotEmpty(t, je.LockOwner(), "a random owner is generated")

	noonVoyage(t, ex)

	assert.Len(t, je.hint, 1)
	je.Hint()
	assert.Len(t, je.hint, 1, "hints coalesce")
}

func TestApplyKeepsPoolShape(t *testing.T) {
	b := newBakery(t)
	je := New(b.oven(), testConfig("oven-a"), nil)

	next := testConfig("oven-z")
	next.Workers = 16
	next.BatchSize = 3
	next.MaxJobsPerSecond = 5
	je.Apply(next)

	cfg := je.config()
	assert.Equal(t, "oven-a", cfg.LockOwner)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 3, cfg.BatchSize)
	assert.InDelta(t, 5.0, float64(je.limiter.Limit()), 0.001)

	next.MaxJobsPerSecond = 0
	je.Apply(next)
	assert.Equal(t, rate.Inf, je.limiter.Limit(), "zero means unlimited")
}

// ============================================================================
// Operator commands
// ============================================================================

func dozen(instance string, n int) []*entity.Job {
	jobs := make([]*entity.Job, n)
	for i := range jobs {
		j := order(instance+"-"+string(rune('a'+i)), "bake")
		j.ProcessInstanceID = instance
		jobs[i] = j
	}
	return jobs
}

func TestSetJobRetriesWritesOperationLog(t *testing.T) {
	t.Log("📋 Restoring retries logs one entry per job up to the summary threshold, then one summary")
	b := newBakery(t)
	ex := b.oven()
	ex.Registry().RegisterHandler("bake", burnt("burnt"))
	seedJobs(t, ex, dozen("dave", 2)...)
	j := order("single", "bake")
	j.Retries = 1
	seedJobs(t, ex, j)
	ctx := context.Background()

	_, err := command.Run(ctx, ex, ExecuteJobCmd{JobID: "single"})
	require.Error(t, err)
	require.Len(t, b.incidents(t, "single"), 1)

	n, err := command.Run(ctx, ex, SetJobRetriesCmd{JobSelector: JobSelector{JobIDs: []string{"single"}}, Retries: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, b.job(t, "single").Retries)
	assert.Equal(t, entity.IncidentOpen, b.incidents(t, "single")[0].State, "incidents stay open")

	n, err = command.Run(ctx, ex, SetJobRetriesCmd{JobSelector: JobSelector{ProcessInstanceID: "dave"}, Retries: 7})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := command.Run(ctx, ex, ListOperationLogCmd{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var summary, single *entity.OperationLogEntry
	for _, e := range entries {
		if e.TargetID == "" {
			summary = e
		} else {
			single = e
		}
	}
	require.NotNil(t, summary)
	require.NotNil(t, single)
	assert.Equal(t, 2, summary.AffectedCount)
	assert.Equal(t, "retries=7", summary.Details)
	assert.Equal(t, "single", single.TargetID)
	assert.Equal(t, OpSetJobRetries, single.Operation)
}

func TestOperationLogThresholds(t *testing.T) {
	b := newBakery(t)
	ex := b.oven(command.WithOperationLog(command.OperationLogPolicy{SummaryThreshold: -1, FailureThreshold: 3}))
	seedJobs(t, ex, dozen("erin", 4)...)
	seedJobs(t, ex, dozen("finn", 3)...)
	ctx := context.Background()

	_, err := command.Run(ctx, ex, SuspendJobsCmd{JobSelector{ProcessInstanceID: "erin"}})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	assert.False(t, b.job(t, "erin-a").Suspended, "nothing changed")

	n, err := command.Run(ctx, ex, SuspendJobsCmd{JobSelector{ProcessInstanceID: "finn"}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := b.store.ListOperationLog(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "never summarized")
	for _, e := range entries {
		assert.Equal(t, OpSuspendJobs, e.Operation)
		assert.Equal(t, 1, e.AffectedCount)
	}
}

func TestSuspendAndActivate(t *testing.T) {
	t.Log("🧊 A suspended order stays in the fridge until it is activated")
	b := newBakery(t)
	ex := b.oven()
	seedJobs(t, ex, order("tray", "bake"))
	ctx := context.Background()
	sel := JobSelector{JobIDs: []string{"tray"}}

	n, err := command.Run(ctx, ex, SuspendJobsCmd{sel})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = command.Run(ctx, ex, SuspendJobsCmd{sel})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already suspended")
	assert.Equal(t, 0, acquire(t, ex, "oven-a", 10).Count)

	n, err = command.Run(ctx, ex, ActivateJobsCmd{sel})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, acquire(t, ex, "oven-a", 10).Count)

	_, err = command.Run(ctx, ex, SuspendJobsCmd{})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	_, err = command.Run(ctx, ex, ActivateJobsCmd{JobSelector{JobIDs: []string{"nope"}}})
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestExecuteJobNow(t *testing.T) {
	t.Log("👩‍🍳 The baker runs an order by hand, ignoring its due date and suspension")
	b := newBakery(t)
	ex := b.oven()
	ex.Registry().RegisterHandler("tally", tally(nil))
	ex.Registry().RegisterHandler("bake", burnt("by hand"))
	ctx := context.Background()

	def, err := process.New("bagel", "1.0.0").StartEvent("dough").UserTask("shelf").Flow("dough", "shelf").Build()
	require.NoError(t, err)
	_, err = command.Run(ctx, ex, execution.DeployCmd{Definition: def})
	require.NoError(t, err)
	root, err := command.Run(ctx, ex, execution.StartProcessInstanceCmd{DefinitionID: def.ID()})
	require.NoError(t, err)

	later := order("later", "tally")
	later.DueDate = t0.Add(24 * time.Hour)
	later.Suspended = true
	later.ExecutionID = root.ID
	later.ProcessInstanceID = root.ID
	locked := order("locked", "bake")
	locked.Lock("oven-a", t0.Add(time.Minute))
	seedJobs(t, ex, later, locked, order("failing", "bake"))

	_, err = command.Run(ctx, ex, ExecuteJobNowCmd{JobID: "later"})
	require.NoError(t, err)
	_, err = b.store.GetJob(ctx, "later")
	assert.True(t, errors.IsNotFoundError(err))
	vars, err := command.Run(ctx, ex, execution.GetVariablesCmd{ExecutionID: root.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), vars["counter"])

	_, err = command.Run(ctx, ex, ExecuteJobNowCmd{JobID: "locked"})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	_, err = command.Run(ctx, ex, ExecuteJobNowCmd{JobID: "failing"})
	assert.Equal(t, errors.CodeHandlerExecution, errors.CodeOf(err))
	assert.Equal(t, 2, b.job(t, "failing").Retries, "the failure is recorded on the job")
}

func TestBurntOrderRaisesOneIncident(t *testing.T) {
	t.Log("🔥 The baker keeps rebaking a burnt order by hand; the complaint is filed once")
	b := newBakery(t)
	ex := b.oven()
	ex.Registry().RegisterHandler("bake", burnt("charred"))
	j := order("charcoal", "bake")
	j.Retries = 1
	seedJobs(t, ex, j)
	ctx := command.WithIdentity(context.Background(), command.Identity{UserID: "baker"})

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := command.Run(ctx, ex, ExecuteJobNowCmd{JobID: "charcoal"})
		assert.Equal(t, errors.CodeHandlerExecution, errors.CodeOf(err))
		assert.Equal(t, 0, b.job(t, "charcoal").Retries)
		assert.Len(t, b.incidents(t, "charcoal"), 1, "attempt %d", attempt)
	}
	assert.Equal(t, 3, b.job(t, "charcoal").Failures)
	t.Log("  ✓ further failed runs keep the single open incident")

	entries, err := command.Run(ctx, ex, ListOperationLogCmd{})
	require.NoError(t, err)
	require.Len(t, entries, 3, "every failed manual run is audited")
	for _, e := range entries {
		assert.Equal(t, OpExecuteJobNow, e.Operation)
		assert.Equal(t, "charcoal", e.TargetID)
		assert.Equal(t, "baker", e.UserID)
		assert.Contains(t, e.Details, "charred")
	}

	t.Log("🧾 Once the complaint is resolved, the next failure files a new one")
	open := b.incidents(t, "charcoal")[0]
	_, err = command.Run(ctx, ex, incident.ResolveIncidentCmd{IncidentID: open.ID})
	require.NoError(t, err)
	_, err = command.Run(ctx, ex, ExecuteJobNowCmd{JobID: "charcoal"})
	require.Error(t, err)
	all := b.incidents(t, "charcoal")
	require.Len(t, all, 2)
}

func TestUnlockJobs(t *testing.T) {
	b := newBakery(t)
	ex := b.oven()
	seedJobs(t, ex, dozen("gina", 3)...)
	acquire(t, ex, "oven-a", 10)
	ctx := context.Background()

	n, err := command.Run(ctx, ex, UnlockJobsCmd{LockOwner: "oven-a"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, j := range dozen("gina", 3) {
		assert.Empty(t, b.job(t, j.ID).LockOwner)
	}

	n, err = command.Run(ctx, ex, UnlockJobsCmd{LockOwner: "oven-a"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = command.Run(ctx, ex, UnlockJobsCmd{})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
