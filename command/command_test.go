package command

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/clock"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	weftest "github.com/teranos/weft/internal/testing"
	"github.com/teranos/weft/metrics"
	"github.com/teranos/weft/store"
)

// ============================================================================
// The Fates Test Universe
// ============================================================================
//
// Characters:
//   - Clotho: spins new threads (inserts executions and jobs)
//   - Lachesis: measures threads (updates what was read, with its revision)
//   - Atropos: cuts threads (deletes, and aborts commands that must not commit)
//
// Theme: every command is one spinning; either the whole thread reaches the
// loom or none of it does.
// ============================================================================

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *store.SQLStore) {
	t.Helper()
	s := store.NewSQLStore(weftest.CreateTestDB(t))
	opts = append([]Option{
		WithClock(clock.NewManual(t0)),
		WithRetryPolicy(RetryPolicy{Attempts: 3}),
	}, opts...)
	return NewExecutor(s, NewRegistry(nil, nil), opts...), s
}

func newRoot(id string) *entity.Execution {
	return &entity.Execution{
		Base:                entity.Base{ID: id},
		ProcessInstanceID:   id,
		ProcessDefinitionID: "fate:1.0.0",
		State:               entity.StateActive,
		IsScope:             true,
		StartedAt:           t0,
	}
}

func newChild(parent *entity.Execution) *entity.Execution {
	return &entity.Execution{
		ParentID:            parent.ID,
		ProcessInstanceID:   parent.ProcessInstanceID,
		ProcessDefinitionID: parent.ProcessDefinitionID,
		State:               entity.StateActive,
		IsConcurrent:        true,
		StartedAt:           t0,
	}
}

func seed(t *testing.T, ex *Executor, entities ...entity.Entity) {
	t.Helper()
	_, err := Run(context.Background(), ex, Func[struct{}](func(cc *Context) (struct{}, error) {
		for _, e := range entities {
			cc.Insert(e)
		}
		return struct{}{}, nil
	}))
	require.NoError(t, err)
}

// ============================================================================
// Unit of work
// ============================================================================

func TestClothoSpinsAndLachesisMeasures(t *testing.T) {
	t.Log("🧶 Clotho spins a root and a job; Lachesis updates the root in a second command")
	ex, s := newTestExecutor(t)
	ctx := context.Background()

	root := newRoot("pi-clotho")
	job := &entity.Job{Type: "spin", DueDate: t0, Retries: 3, ProcessInstanceID: root.ID, CreatedAt: t0}
	seed(t, ex, root, job)
	require.NotEmpty(t, job.ID, "an id is assigned on insert")

	stored, err := s.GetExecution(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Revision())

	_, err = Run(ctx, ex, Func[struct{}](func(cc *Context) (struct{}, error) {
		e, err := cc.Execution(root.ID)
		if err != nil {
			return struct{}{}, err
		}
		e.ActivityID = "measure"
		cc.Update(e)
		cc.Update(e) // marking twice is one write
		return struct{}{}, nil
	}))
	require.NoError(t, err)

	stored, err = s.GetExecution(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "measure", stored.ActivityID)
	assert.Equal(t, 2, stored.Revision())
	t.Log("✓ one insert and one versioned update reached the loom")
}

func TestAtroposCutsWhatClothoJustSpun(t *testing.T) {
	t.Log("✂️  An insert followed by a delete in one command writes nothing")
	ex, s := newTestExecutor(t)
	ctx := context.Background()

	var pending [3]int
	_, err := Run(ctx, ex, Func[struct{}](func(cc *Context) (struct{}, error) {
		e := newRoot("pi-ephemeral")
		cc.Insert(e)
		cc.Update(e)
		cc.Delete(e)
		pending[0], pending[1], pending[2] = cc.Pending()
		_, err := cc.Execution("pi-ephemeral")
		assert.True(t, errors.IsNotFoundError(err), "deleted entities are not found in the context")
		return struct{}{}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, [3]int{0, 0, 0}, pending)

	_, err = s.GetExecution(ctx, "pi-ephemeral")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestQueriesSeeTheContextsOwnChanges(t *testing.T) {
	t.Log("🔎 Child queries merge stored rows, cached rows, inserts and deletes")
	ex, _ := newTestExecutor(t)
	root := newRoot("pi-merge")
	a, b := newChild(root), newChild(root)
	seed(t, ex, root, a, b)

	_, err := Run(context.Background(), ex, Func[struct{}](func(cc *Context) (struct{}, error) {
		stale, err := cc.Execution(a.ID)
		require.NoError(t, err)
		_, cached := cc.Cached(entity.KindExecution, root.ID)
		assert.True(t, cached, "loading a child loads its parent first")

		cc.Delete(stale)
		c := newChild(root)
		cc.Insert(c)

		children, err := cc.ChildExecutions(root.ID)
		require.NoError(t, err)
		ids := []string{}
		for _, ch := range children {
			ids = append(ids, ch.ID)
		}
		assert.ElementsMatch(t, []string{b.ID, c.ID}, ids)

		again, err := cc.Execution(b.ID)
		require.NoError(t, err)
		for _, ch := range children {
			if ch.ID == b.ID {
				assert.Same(t, again, ch, "one instance per entity and context")
			}
		}
		return struct{}{}, nil
	}))
	require.NoError(t, err)
}

// ============================================================================
// Propagation
// ============================================================================

func TestNestedRequiredJoinsAndRollsBackTogether(t *testing.T) {
	t.Log("🪡 A nested command joins its caller; the caller's failure undoes both")
	ex, s := newTestExecutor(t)
	ctx := context.Background()

	var outer, inner *Context
	boom := errors.New("Atropos cuts the thread")
	_, err := Run(ctx, ex, Func[int](func(cc *Context) (int, error) {
		outer = cc
		cc.Insert(newRoot("pi-outer"))
		_, err := Run(cc.Ctx(), ex, Func[int](func(cc *Context) (int, error) {
			inner = cc
			cc.Insert(newRoot("pi-inner"))
			return 1, nil
		}))
		require.NoError(t, err)
		return 0, boom
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Same(t, outer, inner)

	for _, id := range []string{"pi-outer", "pi-inner"} {
		_, err := s.GetExecution(ctx, id)
		assert.True(t, errors.IsNotFoundError(err), id)
	}
}

func TestRequiresNewCommitsIndependently(t *testing.T) {
	t.Log("🪡 RunInNewTransaction survives its caller's rollback")
	ex, s := newTestExecutor(t)
	ctx := context.Background()

	_, err := Run(ctx, ex, Func[int](func(cc *Context) (int, error) {
		cc.Insert(newRoot("pi-doomed"))
		_, err := RunInNewTransaction(cc.Ctx(), ex, Func[int](func(inner *Context) (int, error) {
			assert.NotSame(t, cc, inner)
			inner.Insert(newRoot("pi-survivor"))
			return 0, nil
		}))
		require.NoError(t, err)
		return 0, errors.New("rollback")
	}))
	require.Error(t, err)

	_, err = s.GetExecution(ctx, "pi-survivor")
	assert.NoError(t, err)
	_, err = s.GetExecution(ctx, "pi-doomed")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListenersFireExactlyOncePerOutcome(t *testing.T) {
	t.Log("🔔 Commit listeners run once after commit; rollback listeners once after rollback")
	ex, _ := newTestExecutor(t)
	ctx := context.Background()

	var committed, rolledBack int
	var cause error
	_, err := Run(ctx, ex, Func[int](func(cc *Context) (int, error) {
		cc.Insert(newRoot("pi-listen"))
		cc.OnCommit(func(context.Context) { committed++ })
		cc.OnRollback(func(_ context.Context, err error) { rolledBack++ })
		// nested commands add to the same transaction's listeners
		return Run(cc.Ctx(), ex, Func[int](func(cc *Context) (int, error) {
			cc.OnCommit(func(context.Context) { committed++ })
			return 0, nil
		}))
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, committed)
	assert.Equal(t, 0, rolledBack)

	committed = 0
	_, err = Run(ctx, ex, Func[int](func(cc *Context) (int, error) {
		cc.OnCommit(func(context.Context) { committed++ })
		cc.AddTxListener(TxRolledBack, func(_ context.Context, err error) {
			rolledBack++
			cause = err
		})
		return 0, errors.Validation("no thread left")
	}))
	require.Error(t, err)
	assert.Equal(t, 0, committed)
	assert.Equal(t, 1, rolledBack)
	assert.True(t, errors.IsValidation(cause))
}

func TestConflictDuringFlushRunsRollbackNotCommit(t *testing.T) {
	t.Log("🔔 A conflicted flush rolls back every attempt and never commits")
	ex, _ := newTestExecutor(t, WithRetryPolicy(RetryPolicy{Attempts: 2}))
	root := newRoot("pi-flush")
	seed(t, ex, root)

	var commits, rollbacks int
	_, err := Run(context.Background(), ex, Func[int](func(cc *Context) (int, error) {
		e, err := cc.Execution(root.ID)
		require.NoError(t, err)
		e.Rev = 99 // a revision nobody has
		cc.Update(e)
		cc.OnCommit(func(context.Context) { commits++ })
		cc.OnRollback(func(context.Context, error) { rollbacks++ })
		return 0, nil
	}))
	require.Error(t, err)
	assert.True(t, errors.IsOptimisticLockConflict(err))
	assert.Equal(t, 0, commits)
	assert.Equal(t, 2, rollbacks, "one rollback per attempt")
}

// ============================================================================
// Retry
// ============================================================================

func appendChild(cc *Context, parentID string) (int, error) {
	parent, err := cc.Execution(parentID)
	if err != nil {
		return 0, err
	}
	cc.Insert(newChild(parent))
	parent.IsConcurrent = true
	cc.Update(parent)
	return parent.Revision(), nil
}

func TestTwoFatesAppendUnderOneParent(t *testing.T) {
	t.Log("🧵 Clotho and Lachesis both append a child under one parent; one retries")
	ex, s := newTestExecutor(t)
	ctx := context.Background()
	root := newRoot("pi-race")
	seed(t, ex, root)

	attempts := 0
	read, err := Run(ctx, ex, Func[int](func(cc *Context) (int, error) {
		attempts++
		rev, err := appendChild(cc, root.ID)
		if err != nil {
			return 0, err
		}
		if attempts == 1 {
			// Lachesis commits first, between our read and our flush.
			_, err := RunInNewTransaction(cc.Ctx(), ex, Func[int](func(cc *Context) (int, error) {
				return appendChild(cc, root.ID)
			}))
			require.NoError(t, err)
		}
		return rev, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, read, "the retry read the revision Lachesis wrote")

	stored, err := s.GetExecution(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Revision(), "v+1 from Lachesis, v+2 from the retried command")
	children, err := s.ChildExecutions(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
	assert.Equal(t, int64(1), ex.Metrics().Value(metrics.CommandsRetried))
	t.Log("✓ no child was lost and the parent revision moved by exactly two")
}

func TestConcurrentAppendsOnFileDatabase(t *testing.T) {
	t.Log("🧵 The same race on a WAL database with real goroutines")
	s := store.NewSQLStore(weftest.CreateFileTestDB(t))
	ex := NewExecutor(s, nil, WithRetryPolicy(RetryPolicy{Attempts: 5, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}))
	ctx := context.Background()
	root := newRoot("pi-wal")
	seed(t, ex, root)

	var barrier sync.WaitGroup
	barrier.Add(2)
	var firstAttempts atomic.Int32
	run := func() error {
		_, err := Run(ctx, ex, Func[int](func(cc *Context) (int, error) {
			rev, err := appendChild(cc, root.ID)
			if firstAttempts.Add(1) <= 2 {
				barrier.Done()
				barrier.Wait() // both have read the parent before either flushes
			}
			return rev, err
		}))
		return err
	}

	errs := make(chan error, 2)
	go func() { errs <- run() }()
	go func() { errs <- run() }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	stored, err := s.GetExecution(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Revision())
	assert.GreaterOrEqual(t, ex.Metrics().Value(metrics.CommandsRetried), int64(1))
}

func TestConflictExhaustionIsReported(t *testing.T) {
	ex, _ := newTestExecutor(t)
	calls := 0
	_, err := Run(context.Background(), ex, Func[int](func(cc *Context) (int, error) {
		calls++
		return 0, errors.OptimisticLockConflict("execution", "e-1", 1)
	}))
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, errors.CodeOptimisticLockConflict, errors.CodeOf(err))
	assert.Equal(t, int64(1), ex.Metrics().Value(metrics.CommandsConflicts))
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	ex, _ := newTestExecutor(t, WithRetryPoint(am.RetryPointTransaction))
	calls := 0
	_, err := Run(context.Background(), ex, Func[int](func(cc *Context) (int, error) {
		calls++
		return 0, errors.Validation("bad input")
	}))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	assert.Equal(t, int64(1), ex.Metrics().Value(metrics.CommandsFailed))
}

func TestRetryResult(t *testing.T) {
	ctx := context.Background()
	p := RetryPolicy{Attempts: 4}

	n := 0
	res := Retry(ctx, p, func(int) (any, error) {
		n++
		if n < 3 {
			return nil, errors.OptimisticLockConflict("job", "j", n)
		}
		return "woven", nil
	}, nil)
	assert.Equal(t, RetrySucceeded, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "woven", res.Value)

	res = Retry(ctx, p, func(int) (any, error) { return nil, errors.New("snapped") }, nil)
	assert.Equal(t, RetryFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)

	res = Retry(ctx, p, func(a int) (any, error) { return nil, errors.OptimisticLockConflict("job", "j", a) }, nil)
	assert.Equal(t, RetryConflictExhausted, res.Outcome)
	assert.Equal(t, 4, res.Attempts)
}

func TestBackoffStaysWithinCeiling(t *testing.T) {
	p := RetryPolicy{Attempts: 10, BackoffBase: 10 * time.Millisecond, BackoffCap: 200 * time.Millisecond}
	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := 10 * time.Millisecond << (attempt - 1)
		if ceiling > p.BackoffCap {
			ceiling = p.BackoffCap
		}
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
	assert.Zero(t, RetryPolicy{}.Backoff(3))
}

// ============================================================================
// Chain
// ============================================================================

func TestExceptionCodeKeepsCause(t *testing.T) {
	ex, _ := newTestExecutor(t)
	cause := errors.New("loom jammed")
	_, err := Run(context.Background(), ex, Func[int](func(cc *Context) (int, error) {
		return 0, errors.Wrap(cause, "spin")
	}))
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnknown, errors.CodeOf(err))
	assert.True(t, errors.Is(err, cause))
}

func TestIdentityIsBoundAndRestored(t *testing.T) {
	t.Log("🪪 Each command sees the identity it was started with; the caller's returns afterwards")
	ex, _ := newTestExecutor(t)
	ctx := WithIdentity(context.Background(), Identity{UserID: "clotho", TenantIDs: []string{"olympus"}})

	_, err := Run(ctx, ex, Func[int](func(cc *Context) (int, error) {
		assert.Equal(t, "clotho", cc.Identity().UserID)

		nested := WithIdentity(cc.Ctx(), Identity{UserID: "atropos"})
		_, err := Run(nested, ex, Func[int](func(cc *Context) (int, error) {
			assert.Equal(t, "atropos", cc.Identity().UserID)
			return 0, nil
		}))
		require.NoError(t, err)

		_, err = Run(cc.Ctx(), ex, Func[int](func(cc *Context) (int, error) {
			assert.Equal(t, "clotho", cc.Identity().UserID, "nested commands inherit")
			return 0, nil
		}))
		require.NoError(t, err)

		assert.Equal(t, "clotho", cc.Identity().UserID)
		assert.Equal(t, 1, cc.bindings.depth())
		return 0, nil
	}))
	require.NoError(t, err)
}

func TestPanicRollsBackAndPropagates(t *testing.T) {
	ex, s := newTestExecutor(t)
	ctx := context.Background()
	var b *bindings
	assert.PanicsWithValue(t, "thread snapped", func() {
		_, _ = Run(ctx, ex, Func[int](func(cc *Context) (int, error) {
			b = cc.bindings
			cc.Insert(newRoot("pi-panic"))
			panic("thread snapped")
		}))
	})
	assert.Equal(t, 0, b.depth(), "identity binding popped on panic")
	_, err := s.GetExecution(ctx, "pi-panic")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestTracingRecordsTopLevelCommands(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ex, _ := newTestExecutor(t, WithTracer(tp.Tracer(TracerName)))

	_, err := Run(context.Background(), ex, WithName[int]("Spin", Func[int](func(cc *Context) (int, error) {
		_, err := Run(cc.Ctx(), ex, Func[int](func(*Context) (int, error) { return 0, nil }))
		return 0, err
	})))
	require.NoError(t, err)
	_, err = Run(context.Background(), ex, WithName[int]("Cut", Func[int](func(*Context) (int, error) {
		return 0, errors.New("cut")
	})))
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2, "joined commands do not open spans")
	assert.Equal(t, "command Spin", spans[0].Name())
	assert.Equal(t, "command Cut", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestJobHintAfterCommit(t *testing.T) {
	var hints atomic.Int32
	ex, _ := newTestExecutor(t, WithJobHint(func() { hints.Add(1) }))
	seed(t, ex, newRoot("pi-hint"))
	assert.Zero(t, hints.Load(), "no job, no hint")

	seed(t, ex, &entity.Job{Type: "spin", DueDate: t0, Retries: 3, CreatedAt: t0})
	assert.Equal(t, int32(1), hints.Load())
}

func TestSessionsAreFlushedFirst(t *testing.T) {
	ex, s := newTestExecutor(t)
	_, err := Run(context.Background(), ex, Func[int](func(cc *Context) (int, error) {
		sess := Session(cc, "spindle", func(*Context) *spindle { return &spindle{} })
		again := Session(cc, "spindle", func(*Context) *spindle { return &spindle{} })
		assert.Same(t, sess, again)
		_, ok := LookupSession[*spindle](cc, "spindle")
		assert.True(t, ok)
		return 0, nil
	}))
	require.NoError(t, err)
	_, err = s.GetExecution(context.Background(), "pi-spindle")
	assert.NoError(t, err, "the session's flush inserted the execution")
}

type spindle struct{}

func (*spindle) Flush(cc *Context) error {
	cc.Insert(newRoot("pi-spindle"))
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := JobHandlerFunc(func(*Context, *entity.Job) error { return nil })
	r.RegisterHandler("spin", h)
	r.RegisterHandler("cut", h)

	_, ok := r.Handler("spin")
	assert.True(t, ok)
	assert.Equal(t, []string{"cut", "spin"}, r.JobTypes())
	assert.NotNil(t, r.Processes())

	assert.Panics(t, func() { r.RegisterHandler("spin", h) })
	assert.Panics(t, func() { r.RegisterHandler("", h) })
	assert.Panics(t, func() { r.RegisterHandler("measure", nil) })
}

func TestNameOf(t *testing.T) {
	assert.Equal(t, "Func", NameOf(Func[int](nil)))
	assert.Equal(t, "Spin", NameOf(WithName[int]("Spin", Func[int](nil))))
	assert.Equal(t, "spindle", NameOf(&spindle{}))
}
