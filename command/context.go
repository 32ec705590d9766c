package command

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/store"
)

// Context is the unit of work of one command and of every REQUIRED command
// it runs. It caches entities by kind and id so each is loaded once, and
// records inserts, updates and deletes until the chain flushes them.
type Context struct {
	ctx      context.Context
	ex       *Executor
	tx       *transaction
	bindings *bindings

	cache    map[entity.Key]entity.Entity
	inserts  []entity.Entity
	updates  []entity.Entity
	deletes  []entity.Entity
	inserted map[entity.Key]bool
	expected map[entity.Key]int // revision read, for dirty entities
	deleted  map[entity.Key]bool

	sessions     map[SessionKey]any
	sessionOrder []SessionKey

	jobsCreated bool
	closed      bool
}

type contextKey struct{}

func newContext(ctx context.Context, ex *Executor, tx *transaction, b *bindings) *Context {
	cc := &Context{
		ex:       ex,
		tx:       tx,
		bindings: b,
		cache:    make(map[entity.Key]entity.Entity),
		inserted: make(map[entity.Key]bool),
		expected: make(map[entity.Key]int),
		deleted:  make(map[entity.Key]bool),
		sessions: make(map[SessionKey]any),
	}
	cc.ctx = context.WithValue(ctx, contextKey{}, cc)
	return cc
}

// FromContext returns the command Context running on ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	cc, ok := ctx.Value(contextKey{}).(*Context)
	if !ok || cc.closed {
		return nil, false
	}
	return cc, true
}

// Ctx returns the context.Context of the command. Commands started with it
// join this Context.
func (cc *Context) Ctx() context.Context { return cc.ctx }

func (cc *Context) Executor() *Executor { return cc.ex }

func (cc *Context) Registry() *Registry { return cc.ex.registry }

// Store returns the read side of the store. Reads bypass the cache; use
// the typed loaders for entities the command will modify.
func (cc *Context) Store() store.Reader { return cc.ex.store }

func (cc *Context) Now() time.Time { return cc.ex.clock.Now() }

func (cc *Context) Logger() *zap.SugaredLogger { return cc.ex.logger }

// Identity returns the identity the innermost running command acts for.
func (cc *Context) Identity() Identity { return cc.bindings.top() }

// DefaultJobRetries is the retry budget given to new jobs.
func (cc *Context) DefaultJobRetries() int { return cc.ex.defaultJobRetries }

func (cc *Context) OperationLog() OperationLogPolicy { return cc.ex.operationLog }

// OnCommit registers l to run after a successful commit.
func (cc *Context) OnCommit(l func(ctx context.Context)) {
	cc.tx.addListener(TxCommitted, func(ctx context.Context, _ error) { l(ctx) })
}

// OnRollback registers l to run after the transaction rolled back.
func (cc *Context) OnRollback(l func(ctx context.Context, cause error)) {
	cc.tx.addListener(TxRolledBack, l)
}

// AddTxListener registers l for state.
func (cc *Context) AddTxListener(state TxState, l TxListener) {
	cc.tx.addListener(state, l)
}

// NewID returns a time-ordered entity id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Insert schedules e for insertion and caches it. An empty id is assigned.
func (cc *Context) Insert(e entity.Entity) {
	if e.EntityID() == "" {
		setID(e, NewID())
	}
	key := entity.KeyOf(e)
	cc.cache[key] = e
	if cc.inserted[key] {
		return
	}
	cc.inserted[key] = true
	delete(cc.deleted, key)
	cc.inserts = append(cc.inserts, e)
	if e.Kind() == entity.KindJob {
		cc.jobsCreated = true
	}
}

func setID(e entity.Entity, id string) {
	switch v := e.(type) {
	case *entity.Execution:
		v.ID = id
	case *entity.Variable:
		v.ID = id
	case *entity.Job:
		v.ID = id
	case *entity.Incident:
		v.ID = id
	case *entity.OperationLogEntry:
		v.ID = id
	}
}

// Update marks a loaded entity as modified. The flush writes it with the
// revision it had when first marked.
func (cc *Context) Update(e entity.Entity) {
	key := entity.KeyOf(e)
	if cc.inserted[key] || cc.deleted[key] {
		return
	}
	if _, dirty := cc.expected[key]; dirty {
		return
	}
	cc.cache[key] = e
	cc.expected[key] = e.Revision()
	cc.updates = append(cc.updates, e)
}

// Delete schedules e for deletion. Deleting an entity inserted by this
// Context cancels the insert.
func (cc *Context) Delete(e entity.Entity) {
	key := entity.KeyOf(e)
	if cc.deleted[key] {
		return
	}
	cc.deleted[key] = true
	if cc.inserted[key] {
		delete(cc.inserted, key)
		cc.inserts = removeEntity(cc.inserts, key)
		return
	}
	cc.deletes = append(cc.deletes, e)
}

// IsDeleted reports whether e was deleted in this Context.
func (cc *Context) IsDeleted(e entity.Entity) bool { return cc.deleted[entity.KeyOf(e)] }

func removeEntity(list []entity.Entity, key entity.Key) []entity.Entity {
	for i, e := range list {
		if entity.KeyOf(e) == key {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Cached returns an entity already known to this Context.
func (cc *Context) Cached(kind entity.Kind, id string) (entity.Entity, bool) {
	key := entity.Key{Kind: kind, ID: id}
	if cc.deleted[key] {
		return nil, false
	}
	e, ok := cc.cache[key]
	return e, ok
}

// adopt caches a freshly read entity, or returns the cached instance when
// the Context already holds one.
func adopt[E entity.Entity](cc *Context, e E) (E, bool) {
	key := entity.KeyOf(e)
	if cached, ok := cc.cache[key]; ok {
		c, _ := cached.(E)
		return c, !cc.deleted[key]
	}
	cc.cache[key] = e
	return e, true
}

// merge combines a store query with the Context's own changes: cached
// instances replace stored ones and deleted ones are dropped. Inserted
// entities matching the query follow in insertion order, then cached
// rows that only match after an in-memory change (a re-parented child, a
// moved job), ordered by id.
func merge[E entity.Entity](cc *Context, stored []E, match func(E) bool) []E {
	seen := make(map[entity.Key]bool, len(stored))
	out := make([]E, 0, len(stored))
	for _, e := range stored {
		c, ok := adopt(cc, e)
		seen[entity.KeyOf(e)] = true
		if ok && match(c) {
			out = append(out, c)
		}
	}
	for _, e := range cc.inserts {
		key := entity.KeyOf(e)
		c, ok := e.(E)
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		if match(c) {
			out = append(out, c)
		}
	}
	var moved []E
	for key, e := range cc.cache {
		c, ok := e.(E)
		if !ok || seen[key] || cc.deleted[key] {
			continue
		}
		if match(c) {
			moved = append(moved, c)
		}
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i].EntityID() < moved[j].EntityID() })
	return append(out, moved...)
}

// Execution loads an execution and, first, its ancestors.
func (cc *Context) Execution(id string) (*entity.Execution, error) {
	key := entity.Key{Kind: entity.KindExecution, ID: id}
	if e, ok := cc.cache[key]; ok {
		if cc.deleted[key] {
			return nil, errors.NotFound(string(entity.KindExecution), id)
		}
		return e.(*entity.Execution), nil
	}
	ex, err := cc.ex.store.GetExecution(cc.ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.ParentID != "" {
		if _, err := cc.Execution(ex.ParentID); err != nil {
			return nil, errors.Wrapf(err, "load parent of execution %s", id)
		}
	}
	ex, _ = adopt(cc, ex)
	return ex, nil
}

// ChildExecutions returns the current children of parentID.
func (cc *Context) ChildExecutions(parentID string) ([]*entity.Execution, error) {
	stored, err := cc.ex.store.ChildExecutions(cc.ctx, parentID)
	if err != nil {
		return nil, err
	}
	return merge(cc, stored, func(e *entity.Execution) bool { return e.ParentID == parentID }), nil
}

// ExecutionsByInstance returns every execution of a process instance.
func (cc *Context) ExecutionsByInstance(processInstanceID string) ([]*entity.Execution, error) {
	stored, err := cc.ex.store.ExecutionsByInstance(cc.ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	return merge(cc, stored, func(e *entity.Execution) bool {
		return e.ProcessInstanceID == processInstanceID
	}), nil
}

// Variables returns the variables stored on one execution.
func (cc *Context) Variables(executionID string) ([]*entity.Variable, error) {
	stored, err := cc.ex.store.VariablesByExecution(cc.ctx, executionID)
	if err != nil {
		return nil, err
	}
	return merge(cc, stored, func(v *entity.Variable) bool { return v.ExecutionID == executionID }), nil
}

// Job loads a job.
func (cc *Context) Job(id string) (*entity.Job, error) {
	key := entity.Key{Kind: entity.KindJob, ID: id}
	if e, ok := cc.cache[key]; ok {
		if cc.deleted[key] {
			return nil, errors.NotFound(string(entity.KindJob), id)
		}
		return e.(*entity.Job), nil
	}
	job, err := cc.ex.store.GetJob(cc.ctx, id)
	if err != nil {
		return nil, err
	}
	job, _ = adopt(cc, job)
	return job, nil
}

// JobsByExecution returns the jobs pointing at an execution.
func (cc *Context) JobsByExecution(executionID string) ([]*entity.Job, error) {
	stored, err := cc.ex.store.JobsByExecution(cc.ctx, executionID)
	if err != nil {
		return nil, err
	}
	return merge(cc, stored, func(j *entity.Job) bool { return j.ExecutionID == executionID }), nil
}

// ListJobs runs a job query and substitutes cached instances. Jobs
// inserted by this Context are not included.
func (cc *Context) ListJobs(filter store.JobFilter) ([]*entity.Job, error) {
	stored, err := cc.ex.store.ListJobs(cc.ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Job, 0, len(stored))
	for _, j := range stored {
		if c, ok := adopt(cc, j); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Incident loads an incident.
func (cc *Context) Incident(id string) (*entity.Incident, error) {
	key := entity.Key{Kind: entity.KindIncident, ID: id}
	if e, ok := cc.cache[key]; ok {
		if cc.deleted[key] {
			return nil, errors.NotFound(string(entity.KindIncident), id)
		}
		return e.(*entity.Incident), nil
	}
	inc, err := cc.ex.store.GetIncident(cc.ctx, id)
	if err != nil {
		return nil, err
	}
	inc, _ = adopt(cc, inc)
	return inc, nil
}

// Pending reports the number of queued inserts, updates and deletes.
func (cc *Context) Pending() (inserts, updates, deletes int) {
	for _, e := range cc.updates {
		if !cc.deleted[entity.KeyOf(e)] {
			updates++
		}
	}
	return len(cc.inserts), updates, len(cc.deletes)
}

// flush writes sessions and pending operations into the transaction:
// inserts in first-touch order, then updates, then deletes.
func (cc *Context) flush() error {
	for _, key := range cc.sessionOrder {
		if f, ok := cc.sessions[key].(Flusher); ok {
			if err := f.Flush(cc); err != nil {
				return err
			}
		}
	}

	ins, upd, del := cc.Pending()
	if ins+upd+del == 0 {
		return nil
	}
	tx, err := cc.tx.begin(cc.ctx)
	if err != nil {
		return err
	}
	for _, e := range cc.inserts {
		if err := tx.Insert(cc.ctx, e); err != nil {
			return err
		}
	}
	for _, e := range cc.updates {
		key := entity.KeyOf(e)
		if cc.deleted[key] {
			continue
		}
		if err := tx.Update(cc.ctx, e, cc.expected[key]); err != nil {
			return err
		}
	}
	for _, e := range cc.deletes {
		if err := tx.Delete(cc.ctx, e); err != nil {
			return err
		}
	}
	cc.inserts, cc.updates, cc.deletes = nil, nil, nil
	cc.expected = make(map[entity.Key]int)
	cc.inserted = make(map[entity.Key]bool)
	return nil
}

func (cc *Context) close() { cc.closed = true }
