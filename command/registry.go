package command

import (
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/expr"
	"github.com/teranos/weft/process"
)

// JobHandler executes one job type. It runs inside the Context of the
// command executing the job; returning an error rolls that command back.
type JobHandler interface {
	Execute(cc *Context, job *entity.Job) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(cc *Context, job *entity.Job) error

func (f JobHandlerFunc) Execute(cc *Context, job *entity.Job) error { return f(cc, job) }

// Registry holds the collaborators commands look up at run time. Build it
// once at startup and pass it to NewExecutor.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]JobHandler
	processes *process.Repository
	evaluator expr.Evaluator
}

// NewRegistry creates a registry. A nil repository is replaced by an empty one.
func NewRegistry(processes *process.Repository, evaluator expr.Evaluator) *Registry {
	if processes == nil {
		processes = process.NewRepository()
	}
	return &Registry{
		handlers:  make(map[string]JobHandler),
		processes: processes,
		evaluator: evaluator,
	}
}

// RegisterHandler binds a handler to a job type. It panics on an empty type,
// a nil handler or a duplicate registration, which are programming errors.
func (r *Registry) RegisterHandler(jobType string, h JobHandler) {
	if jobType == "" {
		panic("command: empty job type")
	}
	if h == nil {
		panic("command: nil handler for job type " + jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[jobType]; dup {
		panic(fmt.Sprintf("command: duplicate handler for job type %q", jobType))
	}
	r.handlers[jobType] = h
}

// Handler returns the handler registered for jobType.
func (r *Registry) Handler(jobType string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// JobTypes lists registered job types in sorted order.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) Processes() *process.Repository { return r.processes }

func (r *Registry) Evaluator() expr.Evaluator { return r.evaluator }
