// Package metrics holds the engine's named counters.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Scope is the instrumentation scope counters are reported under.
const Scope = "github.com/teranos/weft"

// Counter names used across the engine
const (
	CommandsExecuted  = "commands.executed"
	CommandsFailed    = "commands.failed"
	CommandsConflicts = "commands.conflicts"
	CommandsRetried   = "commands.retried"

	JobsAcquired         = "jobs.acquired"
	JobsAcquireConflicts = "jobs.acquire_conflicts"
	JobsExecuted         = "jobs.executed"
	JobsFailed           = "jobs.failed"
	JobsSkipped          = "jobs.skipped"
	JobsRejected         = "jobs.rejected"

	IncidentsCreated = "incidents.created"

	AcquisitionCycles = "acquisition.cycles"
)

// Counter is a monotonically increasing count. Every increment is
// reported to an OpenTelemetry Int64Counter and kept as a local reading
// for Snapshot and the CLI.
type Counter struct {
	v    atomic.Int64
	inst metric.Int64Counter
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(n int64) {
	c.v.Add(n)
	if c.inst != nil {
		c.inst.Add(context.Background(), n)
	}
}

func (c *Counter) Value() int64 { return c.v.Load() }

// Registry maps names to counters. The zero value is not usable; call New.
type Registry struct {
	meter    metric.Meter
	mu       sync.RWMutex
	counters map[string]*Counter
}

// Option configures a Registry.
type Option func(*Registry)

// WithMeter reports counters through m instead of the global MeterProvider.
func WithMeter(m metric.Meter) Option { return func(r *Registry) { r.meter = m } }

func New(opts ...Option) *Registry {
	r := &Registry{counters: make(map[string]*Counter)}
	for _, opt := range opts {
		opt(r)
	}
	if r.meter == nil {
		r.meter = otel.Meter(Scope)
	}
	return r
}

// Counter returns the counter registered under name, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; !ok {
		c = &Counter{}
		// A rejected instrument still counts locally.
		if inst, err := r.meter.Int64Counter(name); err == nil {
			c.inst = inst
		}
		r.counters[name] = c
	}
	return c
}

// Inc increments the named counter.
func (r *Registry) Inc(name string) { r.Counter(name).Inc() }

// Value reads the named counter; unknown names read 0.
func (r *Registry) Value(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[name]; ok {
		return c.Value()
	}
	return 0
}

// Sample is one counter reading.
type Sample struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Snapshot returns all counters sorted by name.
func (r *Registry) Snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sample, 0, len(r.counters))
	for name, c := range r.counters {
		out = append(out, Sample{Name: name, Value: c.Value()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
