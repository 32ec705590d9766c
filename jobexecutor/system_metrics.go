package jobexecutor

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/metrics"
)

// SystemMetrics is a snapshot of the executor and the host it runs on.
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently running a work unit
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	QueueDepth    int     `json:"queue_depth"`     // Work units waiting for a worker
	QueueCapacity int     `json:"queue_capacity"`  // Size of the dispatch queue
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsAcquired  int64   `json:"jobs_acquired"`
	JobsExecuted  int64   `json:"jobs_executed"`
	JobsFailed    int64   `json:"jobs_failed"`
}

func memoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// SystemMetrics returns current resource usage. Memory fields stay zero
// when the host does not report memory.
func (e *JobExecutor) SystemMetrics() SystemMetrics {
	var used, total, percent float64
	if t, avail, err := memoryStats(); err == nil && t > 0 {
		total = float64(t) / 1024 / 1024 / 1024
		used = float64(t-avail) / 1024 / 1024 / 1024
		percent = used / total * 100
	}

	m := e.ex.Metrics()
	return SystemMetrics{
		WorkersActive: int(e.active.Load()),
		WorkersTotal:  e.workers,
		QueueDepth:    len(e.queue),
		QueueCapacity: cap(e.queue),
		MemoryUsedGB:  used,
		MemoryTotalGB: total,
		MemoryPercent: percent,
		JobsAcquired:  m.Value(metrics.JobsAcquired),
		JobsExecuted:  m.Value(metrics.JobsExecuted),
		JobsFailed:    m.Value(metrics.JobsFailed),
	}
}
