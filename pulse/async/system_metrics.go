package async

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Pollers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured pollers
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsPending   int     `json:"jobs_pending"`    // Jobs waiting to be claimed
	JobsRunning   int     `json:"jobs_running"`    // Jobs claimed or executing
}

const bytesPerGB = 1024 * 1024 * 1024

// SystemMetrics returns current system resource usage.
// Memory or store failures leave the affected fields at zero.
func (wp *WorkerPool) SystemMetrics(ctx context.Context) SystemMetrics {
	var out SystemMetrics
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.MemoryTotalGB = float64(vm.Total) / bytesPerGB
		out.MemoryUsedGB = float64(vm.Total-vm.Available) / bytesPerGB
		out.MemoryPercent = out.MemoryUsedGB / out.MemoryTotalGB * 100
	}

	if counts, err := wp.queue.Store().CountByStatus(ctx); err == nil {
		out.JobsPending = counts[JobStatusPending]
		out.JobsRunning = counts[JobStatusClaimed] + counts[JobStatusRunning]
	}

	wp.mu.Lock()
	out.WorkersActive = wp.activeWorkers
	wp.mu.Unlock()
	out.WorkersTotal = wp.config.Workers
	return out
}
