package workerpool

import (
	"context"

	"xypriss/pkg/config"
)

// WorkerPool composes the CPU and IO pools described in spec §4.2 behind a
// single submission surface keyed by Spec.Kind.
type WorkerPool struct {
	CPU *Pool
	IO  *Pool
}

// NewWorkerPool creates both typed pools from the server's worker-pool configuration.
func NewWorkerPool(cfg config.WorkerPoolConfig) *WorkerPool {
	return &WorkerPool{
		CPU: New(KindCPU, cfg.CPU),
		IO:  New(KindIO, cfg.IO),
	}
}

// Submit routes spec to the pool matching its Kind.
func (wp *WorkerPool) Submit(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Kind == KindIO {
		return wp.IO.Submit(ctx, spec)
	}
	return wp.CPU.Submit(ctx, spec)
}

// CombinedStats is the {cpuWorkers, ioWorkers, active, queued,
// totalExecuted, avgExecutionTime} document spec §4.2 requires from
// stats().
type CombinedStats struct {
	CPU Stats
	IO  Stats
}

// Stats returns a snapshot of both pools.
func (wp *WorkerPool) Stats() CombinedStats {
	return CombinedStats{CPU: wp.CPU.Stats(), IO: wp.IO.Stats()}
}

// Close stops both pools, waiting for in-flight work to finish.
func (wp *WorkerPool) Close() {
	wp.CPU.Close()
	wp.IO.Close()
}
