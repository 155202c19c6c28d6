// Package concurrency provides the bounded worker pool the Supervisor
// (spec §4.9) uses to cap buy/sell/cancel dispatch so a transient storm
// of signals cannot spawn unbounded goroutines.
package concurrency

import (
	"fmt"
	"time"

	"hourbuy/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig configures a WorkerPool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // Submit returns an error instead of blocking when full
}

// WorkerPool wraps alitto/pond with a standardized config and logging.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool builds a pool, applying safe defaults for zero-valued
// fields.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 200
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	lg := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			lg.Error("worker pool task panicked", "panic", p)
		}),
	)

	return &WorkerPool{pool: pool, config: cfg, logger: lg}
}

// Submit schedules task on the pool. In NonBlocking mode, a full pool
// returns an error immediately instead of blocking the caller.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool %q is full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Stop drains in-flight tasks and stops accepting new ones.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats reports pool occupancy, used by the Supervisor's health check.
func (wp *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"running_workers":  int64(wp.pool.RunningWorkers()),
		"idle_workers":     int64(wp.pool.IdleWorkers()),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}
