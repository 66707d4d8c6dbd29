package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"spottrader/internal/core"
)

// PoolConfig sizes a worker pool. Zero values fall back to defaults
// suitable for the stream dispatchers.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail fast when the queue is full instead
	// of blocking the caller. Stream read loops want this: dropping a
	// handler invocation is better than stalling the frame pump.
	NonBlocking bool
}

// WorkerPool is a bounded pond pool that runs stream handlers off the
// websocket read loops, with panics recovered and logged instead of
// taking the process down.
type WorkerPool struct {
	pool   *pond.WorkerPool
	name   string
	cap    int
	fast   bool
	logger core.ILogger
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	RunningWorkers int
	IdleWorkers    int
	Submitted      uint64
	Waiting        uint64
	Succeeded      uint64
	Failed         uint64
}

// NewWorkerPool builds a pool from the config, applying defaults for
// any unset field.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.Name == "" {
		cfg.Name = "workers"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}

	scoped := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			scoped.Error("Recovered panic in pool task", "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		name:   cfg.Name,
		cap:    cfg.MaxCapacity,
		fast:   cfg.NonBlocking,
		logger: scoped,
	}
}

// Submit hands a task to the pool. In non-blocking mode a full queue
// returns an error; otherwise the call blocks until a slot frees up.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.fast {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("pool %s saturated at %d queued tasks", wp.name, wp.cap)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait runs a task on the pool and blocks until it finishes.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		defer close(done)
		task()
	})
	<-done
}

// Stats snapshots current pool counters.
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		RunningWorkers: wp.pool.RunningWorkers(),
		IdleWorkers:    wp.pool.IdleWorkers(),
		Submitted:      wp.pool.SubmittedTasks(),
		Waiting:        wp.pool.WaitingTasks(),
		Succeeded:      wp.pool.SuccessfulTasks(),
		Failed:         wp.pool.FailedTasks(),
	}
}

// Stop drains queued tasks, waits for in-flight ones, and logs the
// final counters.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
	stats := wp.Stats()
	wp.logger.Info("Worker pool drained",
		"submitted", stats.Submitted,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed)
}
