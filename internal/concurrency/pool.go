// Package concurrency wraps alitto/pond worker pools for the replacement
// executor's parallel cancel/submit batch fan-out.
package concurrency

import (
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"

	"github.com/openalpha/ladder-mm/internal/core"
)

// PoolConfig holds configuration for a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// WorkerPool wraps alitto/pond with standardized config and a batch helper
// that fans a slice of tasks out across the pool and joins every result,
// isolating per-task failure from its siblings.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 16
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 256
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// RunBatch submits n independent tasks and blocks until every one
// completes, returning their results in the same order they were given.
// A panic inside one task is recovered by RunBatch's task wrapper and
// surfaces as a non-nil error for that task only — siblings are unaffected.
func RunBatch[T any](wp *WorkerPool, tasks []func() (T, error)) []Result[T] {
	results := make([]Result[T], len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))

	for i, task := range tasks {
		i, task := i, task
		wp.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = Result[T]{Err: fmt.Errorf("task panicked: %v", r)}
				}
			}()
			v, err := task()
			results[i] = Result[T]{Value: v, Err: err}
		})
	}

	wg.Wait()
	return results
}

// Result is one joined outcome from RunBatch.
type Result[T any] struct {
	Value T
	Err   error
}

// Stop stops the pool gracefully, waiting for in-flight tasks to finish.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
