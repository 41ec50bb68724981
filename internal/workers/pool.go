// Package workers provides the bounded worker pool that executes
// independent pipeline runs for the optimization and Monte Carlo engines.
// The pool is an explicit object with its own lifecycle (create, submit,
// drain, stop); nothing in the engine depends on shared scheduler state.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Task is one unit of work: a full, self-contained pipeline run.
type Task func() error

// Pool runs tasks on a fixed number of goroutines. Submission is
// context-aware: a cancelled context stops new dispatch while in-flight
// tasks run to completion.
type Pool struct {
	logger *zap.Logger
	size   int

	tasks chan Task
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	completed prometheus.Counter
	failed    prometheus.Counter
	duration  prometheus.Histogram
}

// NewPool creates a pool with the given number of workers. size <= 0 means
// one worker per CPU. The Prometheus registerer may be nil when metrics are
// not wanted (tests).
func NewPool(logger *zap.Logger, size int, reg prometheus.Registerer) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Pool{
		logger: logger,
		size:   size,
		tasks:  make(chan Task),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtester_pool_tasks_completed_total",
			Help: "Pipeline runs completed without error.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtester_pool_tasks_failed_total",
			Help: "Pipeline runs that returned an error.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtester_pool_task_duration_seconds",
			Help:    "Pipeline run duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

// Start launches the workers. Idempotent.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Debug("starting worker pool", zap.Int("workers", p.size))
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
	})
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		timer := prometheus.NewTimer(p.duration)
		err := p.execute(task)
		timer.ObserveDuration()
		if err != nil {
			p.failed.Inc()
			p.logger.Debug("task failed", zap.Int("worker", id), zap.Error(err))
		} else {
			p.completed.Inc()
		}
	}
}

// execute runs one task with panic containment; a panicking unit of work
// must not take down its siblings.
func (p *Pool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			p.logger.Error("worker recovered from panic", zap.Any("panic", r))
		}
	}()
	return task()
}

// Submit queues a task, blocking until a worker frees up or the context is
// cancelled. Cancellation here implements the cooperative stop: callers
// cease dispatching while already-queued work finishes.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- task:
		return nil
	}
}

// Stop closes the queue and waits for in-flight tasks to finish. Idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
		p.logger.Debug("worker pool drained")
	})
}

// RunBatch is the collect-then-sort primitive used by both engines: it
// executes tasks indexed 0..n-1 and blocks until every dispatched task has
// finished. Each task writes its own result slot, so aggregation is
// order-independent and needs no locking. Returns ctx.Err() if dispatch
// stopped early; results of tasks dispatched before cancellation are kept.
func (p *Pool) RunBatch(ctx context.Context, n int, task func(i int) error) error {
	var wg sync.WaitGroup
	var dispatchErr error
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		err := p.Submit(ctx, func() error {
			defer wg.Done()
			return task(i)
		})
		if err != nil {
			wg.Done()
			dispatchErr = err
			break
		}
	}
	wg.Wait()
	return dispatchErr
}
