// Package worker runs short-lived tasks, one goroutine per task, with no
// upper bound on parallelism.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var ErrNotRunning = errors.New("worker pool not running")

// Task is one unit of work. ctx is the pool's base context; shutting the
// pool down does not cancel it.
type Task func(ctx context.Context)

type Pool struct {
	ctx    context.Context
	logger *slog.Logger

	// Submit holds the read side while registering a task so Shutdown
	// never races a late wg.Add.
	mu       sync.RWMutex
	shutdown atomic.Bool
	wg       sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64

	shutdownOnce sync.Once
	done         chan struct{}
}

func NewPool(ctx context.Context, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		ctx:    ctx,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Submit starts task on its own goroutine.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shutdown.Load() {
		return ErrNotRunning
	}

	p.active.Inc()
	p.wg.Go(func() {
		defer p.active.Dec()
		defer p.completed.Inc()
		p.run(task)
	})
	return nil
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Inc()
			p.logger.Error("Task panicked", "panic", r)
		}
	}()
	task(p.ctx)
}

// Shutdown stops accepting tasks. Running tasks are left to finish.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown.Store(true)
		p.mu.Unlock()

		p.logger.Debug("Worker pool shutting down", "active", p.active.Load())
		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	})
}

// Wait blocks until the pool is shut down and every task has finished, or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitTermination waits at most timeout for termination and reports
// whether the pool terminated.
func (p *Pool) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return true
	case <-timer.C:
		p.logger.Warn("Worker pool termination timeout", "timeout", timeout, "active", p.active.Load())
		return false
	}
}

// Alive reports whether the pool still accepts tasks.
func (p *Pool) Alive() bool {
	return !p.shutdown.Load()
}

func (p *Pool) Terminated() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pool) Active() int64    { return p.active.Load() }
func (p *Pool) Completed() int64 { return p.completed.Load() }
func (p *Pool) Panics() int64    { return p.panics.Load() }
