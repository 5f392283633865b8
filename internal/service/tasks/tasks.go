// Package tasks supervises fire-and-forget work. Detached goroutines get a
// bounded lifetime, panic recovery and an outcome counter instead of being
// spawned bare at the call sites.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aicarpool/gateway/internal/adapter/observability"
)

// DefaultTimeout bounds a detached task that was spawned without an
// explicit deadline.
const DefaultTimeout = 5 * time.Second

// Pool runs short background tasks detached from the request that spawned
// them. The zero value is not usable; construct with NewPool.
type Pool struct {
	timeout  time.Duration
	wg       sync.WaitGroup
	closed   atomic.Bool
	failures atomic.Int64
}

// NewPool builds a task pool. timeout <= 0 falls back to DefaultTimeout.
func NewPool(timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{timeout: timeout}
}

// Go runs fn on its own goroutine with a fresh deadline. The task inherits
// the caller's context values (logger, request id, trace) but not its
// cancellation, so finishing the HTTP request never aborts the task.
// Returns false when the pool is closed and the task was not started.
func (p *Pool) Go(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	if p.closed.Load() {
		return false
	}
	lg := observability.LoggerFromContext(ctx)
	detached := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		tctx, cancel := context.WithTimeout(detached, p.timeout)
		defer cancel()
		err := p.run(tctx, fn)
		observability.RecordDetachedTask(name, err)
		if err != nil {
			p.failures.Add(1)
			lg.Warn("detached task failed",
				slog.String("task", name),
				slog.Any("error", err),
				slog.String("request_id", observability.RequestIDFromContext(ctx)))
		}
	}()
	return true
}

func (p *Pool) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("op=tasks.run: panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Failures reports how many tasks have failed since startup.
func (p *Pool) Failures() int64 { return p.failures.Load() }

// Close refuses new tasks and waits for in-flight ones, up to the context
// deadline.
func (p *Pool) Close(ctx context.Context) error {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=tasks.close: %w", ctx.Err())
	}
}

// Wait blocks until every in-flight task has finished. Intended for tests.
func (p *Pool) Wait() { p.wg.Wait() }
