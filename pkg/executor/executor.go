// Package executor provides a fixed-size concurrent task runner with
// backpressure: Submit blocks once the configured number of tasks is in
// flight, and an in-flight map keyed by future handles supports stuck-task
// diagnostics without touching task state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Submit after Close has begun.
var ErrClosed = errors.New("executor is closed")

// Pending is a diagnostic snapshot of one in-flight task.
type Pending[A any] struct {
	Submitted time.Time
	Args      A
}

// Future is the handle returned by Submit. Result blocks until the task has
// been reaped.
type Future[A, R any] struct {
	id        uuid.UUID
	args      A
	submitted time.Time
	done      chan struct{}
	result    R
	err       error
}

// ID identifies the future in executor bookkeeping.
func (f *Future[A, R]) ID() uuid.UUID { return f.id }

// Args returns the original submission arguments.
func (f *Future[A, R]) Args() A { return f.args }

// Done is closed after the task is reaped.
func (f *Future[A, R]) Done() <-chan struct{} { return f.done }

// Result waits for completion and returns the task outcome.
func (f *Future[A, R]) Result() (R, error) {
	<-f.done
	return f.result, f.err
}

// Outcome returns the task outcome without waiting. It is only meaningful
// once the task has finished: inside the done callback, or after Done is
// closed. Done callbacks must use it instead of Result, which would wait for
// the callback itself.
func (f *Future[A, R]) Outcome() (R, error) { return f.result, f.err }

// Executor runs one task function across at most maxWorkers goroutines.
// The admission semaphore is the sole backpressure mechanism; there is no
// queue behind it.
type Executor[A, R any] struct {
	do      func(context.Context, A) (R, error)
	done    func(*Future[A, R])
	permits chan struct{}
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]*Future[A, R]
	closed   bool
	wg       sync.WaitGroup
}

// New constructs an executor. done may be nil; it is invoked exactly once per
// submitted task, after the task's permit has been released.
func New[A, R any](do func(context.Context, A) (R, error), done func(*Future[A, R]), maxWorkers int, logger *slog.Logger) *Executor[A, R] {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor[A, R]{
		do:       do,
		done:     done,
		permits:  make(chan struct{}, maxWorkers),
		logger:   logger,
		inflight: make(map[uuid.UUID]*Future[A, R]),
	}
}

// Submit blocks until a permit is free, then schedules do(args) on a new
// worker goroutine. The permit taken here is released when the task is
// reaped; if admission fails the permit is returned before the error
// propagates, so the count always matches in-flight work.
func (e *Executor[A, R]) Submit(ctx context.Context, args A) (*Future[A, R], error) {
	select {
	case e.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f := &Future[A, R]{
		id:        uuid.New(),
		args:      args,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.permits
		return nil, ErrClosed
	}
	e.inflight[f.id] = f
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx, f)
	return f, nil
}

func (e *Executor[A, R]) run(ctx context.Context, f *Future[A, R]) {
	defer e.reap(f)
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("task panic: %v", r)
		}
	}()
	f.result, f.err = e.do(ctx, f.args)
}

// reap drives every task through the same terminal sequence: release the
// permit first so callback work never blocks queue progress, run the done
// callback (its panics are logged, never propagated, since a misbehaving
// callback must not corrupt bookkeeping), then drop the future unconditionally.
func (e *Executor[A, R]) reap(f *Future[A, R]) {
	<-e.permits

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("done callback panicked", "task", f.id, "panic", r)
			}
		}()
		if e.done != nil {
			e.done(f)
		}
	}()

	e.mu.Lock()
	delete(e.inflight, f.id)
	e.mu.Unlock()

	close(f.done)
	e.wg.Done()
}

// Inflight returns a snapshot of tasks not yet reaped, filtered to those
// running longer than olderThan when it is positive. Read-only diagnostics.
func (e *Executor[A, R]) Inflight(olderThan time.Duration) []Pending[A] {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Pending[A], 0, len(e.inflight))
	for _, f := range e.inflight {
		if olderThan > 0 && now.Sub(f.submitted) <= olderThan {
			continue
		}
		out = append(out, Pending[A]{Submitted: f.submitted, Args: f.args})
	}
	return out
}

// Close rejects further submissions and waits for all outstanding tasks to
// finish, including their done callbacks.
func (e *Executor[A, R]) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
