// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package future is the execution substrate for task bodies.
//
// A Pool bounds how many submitted functions may run at once. Submit places
// a function on a Pool and returns a Future, an opaque handle to the
// in-flight operation. WaitAny blocks until one of several Futures settles.
//
// Cancellation is best effort: Cancel settles the Future and cancels the
// context handed to the function, but a function that ignores its context
// keeps running in its goroutine and its side effects remain observable.
package future

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/dagrunner/services/runner/result"
)

var (
	// ErrInvalidWorkers is returned when a Pool is created with fewer than one worker.
	ErrInvalidWorkers = errors.New("worker count must be at least 1")

	// ErrNoFutures is returned when WaitAny is called without handles.
	ErrNoFutures = errors.New("no futures to wait on")

	// ErrCancelled is the error held by a Future settled through Cancel.
	ErrCancelled = errors.New("future cancelled")
)

// PanicError records a panic raised by a submitted function.
type PanicError struct {
	Value any
	Stack []byte
}

// Error returns the panic description.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Pool admits at most Size submitted functions at a time.
//
// Thread Safety:
//
//	Pool is safe for concurrent use.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a Pool with the given number of workers.
//
// Inputs:
//
//	workers - Maximum number of functions running at once. Must be >= 1.
//
// Outputs:
//
//	*Pool - The pool.
//	error - ErrInvalidWorkers if workers < 1.
func NewPool(workers int) (*Pool, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkers, workers)
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(workers)),
		size: workers,
	}, nil
}

// Size returns the worker count.
func (p *Pool) Size() int {
	return p.size
}

// Awaitable is anything WaitAny can block on.
type Awaitable interface {
	Done() <-chan struct{}
}

// Future is a handle to an asynchronous operation producing a V.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Future[V any] struct {
	done   chan struct{}
	once   sync.Once
	res    result.Result[V]
	cancel context.CancelFunc

	// mu guards release, which returns the pool slot once taken.
	mu      sync.Mutex
	release func()
}

// Submit runs fn asynchronously and returns its Future.
//
// Description:
//
//	Submit never blocks. The function starts once the pool admits it. A nil
//	pool means no admission limit. The context passed to fn is derived from
//	ctx and is cancelled by Cancel. A panic in fn settles the Future with a
//	*PanicError.
//
// Inputs:
//
//	ctx - Parent context for the operation.
//	pool - Admission pool. May be nil.
//	fn - The function to run.
//
// Outputs:
//
//	*Future[V] - Handle to the running operation.
//
// Thread Safety: Safe for concurrent use.
func Submit[V any](ctx context.Context, pool *Pool, fn func(ctx context.Context) (V, error)) *Future[V] {
	runCtx, cancel := context.WithCancel(ctx)
	f := &Future[V]{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		if pool != nil {
			if err := pool.sem.Acquire(runCtx, 1); err != nil {
				f.settle(result.Err[V](err))
				return
			}
			f.mu.Lock()
			if f.Ready() {
				f.mu.Unlock()
				pool.sem.Release(1)
				return
			}
			f.release = func() { pool.sem.Release(1) }
			f.mu.Unlock()
		}
		f.settle(call(runCtx, fn))
	}()

	return f
}

// Go runs fn asynchronously without admission control.
func Go[V any](ctx context.Context, fn func(ctx context.Context) (V, error)) *Future[V] {
	return Submit(ctx, nil, fn)
}

func call[V any](ctx context.Context, fn func(ctx context.Context) (V, error)) (res result.Result[V]) {
	defer func() {
		if r := recover(); r != nil {
			res = result.Err[V](&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	return result.From(fn(ctx))
}

// settle records the first outcome and frees the pool slot. It runs once
// the function has returned.
func (f *Future[V]) settle(r result.Result[V]) {
	f.once.Do(func() {
		f.res = r
		close(f.done)
	})
	f.releaseSlot()
	f.cancel()
}

func (f *Future[V]) releaseSlot() {
	f.mu.Lock()
	release := f.release
	f.release = nil
	f.mu.Unlock()
	if release != nil {
		release()
	}
}

// Done returns a channel closed once the Future settles.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Ready reports, without blocking, whether the Future has settled.
func (f *Future[V]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Peek returns the outcome without blocking. ok is false until the Future settles.
func (f *Future[V]) Peek() (r result.Result[V], ok bool) {
	if !f.Ready() {
		return r, false
	}
	return f.res, true
}

// Get blocks until the Future settles or ctx is done.
//
// Outputs:
//
//	result.Result[V] - The outcome of the operation.
//	error - ctx.Err() if ctx ended first.
func (f *Future[V]) Get(ctx context.Context) (result.Result[V], error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		var zero result.Result[V]
		return zero, ctx.Err()
	}
}

// Cancel settles the Future with ErrCancelled if it has not settled yet and
// cancels the function's context. Returns true if this call settled it.
//
// A running function keeps its pool slot until it returns, so a body that
// ignores its context still counts against the pool.
func (f *Future[V]) Cancel() bool {
	settled := false
	f.once.Do(func() {
		f.res = result.Err[V](ErrCancelled)
		close(f.done)
		settled = true
	})
	f.cancel()
	return settled
}

// WaitAny blocks until one of futures settles and returns its index.
//
// Description:
//
//	If several are already settled, the lowest index among them is not
//	guaranteed; any settled handle may be returned.
//
// Outputs:
//
//	int - Index into futures of a settled handle.
//	error - ErrNoFutures for an empty list, or ctx.Err() if ctx ended first.
func WaitAny(ctx context.Context, futures ...Awaitable) (int, error) {
	if len(futures) == 0 {
		return -1, ErrNoFutures
	}

	cases := make([]reflect.SelectCase, 0, len(futures)+1)
	for _, f := range futures {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(f.Done()),
		})
	}
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})

	chosen, _, _ := reflect.Select(cases)
	if chosen == len(futures) {
		return -1, ctx.Err()
	}
	return chosen, nil
}
