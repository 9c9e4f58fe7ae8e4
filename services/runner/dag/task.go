// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrunner/services/runner/future"
	"github.com/AleutianAI/dagrunner/services/runner/result"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

// TaskFunc is the body of a task. input follows the rules in the package
// documentation.
type TaskFunc func(ctx context.Context, input any) (any, error)

type taskKey struct{}

// Task is one unit of work in a Graph.
//
// Description:
//
//	A Task is unstarted until Start binds it to a future. The future is
//	bound at most once. Every query method is non-blocking.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Task struct {
	id   TaskID
	name string
	fn   TaskFunc

	mu     sync.Mutex
	fut    *future.Future[any]
	spanID string
}

func newTask(id TaskID, name string, fn TaskFunc) *Task {
	return &Task{id: id, name: name, fn: fn}
}

// ID returns the task's arena handle.
func (t *Task) ID() TaskID {
	return t.id
}

// Name returns the task's display name.
func (t *Task) Name() string {
	return t.name
}

// Start runs the task body on its own goroutine with the given input.
//
// Outputs:
//
//	error - ErrAlreadyStarted if the task was started before.
func (t *Task) Start(ctx context.Context, input any) error {
	return t.start(ctx, nil, input)
}

func (t *Task) start(ctx context.Context, pool *future.Pool, input any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fut != nil {
		return fmt.Errorf("%w: %q", ErrAlreadyStarted, t.name)
	}

	ctx = context.WithValue(ctx, taskKey{}, t)
	t.fut = future.Submit(ctx, pool, func(ctx context.Context) (any, error) {
		return t.fn(ctx, input)
	})
	return nil
}

func (t *Task) future() *future.Future[any] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fut
}

// HasStarted reports whether Start has been called.
func (t *Task) HasStarted() bool {
	return t.future() != nil
}

// HasCompleted reports whether the task has a result.
func (t *Task) HasCompleted() bool {
	f := t.future()
	return f != nil && f.Ready()
}

// Result returns the task's outcome without blocking.
//
// Outputs:
//
//	result.Result[any] - The value or error the body produced.
//	error - ErrNotReady if the task has not completed.
func (t *Task) Result() (result.Result[any], error) {
	f := t.future()
	if f == nil {
		return result.Result[any]{}, fmt.Errorf("%w: %q was never started", ErrNotReady, t.name)
	}
	r, ok := f.Peek()
	if !ok {
		return result.Result[any]{}, fmt.Errorf("%w: %q is still running", ErrNotReady, t.name)
	}
	return r, nil
}

// Done is closed once the task completes. It returns nil before Start.
func (t *Task) Done() <-chan struct{} {
	f := t.future()
	if f == nil {
		return nil
	}
	return f.Done()
}

// SpanID returns the span announced through BindSpan, or "".
func (t *Task) SpanID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spanID
}

func (t *Task) cancel() {
	if f := t.future(); f != nil {
		f.Cancel()
	}
}

// BindSpan marks the span active in ctx as the span of the task whose body
// is running under ctx. Only the first call per task has an effect.
//
// Description:
//
//	The Scheduler uses bound span ids for its task-dependency spans. Task
//	bodies that emit their own top-level span call BindSpan right after
//	starting it. Outside a task body BindSpan does nothing.
func BindSpan(ctx context.Context) {
	t, ok := ctx.Value(taskKey{}).(*Task)
	if !ok {
		return
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spanID == "" {
		t.spanID = spans.FormatSpanID(sc.SpanID())
	}
}
