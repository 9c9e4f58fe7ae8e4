// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry turns a possibly hanging, possibly failing function into a
// bounded, retried and traced operation.
//
// Guard runs one call under a wall-clock deadline and records it as a
// "timeout-guard" span wrapping a "call-function" span. Do repeats an
// attempt until a success predicate accepts its Result or the retry budget
// is spent. Retrier composes the two.
//
// Cancellation on timeout is best effort. The guarded function's context
// is cancelled and its Result is abandoned, but its goroutine is not
// stopped: anything it already changed stays changed, and it may keep
// running until it next checks its context.
package retry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrunner/services/runner/future"
	"github.com/AleutianAI/dagrunner/services/runner/result"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

const tracerName = "dagrunner.retry"

// Span attribute and status values written by Guard.
const (
	AttrTimeoutS = "timeout_s"

	StatusTimeout   = "Timeout"
	StatusFailure   = "Failure"
	StatusCancelled = "Cancelled"
)

var (
	// ErrTimeout is the error held by a Result whose deadline fired.
	ErrTimeout = errors.New("Timeout error: execution did not finish within timeout limit")

	// ErrInvalidRetries is returned when fewer than one attempt is allowed.
	ErrInvalidRetries = errors.New("max retries must be at least 1")
)

// FailureError is a failure raised by a guarded function, with the
// details recorded on its span.
type FailureError struct {
	// Type is the Go type of the original error or panic value.
	Type string

	// Message is the original error text.
	Message string

	// Stack is the stack captured when the failure was observed.
	Stack string

	// Err is the original error.
	Err error
}

// Error returns the original error text.
func (e *FailureError) Error() string {
	return e.Message
}

// Unwrap returns the original error.
func (e *FailureError) Unwrap() error {
	return e.Err
}

func newFailure(err error) *FailureError {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe
	}

	typ := fmt.Sprintf("%T", err)
	stack := ""
	var pe *future.PanicError
	if errors.As(err, &pe) {
		typ = fmt.Sprintf("panic(%T)", pe.Value)
		stack = string(pe.Stack)
	}
	if stack == "" {
		stack = string(debug.Stack())
	}
	return &FailureError{Type: typ, Message: err.Error(), Stack: stack, Err: err}
}

// Guard runs fn with a deadline of timeout and returns its Result.
//
// Description:
//
//	fn runs on its own goroutine. If it returns first, its outcome is
//	returned unchanged: a value as a success, an error or panic as a
//	*FailureError. If the deadline passes first, fn's context is
//	cancelled and Guard returns a Result holding ErrTimeout without
//	waiting for fn. A timeout <= 0 means no deadline. If ctx itself ends
//	first, the Result holds ctx.Err().
//
//	The call is recorded as a "timeout-guard" span with attribute
//	timeout_s. Its status is OK when fn returned in time, whether or not
//	fn failed, and ERROR "Timeout" when the deadline fired. Nested inside
//	it, a "call-function" span records OK, or ERROR "Failure" plus one
//	exception event.
//
// Inputs:
//
//	ctx - Parent context. Its span becomes the guard span's parent.
//	timeout - Wall-clock limit for fn.
//	fn - The function to run.
//
// Outputs:
//
//	result.Result[V] - fn's outcome, or a failure holding ErrTimeout.
//
// Thread Safety: Safe for concurrent use.
func Guard[V any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (V, error)) result.Result[V] {
	tracer := telemetry.TracerFromContext(ctx, tracerName)
	ctx, span := tracer.Start(ctx, spans.NameTimeoutGuard,
		trace.WithAttributes(attribute.Float64(AttrTimeoutS, timeout.Seconds())),
	)
	defer span.End()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	f := future.Go(runCtx, func(callCtx context.Context) (V, error) {
		return callTraced(callCtx, tracer, fn)
	})

	select {
	case <-f.Done():
		r, _ := f.Peek()
		if !r.IsSuccess() {
			if ctx.Err() != nil {
				return cancelled[V](ctx, span, f)
			}
			if deadlineFired(ctx, runCtx) {
				return timedOut[V](span, f)
			}
		}
		telemetry.SetSpanOK(span)
		return r

	case <-runCtx.Done():
		if ctx.Err() != nil {
			return cancelled[V](ctx, span, f)
		}
		return timedOut[V](span, f)
	}
}

func cancelled[V any](ctx context.Context, span trace.Span, f *future.Future[V]) result.Result[V] {
	f.Cancel()
	telemetry.SetSpanError(span, StatusCancelled)
	return result.Err[V](ctx.Err())
}

func deadlineFired(parent, runCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func timedOut[V any](span trace.Span, f *future.Future[V]) result.Result[V] {
	f.Cancel()
	telemetry.SetSpanError(span, StatusTimeout)
	return result.Err[V](ErrTimeout)
}

func callTraced[V any](ctx context.Context, tracer trace.Tracer, fn func(ctx context.Context) (V, error)) (v V, err error) {
	ctx, span := tracer.Start(ctx, spans.NameCallFunction)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = &future.PanicError{Value: r, Stack: debug.Stack()}
		}
		if err != nil {
			var zero V
			v = zero
			fe := newFailure(err)
			telemetry.RecordExceptionDetails(span, fe.Type, fe.Message, fe.Stack, true)
			telemetry.SetSpanError(span, StatusFailure)
			err = fe
			return
		}
		telemetry.SetSpanOK(span)
	}()

	return fn(ctx)
}
