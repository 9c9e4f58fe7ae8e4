// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

// Exception event attribute keys.
const (
	AttrExceptionType       = "exception.type"
	AttrExceptionMessage    = "exception.message"
	AttrExceptionStacktrace = "exception.stacktrace"
	AttrExceptionEscaped    = "exception.escaped"
)

// TracerFromContext returns a tracer from the provider of the span in ctx.
//
// Description:
//
//	Code running beneath a span reuses that span's provider instead of a
//	global one. With no span in ctx the returned tracer is a no-op.
func TracerFromContext(ctx context.Context, name string) trace.Tracer {
	return trace.SpanFromContext(ctx).TracerProvider().Tracer(name)
}

// RecordError records an error on the span and sets ERROR status with
// the error text as description. No-op for a nil span or error.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	opts := make([]trace.EventOption, 0, 1)
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// RecordException adds one "exception" event to span.
//
// Description:
//
//	The event carries exception.type, exception.message,
//	exception.stacktrace and exception.escaped. When stack is empty the
//	current goroutine's stack is used. The span status is left alone.
//
// Inputs:
//
//	span - The span to annotate. May be nil.
//	err - The error. May be nil.
//	stack - A captured stack trace, or "" to capture one now.
//	escaped - Whether the error propagated out of the span's scope.
func RecordException(span trace.Span, err error, stack string, escaped bool) {
	if span == nil || err == nil {
		return
	}
	RecordExceptionDetails(span, fmt.Sprintf("%T", err), err.Error(), stack, escaped)
}

// RecordExceptionDetails is RecordException for callers that already hold
// the exception type and message, such as a recovered panic.
func RecordExceptionDetails(span trace.Span, typ, message, stack string, escaped bool) {
	if span == nil {
		return
	}
	if stack == "" {
		stack = string(debug.Stack())
	}
	span.AddEvent(spans.EventException, trace.WithAttributes(
		attribute.String(AttrExceptionType, typ),
		attribute.String(AttrExceptionMessage, message),
		attribute.String(AttrExceptionStacktrace, stack),
		attribute.Bool(AttrExceptionEscaped, escaped),
	))
}

// SetSpanOK sets the span status to OK.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SetSpanError sets the span status to ERROR with description.
func SetSpanError(span trace.Span, description string) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Error, description)
}

// SpanID returns the formatted id of the span in ctx, or "" if none is active.
func SpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return spans.FormatSpanID(sc.SpanID())
}

// TraceID returns the formatted trace id in ctx, or "" if none is active.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return spans.FormatTraceID(sc.TraceID())
}
