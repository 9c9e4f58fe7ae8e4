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
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

// Recorder is a span processor that keeps every ended span in memory.
//
// Description:
//
//	OnEnd converts the SDK's read-only span into a spans.Span while still
//	on the ending goroutine, then appends it under a mutex. The recorded
//	attribute set of one span is therefore never interleaved with another.
//
// Thread Safety:
//
//	Safe for concurrent use. Many task bodies end spans at once.
type Recorder struct {
	mu    sync.Mutex
	spans spans.Spans
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// OnStart implements sdktrace.SpanProcessor.
func (r *Recorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd implements sdktrace.SpanProcessor.
func (r *Recorder) OnEnd(s sdktrace.ReadOnlySpan) {
	converted := ConvertSpan(s)
	r.mu.Lock()
	r.spans = append(r.spans, converted)
	r.mu.Unlock()
}

// Shutdown implements sdktrace.SpanProcessor.
func (r *Recorder) Shutdown(context.Context) error { return nil }

// ForceFlush implements sdktrace.SpanProcessor.
func (r *Recorder) ForceFlush(context.Context) error { return nil }

// Spans returns a copy of the spans ended so far, in end order.
func (r *Recorder) Spans() spans.Spans {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(spans.Spans, len(r.spans))
	copy(out, r.spans)
	return out
}

// Trace returns the recorded spans belonging to one trace id.
func (r *Recorder) Trace(traceID string) spans.Spans {
	return r.Spans().Filter(func(s spans.Span) bool {
		return s.Context.TraceID == traceID
	})
}

// Reset drops every recorded span.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.spans = nil
	r.mu.Unlock()
}

// ConvertSpan turns an SDK span into the persisted span model.
func ConvertSpan(s sdktrace.ReadOnlySpan) spans.Span {
	sc := s.SpanContext()
	out := spans.Span{
		Context: spans.SpanContext{
			SpanID:  spans.FormatSpanID(sc.SpanID()),
			TraceID: spans.FormatTraceID(sc.TraceID()),
		},
		Name:       s.Name(),
		Kind:       s.SpanKind().String(),
		StartTime:  s.StartTime(),
		EndTime:    s.EndTime(),
		Status:     convertStatus(s.Status()),
		Attributes: convertAttributes(s.Attributes()),
	}
	if parent := s.Parent(); parent.IsValid() {
		out.ParentID = spans.FormatSpanID(parent.SpanID())
	}

	for _, e := range s.Events() {
		out.Events = append(out.Events, spans.Event{
			Name:       e.Name,
			Timestamp:  e.Time,
			Attributes: convertAttributes(e.Attributes),
		})
	}
	return out
}

func convertStatus(st sdktrace.Status) spans.Status {
	switch st.Code {
	case codes.Ok:
		return spans.Status{Code: spans.StatusOK}
	case codes.Error:
		return spans.Status{Code: spans.StatusError, Description: st.Description}
	default:
		return spans.Status{Code: spans.StatusUnset}
	}
}

func convertAttributes(kvs []attribute.KeyValue) spans.Attributes {
	out := make(spans.Attributes, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = convertValue(kv.Value)
	}
	return out
}

func convertValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	case attribute.BOOLSLICE:
		return toAny(v.AsBoolSlice())
	case attribute.INT64SLICE:
		return toAny(v.AsInt64Slice())
	case attribute.FLOAT64SLICE:
		return toAny(v.AsFloat64Slice())
	case attribute.STRINGSLICE:
		return toAny(v.AsStringSlice())
	default:
		return v.Emit()
	}
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
