// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package spans models recorded trace spans and their persisted JSON form.
//
// A Span is immutable once recorded. Spans form a forest through their
// parent ids; a span bounds every span beneath it in that forest. Spans
// offers the filtering and containment queries the provenance parser is
// built on.
package spans

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StatusCode is the final status of a span.
type StatusCode string

const (
	StatusUnset StatusCode = "UNSET"
	StatusOK    StatusCode = "OK"
	StatusError StatusCode = "ERROR"
)

// Well-known span names.
const (
	NameExecutePipeline = "execute-pipeline"
	NameExecuteTask     = "execute-task"
	NameTaskRun         = "task-run"
	NameTimeoutGuard    = "timeout-guard"
	NameCallFunction    = "call-function"
	NameTaskDependency  = "task-dependency"
	NameNamedValue      = "named-value"
	NameArtifact        = "artefact"

	// EventException is the event name used for recorded errors.
	EventException = "exception"
)

// Well-known attribute keys shared by the emitters and the parser.
const (
	AttrPipelinePrefix = "pipeline."
	AttrPipelineRunID  = "pipeline.pipeline_run_id"
	AttrTaskPrefix     = "task."
	AttrTaskID         = "task.id"
	AttrRunPrefix      = "run."
	AttrRunRetryNr     = "run.retry_nr"
	AttrRunID          = "run.id"

	AttrFromTaskSpanID = "from_task_span_id"
	AttrToTaskSpanID   = "to_task_span_id"
)

// IDPrefix prefixes every formatted span and trace id.
const IDPrefix = "0x"

// Status is a span status and its optional description.
type Status struct {
	Code        StatusCode `json:"status_code"`
	Description string     `json:"description,omitempty"`
}

// IsOK reports whether the status code is OK.
func (s Status) IsOK() bool {
	return s.Code == StatusOK
}

// SpanContext identifies a span within a trace.
type SpanContext struct {
	SpanID  string `json:"span_id"`
	TraceID string `json:"trace_id,omitempty"`
}

// Attributes maps attribute keys to scalar values.
//
// Values are string, bool, int64, float64, or slices of those.
type Attributes map[string]any

// MarshalJSON encodes attributes so that every float keeps a fraction or
// exponent, which lets UnmarshalJSON tell 5.0 apart from 5.
func (a Attributes) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = markFloats(v)
	}
	return json.Marshal(out)
}

// floatJSON is a float64 that always encodes with a decimal point.
type floatJSON float64

func (f floatJSON) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(float64(f))
	if err != nil {
		return nil, err
	}
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return b, nil
}

func markFloats(v any) any {
	switch x := v.(type) {
	case float64:
		return floatJSON(x)
	case float32:
		return floatJSON(x)
	case []float64:
		out := make([]floatJSON, len(x))
		for i, f := range x {
			out[i] = floatJSON(f)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = markFloats(x[i])
		}
		return out
	default:
		return v
	}
}

// UnmarshalJSON decodes attributes keeping integers as int64. A number
// written with a fraction or exponent stays float64.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*a = nil
		return nil
	}

	out := make(Attributes, len(raw))
	for k, v := range raw {
		out[k] = normalize(v)
	}
	*a = out
	return nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		text := x.String()
		if !strings.ContainsAny(text, ".eE") {
			if i, err := strconv.ParseInt(text, 10, 64); err == nil {
				return i
			}
		}
		f, err := x.Float64()
		if err != nil {
			return text
		}
		return f
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return v
	}
}

// String returns the attribute as a string and whether it was one.
func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the attribute as an int64 and whether it was an integer.
func (a Attributes) Int(key string) (int64, bool) {
	switch v := a[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

// WithPrefix returns the attributes whose key starts with one of prefixes.
func (a Attributes) WithPrefix(prefixes ...string) Attributes {
	out := Attributes{}
	for k, v := range a {
		if hasPrefix(k, prefixes) {
			out[k] = v
		}
	}
	return out
}

// Merge returns a copy of a overlaid with other.
func (a Attributes) Merge(other Attributes) Attributes {
	out := make(Attributes, len(a)+len(other))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string     `json:"name"`
	Timestamp  time.Time  `json:"timestamp"`
	Attributes Attributes `json:"attributes"`
}

// Span is one recorded execution interval.
type Span struct {
	Context    SpanContext `json:"context"`
	ParentID   string      `json:"parent_id,omitempty"`
	Name       string      `json:"name"`
	Kind       string      `json:"kind,omitempty"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    time.Time   `json:"end_time"`
	Status     Status      `json:"status"`
	Attributes Attributes  `json:"attributes"`
	Events     []Event     `json:"events"`
}

// ID returns the span id.
func (s Span) ID() string {
	return s.Context.SpanID
}

// Timing returns the span's time range.
func (s Span) Timing() Timing {
	return Timing{Start: s.StartTime, End: s.EndTime}
}

// FormatSpanID renders an 8-byte span id as "0x" plus 16 hex digits.
func FormatSpanID(id [8]byte) string {
	return fmt.Sprintf("%s%x", IDPrefix, id[:])
}

// FormatTraceID renders a 16-byte trace id as "0x" plus 32 hex digits.
func FormatTraceID(id [16]byte) string {
	return fmt.Sprintf("%s%x", IDPrefix, id[:])
}
