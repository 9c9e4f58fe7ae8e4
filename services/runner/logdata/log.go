// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logdata

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

// Attribute keys carried by named-value and artefact spans.
const (
	AttrName     = "name"
	AttrType     = "type"
	AttrEncoding = "encoding"
	AttrContent  = "content_encoded"
)

const tracerName = "dagrunner.logdata"

// LogValue records a named value as a child span of the span in ctx.
//
// Description:
//
//	Emits one OK "named-value" span carrying exactly the attributes name,
//	type, encoding and content_encoded. The tracer is taken from the
//	span already in ctx, so values land in the same recorder as the task
//	that logs them. Without a span in ctx the value is dropped.
//
// Inputs:
//
//	ctx - Context holding the current task-run span.
//	name - Value name. Must be unique within one run.
//	content - The value.
//
// Outputs:
//
//	error - Non-nil if the content is invalid.
func LogValue(ctx context.Context, name string, content Content) error {
	return emit(ctx, spans.NameNamedValue, name, content)
}

// LogArtifact records a named artifact as a child span of the span in ctx.
// Artifacts are limited to Text and Bytes.
func LogArtifact(ctx context.Context, name string, content Content) error {
	if err := ValidateArtifact(content); err != nil {
		return fmt.Errorf("log artifact %q: %w", name, err)
	}
	return emit(ctx, spans.NameArtifact, name, content)
}

func emit(ctx context.Context, spanName, name string, content Content) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidContent)
	}
	enc, encoded, err := Encode(content)
	if err != nil {
		return fmt.Errorf("log %s %q: %w", spanName, name, err)
	}

	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer(tracerName)
	_, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String(AttrName, name),
		attribute.String(AttrType, string(content.Type())),
		attribute.String(AttrEncoding, string(enc)),
		attribute.String(AttrContent, encoded),
	))
	span.SetStatus(codes.Ok, "")
	span.End()
	return nil
}

// FromSpan decodes the content carried by a named-value or artefact span.
func FromSpan(s spans.Span) (name string, content Content, err error) {
	name, ok := s.Attributes.String(AttrName)
	if !ok {
		return "", nil, fmt.Errorf("%w: span %s has no string %q attribute", ErrInvalidContent, s.ID(), AttrName)
	}
	typ, ok := s.Attributes.String(AttrType)
	if !ok {
		return "", nil, fmt.Errorf("%w: span %s has no string %q attribute", ErrInvalidContent, s.ID(), AttrType)
	}
	enc, ok := s.Attributes.String(AttrEncoding)
	if !ok {
		return "", nil, fmt.Errorf("%w: span %s has no string %q attribute", ErrInvalidContent, s.ID(), AttrEncoding)
	}
	encoded, ok := s.Attributes.String(AttrContent)
	if !ok {
		return "", nil, fmt.Errorf("%w: span %s has no string %q attribute", ErrInvalidContent, s.ID(), AttrContent)
	}

	content, err = Decode(Type(typ), Encoding(enc), encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decode %q in span %s: %w", name, s.ID(), err)
	}
	return name, content, nil
}
