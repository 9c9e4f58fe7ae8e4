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
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

func roundTrip(t require.TestingT, c Content) Content {
	enc, encoded, err := Encode(c)
	require.NoError(t, err)
	out, err := Decode(c.Type(), enc, encoded)
	require.NoError(t, err)
	return out
}

func TestEncodeDecode_Examples(t *testing.T) {
	js, err := NewJSON([]byte(`{ "a": [1, 2, {"b": null}] }`))
	require.NoError(t, err)

	tests := []struct {
		name    string
		content Content
		enc     Encoding
		wire    string
	}{
		{"text", Text("hello ✓"), EncodingText, "hello ✓"},
		{"bytes", Bytes{0, 1, 2, 255}, EncodingBase64, "AAEC/w=="},
		{"float", Float(0.25), EncodingJSON, "0.25"},
		{"bool", Bool(true), EncodingJSON, "true"},
		{"int", Int(-42), EncodingJSON, "-42"},
		{"json", js, EncodingJSON, `{"a":[1,2,{"b":null}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, wire, err := Encode(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.enc, enc)
			assert.Equal(t, tt.wire, wire)

			out, err := Decode(tt.content.Type(), enc, wire)
			require.NoError(t, err)
			assert.True(t, Equal(tt.content, out), "got %#v", out)
		})
	}
}

func TestDecode_FloatFromIntegerText(t *testing.T) {
	c, err := Decode(TypeFloat, EncodingJSON, "3")
	require.NoError(t, err)
	assert.Equal(t, Float(3), c)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode("pickle", EncodingBase64, "AA==")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecode_EncodingMismatch(t *testing.T) {
	_, err := Decode(TypeBytes, EncodingText, "raw")
	assert.ErrorIs(t, err, ErrEncodingMismatch)
}

func TestDecode_InvalidPayload(t *testing.T) {
	tests := []struct {
		typ  Type
		enc  Encoding
		wire string
	}{
		{TypeBytes, EncodingBase64, "!!!"},
		{TypeFloat, EncodingJSON, "abc"},
		{TypeBool, EncodingJSON, "1"},
		{TypeInt, EncodingJSON, "1.5"},
		{TypeJSON, EncodingJSON, "{"},
	}
	for _, tt := range tests {
		_, err := Decode(tt.typ, tt.enc, tt.wire)
		assert.ErrorIs(t, err, ErrInvalidContent, "%s %q", tt.typ, tt.wire)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Float(1)))
	assert.ErrorIs(t, Validate(Float(posInf())), ErrInvalidContent)
	assert.ErrorIs(t, Validate(JSON(`{"x":`)), ErrInvalidContent)
	assert.ErrorIs(t, Validate(nil), ErrInvalidContent)

	assert.NoError(t, ValidateArtifact(Text("x")))
	assert.NoError(t, ValidateArtifact(Bytes("x")))
	assert.ErrorIs(t, ValidateArtifact(Int(1)), ErrNotArtifact)
}

func posInf() float64 {
	zero := 0.0
	return 1 / zero
}

func TestFromValue(t *testing.T) {
	tests := []struct {
		in   any
		want Type
	}{
		{"s", TypeText},
		{[]byte("b"), TypeBytes},
		{1.5, TypeFloat},
		{float32(2), TypeFloat},
		{true, TypeBool},
		{7, TypeInt},
		{int64(7), TypeInt},
		{map[string]int{"a": 1}, TypeJSON},
		{[]string{"x"}, TypeJSON},
	}
	for _, tt := range tests {
		c, err := FromValue(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.Type(), "%#v", tt.in)
	}

	_, err := FromValue(make(chan int))
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestText_RejectsInvalidUTF8(t *testing.T) {
	bad := Text("\xff\xfe")
	assert.ErrorIs(t, Validate(bad), ErrInvalidContent)

	_, _, err := Encode(bad)
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = Decode(TypeText, EncodingText, "ok \xff")
	assert.ErrorIs(t, err, ErrInvalidContent)

	err = LogValue(context.Background(), "bad", bad)
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestSize(t *testing.T) {
	assert.Equal(t, 3, Size(Text("abc")))
	assert.Equal(t, 2, Size(Bytes{1, 2}))
	assert.Equal(t, 4, Size(Bool(true)))
}

func TestRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var c Content
		switch rapid.IntRange(0, 5).Draw(t, "variant") {
		case 0:
			raw := rapid.SliceOf(rapid.Byte()).Draw(t, "raw")
			if rapid.Bool().Draw(t, "valid") {
				raw = []byte(rapid.String().Draw(t, "text"))
			}
			c = Text(raw)
			if !utf8.Valid(raw) {
				_, _, err := Encode(c)
				if !errors.Is(err, ErrInvalidContent) {
					t.Fatalf("invalid utf-8 %q encoded with err %v", raw, err)
				}
				return
			}
		case 1:
			c = Bytes(rapid.SliceOf(rapid.Byte()).Draw(t, "bytes"))
		case 2:
			c = Float(rapid.Float64Range(-1e15, 1e15).Draw(t, "float"))
		case 3:
			c = Bool(rapid.Bool().Draw(t, "bool"))
		case 4:
			c = Int(rapid.Int64().Draw(t, "int"))
		case 5:
			m := rapid.MapOf(rapid.StringMatching(`[a-z]{1,6}`), rapid.Int()).Draw(t, "json")
			js, err := JSONOf(m)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			c = js
		}

		out := roundTrip(t, c)
		if !Equal(c, out) {
			t.Fatalf("round trip changed %#v into %#v", c, out)
		}
	})
}

func newRecordedContext(t *testing.T) (context.Context, *tracetest.SpanRecorder, func()) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, span := tp.Tracer("test").Start(context.Background(), "task-run")
	return ctx, rec, func() { span.End() }
}

func TestLogValue_EmitsSpan(t *testing.T) {
	ctx, rec, end := newRecordedContext(t)

	require.NoError(t, LogValue(ctx, "auc", Float(0.93)))
	end()

	ended := rec.Ended()
	require.Len(t, ended, 2)

	valueSpan := ended[0]
	assert.Equal(t, spans.NameNamedValue, valueSpan.Name())
	assert.Equal(t, codes.Ok, valueSpan.Status().Code)
	assert.Equal(t, ended[1].SpanContext().SpanID(), valueSpan.Parent().SpanID())

	attrs := map[string]string{}
	for _, kv := range valueSpan.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, map[string]string{
		AttrName:     "auc",
		AttrType:     "float",
		AttrEncoding: "json/text",
		AttrContent:  "0.93",
	}, attrs)
}

func TestLogArtifact_RejectsScalars(t *testing.T) {
	ctx, rec, end := newRecordedContext(t)

	err := LogArtifact(ctx, "model.bin", Int(3))
	assert.ErrorIs(t, err, ErrNotArtifact)

	require.NoError(t, LogArtifact(ctx, "report.txt", Text("ok")))
	end()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, spans.NameArtifact, ended[0].Name())
}

func TestLogValue_EmptyName(t *testing.T) {
	err := LogValue(context.Background(), "", Int(1))
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestFromSpan(t *testing.T) {
	s := spans.Span{
		Context: spans.SpanContext{SpanID: "0x01"},
		Name:    spans.NameNamedValue,
		Attributes: spans.Attributes{
			AttrName:     "n",
			AttrType:     "int",
			AttrEncoding: "json/text",
			AttrContent:  "12",
		},
	}
	name, c, err := FromSpan(s)
	require.NoError(t, err)
	assert.Equal(t, "n", name)
	assert.Equal(t, Int(12), c)

	s.Attributes[AttrType] = "pickle"
	_, _, err = FromSpan(s)
	assert.ErrorIs(t, err, ErrUnknownType)

	delete(s.Attributes, AttrContent)
	_, _, err = FromSpan(s)
	assert.ErrorIs(t, err, ErrInvalidContent)
}
