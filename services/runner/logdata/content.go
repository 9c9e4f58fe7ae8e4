// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logdata encodes values and artifacts logged by task bodies.
//
// Logged content is a closed set of variants: Text, Bytes, Float, Bool,
// Int and JSON. Each variant declares a type tag and is carried on the wire
// as a transport-safe string with a self-describing encoding, so a reader
// can decode it without any outside schema.
package logdata

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// Type is the declared content type tag.
type Type string

const (
	TypeText  Type = "utf-8"
	TypeBytes Type = "bytes"
	TypeFloat Type = "float"
	TypeBool  Type = "bool"
	TypeJSON  Type = "json"
	TypeInt   Type = "int"
)

// Encoding names how content is carried in the content_encoded attribute.
type Encoding string

const (
	EncodingText   Encoding = "text/utf-8"
	EncodingBase64 Encoding = "base64"
	EncodingJSON   Encoding = "json/text"
)

var (
	// ErrUnknownType is returned for a type tag outside the closed set.
	ErrUnknownType = errors.New("unknown content type")

	// ErrEncodingMismatch is returned when a type arrives in an encoding it never uses.
	ErrEncodingMismatch = errors.New("encoding does not match content type")

	// ErrInvalidContent is returned when content does not fit its declared type.
	ErrInvalidContent = errors.New("invalid content")

	// ErrNotArtifact is returned when an artifact is not text or bytes.
	ErrNotArtifact = errors.New("artifacts must be utf-8 or bytes")
)

// Content is one logged payload. The implementations in this package are
// the only variants.
type Content interface {
	// Type returns the declared type tag.
	Type() Type

	// Value returns the payload as a plain Go value.
	Value() any

	sealed()
}

// Text is a UTF-8 string.
type Text string

// Bytes is an opaque byte payload.
type Bytes []byte

// Float is a finite float64.
type Float float64

// Bool is a boolean.
type Bool bool

// Int is a 64-bit integer.
type Int int64

// JSON is a syntactically valid JSON document in compact form.
type JSON json.RawMessage

func (Text) Type() Type  { return TypeText }
func (Bytes) Type() Type { return TypeBytes }
func (Float) Type() Type { return TypeFloat }
func (Bool) Type() Type  { return TypeBool }
func (Int) Type() Type   { return TypeInt }
func (JSON) Type() Type  { return TypeJSON }

func (c Text) Value() any  { return string(c) }
func (c Bytes) Value() any { return []byte(c) }
func (c Float) Value() any { return float64(c) }
func (c Bool) Value() any  { return bool(c) }
func (c Int) Value() any   { return int64(c) }
func (c JSON) Value() any  { return json.RawMessage(c) }

func (Text) sealed()  {}
func (Bytes) sealed() {}
func (Float) sealed() {}
func (Bool) sealed()  {}
func (Int) sealed()   {}
func (JSON) sealed()  {}

// NewJSON validates raw and returns it compacted.
func NewJSON(raw []byte) (JSON, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return JSON(buf.Bytes()), nil
}

// JSONOf marshals v into a JSON content value.
func JSONOf(v any) (JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return JSON(raw), nil
}

// FromValue picks the variant matching a Go value.
//
// Strings map to Text, byte slices to Bytes, floats to Float, bools to Bool
// and integer kinds to Int. Anything else is marshalled as JSON.
func FromValue(v any) (Content, error) {
	switch x := v.(type) {
	case Content:
		return x, Validate(x)
	case string:
		return Text(x), nil
	case []byte:
		return Bytes(x), nil
	case float64:
		return Float(x), Validate(Float(x))
	case float32:
		return Float(x), Validate(Float(x))
	case bool:
		return Bool(x), nil
	case int:
		return Int(x), nil
	case int8:
		return Int(x), nil
	case int16:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(x), nil
	case uint16:
		return Int(x), nil
	case uint32:
		return Int(x), nil
	default:
		return JSONOf(v)
	}
}

// Validate checks that c holds content acceptable for its type.
func Validate(c Content) error {
	switch x := c.(type) {
	case nil:
		return fmt.Errorf("%w: nil content", ErrInvalidContent)
	case Text:
		if !utf8.ValidString(string(x)) {
			return fmt.Errorf("%w: text is not valid utf-8", ErrInvalidContent)
		}
	case Float:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: float %v is not finite", ErrInvalidContent, float64(x))
		}
	case JSON:
		if !json.Valid(x) {
			return fmt.Errorf("%w: malformed json", ErrInvalidContent)
		}
	}
	return nil
}

// ValidateArtifact checks that c may be stored as an artifact.
func ValidateArtifact(c Content) error {
	if err := Validate(c); err != nil {
		return err
	}
	switch c.(type) {
	case Text, Bytes:
		return nil
	default:
		return fmt.Errorf("%w: got %s", ErrNotArtifact, c.Type())
	}
}

// Size returns the payload size in bytes as written to disk.
func Size(c Content) int {
	switch x := c.(type) {
	case Text:
		return len(x)
	case Bytes:
		return len(x)
	case JSON:
		return len(x)
	default:
		_, encoded, _ := Encode(c)
		return len(encoded)
	}
}

// Encode returns the wire encoding and encoded payload for c.
func Encode(c Content) (Encoding, string, error) {
	if err := Validate(c); err != nil {
		return "", "", err
	}
	switch x := c.(type) {
	case Text:
		return EncodingText, string(x), nil
	case Bytes:
		return EncodingBase64, base64.StdEncoding.EncodeToString(x), nil
	case Float:
		return EncodingJSON, strconv.FormatFloat(float64(x), 'g', -1, 64), nil
	case Bool:
		return EncodingJSON, strconv.FormatBool(bool(x)), nil
	case Int:
		return EncodingJSON, strconv.FormatInt(int64(x), 10), nil
	case JSON:
		compact, err := NewJSON(x)
		if err != nil {
			return "", "", err
		}
		return EncodingJSON, string(compact), nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrUnknownType, c)
	}
}

// Decode rebuilds content from its type tag, encoding and encoded payload.
//
// Description:
//
//	Dispatch is on the declared type tag. An unrecognised tag fails with
//	ErrUnknownType; nothing is guessed from the payload.
func Decode(typ Type, enc Encoding, encoded string) (Content, error) {
	want, ok := encodingFor[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if enc != want {
		return nil, fmt.Errorf("%w: type %s uses %s, got %q", ErrEncodingMismatch, typ, want, enc)
	}

	switch typ {
	case TypeText:
		if !utf8.ValidString(encoded) {
			return nil, fmt.Errorf("%w: text is not valid utf-8", ErrInvalidContent)
		}
		return Text(encoded), nil
	case TypeBytes:
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		return Bytes(raw), nil
	case TypeFloat:
		var f float64
		if err := json.Unmarshal([]byte(encoded), &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		return Float(f), nil
	case TypeBool:
		b, err := strconv.ParseBool(encoded)
		if err != nil || (encoded != "true" && encoded != "false") {
			return nil, fmt.Errorf("%w: %q is not a json bool", ErrInvalidContent, encoded)
		}
		return Bool(b), nil
	case TypeInt:
		i, err := strconv.ParseInt(encoded, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		return Int(i), nil
	default: // TypeJSON
		return NewJSON([]byte(encoded))
	}
}

var encodingFor = map[Type]Encoding{
	TypeText:  EncodingText,
	TypeBytes: EncodingBase64,
	TypeFloat: EncodingJSON,
	TypeBool:  EncodingJSON,
	TypeInt:   EncodingJSON,
	TypeJSON:  EncodingJSON,
}

// Equal reports whether two contents have the same type and payload.
func Equal(a, b Content) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type() != b.Type() {
		return false
	}
	switch x := a.(type) {
	case Bytes:
		return bytes.Equal(x, b.(Bytes))
	case JSON:
		return bytes.Equal(x, b.(JSON))
	default:
		return a == b
	}
}
