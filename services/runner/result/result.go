// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package result provides Result, the value-or-error container used to
// report the outcome of every task attempt.
package result

import (
	"fmt"
	"reflect"
)

// Result holds exactly one of a value or an error.
//
// Description:
//
//	A Result with a nil error is a success and carries its value. A Result
//	with a non-nil error is a failure; its value is the zero value of V.
//	The zero Result is a success holding the zero value.
//
// Thread Safety:
//
//	Result is an immutable value type and safe to share between goroutines.
type Result[V any] struct {
	value V
	err   error
}

// Ok returns a successful Result holding v.
func Ok[V any](v V) Result[V] {
	return Result[V]{value: v}
}

// Err returns a failed Result holding err.
//
// Panics if err is nil, since a failure without an error cannot be told
// apart from a success.
func Err[V any](err error) Result[V] {
	if err == nil {
		panic("result: Err called with nil error")
	}
	return Result[V]{err: err}
}

// From builds a Result from a conventional (value, error) return pair.
//
// Description:
//
//	A nil err yields Ok(v). A non-nil err yields a failure and v is
//	discarded, following the Go convention that a value returned next to
//	an error is not meaningful.
//
// Inputs:
//
//	v - The value returned by the producer.
//	err - The error returned by the producer.
//
// Outputs:
//
//	Result[V] - The combined result.
func From[V any](v V, err error) Result[V] {
	if err != nil {
		return Result[V]{err: err}
	}
	return Ok(v)
}

// Value returns the held value, or the zero value for a failure.
func (r Result[V]) Value() V {
	return r.value
}

// Error returns the held error, or nil for a success.
func (r Result[V]) Error() error {
	return r.err
}

// Get returns the value and error as a conventional pair.
func (r Result[V]) Get() (V, error) {
	return r.value, r.err
}

// IsSuccess reports whether the Result holds no error.
func (r Result[V]) IsSuccess() bool {
	return r.err == nil
}

// Equal reports whether two Results are equivalent.
//
// Two failures are equal when their error messages match. Two successes are
// equal when their values are deeply equal. A success never equals a failure.
func (r Result[V]) Equal(other Result[V]) bool {
	switch {
	case r.err != nil && other.err != nil:
		return r.err.Error() == other.err.Error()
	case r.err != nil || other.err != nil:
		return false
	default:
		return reflect.DeepEqual(r.value, other.value)
	}
}

// String renders the Result for logs.
func (r Result[V]) String() string {
	if r.err != nil {
		return fmt.Sprintf("Result(error=%q)", r.err.Error())
	}
	return fmt.Sprintf("Result(value=%v)", r.value)
}
