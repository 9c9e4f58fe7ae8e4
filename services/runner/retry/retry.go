// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/dagrunner/services/runner/result"
)

// Do runs attempt until isSuccess accepts a Result or maxRetries attempts
// have been made, and returns every attempt's Result in order.
//
// Description:
//
//	Attempts run one after another on the calling goroutine; attempt n+1
//	starts only after attempt n has returned. The zero-based attempt
//	number is passed to attempt. Every non-accepted Result counts as a
//	reason to try again; no error is treated as permanent. The last
//	element of the returned slice is the final outcome. A nil isSuccess
//	accepts any successful Result.
//
// Inputs:
//
//	ctx - Context for the whole loop. No new attempt starts once it ends.
//	maxRetries - Maximum number of attempts. Must be >= 1.
//	isSuccess - Predicate deciding whether to stop. May be nil.
//	attempt - Produces one attempt's Result.
//
// Outputs:
//
//	[]result.Result[V] - One Result per attempt made.
//	error - ErrInvalidRetries, or ctx.Err() if ctx ended between attempts.
func Do[V any](
	ctx context.Context,
	maxRetries int,
	isSuccess func(result.Result[V]) bool,
	attempt func(ctx context.Context, nr int) result.Result[V],
) ([]result.Result[V], error) {
	if maxRetries < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRetries, maxRetries)
	}
	if isSuccess == nil {
		isSuccess = result.Result[V].IsSuccess
	}

	results := make([]result.Result[V], 0, maxRetries)
	for nr := 0; nr < maxRetries; nr++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r := attempt(ctx, nr)
		results = append(results, r)
		if isSuccess(r) {
			break
		}
	}
	return results, nil
}

// Retrier runs a function through Guard inside a Do loop.
//
// Thread Safety:
//
//	A Retrier holds only configuration and may be shared.
type Retrier[V any] struct {
	// MaxRetries is the attempt budget. Must be >= 1.
	MaxRetries int

	// Timeout bounds each attempt. <= 0 means no deadline.
	Timeout time.Duration

	// IsSuccess decides whether an attempt ends the loop.
	// Nil accepts any successful Result.
	IsSuccess func(result.Result[V]) bool

	// Logger receives one line per rejected attempt. Nil uses slog.Default().
	Logger *slog.Logger
}

// Run executes fn with retries and per-attempt timeouts.
//
// Outputs:
//
//	[]result.Result[V] - One Result per attempt, last one final.
//	error - Non-nil only for an invalid budget or an ended context.
func (r Retrier[V]) Run(ctx context.Context, fn func(ctx context.Context, nr int) (V, error)) ([]result.Result[V], error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	accept := r.IsSuccess
	if accept == nil {
		accept = result.Result[V].IsSuccess
	}

	return Do(ctx, r.MaxRetries, accept, func(ctx context.Context, nr int) result.Result[V] {
		res := Guard(ctx, r.Timeout, func(ctx context.Context) (V, error) {
			return fn(ctx, nr)
		})
		if !accept(res) && nr+1 < r.MaxRetries {
			logger.Warn("attempt rejected, retrying",
				slog.Int("attempt", nr),
				slog.Int("max_retries", r.MaxRetries),
				slog.Any("error", res.Error()),
			)
		}
		return res
	})
}
