// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks builds traced, retried task bodies for the dag scheduler.
//
// A body built by New records one "execute-task" span. Each attempt gets a
// "task-run" span holding a timeout guard, and attempts run one after the
// other until one succeeds or the retry budget is spent. The task's Result
// is the Result of its last attempt.
//
// Attempt parameters travel as OpenTelemetry baggage, so code running
// inside an attempt can read them with RetryNr and Baggage.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrunner/services/runner/dag"
	"github.com/AleutianAI/dagrunner/services/runner/result"
	"github.com/AleutianAI/dagrunner/services/runner/retry"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

const tracerName = "dagrunner.tasks"

// Task span attribute keys.
const (
	AttrTaskType       = "task.type"
	AttrTaskTimeoutS   = "task.timeout_s"
	AttrTaskMaxRetries = "task.max_nr_retries"
	AttrTaskTagsPrefix = "task.tags."
)

// Baggage keys set for every attempt.
const (
	BaggageTimeoutS   = "timeout_s"
	BaggageRetryNr    = "retry_nr"
	BaggageMaxRetries = "max_nr_retries"
)

// DefaultType is recorded as task.type when Options.Type is empty.
const DefaultType = "function"

// Options configures a task body.
type Options struct {
	// ID is recorded as task.id. Add defaults it to "task-<n>".
	ID string

	// Type is recorded as task.type.
	Type string

	// Timeout bounds every attempt. <= 0 means no deadline.
	Timeout time.Duration

	// MaxRetries is the attempt budget. 0 means a single attempt.
	MaxRetries int

	// Tags are recorded as task.tags.<key>.
	Tags map[string]string

	// Metrics, if set, counts attempts by outcome.
	Metrics *telemetry.Metrics

	// Logger receives attempt failures. Nil uses slog.Default().
	Logger *slog.Logger
}

func (o Options) maxRetries() int {
	if o.MaxRetries == 0 {
		return 1
	}
	return o.MaxRetries
}

func (o Options) taskType() string {
	if o.Type == "" {
		return DefaultType
	}
	return o.Type
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(spans.AttrTaskID, o.ID),
		attribute.String(AttrTaskType, o.taskType()),
		attribute.Int(AttrTaskMaxRetries, o.maxRetries()),
	}
	if o.Timeout > 0 {
		attrs = append(attrs, attribute.Float64(AttrTaskTimeoutS, o.Timeout.Seconds()))
	}

	keys := make([]string, 0, len(o.Tags))
	for k := range o.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(AttrTaskTagsPrefix+k, o.Tags[k]))
	}
	return attrs
}

// Add builds a body with New and adds it to g under opts.ID.
func Add(g *dag.Graph, opts Options, fn dag.TaskFunc) dag.TaskID {
	if opts.ID == "" {
		opts.ID = fmt.Sprintf("task-%d", g.Len())
	}
	return g.AddTask(opts.ID, New(opts, fn))
}

// New wraps fn with tracing, a per-attempt timeout and retries.
//
// Description:
//
//	The returned body opens an "execute-task" span carrying the task
//	attributes and binds it as the task's span for dependency tracking.
//	Attempts run sequentially, each under its own "task-run" span with
//	run.retry_nr and a fresh run.id. The execute-task status is OK when
//	the last attempt succeeded and ERROR otherwise.
//
// Inputs:
//
//	opts - Task configuration. A negative MaxRetries makes every run fail
//	       with retry.ErrInvalidRetries.
//	fn - The work to run. It receives the scheduler input unchanged.
//
// Outputs:
//
//	dag.TaskFunc - The wrapped body.
func New(opts Options, fn dag.TaskFunc) dag.TaskFunc {
	return func(ctx context.Context, input any) (any, error) {
		tracer := telemetry.TracerFromContext(ctx, tracerName)
		ctx, span := tracer.Start(ctx, spans.NameExecuteTask, trace.WithAttributes(opts.attributes()...))
		defer span.End()
		dag.BindSpan(ctx)

		results, err := retry.Do(ctx, opts.maxRetries(), nil, func(ctx context.Context, nr int) result.Result[any] {
			return runAttempt(ctx, tracer, opts, nr, fn, input)
		})
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("task %q: %w", opts.ID, err)
		}

		last := results[len(results)-1]
		if last.IsSuccess() {
			telemetry.SetSpanOK(span)
		} else {
			telemetry.SetSpanError(span, outcomeStatus(last.Error()))
		}
		return last.Value(), last.Error()
	}
}

func runAttempt(
	ctx context.Context,
	tracer trace.Tracer,
	opts Options,
	nr int,
	fn dag.TaskFunc,
	input any,
) result.Result[any] {
	ctx, span := tracer.Start(ctx, spans.NameTaskRun, trace.WithAttributes(
		attribute.Int(spans.AttrRunRetryNr, nr),
		attribute.String(spans.AttrRunID, uuid.NewString()),
	))
	defer span.End()

	ctx, err := withAttemptBaggage(ctx, opts, nr)
	if err != nil {
		opts.logger().Warn("attempt baggage dropped", slog.String("error", err.Error()))
	}

	r := retry.Guard(ctx, opts.Timeout, func(ctx context.Context) (any, error) {
		return fn(ctx, input)
	})

	outcome := "ok"
	if r.IsSuccess() {
		telemetry.SetSpanOK(span)
	} else {
		status := outcomeStatus(r.Error())
		telemetry.SetSpanError(span, status)
		outcome = outcomeLabel(status)
		opts.logger().Warn("task attempt failed",
			slog.String("task_id", opts.ID),
			slog.Int("retry_nr", nr),
			slog.Int("max_nr_retries", opts.maxRetries()),
			slog.String("error", r.Error().Error()),
		)
	}
	if opts.Metrics != nil {
		opts.Metrics.AttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return r
}

func outcomeStatus(err error) string {
	switch {
	case errors.Is(err, retry.ErrTimeout):
		return retry.StatusTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.StatusCancelled
	default:
		return retry.StatusFailure
	}
}

func outcomeLabel(status string) string {
	switch status {
	case retry.StatusTimeout:
		return "timeout"
	case retry.StatusCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

func withAttemptBaggage(ctx context.Context, opts Options, nr int) (context.Context, error) {
	values := map[string]string{
		BaggageRetryNr:    strconv.Itoa(nr),
		BaggageMaxRetries: strconv.Itoa(opts.maxRetries()),
	}
	if opts.Timeout > 0 {
		values[BaggageTimeoutS] = strconv.FormatFloat(opts.Timeout.Seconds(), 'f', -1, 64)
	}

	b := baggage.FromContext(ctx)
	for k, v := range values {
		m, err := baggage.NewMember(k, v)
		if err != nil {
			return ctx, fmt.Errorf("baggage member %s: %w", k, err)
		}
		if b, err = b.SetMember(m); err != nil {
			return ctx, fmt.Errorf("set baggage member %s: %w", k, err)
		}
	}
	return baggage.ContextWithBaggage(ctx, b), nil
}

// Baggage returns the attempt parameters visible in ctx.
func Baggage(ctx context.Context) map[string]string {
	b := baggage.FromContext(ctx)
	out := make(map[string]string, b.Len())
	for _, m := range b.Members() {
		out[m.Key()] = m.Value()
	}
	return out
}

// RetryNr returns the zero-based attempt number of the attempt running
// under ctx.
func RetryNr(ctx context.Context) (int, bool) {
	v := baggage.FromContext(ctx).Member(BaggageRetryNr).Value()
	if v == "" {
		return 0, false
	}
	nr, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return nr, true
}
