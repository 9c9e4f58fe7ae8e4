// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrunner/services/runner/future"
	"github.com/AleutianAI/dagrunner/services/runner/result"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

const instrumentationName = "dagrunner.dag"

// DefaultWorkers is the pool size used when Options.Workers is zero.
const DefaultWorkers = 4

// Options configures a Scheduler.
type Options struct {
	// Workers bounds how many task bodies run at once. 0 means DefaultWorkers.
	Workers int

	// TracerProvider receives the pipeline spans. Nil reuses the provider
	// of the span found in the run context.
	TracerProvider trace.TracerProvider

	// MeterProvider receives scheduler metrics. Nil disables metrics.
	MeterProvider metric.MeterProvider

	// Logger for execution logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Attributes are recorded as "pipeline.<key>" on the execute-pipeline span.
	Attributes map[string]string
}

// Scheduler runs a Graph while respecting its edges.
//
// Description:
//
//	Run starts every task whose dependencies are complete, then waits for
//	any started task to settle. The wait is the only place the scheduling
//	goroutine blocks. Task bodies run on a bounded future.Pool.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent runs share the worker pool.
type Scheduler struct {
	pool           *future.Pool
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	logger         *slog.Logger
	attributes     map[string]string

	metricsOnce sync.Once
	metrics     *telemetry.Metrics
}

// NewScheduler creates a Scheduler.
//
// Outputs:
//
//	*Scheduler - The configured scheduler.
//	error - Non-nil if Workers is negative.
func NewScheduler(opts Options) (*Scheduler, error) {
	workers := opts.Workers
	if workers == 0 {
		workers = DefaultWorkers
	}
	pool, err := future.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := make(map[string]string, len(opts.Attributes))
	for k, v := range opts.Attributes {
		attrs[k] = v
	}

	return &Scheduler{
		pool:           pool,
		tracerProvider: opts.TracerProvider,
		meterProvider:  opts.MeterProvider,
		logger:         logger,
		attributes:     attrs,
	}, nil
}

// Workers returns the worker pool size.
func (s *Scheduler) Workers() int {
	return s.pool.Size()
}

// initMetrics lazily creates the scheduler metrics. Failure degrades to
// running without metrics.
func (s *Scheduler) initMetrics() {
	s.metricsOnce.Do(func() {
		if s.meterProvider == nil {
			return
		}
		m, err := telemetry.NewMetrics(s.meterProvider.Meter(instrumentationName))
		if err != nil {
			s.logger.Error("failed to initialize scheduler metrics (observability degraded)",
				slog.String("error", err.Error()),
			)
			return
		}
		s.metrics = m
	})
}

func (s *Scheduler) tracer(ctx context.Context) trace.Tracer {
	if s.tracerProvider != nil {
		return s.tracerProvider.Tracer(instrumentationName)
	}
	return telemetry.TracerFromContext(ctx, instrumentationName)
}

// Run executes every task of g.
//
// Description:
//
//	Fails before starting anything when a task was already started, when
//	no task is free of dependencies, or when g contains a cycle. Otherwise
//	every task runs exactly once and Run returns once all have completed.
//	A failing task does not stop the run.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil. Ending it cancels the
//	      running tasks on a best-effort basis and fails the run.
//	g - The graph to execute. Must not be nil.
//	input - Passed to every task without dependencies.
//
// Outputs:
//
//	map[TaskID]result.Result[any] - Every task's Result.
//	error - Non-nil if the run could not start or was interrupted.
func (s *Scheduler) Run(ctx context.Context, g *Graph, input any) (map[TaskID]result.Result[any], error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	return s.run(ctx, g, g.IDs(), input)
}

// StartAndAwait runs the part of g reachable from start and returns the
// Results of await in order.
//
// Outputs:
//
//	[]result.Result[any] - One Result per await entry.
//	error - ErrUnknownTask if an await task is not reachable from start,
//	        ErrUnreachableDependency if a reachable task waits on a task
//	        outside the reachable part, or any error Run can return.
func (s *Scheduler) StartAndAwait(
	ctx context.Context,
	g *Graph,
	start []TaskID,
	await []TaskID,
	input any,
) ([]result.Result[any], error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	members, err := g.Reachable(start...)
	if err != nil {
		return nil, err
	}

	reachable := make(map[TaskID]bool, len(members))
	for _, id := range members {
		reachable[id] = true
	}
	for _, id := range await {
		if !reachable[id] {
			return nil, fmt.Errorf("%w: task %d is not reachable from the start tasks", ErrUnknownTask, id)
		}
	}

	results, err := s.run(ctx, g, members, input)
	if err != nil {
		return nil, err
	}

	out := make([]result.Result[any], len(await))
	for i, id := range await {
		out[i] = results[id]
	}
	return out, nil
}

// runState is the bookkeeping of one run.
type runState struct {
	g       *Graph
	inSet   map[TaskID]bool
	pending map[TaskID]int
	running []TaskID
	started map[TaskID]time.Time
	results map[TaskID]result.Result[any]
}

func (s *Scheduler) run(ctx context.Context, g *Graph, members []TaskID, input any) (map[TaskID]result.Result[any], error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	st, roots, err := prepare(g, members)
	if err != nil {
		return nil, err
	}

	s.initMetrics()
	tracer := s.tracer(ctx)

	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, spans.NameExecutePipeline, trace.WithAttributes(s.pipelineAttributes(runID)...))
	defer span.End()

	begin := time.Now()
	s.logger.Info("pipeline started",
		slog.String("pipeline_run_id", runID),
		slog.Int("tasks", len(members)),
		slog.Int("workers", s.pool.Size()),
	)

	for _, id := range roots {
		if err := s.startTask(ctx, st, id, input); err != nil {
			s.abort(st)
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	for len(st.results) < len(members) {
		if len(st.running) == 0 {
			// Unreachable after validation; kept so a bug cannot hang the run.
			err := fmt.Errorf("%w: %d of %d tasks never became runnable",
				ErrNoRunnableTask, len(members)-len(st.results), len(members))
			telemetry.RecordError(span, err)
			return nil, err
		}

		waits := make([]future.Awaitable, len(st.running))
		for i, id := range st.running {
			waits[i] = g.tasks[id]
		}
		idx, err := future.WaitAny(ctx, waits...)
		if err != nil {
			s.abort(st)
			err = fmt.Errorf("pipeline interrupted: %w", err)
			telemetry.RecordError(span, err)
			s.logger.Warn("pipeline interrupted",
				slog.String("pipeline_run_id", runID),
				slog.String("error", err.Error()),
			)
			return nil, err
		}

		id := st.running[idx]
		st.running = append(st.running[:idx], st.running[idx+1:]...)
		s.complete(ctx, st, id)

		for _, next := range g.dependents[id] {
			if !st.inSet[next] {
				continue
			}
			st.pending[next]--
			if st.pending[next] == 0 {
				if err := s.startTask(ctx, st, next, st.inputFor(next, input)); err != nil {
					s.abort(st)
					telemetry.RecordError(span, err)
					return nil, err
				}
			}
		}
	}

	s.recordDependencies(ctx, tracer, st)

	failed := 0
	for _, r := range st.results {
		if !r.IsSuccess() {
			failed++
		}
	}
	status := "ok"
	if failed == 0 {
		telemetry.SetSpanOK(span)
	} else {
		status = "failure"
		telemetry.SetSpanError(span, fmt.Sprintf("%d of %d tasks failed", failed, len(members)))
	}

	duration := time.Since(begin)
	if s.metrics != nil {
		s.metrics.PipelinesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		s.metrics.PipelineDuration.Record(ctx, duration.Seconds())
	}
	s.logger.Info("pipeline completed",
		slog.String("pipeline_run_id", runID),
		slog.Duration("duration", duration),
		slog.Int("tasks", len(members)),
		slog.Int("failed", failed),
	)

	return st.results, nil
}

// prepare checks the preconditions of a run and returns its initial state
// and the tasks that can start immediately.
func prepare(g *Graph, members []TaskID) (*runState, []TaskID, error) {
	st := &runState{
		g:       g,
		inSet:   make(map[TaskID]bool, len(members)),
		pending: make(map[TaskID]int, len(members)),
		started: make(map[TaskID]time.Time, len(members)),
		results: make(map[TaskID]result.Result[any], len(members)),
	}
	for _, id := range members {
		st.inSet[id] = true
	}

	roots := make([]TaskID, 0)
	for _, id := range members {
		t := g.tasks[id]
		if t.HasStarted() {
			return nil, nil, fmt.Errorf("%w: %q", ErrAlreadyStarted, t.Name())
		}
		for _, dep := range g.deps[id] {
			if !st.inSet[dep] {
				return nil, nil, fmt.Errorf("%w: %q waits for %q",
					ErrUnreachableDependency, t.Name(), g.tasks[dep].Name())
			}
		}
		st.pending[id] = len(g.deps[id])
		if st.pending[id] == 0 {
			roots = append(roots, id)
		}
	}

	if len(members) > 0 && len(roots) == 0 {
		return nil, nil, ErrNoRunnableTask
	}
	if err := g.detectCycles(members); err != nil {
		return nil, nil, err
	}
	return st, roots, nil
}

func (st *runState) inputFor(id TaskID, input any) any {
	deps := st.g.deps[id]
	switch len(deps) {
	case 0:
		return input
	case 1:
		return st.results[deps[0]]
	default:
		in := make([]result.Result[any], len(deps))
		for i, dep := range deps {
			in[i] = st.results[dep]
		}
		return in
	}
}

func (s *Scheduler) startTask(ctx context.Context, st *runState, id TaskID, input any) error {
	t := st.g.tasks[id]
	if err := t.start(ctx, s.pool, input); err != nil {
		return err
	}
	st.running = append(st.running, id)
	st.started[id] = time.Now()

	if s.metrics != nil {
		s.metrics.ActiveTasks.Add(ctx, 1)
	}
	s.logger.Debug("task started",
		slog.Int("task", int(id)),
		slog.String("name", t.Name()),
	)
	return nil
}

func (s *Scheduler) complete(ctx context.Context, st *runState, id TaskID) {
	t := st.g.tasks[id]
	r, _ := t.Result()
	st.results[id] = r
	duration := time.Since(st.started[id])

	status := "ok"
	if !r.IsSuccess() {
		status = "failure"
		s.logger.Warn("task failed",
			slog.Int("task", int(id)),
			slog.String("name", t.Name()),
			slog.String("error", r.Error().Error()),
		)
	} else {
		s.logger.Debug("task completed",
			slog.Int("task", int(id)),
			slog.String("name", t.Name()),
			slog.Duration("duration", duration),
		)
	}

	if s.metrics != nil {
		s.metrics.ActiveTasks.Add(ctx, -1)
		s.metrics.TasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		s.metrics.TaskDuration.Record(ctx, duration.Seconds())
	}
}

// abort cancels every running task. Cancellation is best effort: a body
// that ignores its context keeps running in the background and holds its
// pool slot until it returns.
func (s *Scheduler) abort(st *runState) {
	for _, id := range st.running {
		st.g.tasks[id].cancel()
	}
}

// recordDependencies emits one task-dependency span per edge of the run
// whose two tasks announced a span through BindSpan.
func (s *Scheduler) recordDependencies(ctx context.Context, tracer trace.Tracer, st *runState) {
	for _, e := range st.g.edges {
		if !st.inSet[e.From] || !st.inSet[e.To] {
			continue
		}
		from, to := st.g.tasks[e.From].SpanID(), st.g.tasks[e.To].SpanID()
		if from == "" || to == "" {
			continue
		}
		_, span := tracer.Start(ctx, spans.NameTaskDependency, trace.WithAttributes(
			attribute.String(spans.AttrFromTaskSpanID, from),
			attribute.String(spans.AttrToTaskSpanID, to),
		))
		telemetry.SetSpanOK(span)
		span.End()
	}
}

func (s *Scheduler) pipelineAttributes(runID string) []attribute.KeyValue {
	keys := make([]string, 0, len(s.attributes))
	for k := range s.attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys)+1)
	attrs = append(attrs, attribute.String(spans.AttrPipelineRunID, runID))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(spans.AttrPipelinePrefix+k, s.attributes[k]))
	}
	return attrs
}
