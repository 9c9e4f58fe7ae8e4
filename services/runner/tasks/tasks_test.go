// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dagrunner/services/runner/dag"
	"github.com/AleutianAI/dagrunner/services/runner/result"
	"github.com/AleutianAI/dagrunner/services/runner/retry"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

func newScheduler(t *testing.T, p *telemetry.Providers, workers int) *dag.Scheduler {
	t.Helper()
	s, err := dag.NewScheduler(dag.Options{Workers: workers, TracerProvider: p.TracerProvider})
	require.NoError(t, err)
	return s
}

// hang blocks until the test ends, ignoring its context.
func hang(t *testing.T) func() {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return func() { <-release }
}

func taskSpanByTag(t *testing.T, recorded spans.Spans, value string) spans.Span {
	t.Helper()
	matches := recorded.FilterName(spans.NameExecuteTask).Filter(func(s spans.Span) bool {
		v, _ := s.Attributes.String(AttrTaskTagsPrefix + "foo")
		return v == value
	})
	require.Len(t, matches, 1, "task span tagged %q", value)
	return matches[0]
}

func dependencyPairs(recorded spans.Spans) map[[2]string]bool {
	out := map[[2]string]bool{}
	for _, d := range recorded.FilterName(spans.NameTaskDependency) {
		from, _ := d.Attributes.String(spans.AttrFromTaskSpanID)
		to, _ := d.Attributes.String(spans.AttrToTaskSpanID)
		out[[2]string{from, to}] = true
	}
	return out
}

func TestTasks_RunThreeInSequence(t *testing.T) {
	p := telemetry.NewTestProviders()
	g := dag.NewGraph()

	f := Add(g, Options{ID: "f", Tags: map[string]string{"foo": "f"}}, func(context.Context, any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return 43, nil
	})
	inc := func(_ context.Context, in any) (any, error) {
		r := in.(result.Result[any])
		if !r.IsSuccess() {
			return nil, r.Error()
		}
		return r.Value().(int) + 1, nil
	}
	gg := Add(g, Options{ID: "g", Tags: map[string]string{"foo": "g"}}, inc)
	h := Add(g, Options{ID: "h", Tags: map[string]string{"foo": "h"}}, inc)
	require.NoError(t, g.RunInSequence(f, gg, h))

	out, err := newScheduler(t, p, 2).StartAndAwait(context.Background(), g, []dag.TaskID{f}, []dag.TaskID{h}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 45, out[0].Value())

	recorded := p.Recorder.Spans()
	deps := recorded.FilterName(spans.NameTaskDependency)
	require.Len(t, deps, 2)
	for _, d := range deps {
		for _, k := range []string{spans.AttrFromTaskSpanID, spans.AttrToTaskSpanID} {
			id, _ := d.Attributes.String(k)
			assert.True(t, recorded.ContainsID(id), "%s %s references a recorded span", k, id)
		}
	}

	spanF := taskSpanByTag(t, recorded, "f").ID()
	spanG := taskSpanByTag(t, recorded, "g").ID()
	spanH := taskSpanByTag(t, recorded, "h").ID()
	assert.Equal(t, map[[2]string]bool{
		{spanF, spanG}: true,
		{spanG, spanH}: true,
	}, dependencyPairs(recorded))
}

func TestTasks_FanIn(t *testing.T) {
	p := telemetry.NewTestProviders()
	g := dag.NewGraph()

	f1 := Add(g, Options{ID: "f1", Tags: map[string]string{"foo": "f1"}}, func(context.Context, any) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return 143, nil
	})
	f2 := Add(g, Options{ID: "f2", Tags: map[string]string{"foo": "f2"}}, func(context.Context, any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return 144, nil
	})
	join := Add(g, Options{ID: "fan_in", Tags: map[string]string{"foo": "fan_in"}}, func(_ context.Context, in any) (any, error) {
		rs, ok := in.([]result.Result[any])
		if !ok || len(rs) != 2 {
			return nil, errors.New("expected two inputs")
		}
		for _, r := range rs {
			if !r.IsSuccess() {
				return nil, r.Error()
			}
		}
		return 145, nil
	})
	require.NoError(t, g.FanIn([]dag.TaskID{f1, f2}, join))

	out, err := newScheduler(t, p, 4).StartAndAwait(context.Background(), g, []dag.TaskID{f1, f2}, []dag.TaskID{join}, nil)
	require.NoError(t, err)
	assert.Equal(t, 145, out[0].Value())

	recorded := p.Recorder.Spans()
	spanJoin := taskSpanByTag(t, recorded, "fan_in").ID()
	assert.Equal(t, map[[2]string]bool{
		{taskSpanByTag(t, recorded, "f1").ID(), spanJoin}: true,
		{taskSpanByTag(t, recorded, "f2").ID(), spanJoin}: true,
	}, dependencyPairs(recorded))

	s1 := taskSpanByTag(t, recorded, "f1").Timing()
	s2 := taskSpanByTag(t, recorded, "f2").Timing()
	assert.True(t, s1.Overlaps(s2))
}

func TestTasks_ParallelWithFailure(t *testing.T) {
	p := telemetry.NewTestProviders()
	g := dag.NewGraph()
	check := func(v int, err error) dag.TaskFunc {
		return func(_ context.Context, in any) (any, error) {
			if in != 42 {
				return nil, errors.New("unexpected input")
			}
			if err != nil {
				return nil, err
			}
			return v, nil
		}
	}
	ids := []dag.TaskID{
		Add(g, Options{ID: "f1"}, check(1234, nil)),
		Add(g, Options{ID: "f2"}, check(0, errors.New("f2-exception"))),
		Add(g, Options{ID: "f3"}, check(123, nil)),
	}

	out, err := newScheduler(t, p, 3).StartAndAwait(context.Background(), g, ids, ids, 42)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, 1234, out[0].Value())
	assert.Nil(t, out[1].Value())
	assert.Contains(t, out[1].Error().Error(), "f2-exception")
	assert.Equal(t, 123, out[2].Value())

	recorded := p.Recorder.Spans()
	assert.Empty(t, recorded.FilterName(spans.NameTaskDependency))
	assert.Len(t, recorded.FilterName(spans.NameExecuteTask).FilterStatus(spans.StatusError), 1)
}

func TestTasks_Timeout(t *testing.T) {
	p := telemetry.NewTestProviders()
	g := dag.NewGraph()
	block := hang(t)

	id := Add(g, Options{ID: "stuck", Timeout: 100 * time.Millisecond}, func(context.Context, any) (any, error) {
		block()
		return 1, nil
	})

	results, err := newScheduler(t, p, 1).Run(context.Background(), g, nil)
	require.NoError(t, err)

	r := results[id]
	require.False(t, r.IsSuccess())
	assert.Contains(t, r.Error().Error(), "Timeout")
	assert.ErrorIs(t, r.Error(), retry.ErrTimeout)

	recorded := p.Recorder.Spans()
	taskSpan := recorded.FilterName(spans.NameExecuteTask)
	require.Len(t, taskSpan, 1)
	assert.Equal(t, spans.Status{Code: spans.StatusError, Description: retry.StatusTimeout}, taskSpan[0].Status)

	tree := spans.NewTree(recorded)
	under := tree.BoundUnder(taskSpan[0].ID())
	assert.Empty(t, under.FilterName(spans.NameCallFunction).FilterStatus(spans.StatusOK),
		"no success is recorded for the timed out attempt")
	assert.Len(t, under.FilterName(spans.NameTimeoutGuard).FilterStatus(spans.StatusError), 1)
}

func TestTasks_RetryTimeoutFailureSuccess(t *testing.T) {
	p := telemetry.NewTestProviders()
	g := dag.NewGraph()
	block := hang(t)

	t0 := Add(g, Options{ID: "t0", Timeout: 150 * time.Millisecond, MaxRetries: 3}, func(ctx context.Context, _ any) (any, error) {
		nr, ok := RetryNr(ctx)
		if !ok {
			return nil, errors.New("missing retry_nr")
		}
		switch nr {
		case 0:
			block()
			return nil, nil
		case 1:
			return nil, errors.New("BOOM!")
		default:
			return 123, nil
		}
	})
	t1 := Add(g, Options{ID: "t1"}, func(_ context.Context, in any) (any, error) {
		return in.(result.Result[any]).Value(), nil
	})
	require.NoError(t, g.Depend(t0, t1))

	results, err := newScheduler(t, p, 2).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, 123, results[t0].Value())
	assert.Equal(t, 123, results[t1].Value())

	recorded := p.Recorder.Spans()
	tree := spans.NewTree(recorded)
	t0Span := recorded.FilterName(spans.NameExecuteTask).Filter(func(s spans.Span) bool {
		v, _ := s.Attributes.String(spans.AttrTaskID)
		return v == "t0"
	})
	require.Len(t, t0Span, 1)
	assert.Equal(t, spans.StatusOK, t0Span[0].Status.Code)

	runs := tree.BoundUnder(t0Span[0].ID()).FilterName(spans.NameTaskRun).SortByStartTime()
	require.Len(t, runs, 3)

	wantStatus := []spans.Status{
		{Code: spans.StatusError, Description: retry.StatusTimeout},
		{Code: spans.StatusError, Description: retry.StatusFailure},
		{Code: spans.StatusOK},
	}
	runIDs := map[string]bool{}
	for i, run := range runs {
		assert.Equal(t, wantStatus[i], run.Status, "attempt %d", i)
		nr, ok := run.Attributes.Int(spans.AttrRunRetryNr)
		require.True(t, ok)
		assert.Equal(t, int64(i), nr)

		runID, ok := run.Attributes.String(spans.AttrRunID)
		require.True(t, ok)
		runIDs[runID] = true

		if i > 0 {
			assert.False(t, runs[i-1].Timing().Overlaps(run.Timing()), "attempts %d and %d overlap", i-1, i)
		}
	}
	assert.Len(t, runIDs, 3, "every attempt has its own run id")
	spanIDs := map[string]bool{}
	for _, id := range runs.IDs() {
		spanIDs[id] = true
	}
	assert.Len(t, spanIDs, 3)

	// t1 starts after the last attempt of t0 has finished.
	t1Span := recorded.FilterName(spans.NameExecuteTask).Filter(func(s spans.Span) bool {
		v, _ := s.Attributes.String(spans.AttrTaskID)
		return v == "t1"
	})
	require.Len(t, t1Span, 1)
	assert.False(t, t1Span[0].StartTime.Before(runs[2].EndTime))
}

func TestTasks_AllAttemptsFail(t *testing.T) {
	p := telemetry.NewTestProviders()
	g := dag.NewGraph()

	attempts := 0
	id := Add(g, Options{ID: "flaky", MaxRetries: 4}, func(ctx context.Context, _ any) (any, error) {
		attempts++
		nr, _ := RetryNr(ctx)
		return nil, errors.New("fail " + string(rune('0'+nr)))
	})

	results, err := newScheduler(t, p, 1).Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, attempts)
	assert.EqualError(t, results[id].Error(), "fail 3", "the task keeps its last attempt's Result")
	assert.Len(t, p.Recorder.Spans().FilterName(spans.NameTaskRun), 4)
}

func TestTasks_AttributesAndBaggage(t *testing.T) {
	p := telemetry.NewTestProviders()
	g := dag.NewGraph()

	var got map[string]string
	opts := Options{
		ID:      "t",
		Type:    "notebook",
		Timeout: 12300 * time.Millisecond,
		Tags:    map[string]string{"foo": "f", "bar": "b"},
	}
	id := Add(g, opts, func(ctx context.Context, _ any) (any, error) {
		got = Baggage(ctx)
		return 42, nil
	})

	results, err := newScheduler(t, p, 1).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, results[id].Value())

	assert.Equal(t, map[string]string{
		BaggageTimeoutS:   "12.3",
		BaggageRetryNr:    "0",
		BaggageMaxRetries: "1",
	}, got)

	span := p.Recorder.Spans().FilterName(spans.NameExecuteTask)[0]
	assert.Equal(t, spans.Attributes{
		spans.AttrTaskID:           "t",
		AttrTaskType:               "notebook",
		AttrTaskMaxRetries:         int64(1),
		AttrTaskTimeoutS:           12.3,
		AttrTaskTagsPrefix + "foo": "f",
		AttrTaskTagsPrefix + "bar": "b",
	}, span.Attributes)
}

func TestAdd_DefaultID(t *testing.T) {
	g := dag.NewGraph()
	Add(g, Options{ID: "first"}, func(context.Context, any) (any, error) { return nil, nil })
	id := Add(g, Options{}, func(context.Context, any) (any, error) { return nil, nil })
	assert.Equal(t, "task-1", g.Task(id).Name())
}

func TestTasks_InvalidRetryBudget(t *testing.T) {
	p := telemetry.NewTestProviders()
	g := dag.NewGraph()
	id := Add(g, Options{ID: "bad", MaxRetries: -1}, func(context.Context, any) (any, error) { return 1, nil })

	results, err := newScheduler(t, p, 1).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, results[id].Error(), retry.ErrInvalidRetries)
}
