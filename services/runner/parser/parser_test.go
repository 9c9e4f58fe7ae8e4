// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/dagrunner/services/runner/dag"
	"github.com/AleutianAI/dagrunner/services/runner/logdata"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
	"github.com/AleutianAI/dagrunner/services/runner/tasks"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

// traceBuilder hand-builds span sets. Every new span starts 1ms after the
// previous one and ends in reverse order, so later spans nest in time.
type traceBuilder struct {
	n    int
	base time.Time
}

func newTraceBuilder() *traceBuilder {
	return &traceBuilder{base: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (b *traceBuilder) span(name, parent string, status spans.StatusCode, attrs spans.Attributes) spans.Span {
	b.n++
	if attrs == nil {
		attrs = spans.Attributes{}
	}
	return spans.Span{
		Context: spans.SpanContext{
			SpanID:  fmt.Sprintf("0x%016x", b.n),
			TraceID: "0x0000000000000000000000000000beef",
		},
		ParentID:   parent,
		Name:       name,
		Kind:       "SpanKind.INTERNAL",
		StartTime:  b.base.Add(time.Duration(b.n) * time.Millisecond),
		EndTime:    b.base.Add(time.Hour - time.Duration(b.n)*time.Millisecond),
		Status:     spans.Status{Code: status},
		Attributes: attrs,
	}
}

func (b *traceBuilder) value(spanName, parent, name string, c logdata.Content) spans.Span {
	enc, encoded, err := logdata.Encode(c)
	if err != nil {
		panic(err)
	}
	return b.span(spanName, parent, spans.StatusOK, spans.Attributes{
		logdata.AttrName:     name,
		logdata.AttrType:     string(c.Type()),
		logdata.AttrEncoding: string(enc),
		logdata.AttrContent:  encoded,
	})
}

func TestParse_EndToEnd(t *testing.T) {
	p := telemetry.NewTestProviders()
	sched, err := dag.NewScheduler(dag.Options{
		Workers:        2,
		TracerProvider: p.TracerProvider,
		Attributes:     map[string]string{"env": "test"},
	})
	require.NoError(t, err)

	g := dag.NewGraph()
	ingest := tasks.Add(g, tasks.Options{ID: "ingest"}, func(ctx context.Context, _ any) (any, error) {
		if err := logdata.LogValue(ctx, "rows", logdata.Int(3)); err != nil {
			return nil, err
		}
		if err := logdata.LogArtifact(ctx, "out.txt", logdata.Text("hello")); err != nil {
			return nil, err
		}
		return 3, nil
	})
	train := tasks.Add(g, tasks.Options{ID: "train", MaxRetries: 2, Timeout: 5 * time.Second, Tags: map[string]string{"model": "m1"}},
		func(ctx context.Context, _ any) (any, error) {
			nr, _ := tasks.RetryNr(ctx)
			if nr == 0 {
				if err := logdata.LogValue(ctx, "loss", logdata.Float(0.5)); err != nil {
					return nil, err
				}
				return nil, errors.New("diverged")
			}
			if err := logdata.LogValue(ctx, "final_loss", logdata.Float(0.25)); err != nil {
				return nil, err
			}
			return "model", nil
		})
	require.NoError(t, g.Depend(ingest, train))

	_, err = sched.Run(context.Background(), g, nil)
	require.NoError(t, err)

	recorded := p.Recorder.Spans()
	summary, err := Parse(recorded)
	require.NoError(t, err)

	pipelineSpan := recorded.FilterName(spans.NameExecutePipeline)[0]
	assert.Equal(t, pipelineSpan.ID(), summary.SpanID)
	assert.Equal(t, pipelineSpan.Timing(), summary.Timing)
	assert.Equal(t, "test", summary.Attributes["pipeline.env"])
	assert.Contains(t, summary.Attributes, spans.AttrPipelineRunID)
	assert.True(t, summary.IsSuccess())

	require.Len(t, summary.TaskRuns, 2)
	ing, trn := summary.TaskRuns[0], summary.TaskRuns[1]
	assert.Equal(t, "ingest", ing.TaskID)
	assert.Equal(t, "train", trn.TaskID)
	assert.Equal(t, summary.SpanID, ing.ParentSpanID)
	assert.Equal(t, []Dependency{{From: ing.SpanID, To: trn.SpanID}}, summary.TaskDependencies)

	assert.Equal(t, "test", ing.Attributes["pipeline.env"])
	assert.Equal(t, logdata.Int(3), ing.LoggedValues["rows"].Content)
	require.Contains(t, ing.LoggedArtifacts, "out.txt")
	assert.Equal(t, []byte("hello"), ing.LoggedArtifacts["out.txt"].Bytes())
	assert.Empty(t, ing.Exceptions)

	assert.Equal(t, "m1", trn.Attributes["task.tags.model"])
	assert.True(t, trn.IsSuccess(), "the last attempt succeeded")
	assert.Len(t, trn.Exceptions, 1, "the failed attempt left one exception")
	assert.Equal(t, logdata.Float(0.5), trn.LoggedValues["loss"].Content)
	assert.Equal(t, logdata.Float(0.25), trn.LoggedValues["final_loss"].Content)

	require.Len(t, trn.Runs, 2)
	assert.False(t, trn.Runs[0].IsSuccess())
	assert.Equal(t, int64(0), trn.Runs[0].RetryNr)
	assert.Equal(t, logdata.Float(0.5), trn.Runs[0].LoggedValues["loss"].Content)
	require.Len(t, trn.Runs[0].Exceptions, 1)
	assert.Equal(t, "diverged", trn.Runs[0].Exceptions[0].Attributes[telemetry.AttrExceptionMessage])

	assert.True(t, trn.Runs[1].IsSuccess())
	assert.Equal(t, int64(1), trn.Runs[1].RetryNr)
	assert.NotEqual(t, trn.Runs[0].RunID, trn.Runs[1].RunID)
	assert.Equal(t, "train", trn.Runs[1].Attributes[spans.AttrTaskID])
	assert.Equal(t, int64(1), trn.Runs[1].Attributes[spans.AttrRunRetryNr])

	data, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"is_success":true`)

	// A trace file yields the same attribute types as the live recording.
	assert.Equal(t, 5.0, trn.Attributes[tasks.AttrTaskTimeoutS])
	raw, err := spans.Marshal(recorded)
	require.NoError(t, err)
	reloaded, err := spans.Unmarshal(raw)
	require.NoError(t, err)
	again, err := Parse(reloaded)
	require.NoError(t, err)
	require.Len(t, again.TaskRuns, 2)
	assert.Equal(t, trn.Attributes, again.TaskRuns[1].Attributes)
	assert.Equal(t, trn.Runs[1].Attributes, again.TaskRuns[1].Runs[1].Attributes)
	assert.Contains(t, string(data), `"out.txt":{"type":"utf-8","size":5}`)
	assert.Contains(t, string(data), `"rows":{"type":"int","value":3}`)
}

func TestParse_ThroughTraceFile(t *testing.T) {
	b := newTraceBuilder()
	pipeline := b.span(spans.NameExecutePipeline, "", spans.StatusOK, spans.Attributes{
		spans.AttrPipelineRunID: "run-1",
		"pipeline.owner":        "ops",
	})
	task := b.span(spans.NameExecuteTask, pipeline.ID(), spans.StatusOK, spans.Attributes{
		spans.AttrTaskID:      "t",
		"task.max_nr_retries": int64(1),
	})
	run := b.span(spans.NameTaskRun, task.ID(), spans.StatusOK, spans.Attributes{spans.AttrRunRetryNr: int64(0)})
	val := b.value(spans.NameNamedValue, run.ID(), "answer", logdata.Int(42))

	path := t.TempDir() + "/spans.json"
	require.NoError(t, spans.WriteFile(path, spans.Spans{val, run, task, pipeline}))
	loaded, err := spans.ReadFile(path)
	require.NoError(t, err)

	summary, err := Parse(loaded)
	require.NoError(t, err)
	require.Len(t, summary.TaskRuns, 1)
	assert.Equal(t, int64(1), summary.TaskRuns[0].Attributes["task.max_nr_retries"])
	assert.Equal(t, "ops", summary.TaskRuns[0].Attributes["pipeline.owner"])
	assert.Equal(t, logdata.Int(42), summary.TaskRuns[0].Runs[0].LoggedValues["answer"].Content)
}

func TestParse_DuplicateLoggedValue(t *testing.T) {
	b := newTraceBuilder()
	task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
	run := b.span(spans.NameTaskRun, task.ID(), spans.StatusOK, nil)
	ss := spans.Spans{
		task, run,
		b.value(spans.NameNamedValue, run.ID(), "x", logdata.Int(1)),
		b.value(spans.NameNamedValue, run.ID(), "x", logdata.Int(2)),
	}

	_, err := Parse(ss)
	assert.ErrorIs(t, err, ErrDuplicateLoggedValue)
}

func TestParse_SameNameAcrossRuns(t *testing.T) {
	b := newTraceBuilder()
	task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
	run0 := b.span(spans.NameTaskRun, task.ID(), spans.StatusError, spans.Attributes{spans.AttrRunRetryNr: int64(0)})
	v0 := b.value(spans.NameNamedValue, run0.ID(), "x", logdata.Int(1))
	run1 := b.span(spans.NameTaskRun, task.ID(), spans.StatusOK, spans.Attributes{spans.AttrRunRetryNr: int64(1)})
	v1 := b.value(spans.NameNamedValue, run1.ID(), "x", logdata.Int(2))

	_, err := Parse(spans.Spans{task, run0, v0, run1, v1})
	assert.ErrorIs(t, err, ErrDuplicateLoggedValue)
}

func TestParse_SameNameInRunAndTask(t *testing.T) {
	b := newTraceBuilder()
	task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
	run := b.span(spans.NameTaskRun, task.ID(), spans.StatusOK, spans.Attributes{spans.AttrRunRetryNr: int64(0)})
	inRun := b.value(spans.NameNamedValue, run.ID(), "x", logdata.Int(1))
	loose := b.value(spans.NameNamedValue, task.ID(), "x", logdata.Int(3))

	_, err := Parse(spans.Spans{task, run, inRun, loose})
	assert.ErrorIs(t, err, ErrDuplicateLoggedValue)
}

func TestParse_DistinctNamesAcrossRuns(t *testing.T) {
	b := newTraceBuilder()
	task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
	run0 := b.span(spans.NameTaskRun, task.ID(), spans.StatusError, spans.Attributes{spans.AttrRunRetryNr: int64(0)})
	v0 := b.value(spans.NameNamedValue, run0.ID(), "x", logdata.Int(1))
	run1 := b.span(spans.NameTaskRun, task.ID(), spans.StatusOK, spans.Attributes{spans.AttrRunRetryNr: int64(1)})
	v1 := b.value(spans.NameNamedValue, run1.ID(), "y", logdata.Int(2))
	loose := b.value(spans.NameNamedValue, task.ID(), "z", logdata.Int(3))

	summary, err := Parse(spans.Spans{task, run0, v0, run1, v1, loose})
	require.NoError(t, err)
	values := summary.TaskRuns[0].LoggedValues
	assert.Len(t, values, 3)
	assert.Equal(t, logdata.Int(1), values["x"].Content)
	assert.Equal(t, logdata.Int(2), values["y"].Content)
	assert.Equal(t, logdata.Int(3), values["z"].Content)
}

func TestParse_IgnoresFailedLogSpans(t *testing.T) {
	b := newTraceBuilder()
	task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
	failed := b.value(spans.NameNamedValue, task.ID(), "x", logdata.Int(1))
	failed.Status = spans.Status{Code: spans.StatusError, Description: "Failure"}

	summary, err := Parse(spans.Spans{task, failed})
	require.NoError(t, err)
	assert.Empty(t, summary.TaskRuns[0].LoggedValues)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *traceBuilder) spans.Spans
		is    error
	}{
		{
			name: "span id without prefix",
			build: func(b *traceBuilder) spans.Spans {
				s := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
				s.Context.SpanID = strings.TrimPrefix(s.Context.SpanID, "0x")
				return spans.Spans{s}
			},
			is: ErrMalformedTrace,
		},
		{
			name: "missing task id",
			build: func(b *traceBuilder) spans.Spans {
				return spans.Spans{b.span(spans.NameExecuteTask, "", spans.StatusOK, nil)}
			},
			is: ErrMalformedTrace,
		},
		{
			name: "orphan task run",
			build: func(b *traceBuilder) spans.Spans {
				return spans.Spans{b.span(spans.NameTaskRun, "", spans.StatusOK, nil)}
			},
			is: ErrMalformedTrace,
		},
		{
			name: "extra named value attribute",
			build: func(b *traceBuilder) spans.Spans {
				task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
				v := b.value(spans.NameNamedValue, task.ID(), "x", logdata.Int(1))
				v.Attributes["extra"] = "y"
				return spans.Spans{task, v}
			},
			is: ErrMalformedTrace,
		},
		{
			name: "unknown type tag",
			build: func(b *traceBuilder) spans.Spans {
				task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
				v := b.value(spans.NameNamedValue, task.ID(), "x", logdata.Int(1))
				v.Attributes[logdata.AttrType] = "complex"
				return spans.Spans{task, v}
			},
			is: logdata.ErrUnknownType,
		},
		{
			name: "float artifact",
			build: func(b *traceBuilder) spans.Spans {
				task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
				return spans.Spans{task, b.value(spans.NameArtifact, task.ID(), "a", logdata.Float(1))}
			},
			is: logdata.ErrNotArtifact,
		},
		{
			name: "dependency without ids",
			build: func(b *traceBuilder) spans.Spans {
				return spans.Spans{b.span(spans.NameTaskDependency, "", spans.StatusOK, nil)}
			},
			is: ErrMalformedTrace,
		},
		{
			name: "duplicate span id",
			build: func(b *traceBuilder) spans.Spans {
				s := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "t"})
				return spans.Spans{s, s}
			},
			is: ErrMalformedTrace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.build(newTraceBuilder()))
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestParse_PipelineIDFallbacks(t *testing.T) {
	t.Run("run id", func(t *testing.T) {
		b := newTraceBuilder()
		task := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{
			spans.AttrTaskID:        "t",
			spans.AttrPipelineRunID: "abc",
		})
		summary, err := Parse(spans.Spans{task})
		require.NoError(t, err)
		assert.Equal(t, "abc", summary.SpanID)
		assert.Equal(t, "abc", summary.TaskRuns[0].ParentSpanID)
	})

	t.Run("deterministic hash", func(t *testing.T) {
		b := newTraceBuilder()
		a := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "a"})
		c := b.span(spans.NameExecuteTask, "", spans.StatusOK, spans.Attributes{spans.AttrTaskID: "c"})

		s1, err := Parse(spans.Spans{a, c})
		require.NoError(t, err)
		s2, err := Parse(spans.Spans{c, a})
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(s1.SpanID, NoTopSpanPrefix))
		assert.Equal(t, s1.SpanID, s2.SpanID)
		assert.Equal(t, spans.Timing{Start: a.StartTime, End: a.EndTime}, s1.Timing)
	})
}

func TestParse_UnsetStatusFallsBackToExceptions(t *testing.T) {
	b := newTraceBuilder()
	task := b.span(spans.NameExecuteTask, "", spans.StatusUnset, spans.Attributes{spans.AttrTaskID: "t"})
	call := b.span(spans.NameCallFunction, task.ID(), spans.StatusUnset, nil)
	call.Events = []spans.Event{{Name: spans.EventException, Timestamp: call.StartTime, Attributes: spans.Attributes{}}}

	summary, err := Parse(spans.Spans{task, call})
	require.NoError(t, err)
	assert.False(t, summary.TaskRuns[0].IsSuccess())
	assert.False(t, summary.IsSuccess())
}

func TestParse_Empty(t *testing.T) {
	summary, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, summary.TaskRuns)
	assert.Empty(t, summary.TaskDependencies)
	assert.True(t, summary.IsSuccess())
}

// TestParse_OrderIndependent checks that Parse is deterministic and does
// not depend on the order spans are given in.
func TestParse_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := newTraceBuilder()
		pipeline := b.span(spans.NameExecutePipeline, "", spans.StatusOK, spans.Attributes{
			spans.AttrPipelineRunID: "run",
		})
		ss := spans.Spans{pipeline}

		nTasks := rapid.IntRange(0, 4).Draw(rt, "tasks")
		var taskIDs []string
		for i := 0; i < nTasks; i++ {
			task := b.span(spans.NameExecuteTask, pipeline.ID(), spans.StatusOK, spans.Attributes{
				spans.AttrTaskID: fmt.Sprintf("task-%d", i),
				"task.tags.k":    rapid.StringMatching(`[a-z]{0,3}`).Draw(rt, "tag"),
			})
			ss = append(ss, task)
			taskIDs = append(taskIDs, task.ID())

			nRuns := rapid.IntRange(0, 3).Draw(rt, "runs")
			for r := 0; r < nRuns; r++ {
				status := spans.StatusOK
				if rapid.Bool().Draw(rt, "failed") {
					status = spans.StatusError
				}
				run := b.span(spans.NameTaskRun, task.ID(), status, spans.Attributes{spans.AttrRunRetryNr: int64(r)})
				ss = append(ss, run)
				nValues := rapid.IntRange(0, 3).Draw(rt, "values")
				for v := 0; v < nValues; v++ {
					c := logdata.Int(rapid.Int64().Draw(rt, "value"))
					ss = append(ss, b.value(spans.NameNamedValue, run.ID(), fmt.Sprintf("r%d-v%d", r, v), c))
				}
			}
		}
		for i := 1; i < len(taskIDs); i++ {
			ss = append(ss, b.span(spans.NameTaskDependency, pipeline.ID(), spans.StatusOK, spans.Attributes{
				spans.AttrFromTaskSpanID: taskIDs[i-1],
				spans.AttrToTaskSpanID:   taskIDs[i],
			}))
		}

		perm := rapid.Permutation(ss).Draw(rt, "order")

		want, err := Parse(ss)
		require.NoError(rt, err)
		again, err := Parse(ss)
		require.NoError(rt, err)
		got, err := Parse(perm)
		require.NoError(rt, err)

		assert.Equal(rt, want, again)
		assert.Equal(rt, want, got)
		assert.Len(rt, want.TaskRuns, nTasks)
		assert.Len(rt, want.TaskDependencies, max(nTasks-1, 0))
	})
}
