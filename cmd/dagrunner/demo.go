// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/dagrunner/services/runner/dag"
	"github.com/AleutianAI/dagrunner/services/runner/logdata"
	"github.com/AleutianAI/dagrunner/services/runner/result"
	"github.com/AleutianAI/dagrunner/services/runner/tasks"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

// demoPipeline is the built-in example graph:
//
//	f -> g -> h ----------------\
//	f1 --\                       \
//	      fan-in ---------------- collect
//	f2 --/                       /
//	flaky (timeout, failure, ok)/
type demoPipeline struct {
	graph   *dag.Graph
	collect dag.TaskID
}

// newDemoPipeline builds the demo graph. unit scales every sleep and the
// flaky task's timeout.
func newDemoPipeline(unit time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) (*demoPipeline, error) {
	g := dag.NewGraph()
	opts := func(id string, tags map[string]string) tasks.Options {
		return tasks.Options{ID: id, Tags: tags, Metrics: metrics, Logger: logger}
	}

	f := tasks.Add(g, opts("f", map[string]string{"stage": "sequence"}), func(ctx context.Context, _ any) (any, error) {
		return 43, logdata.LogValue(ctx, "value", logdata.Int(43))
	})
	gTask := tasks.Add(g, opts("g", map[string]string{"stage": "sequence"}), addOne)
	h := tasks.Add(g, opts("h", map[string]string{"stage": "sequence"}), addOne)

	f1 := tasks.Add(g, opts("f1", map[string]string{"stage": "fan-in"}), sleepThen(unit, 143))
	f2 := tasks.Add(g, opts("f2", map[string]string{"stage": "fan-in"}), sleepThen(2*unit, 144))
	fanIn := tasks.Add(g, opts("fan-in", map[string]string{"stage": "fan-in"}), func(_ context.Context, in any) (any, error) {
		inputs, ok := in.([]result.Result[any])
		if !ok || len(inputs) != 2 {
			return nil, fmt.Errorf("fan-in expects two inputs, got %T", in)
		}
		for _, r := range inputs {
			if !r.IsSuccess() {
				return nil, fmt.Errorf("upstream failed: %w", r.Error())
			}
		}
		return 145, nil
	})

	flakyOpts := opts("flaky", map[string]string{"stage": "retry"})
	flakyOpts.MaxRetries = 3
	flakyOpts.Timeout = 2 * unit
	flaky := tasks.Add(g, flakyOpts, func(ctx context.Context, _ any) (any, error) {
		nr, _ := tasks.RetryNr(ctx)
		switch nr {
		case 0:
			<-ctx.Done()
			return nil, ctx.Err()
		case 1:
			return nil, errors.New("transient failure")
		default:
			if err := logdata.LogArtifact(ctx, "report.txt", logdata.Text("flaky succeeded on attempt 2\n")); err != nil {
				return nil, err
			}
			return 123, nil
		}
	})

	collect := tasks.Add(g, opts("collect", nil), func(ctx context.Context, in any) (any, error) {
		inputs, ok := in.([]result.Result[any])
		if !ok {
			return nil, fmt.Errorf("collect expects a list of inputs, got %T", in)
		}
		values := make([]any, len(inputs))
		for i, r := range inputs {
			v, err := r.Get()
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			values[i] = v
		}
		content, err := logdata.JSONOf(values)
		if err != nil {
			return nil, err
		}
		return values, logdata.LogValue(ctx, "inputs", content)
	})

	edges := []dag.Edge{
		{From: f, To: gTask}, {From: gTask, To: h},
		{From: f1, To: fanIn}, {From: f2, To: fanIn},
		{From: h, To: collect}, {From: fanIn, To: collect}, {From: flaky, To: collect},
	}
	for _, e := range edges {
		if err := g.Depend(e.From, e.To); err != nil {
			return nil, err
		}
	}
	return &demoPipeline{graph: g, collect: collect}, nil
}

func addOne(_ context.Context, in any) (any, error) {
	r, ok := in.(result.Result[any])
	if !ok {
		return nil, fmt.Errorf("expected one input, got %T", in)
	}
	v, err := r.Get()
	if err != nil {
		return nil, err
	}
	n, ok := v.(int)
	if !ok {
		return nil, fmt.Errorf("expected an int, got %T", v)
	}
	return n + 1, nil
}

func sleepThen(d time.Duration, v int) dag.TaskFunc {
	return func(ctx context.Context, _ any) (any, error) {
		select {
		case <-time.After(d):
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
