// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parser rebuilds the provenance of a pipeline run from its spans.
//
// Parse turns a flat span set into a PipelineSummary: the pipeline, its
// tasks, every attempt of each task, and the values and artifacts logged
// during those attempts. Parse is pure; the same spans in any order give
// the same summary.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/dagrunner/services/runner/logdata"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

var (
	// ErrMalformedTrace is wrapped by every schema violation.
	ErrMalformedTrace = errors.New("malformed trace")

	// ErrDuplicateLoggedValue is returned when a name is logged twice in one task.
	ErrDuplicateLoggedValue = errors.New("named value has been logged multiple times")
)

// NoTopSpanPrefix starts the pipeline id of traces without a pipeline span
// or run id.
const NoTopSpanPrefix = "NO-TOP-SPAN--"

var namedValueKeys = []string{
	logdata.AttrContent,
	logdata.AttrEncoding,
	logdata.AttrName,
	logdata.AttrType,
}

// Parse builds the PipelineSummary of one pipeline run.
//
// Description:
//
//	Pipeline attributes are the "pipeline."-prefixed attributes of every
//	span. Each "execute-task" span becomes a TaskRunSummary, ordered by
//	start time, whose attributes add the "task."-prefixed attributes of
//	its subtree. Each "task-run" span beneath it becomes a RunSummary.
//	Only OK "named-value" and "artefact" spans are collected.
//
// Inputs:
//
//	ss - Every span recorded for the run, in any order.
//
// Outputs:
//
//	*PipelineSummary - The rebuilt summary.
//	error - Wraps ErrMalformedTrace, ErrDuplicateLoggedValue or a logdata
//	        decoding error.
func Parse(ss spans.Spans) (*PipelineSummary, error) {
	if err := validateIDs(ss); err != nil {
		return nil, err
	}
	ss = ss.SortByStartTime()
	tree := spans.NewTree(ss)

	if err := validateRuns(tree, ss); err != nil {
		return nil, err
	}

	deps, err := dependencies(ss)
	if err != nil {
		return nil, err
	}

	pipelineAttrs := ss.Attributes(spans.AttrPipelinePrefix)
	top, hasTop := topSpan(tree, ss)

	summary := &PipelineSummary{
		SpanID:           pipelineID(top, hasTop, pipelineAttrs, ss),
		Timing:           ss.Timing(),
		Attributes:       pipelineAttrs,
		TaskRuns:         []TaskRunSummary{},
		TaskDependencies: deps,
	}
	if hasTop {
		summary.Timing = top.Timing()
	}

	for _, taskSpan := range ss.FilterName(spans.NameExecuteTask) {
		task, err := parseTask(tree, taskSpan, pipelineAttrs, summary.SpanID)
		if err != nil {
			return nil, err
		}
		summary.TaskRuns = append(summary.TaskRuns, task)
	}
	return summary, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedTrace, fmt.Sprintf(format, args...))
}

func validateIDs(ss spans.Spans) error {
	seen := make(map[string]bool, len(ss))
	for _, s := range ss {
		id := s.ID()
		if !strings.HasPrefix(id, spans.IDPrefix) {
			return malformed("span id %q does not start with %s", id, spans.IDPrefix)
		}
		if s.ParentID != "" && !strings.HasPrefix(s.ParentID, spans.IDPrefix) {
			return malformed("parent id %q of span %s does not start with %s", s.ParentID, id, spans.IDPrefix)
		}
		if seen[id] {
			return malformed("span id %s appears twice", id)
		}
		seen[id] = true
	}
	return nil
}

// validateRuns checks that every task-run span has exactly one enclosing
// execute-task span.
func validateRuns(tree *spans.Tree, ss spans.Spans) error {
	for _, run := range ss.FilterName(spans.NameTaskRun) {
		n := len(tree.Ancestors(run.ID()).FilterName(spans.NameExecuteTask))
		if n != 1 {
			return malformed("task-run span %s has %d enclosing execute-task spans", run.ID(), n)
		}
	}
	return nil
}

func dependencies(ss spans.Spans) ([]Dependency, error) {
	seen := map[Dependency]bool{}
	out := []Dependency{}
	for _, s := range ss.FilterName(spans.NameTaskDependency) {
		from, ok1 := s.Attributes.String(spans.AttrFromTaskSpanID)
		to, ok2 := s.Attributes.String(spans.AttrToTaskSpanID)
		if !ok1 || !ok2 {
			return nil, malformed("task-dependency span %s lacks %s or %s",
				s.ID(), spans.AttrFromTaskSpanID, spans.AttrToTaskSpanID)
		}
		d := Dependency{From: from, To: to}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, nil
}

// topSpan returns the earliest execute-pipeline span not nested in another.
func topSpan(tree *spans.Tree, ss spans.Spans) (spans.Span, bool) {
	for _, s := range ss.FilterName(spans.NameExecutePipeline) {
		if len(tree.Ancestors(s.ID()).FilterName(spans.NameExecutePipeline)) == 0 {
			return s, true
		}
	}
	return spans.Span{}, false
}

// pipelineID prefers the pipeline span, then the recorded run id. Without
// either the id is derived from the span ids so it stays deterministic.
func pipelineID(top spans.Span, hasTop bool, attrs spans.Attributes, ss spans.Spans) string {
	if hasTop {
		return top.ID()
	}
	if runID, ok := attrs.String(spans.AttrPipelineRunID); ok && runID != "" {
		return runID
	}

	ids := ss.IDs()
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return NoTopSpanPrefix + hex.EncodeToString(h.Sum(nil))[:16]
}

func parseTask(tree *spans.Tree, taskSpan spans.Span, pipelineAttrs spans.Attributes, parentID string) (TaskRunSummary, error) {
	subtree := tree.BoundInclusive(taskSpan.ID())
	attrs := pipelineAttrs.Merge(subtree.Attributes(spans.AttrTaskPrefix))

	taskID, ok := attrs.String(spans.AttrTaskID)
	if !ok || taskID == "" {
		return TaskRunSummary{}, malformed("execute-task span %s has no %s attribute", taskSpan.ID(), spans.AttrTaskID)
	}

	task := TaskRunSummary{
		SpanID:          taskSpan.ID(),
		ParentSpanID:    parentID,
		TaskID:          taskID,
		Status:          taskSpan.Status,
		Timing:          taskSpan.Timing(),
		Exceptions:      exceptions(subtree),
		Attributes:      attrs,
		LoggedValues:    map[string]LoggedValueContent{},
		LoggedArtifacts: map[string]ArtifactContent{},
		Runs:            []RunSummary{},
	}

	under := tree.BoundUnder(taskSpan.ID()).SortByStartTime()
	inRun := map[string]bool{}

	for _, runSpan := range under.FilterName(spans.NameTaskRun) {
		run, err := parseRun(tree, runSpan, attrs)
		if err != nil {
			return TaskRunSummary{}, fmt.Errorf("task %q: %w", taskID, err)
		}
		for _, id := range tree.BoundUnder(runSpan.ID()).IDs() {
			inRun[id] = true
		}
		task.Runs = append(task.Runs, run)
	}

	// Values logged outside any run belong to the task alone.
	loose := under.Filter(func(s spans.Span) bool { return !inRun[s.ID()] })
	values, err := loggedValues(loose)
	if err != nil {
		return TaskRunSummary{}, fmt.Errorf("task %q: %w", taskID, err)
	}
	artifacts, err := loggedArtifacts(loose)
	if err != nil {
		return TaskRunSummary{}, fmt.Errorf("task %q: %w", taskID, err)
	}

	// A value name is unique across the whole task, runs included.
	for _, run := range task.Runs {
		if err := mergeValues(task.LoggedValues, run.LoggedValues); err != nil {
			return TaskRunSummary{}, fmt.Errorf("task %q: %w", taskID, err)
		}
		for k, v := range run.LoggedArtifacts {
			task.LoggedArtifacts[k] = v
		}
	}
	if err := mergeValues(task.LoggedValues, values); err != nil {
		return TaskRunSummary{}, fmt.Errorf("task %q: %w", taskID, err)
	}
	for k, v := range artifacts {
		task.LoggedArtifacts[k] = v
	}
	return task, nil
}

func mergeValues(dst, src map[string]LoggedValueContent) error {
	for k, v := range src {
		if _, dup := dst[k]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateLoggedValue, k)
		}
		dst[k] = v
	}
	return nil
}

func parseRun(tree *spans.Tree, runSpan spans.Span, taskAttrs spans.Attributes) (RunSummary, error) {
	subtree := tree.BoundInclusive(runSpan.ID())
	under := tree.BoundUnder(runSpan.ID()).SortByStartTime()

	run := RunSummary{
		SpanID:     runSpan.ID(),
		Status:     runSpan.Status,
		Timing:     runSpan.Timing(),
		Exceptions: exceptions(subtree),
		Attributes: taskAttrs.Merge(subtree.Attributes(spans.AttrRunPrefix)),
	}
	run.RetryNr, _ = runSpan.Attributes.Int(spans.AttrRunRetryNr)
	run.RunID, _ = runSpan.Attributes.String(spans.AttrRunID)

	var err error
	if run.LoggedValues, err = loggedValues(under); err != nil {
		return RunSummary{}, fmt.Errorf("run %s: %w", runSpan.ID(), err)
	}
	if run.LoggedArtifacts, err = loggedArtifacts(under); err != nil {
		return RunSummary{}, fmt.Errorf("run %s: %w", runSpan.ID(), err)
	}
	return run, nil
}

func exceptions(ss spans.Spans) []spans.Event {
	out := ss.ExceptionEvents()
	if out == nil {
		return []spans.Event{}
	}
	return out
}

// loggedValues decodes the OK named-value spans of ss, which must be sorted
// by start time.
func loggedValues(ss spans.Spans) (map[string]LoggedValueContent, error) {
	out := map[string]LoggedValueContent{}
	for _, s := range ss.FilterName(spans.NameNamedValue).FilterStatus(spans.StatusOK) {
		if err := checkKeys(s); err != nil {
			return nil, err
		}
		name, content, err := logdata.FromSpan(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLoggedValue, name)
		}
		out[name] = LoggedValueContent{Content: content}
	}
	return out, nil
}

// loggedArtifacts decodes the OK artefact spans of ss. A later artifact
// replaces an earlier one of the same name.
func loggedArtifacts(ss spans.Spans) (map[string]ArtifactContent, error) {
	out := map[string]ArtifactContent{}
	for _, s := range ss.FilterName(spans.NameArtifact).FilterStatus(spans.StatusOK) {
		if err := checkKeys(s); err != nil {
			return nil, err
		}
		name, content, err := logdata.FromSpan(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		artifact, err := NewArtifactContent(content)
		if err != nil {
			return nil, fmt.Errorf("%w: artifact %q: %w", ErrMalformedTrace, name, err)
		}
		out[name] = artifact
	}
	return out, nil
}

func checkKeys(s spans.Span) error {
	keys := make([]string, 0, len(s.Attributes))
	for k := range s.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != len(namedValueKeys) {
		return malformed("%s span %s has attributes %v, want %v", s.Name, s.ID(), keys, namedValueKeys)
	}
	for i := range keys {
		if keys[i] != namedValueKeys[i] {
			return malformed("%s span %s has attributes %v, want %v", s.Name, s.ID(), keys, namedValueKeys)
		}
	}
	return nil
}
