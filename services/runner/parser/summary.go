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
	"encoding/json"

	"github.com/AleutianAI/dagrunner/services/runner/logdata"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

// LoggedValueContent is a decoded named value.
type LoggedValueContent struct {
	Content logdata.Content
}

// Type returns the content type tag.
func (v LoggedValueContent) Type() logdata.Type {
	return v.Content.Type()
}

// MarshalJSON renders {"type", "value"}.
func (v LoggedValueContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  logdata.Type `json:"type"`
		Value any          `json:"value"`
	}{v.Content.Type(), v.Content.Value()})
}

// ArtifactContent is a decoded artifact. Only utf-8 and bytes content is
// accepted.
type ArtifactContent struct {
	Content logdata.Content
}

// NewArtifactContent validates c as artifact content.
func NewArtifactContent(c logdata.Content) (ArtifactContent, error) {
	if err := logdata.ValidateArtifact(c); err != nil {
		return ArtifactContent{}, err
	}
	return ArtifactContent{Content: c}, nil
}

// Type returns the content type tag.
func (a ArtifactContent) Type() logdata.Type {
	return a.Content.Type()
}

// Bytes returns the raw artifact payload.
func (a ArtifactContent) Bytes() []byte {
	switch c := a.Content.(type) {
	case logdata.Text:
		return []byte(c)
	case logdata.Bytes:
		return []byte(c)
	default:
		return nil
	}
}

// MarshalJSON renders metadata only: {"type", "size"}.
func (a ArtifactContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type logdata.Type `json:"type"`
		Size int          `json:"size"`
	}{a.Content.Type(), logdata.Size(a.Content)})
}

// Dependency is one recorded task-dependency marker, as task span ids.
type Dependency struct {
	From string `json:"from_task_span_id"`
	To   string `json:"to_task_span_id"`
}

// RunSummary describes one attempt of a task.
type RunSummary struct {
	SpanID          string                        `json:"span_id"`
	RetryNr         int64                         `json:"retry_nr"`
	RunID           string                        `json:"run_id,omitempty"`
	Status          spans.Status                  `json:"status"`
	Timing          spans.Timing                  `json:"timing"`
	Exceptions      []spans.Event                 `json:"exceptions"`
	Attributes      spans.Attributes              `json:"attributes"`
	LoggedValues    map[string]LoggedValueContent `json:"logged_values"`
	LoggedArtifacts map[string]ArtifactContent    `json:"logged_artifacts"`
}

// IsSuccess reports whether the attempt succeeded.
func (r RunSummary) IsSuccess() bool {
	return succeeded(r.Status, r.Exceptions)
}

// TaskRunSummary describes one task of a pipeline run.
type TaskRunSummary struct {
	// SpanID is the id of the task's execute-task span.
	SpanID string `json:"span_id"`

	// ParentSpanID is the id of the pipeline.
	ParentSpanID string `json:"parent_span_id"`

	TaskID     string           `json:"task_id"`
	Status     spans.Status     `json:"status"`
	Timing     spans.Timing     `json:"timing"`
	Exceptions []spans.Event    `json:"exceptions"`
	Attributes spans.Attributes `json:"attributes"`

	// LoggedValues merges the values of every run and those logged outside
	// a run. A name appears at most once per task.
	LoggedValues    map[string]LoggedValueContent `json:"logged_values"`
	LoggedArtifacts map[string]ArtifactContent    `json:"logged_artifacts"`

	Runs []RunSummary `json:"runs"`
}

// IsSuccess reports whether the task succeeded.
func (t TaskRunSummary) IsSuccess() bool {
	return succeeded(t.Status, t.Exceptions)
}

// MarshalJSON adds is_success to the default encoding.
func (t TaskRunSummary) MarshalJSON() ([]byte, error) {
	type plain TaskRunSummary
	return json.Marshal(struct {
		plain
		IsSuccess bool `json:"is_success"`
	}{plain(t), t.IsSuccess()})
}

// PipelineSummary is the provenance tree rebuilt from one pipeline run.
type PipelineSummary struct {
	SpanID           string           `json:"span_id"`
	Timing           spans.Timing     `json:"timing"`
	Attributes       spans.Attributes `json:"attributes"`
	TaskRuns         []TaskRunSummary `json:"task_runs"`
	TaskDependencies []Dependency     `json:"task_dependencies"`
}

// IsSuccess reports whether every task succeeded.
func (p PipelineSummary) IsSuccess() bool {
	for _, t := range p.TaskRuns {
		if !t.IsSuccess() {
			return false
		}
	}
	return true
}

// Task returns the first task summary with the given task id.
func (p PipelineSummary) Task(taskID string) (TaskRunSummary, bool) {
	for _, t := range p.TaskRuns {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return TaskRunSummary{}, false
}

// MarshalJSON adds is_success to the default encoding.
func (p PipelineSummary) MarshalJSON() ([]byte, error) {
	type plain PipelineSummary
	return json.Marshal(struct {
		plain
		IsSuccess bool `json:"is_success"`
	}{plain(p), p.IsSuccess()})
}

// succeeded trusts an explicit status and falls back to the absence of
// exceptions for spans that never set one.
func succeeded(st spans.Status, exceptions []spans.Event) bool {
	switch st.Code {
	case spans.StatusOK:
		return true
	case spans.StatusError:
		return false
	default:
		return len(exceptions) == 0
	}
}
