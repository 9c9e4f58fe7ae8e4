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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/dagrunner/pkg/ux"
	"github.com/AleutianAI/dagrunner/services/runner/parser"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
	"github.com/AleutianAI/dagrunner/services/runner/store"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

// renderSummary prints a pipeline summary as a header, a task table, the
// dependency edges and the failures.
func renderSummary(p *ux.Printer, s *parser.PipelineSummary) {
	failed := 0
	for _, t := range s.TaskRuns {
		if !t.IsSuccess() {
			failed++
		}
	}

	header := []string{
		fmt.Sprintf("status     %s", p.Status(s.IsSuccess())),
		fmt.Sprintf("duration   %s", formatDuration(s.Timing.Duration())),
		fmt.Sprintf("tasks      %d (%d failed)", len(s.TaskRuns), failed),
	}
	if runID, ok := s.Attributes.String(spans.AttrPipelineRunID); ok {
		header = append(header, fmt.Sprintf("run id     %s", runID))
	}
	p.Box("Pipeline "+s.SpanID, strings.Join(header, "\n"))

	rows := make([][]string, 0, len(s.TaskRuns))
	for _, t := range s.TaskRuns {
		rows = append(rows, []string{
			t.TaskID,
			p.Status(t.IsSuccess()),
			fmt.Sprintf("%d", len(t.Runs)),
			formatDuration(t.Timing.Duration()),
			joinKeys(t.LoggedValues),
			joinKeys(t.LoggedArtifacts),
			t.SpanID,
		})
	}
	p.Table([]string{"TASK", "STATUS", "RUNS", "DURATION", "VALUES", "ARTIFACTS", "SPAN"}, rows)

	if len(s.TaskDependencies) > 0 {
		names := make(map[string]string, len(s.TaskRuns))
		for _, t := range s.TaskRuns {
			names[t.SpanID] = t.TaskID
		}
		p.Muted("")
		p.Title("Dependencies")
		for _, d := range s.TaskDependencies {
			p.Info(fmt.Sprintf("%s %s %s", nameOr(names, d.From), ux.IconArrow, nameOr(names, d.To)))
		}
	}

	for _, t := range s.TaskRuns {
		if t.IsSuccess() {
			continue
		}
		for _, e := range t.Exceptions {
			typ, _ := e.Attributes.String(telemetry.AttrExceptionType)
			msg, _ := e.Attributes.String(telemetry.AttrExceptionMessage)
			p.Error(fmt.Sprintf("%s: %s: %s", t.TaskID, typ, msg))
		}
		if len(t.Exceptions) == 0 && t.Status.Description != "" {
			p.Error(fmt.Sprintf("%s: %s", t.TaskID, t.Status.Description))
		}
	}
}

// renderRuns prints stored runs as a table.
func renderRuns(p *ux.Printer, runs []store.RunInfo) {
	if len(runs) == 0 {
		p.Muted("no stored runs")
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			p.Status(r.Success),
			r.Timing.Start.Local().Format(time.DateTime),
			formatDuration(r.Timing.Duration()),
			fmt.Sprintf("%d/%d", r.TaskCount-r.FailedTasks, r.TaskCount),
			fmt.Sprintf("%d", r.SpanCount),
		})
	}
	p.Table([]string{"RUN", "STATUS", "STARTED", "DURATION", "TASKS OK", "SPANS"}, rows)
}

func nameOr(names map[string]string, spanID string) string {
	if n, ok := names[spanID]; ok {
		return n
	}
	return spanID
}

func joinKeys[V any](m map[string]V) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}
