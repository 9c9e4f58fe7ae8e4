// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report writes a parsed pipeline run to a directory tree.
//
// Layout:
//
//	<dir>/pipeline.json
//	<dir>/<task_id>--<span_id>--<OK|FAILURE>/task.json
//	<dir>/<task_id>--<span_id>--<OK|FAILURE>/artifacts/<name>
//	<dir>/<task_id>--<span_id>--<OK|FAILURE>/run=<n>--<span_id>--<OK|FAILURE>/run.json
//	<dir>/<task_id>--<span_id>--<OK|FAILURE>/run=<n>--<span_id>--<OK|FAILURE>/artifacts/<name>
//
// Every path component derived from recorded data is sanitized, and no
// write can leave the output directory.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dagrunner/pkg/fsutil"
	"github.com/AleutianAI/dagrunner/services/runner/parser"
)

const (
	// PipelineFile is the name of the pipeline summary file.
	PipelineFile = "pipeline.json"

	// TaskFile is the name of the per-task summary file.
	TaskFile = "task.json"

	// RunFile is the name of the per-attempt summary file.
	RunFile = "run.json"

	// ArtifactsDir holds the decoded artifacts of a task or run.
	ArtifactsDir = "artifacts"

	// DefaultParallelism bounds concurrent task directory writes.
	DefaultParallelism = 8
)

// ErrArtifactNameClash is returned when two artifacts of one task or run
// sanitize to the same file name.
var ErrArtifactNameClash = errors.New("artifact names map to the same file")

// Writer writes pipeline reports.
type Writer struct {
	// Parallelism bounds how many task directories are written at once.
	// 0 means DefaultParallelism.
	Parallelism int
}

// Write writes summary under dir with default settings.
func Write(ctx context.Context, dir string, summary *parser.PipelineSummary) error {
	return Writer{}.Write(ctx, dir, summary)
}

// Write writes summary under dir.
//
// Description:
//
//	dir is created when missing. Task directories are written in parallel;
//	the first failure cancels the remaining writes.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	dir - Output directory.
//	summary - Parsed pipeline run. Must not be nil.
//
// Outputs:
//
//	error - Non-nil if any file cannot be written.
func (w Writer) Write(ctx context.Context, dir string, summary *parser.PipelineSummary) error {
	if summary == nil {
		return fmt.Errorf("nil summary")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := writeJSON(dir, summary, PipelineFile); err != nil {
		return err
	}

	limit := w.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, task := range summary.TaskRuns {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return writeTask(dir, task)
		})
	}
	return g.Wait()
}

// TaskDirName returns the directory name of a task.
func TaskDirName(t parser.TaskRunSummary) string {
	return fsutil.SanitizeComponent(fmt.Sprintf("%s--%s--%s", t.TaskID, t.SpanID, outcome(t.IsSuccess())))
}

// RunDirName returns the directory name of an attempt.
func RunDirName(r parser.RunSummary) string {
	return fsutil.SanitizeComponent(fmt.Sprintf("run=%d--%s--%s", r.RetryNr, r.SpanID, outcome(r.IsSuccess())))
}

// SanitizedArtifactName returns the file name an artifact is written under.
func SanitizedArtifactName(name string) string {
	return fsutil.SanitizeComponent(name)
}

func outcome(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILURE"
}

func writeTask(root string, task parser.TaskRunSummary) error {
	taskDir := TaskDirName(task)
	if err := writeJSON(root, task, taskDir, TaskFile); err != nil {
		return err
	}
	if err := writeArtifacts(root, task.LoggedArtifacts, taskDir, ArtifactsDir); err != nil {
		return err
	}
	for _, run := range task.Runs {
		runDir := RunDirName(run)
		if err := writeJSON(root, run, taskDir, runDir, RunFile); err != nil {
			return err
		}
		if err := writeArtifacts(root, run.LoggedArtifacts, taskDir, runDir, ArtifactsDir); err != nil {
			return err
		}
	}
	return nil
}

func writeArtifacts(root string, artifacts map[string]parser.ArtifactContent, elems ...string) error {
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make(map[string]string, len(names))
	for _, name := range names {
		file := SanitizedArtifactName(name)
		if prev, dup := written[file]; dup {
			return fmt.Errorf("%w: %q and %q are both written as %q", ErrArtifactNameClash, prev, name, file)
		}
		written[file] = name
		path := append(append([]string{}, elems...), file)
		if err := writeFile(root, artifacts[name].Bytes(), path...); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(root string, v any, elems ...string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Join(elems...), err)
	}
	return writeFile(root, data, elems...)
}

func writeFile(root string, data []byte, elems ...string) error {
	path, err := fsutil.SafeJoin(root, elems...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
