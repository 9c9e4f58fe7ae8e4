// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined dagrunner metrics.
//
// Description:
//
//	Counters and histograms for pipelines, tasks, attempts and the HTTP
//	API. All metric names use the "dagrunner_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// PipelinesTotal counts finished pipeline runs by status.
	PipelinesTotal metric.Int64Counter

	// PipelineDuration records pipeline wall-clock time in seconds.
	PipelineDuration metric.Float64Histogram

	// TasksTotal counts finished tasks by status.
	TasksTotal metric.Int64Counter

	// TaskDuration records task wall-clock time in seconds.
	TaskDuration metric.Float64Histogram

	// ActiveTasks tracks tasks started and not yet finished.
	ActiveTasks metric.Int64UpDownCounter

	// AttemptsTotal counts task attempts by outcome (ok, failure, timeout).
	AttemptsTotal metric.Int64Counter

	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records API request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics registers every metric with meter.
//
// Inputs:
//
//	meter - The meter to register with.
//
// Outputs:
//
//	*Metrics - The initialized metrics.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PipelinesTotal, err = meter.Int64Counter(
		"dagrunner_pipelines_total",
		metric.WithDescription("Finished pipeline runs"),
		metric.WithUnit("{pipeline}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pipelines_total: %w", err)
	}

	m.PipelineDuration, err = meter.Float64Histogram(
		"dagrunner_pipeline_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pipeline_duration: %w", err)
	}

	m.TasksTotal, err = meter.Int64Counter(
		"dagrunner_tasks_total",
		metric.WithDescription("Finished tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_total: %w", err)
	}

	m.TaskDuration, err = meter.Float64Histogram(
		"dagrunner_task_duration_seconds",
		metric.WithDescription("Task duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create task_duration: %w", err)
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter(
		"dagrunner_active_tasks",
		metric.WithDescription("Tasks currently running"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_tasks: %w", err)
	}

	m.AttemptsTotal, err = meter.Int64Counter(
		"dagrunner_attempts_total",
		metric.WithDescription("Task attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempts_total: %w", err)
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"dagrunner_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"dagrunner_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	return m, nil
}
