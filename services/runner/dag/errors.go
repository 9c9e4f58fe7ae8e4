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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the dag package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilGraph is returned when a nil graph is passed.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrUnknownTask is returned when an id does not name a task of the graph.
	ErrUnknownTask = errors.New("task not found in graph")

	// ErrAlreadyStarted is returned when a task is started a second time.
	ErrAlreadyStarted = errors.New("task has already started")

	// ErrNotReady is returned when the result of an unfinished task is requested.
	ErrNotReady = errors.New("task has not completed")

	// ErrNoRunnableTask is returned when no task can start.
	ErrNoRunnableTask = errors.New("check run dependencies, unable to start any task")

	// ErrUnreachableDependency is returned when a task of a partial run
	// depends on a task the run never starts.
	ErrUnreachableDependency = errors.New("dependency is outside the started sub-graph")

	// ErrCycle is wrapped by every CycleError.
	ErrCycle = errors.New("cycle detected in task graph")
)

// CycleError provides details about a detected cycle.
type CycleError struct {
	// Path lists the tasks of the cycle; the first task is repeated last.
	Path []TaskID

	// Names holds the task names along Path.
	Names []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(e.Names, " -> "))
}

// Unwrap returns ErrCycle.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}
