// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag schedules interdependent tasks under explicit ordering
// constraints.
//
// Tasks live in a Graph arena and are addressed by TaskID. Edges are
// (From, To) pairs: To may not start until From has completed. The
// Scheduler starts every task whose dependencies are satisfied, waits for
// any running task to settle, and releases its dependents in turn.
//
// # Task input
//
//   - no dependencies: the run input
//   - one dependency: that dependency's result.Result[any]
//   - several dependencies: []result.Result[any] in edge insertion order
//
// A failed task does not abort the run; its dependents receive the failed
// Result and decide for themselves.
//
// # Thread Safety
//
// A Graph must not be mutated while a run over it is in progress. Task
// state queries are safe for concurrent use.
//
// # Example
//
//	g := dag.NewGraph()
//	f := g.AddTask("f", fetch)
//	h := g.AddTask("h", transform)
//	_ = g.Depend(f, h)
//
//	sched, err := dag.NewScheduler(dag.Options{Workers: 4, Logger: logger})
//	results, err := sched.Run(ctx, g, nil)
package dag
