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
	"fmt"
)

// TaskID is a stable handle into a Graph's task arena.
type TaskID int

// Edge says that To may not start until From has completed.
type Edge struct {
	From TaskID
	To   TaskID
}

// Graph is an arena of tasks plus the ordering constraints between them.
//
// Description:
//
//	Tasks are appended with AddTask and never removed, so a TaskID stays
//	valid for the life of the Graph. Duplicate edges are ignored.
//
// Thread Safety:
//
//	Graph is NOT safe for concurrent mutation. Build it in one goroutine
//	and do not change it while a Scheduler runs it.
type Graph struct {
	tasks      []*Task
	edges      []Edge
	edgeSet    map[Edge]struct{}
	deps       [][]TaskID
	dependents [][]TaskID
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		edgeSet: make(map[Edge]struct{}),
	}
}

// AddTask appends a task and returns its handle.
//
// Inputs:
//
//	name - Human readable name used in logs and errors. Need not be unique.
//	fn - The task body. Must not be nil.
//
// Outputs:
//
//	TaskID - The handle of the new task.
func (g *Graph) AddTask(name string, fn TaskFunc) TaskID {
	id := TaskID(len(g.tasks))
	g.tasks = append(g.tasks, newTask(id, name, fn))
	g.deps = append(g.deps, nil)
	g.dependents = append(g.dependents, nil)
	return id
}

// Task returns the task behind id, or nil if id is unknown.
func (g *Graph) Task(id TaskID) *Task {
	if !g.has(id) {
		return nil
	}
	return g.tasks[id]
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// IDs returns every task handle in insertion order.
func (g *Graph) IDs() []TaskID {
	ids := make([]TaskID, len(g.tasks))
	for i := range g.tasks {
		ids[i] = TaskID(i)
	}
	return ids
}

// Edges returns a copy of the edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Dependencies returns the tasks id waits for, in edge insertion order.
func (g *Graph) Dependencies(id TaskID) []TaskID {
	if !g.has(id) {
		return nil
	}
	return append([]TaskID(nil), g.deps[id]...)
}

// Dependents returns the tasks waiting for id, in edge insertion order.
func (g *Graph) Dependents(id TaskID) []TaskID {
	if !g.has(id) {
		return nil
	}
	return append([]TaskID(nil), g.dependents[id]...)
}

// Depend adds the constraint that to may not start before from completes.
//
// Outputs:
//
//	error - ErrUnknownTask if either end is not part of the graph.
func (g *Graph) Depend(from, to TaskID) error {
	for _, id := range []TaskID{from, to} {
		if !g.has(id) {
			return fmt.Errorf("%w: id %d", ErrUnknownTask, id)
		}
	}

	e := Edge{From: from, To: to}
	if _, dup := g.edgeSet[e]; dup {
		return nil
	}
	g.edgeSet[e] = struct{}{}
	g.edges = append(g.edges, e)
	g.deps[to] = append(g.deps[to], from)
	g.dependents[from] = append(g.dependents[from], to)
	return nil
}

// RunInSequence chains ids so each task waits for the previous one.
func (g *Graph) RunInSequence(ids ...TaskID) error {
	for i := 1; i < len(ids); i++ {
		if err := g.Depend(ids[i-1], ids[i]); err != nil {
			return err
		}
	}
	return nil
}

// FanIn makes to wait for every task in from. The input of to lists the
// results in the order of from.
func (g *Graph) FanIn(from []TaskID, to TaskID) error {
	for _, id := range from {
		if err := g.Depend(id, to); err != nil {
			return err
		}
	}
	return nil
}

// Validate returns a *CycleError if the graph contains a cycle.
func (g *Graph) Validate() error {
	return g.detectCycles(g.IDs())
}

// Reachable returns start plus every task that transitively depends on it,
// in ascending TaskID order.
func (g *Graph) Reachable(start ...TaskID) ([]TaskID, error) {
	seen := make([]bool, len(g.tasks))
	queue := make([]TaskID, 0, len(start))
	for _, id := range start {
		if !g.has(id) {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownTask, id)
		}
		if !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	out := make([]TaskID, 0, len(g.tasks))
	for i, ok := range seen {
		if ok {
			out = append(out, TaskID(i))
		}
	}
	return out, nil
}

func (g *Graph) has(id TaskID) bool {
	return id >= 0 && int(id) < len(g.tasks)
}

// detectCycles runs a DFS over members, following edges in their
// execution direction. Edges leaving members are ignored.
func (g *Graph) detectCycles(members []TaskID) error {
	inSet := make(map[TaskID]bool, len(members))
	for _, id := range members {
		inSet[id] = true
	}
	visited := make(map[TaskID]bool, len(members))
	recStack := make(map[TaskID]bool)
	path := make([]TaskID, 0)

	var dfs func(id TaskID) error
	dfs = func(id TaskID) error {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, next := range g.dependents[id] {
			if !inSet[next] {
				continue
			}
			if !visited[next] {
				if err := dfs(next); err != nil {
					return err
				}
			} else if recStack[next] {
				start := 0
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				return g.newCycleError(append(append([]TaskID(nil), path[start:]...), next))
			}
		}

		path = path[:len(path)-1]
		recStack[id] = false
		return nil
	}

	for _, id := range members {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) newCycleError(path []TaskID) *CycleError {
	names := make([]string, len(path))
	for i, id := range path {
		names[i] = g.tasks[id].Name()
	}
	return &CycleError{Path: path, Names: names}
}
