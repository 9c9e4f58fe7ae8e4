// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package spans

import (
	"sort"
	"strings"
)

// Spans is an unordered collection of recorded spans.
type Spans []Span

// Filter returns the spans for which keep returns true.
func (ss Spans) Filter(keep func(Span) bool) Spans {
	out := make(Spans, 0, len(ss))
	for _, s := range ss {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// FilterName returns the spans with the given name.
func (ss Spans) FilterName(name string) Spans {
	return ss.Filter(func(s Span) bool { return s.Name == name })
}

// FilterStatus returns the spans with the given status code.
func (ss Spans) FilterStatus(code StatusCode) Spans {
	return ss.Filter(func(s Span) bool { return s.Status.Code == code })
}

// SortByStartTime returns a copy ordered by start time, then span id.
func (ss Spans) SortByStartTime() Spans {
	out := make(Spans, len(ss))
	copy(out, ss)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// IDs returns the span ids in collection order.
func (ss Spans) IDs() []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID()
	}
	return out
}

// ContainsID reports whether a span with id is present.
func (ss Spans) ContainsID(id string) bool {
	for _, s := range ss {
		if s.ID() == id {
			return true
		}
	}
	return false
}

// Attributes merges the attributes of every span, keeping only keys with
// one of prefixes. With no prefixes every key is kept. Spans are merged in
// start-time order, so a later span wins on a key clash.
func (ss Spans) Attributes(prefixes ...string) Attributes {
	out := Attributes{}
	for _, s := range ss.SortByStartTime() {
		for k, v := range s.Attributes {
			if len(prefixes) == 0 || hasPrefix(k, prefixes) {
				out[k] = v
			}
		}
	}
	return out
}

func hasPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// ExceptionEvents returns every "exception" event, ordered by span start time.
func (ss Spans) ExceptionEvents() []Event {
	var out []Event
	for _, s := range ss.SortByStartTime() {
		for _, e := range s.Events {
			if e.Name == EventException {
				out = append(out, e)
			}
		}
	}
	return out
}

// Timing returns the union of all span ranges.
func (ss Spans) Timing() Timing {
	ts := make([]Timing, len(ss))
	for i, s := range ss {
		ts[i] = s.Timing()
	}
	return Union(ts...)
}

// Tree indexes a span collection by id and parent.
//
// Thread Safety:
//
//	A Tree is read-only after construction and safe for concurrent use.
type Tree struct {
	spans    Spans
	byID     map[string]int
	children map[string][]int
}

// NewTree indexes ss. Later spans win if ids repeat.
func NewTree(ss Spans) *Tree {
	t := &Tree{
		spans:    ss,
		byID:     make(map[string]int, len(ss)),
		children: make(map[string][]int),
	}
	for i, s := range ss {
		t.byID[s.ID()] = i
	}
	for i, s := range ss {
		if s.ParentID != "" {
			t.children[s.ParentID] = append(t.children[s.ParentID], i)
		}
	}
	return t
}

// Get returns the span with id.
func (t *Tree) Get(id string) (Span, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Span{}, false
	}
	return t.spans[i], true
}

// BoundUnder returns every span strictly beneath the span with id.
func (t *Tree) BoundUnder(id string) Spans {
	var out Spans
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, i := range t.children[cur] {
			child := t.spans[i]
			if seen[child.ID()] {
				continue
			}
			seen[child.ID()] = true
			out = append(out, child)
			queue = append(queue, child.ID())
		}
	}
	return out
}

// BoundInclusive returns the span with id followed by every span beneath it.
func (t *Tree) BoundInclusive(id string) Spans {
	s, ok := t.Get(id)
	if !ok {
		return nil
	}
	return append(Spans{s}, t.BoundUnder(id)...)
}

// Ancestors returns the parent chain of the span with id, nearest first.
// Spans whose parent is not in the collection end the chain.
func (t *Tree) Ancestors(id string) Spans {
	var out Spans
	seen := map[string]bool{id: true}
	s, ok := t.Get(id)
	for ok && s.ParentID != "" && !seen[s.ParentID] {
		seen[s.ParentID] = true
		s, ok = t.Get(s.ParentID)
		if ok {
			out = append(out, s)
		}
	}
	return out
}

// ContainsPath reports whether each span in path is an ancestor of the next.
func (t *Tree) ContainsPath(path ...Span) bool {
	for i := 1; i < len(path); i++ {
		if !t.Ancestors(path[i].ID()).ContainsID(path[i-1].ID()) {
			return false
		}
	}
	return true
}
