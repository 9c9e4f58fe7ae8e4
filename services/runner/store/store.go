// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists recorded pipeline runs in an embedded BadgerDB.
//
// Each run is stored as its span set plus a small RunInfo record, keyed by
// the pipeline run id. Summaries are rebuilt from the spans on demand, so
// the spans remain the single source of truth.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/dagrunner/services/runner/parser"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

const (
	infoPrefix  = "runs/info/"
	spansPrefix = "runs/spans/"
)

var (
	// ErrNotFound is returned when no run has the requested id.
	ErrNotFound = errors.New("run not found")

	// ErrEmptyRun is returned when saving a run without spans.
	ErrEmptyRun = errors.New("run has no spans")

	// ErrInvalidRun wraps parse failures of a span set passed to Save.
	ErrInvalidRun = errors.New("invalid run")
)

// RunInfo describes a stored run.
type RunInfo struct {
	ID             string       `json:"id"`
	PipelineSpanID string       `json:"pipeline_span_id"`
	StoredAt       time.Time    `json:"stored_at"`
	Timing         spans.Timing `json:"timing"`
	SpanCount      int          `json:"span_count"`
	TaskCount      int          `json:"task_count"`
	FailedTasks    int          `json:"failed_tasks"`
	Success        bool         `json:"success"`
}

// Store is a BadgerDB-backed run store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db        *badger.DB
	gc        *gcRunner
	retention time.Duration
	now       func() time.Time
}

// Open opens the store described by cfg.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, retention: cfg.Retention, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc, err = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Save parses ss and stores it under its pipeline run id.
//
// Description:
//
//	The id is the pipeline.pipeline_run_id attribute when recorded, and the
//	pipeline id chosen by parser.Parse otherwise. Saving an id again
//	replaces the earlier run.
//
// Outputs:
//
//	RunInfo - The stored record.
//	error - ErrEmptyRun, ErrInvalidRun wrapping the parse error, or a
//	database error.
func (s *Store) Save(ctx context.Context, ss spans.Spans) (RunInfo, error) {
	if len(ss) == 0 {
		return RunInfo{}, ErrEmptyRun
	}
	summary, err := parser.Parse(ss)
	if err != nil {
		return RunInfo{}, fmt.Errorf("%w: %w", ErrInvalidRun, err)
	}

	info := newRunInfo(summary, len(ss), s.now().UTC())
	infoData, err := json.Marshal(info)
	if err != nil {
		return RunInfo{}, fmt.Errorf("encode run info: %w", err)
	}
	spanData, err := spans.Marshal(ss)
	if err != nil {
		return RunInfo{}, fmt.Errorf("encode spans: %w", err)
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.SetEntry(s.entry(infoPrefix+info.ID, infoData)); err != nil {
			return err
		}
		return txn.SetEntry(s.entry(spansPrefix+info.ID, spanData))
	})
	if err != nil {
		return RunInfo{}, fmt.Errorf("save run %s: %w", info.ID, err)
	}
	return info, nil
}

func newRunInfo(summary *parser.PipelineSummary, spanCount int, now time.Time) RunInfo {
	id := summary.SpanID
	if runID, ok := summary.Attributes.String(spans.AttrPipelineRunID); ok && runID != "" {
		id = runID
	}
	failed := 0
	for _, t := range summary.TaskRuns {
		if !t.IsSuccess() {
			failed++
		}
	}
	return RunInfo{
		ID:             id,
		PipelineSpanID: summary.SpanID,
		StoredAt:       now,
		Timing:         summary.Timing,
		SpanCount:      spanCount,
		TaskCount:      len(summary.TaskRuns),
		FailedTasks:    failed,
		Success:        failed == 0,
	}
}

func (s *Store) entry(key string, value []byte) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return e
}

// Info returns the record of run id.
func (s *Store) Info(ctx context.Context, id string) (RunInfo, error) {
	var info RunInfo
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, infoPrefix+id, &info)
	})
	if err != nil {
		return RunInfo{}, fmt.Errorf("run %s: %w", id, err)
	}
	return info, nil
}

// Load returns the spans of run id.
func (s *Store) Load(ctx context.Context, id string) (spans.Spans, error) {
	var ss spans.Spans
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(spansPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			ss, err = spans.Unmarshal(val)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return ss, nil
}

// Summary loads run id and parses it.
func (s *Store) Summary(ctx context.Context, id string) (*parser.PipelineSummary, error) {
	ss, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return parser.Parse(ss)
}

// List returns every stored run, most recently started first.
func (s *Store) List(ctx context.Context) ([]RunInfo, error) {
	out := []RunInfo{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(infoPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info RunInfo
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timing.Start.Equal(out[j].Timing.Start) {
			return out[i].Timing.Start.After(out[j].Timing.Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes run id.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(infoPrefix + id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := txn.Delete([]byte(infoPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(spansPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
