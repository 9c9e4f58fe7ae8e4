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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/dagrunner/pkg/fsutil"
)

// Decode reads a JSON array of span records.
func Decode(r io.Reader) (Spans, error) {
	var out Spans
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode spans: %w", err)
	}
	return out, nil
}

// Encode writes ss as an indented JSON array.
func Encode(w io.Writer, ss Spans) error {
	if ss == nil {
		ss = Spans{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ss); err != nil {
		return fmt.Errorf("encode spans: %w", err)
	}
	return nil
}

// Marshal returns ss as a compact JSON array.
func Marshal(ss Spans) ([]byte, error) {
	if ss == nil {
		ss = Spans{}
	}
	return json.Marshal(ss)
}

// Unmarshal parses a JSON array of span records.
func Unmarshal(data []byte) (Spans, error) {
	var out Spans
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode spans: %w", err)
	}
	return out, nil
}

// ReadFile loads a persisted trace file.
func ReadFile(path string) (Spans, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// WriteFile persists ss to path atomically.
func WriteFile(path string, ss Spans) error {
	if ss == nil {
		ss = Spans{}
	}
	data, err := json.MarshalIndent(ss, "", "  ")
	if err != nil {
		return fmt.Errorf("encode spans: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
