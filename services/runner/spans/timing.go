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
	"math"
	"time"
)

// Timing is the time range of a span.
//
// Timing is a pure view over two timestamps; every derived quantity is
// computed from them on demand.
type Timing struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (t Timing) Duration() time.Duration {
	return t.End.Sub(t.Start)
}

// DurationSeconds returns the duration in seconds rounded to milliseconds.
func (t Timing) DurationSeconds() float64 {
	us := t.End.UnixMicro() - t.Start.UnixMicro()
	return math.Round(float64(us)/1e3) / 1e3
}

// EpochMicros returns the range as Unix epoch microseconds.
func (t Timing) EpochMicros() (start, end int64) {
	return t.Start.UnixMicro(), t.End.UnixMicro()
}

// Overlaps reports whether two ranges share an instant.
func (t Timing) Overlaps(other Timing) bool {
	return t.Start.Before(other.End) && other.Start.Before(t.End)
}

// Union returns the smallest Timing covering all of ts.
// The zero Timing is returned for no input.
func Union(ts ...Timing) Timing {
	if len(ts) == 0 {
		return Timing{}
	}
	out := ts[0]
	for _, t := range ts[1:] {
		if t.Start.Before(out.Start) {
			out.Start = t.Start
		}
		if t.End.After(out.End) {
			out.End = t.End
		}
	}
	return out
}

type timingJSON struct {
	Start     time.Time `json:"start_iso8601"`
	End       time.Time `json:"end_iso8601"`
	DurationS float64   `json:"duration_s"`
}

// MarshalJSON includes the derived duration.
func (t Timing) MarshalJSON() ([]byte, error) {
	return json.Marshal(timingJSON{Start: t.Start, End: t.End, DurationS: t.DurationSeconds()})
}

// UnmarshalJSON reads the two timestamps and ignores the derived fields.
func (t *Timing) UnmarshalJSON(data []byte) error {
	var raw timingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Start, t.End = raw.Start, raw.End
	return nil
}
