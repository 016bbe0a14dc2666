// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcc

import (
	"errors"
	"fmt"
	"io"

	"go-hep.org/x/hep/csvutil"
)

// MaxSegments is the number of addressable waveform segments.
const MaxSegments = 8

// Segment is a control point of a piecewise frequency ramp.
type Segment struct {
	Sign  uint32 `json:"sign"` // 0 or 1
	X     uint32 `json:"x"`
	Y     uint32 `json:"y"`
	Slope uint32 `json:"slope"`
}

// LoadWaveform reads waveform segments from a ';'-separated file with
// one "sign;x;y;slope" row per segment. Lines starting with '#' are
// comments.
func LoadWaveform(fname string) ([]Segment, error) {
	tbl, err := csvutil.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("mcc: could not open waveform file %q: %w", fname, err)
	}
	defer tbl.Close()
	tbl.Reader.Comma = ';'
	tbl.Reader.Comment = '#'

	rows, err := tbl.ReadRows(0, -1)
	if err != nil {
		return nil, fmt.Errorf("mcc: could not read waveform rows from %q: %w", fname, err)
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var seg Segment
		err = rows.Scan(&seg.Sign, &seg.X, &seg.Y, &seg.Slope)
		if err != nil {
			return nil, fmt.Errorf("mcc: could not scan waveform segment %d from %q: %w", len(segs), fname, err)
		}
		if seg.Sign > 1 {
			return nil, fmt.Errorf("mcc: invalid sign %d for waveform segment %d", seg.Sign, len(segs))
		}
		segs = append(segs, seg)
	}

	err = rows.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("mcc: could not read waveform from %q: %w", fname, err)
	}

	if len(segs) > MaxSegments {
		return nil, fmt.Errorf("mcc: too many waveform segments in %q (got=%d, max=%d)", fname, len(segs), MaxSegments)
	}

	return segs, nil
}
