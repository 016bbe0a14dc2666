// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcc

import (
	"fmt"
	"sort"
)

// Field locates a parameter inside the register table: bits [Low, High]
// of register Index, inclusive.
type Field struct {
	Index int
	High  int
	Low   int
}

// Width returns the number of bits of the field.
func (f Field) Width() int { return f.High - f.Low + 1 }

func (f Field) String() string {
	return fmt.Sprintf("reg[%d][%d:%d]", f.Index, f.High, f.Low)
}

func (f Field) validate() error {
	switch {
	case f.Index < 0 || f.Index >= NumRegs:
		return fmt.Errorf("invalid register index %d", f.Index)
	case f.Low < 0 || f.High > 31 || f.Low > f.High:
		return fmt.Errorf("invalid bit range [%d:%d]", f.High, f.Low)
	}
	return nil
}

func (f Field) overlaps(o Field) bool {
	return f.Index == o.Index && f.Low <= o.High && o.Low <= f.High
}

// Layout maps parameter names to register fields.
// A Layout is immutable once created and may be shared by any number of
// modules.
type Layout struct {
	fields map[string]Field
	names  []string
}

// NewLayout creates a new layout from the provided fields.
// NewLayout checks every field and rejects layouts where two parameters
// share a bit of the same register.
func NewLayout(fields map[string]Field) (*Layout, error) {
	lay := &Layout{
		fields: make(map[string]Field, len(fields)),
		names:  make([]string, 0, len(fields)),
	}
	for name, f := range fields {
		if err := f.validate(); err != nil {
			return nil, fmt.Errorf("mcc: invalid field for parameter %q: %w", name, err)
		}
		lay.fields[name] = f
		lay.names = append(lay.names, name)
	}

	sort.Slice(lay.names, func(i, j int) bool {
		fi := lay.fields[lay.names[i]]
		fj := lay.fields[lay.names[j]]
		switch {
		case fi.Index != fj.Index:
			return fi.Index < fj.Index
		case fi.Low != fj.Low:
			return fi.Low < fj.Low
		default:
			return lay.names[i] < lay.names[j]
		}
	})

	for i := 1; i < len(lay.names); i++ {
		name := lay.names[i]
		// names are sorted by register: stop at the previous register.
		for j := i - 1; j >= 0; j-- {
			prev := lay.names[j]
			if lay.fields[prev].Index != lay.fields[name].Index {
				break
			}
			if lay.fields[prev].overlaps(lay.fields[name]) {
				return nil, fmt.Errorf(
					"mcc: parameters %q (%v) and %q (%v) overlap",
					prev, lay.fields[prev], name, lay.fields[name],
				)
			}
		}
	}

	return lay, nil
}

// Field returns the register field of the named parameter.
func (lay *Layout) Field(name string) (Field, bool) {
	f, ok := lay.fields[name]
	return f, ok
}

// Names returns the parameter names, ordered by register and bit position.
func (lay *Layout) Names() []string {
	names := make([]string, len(lay.names))
	copy(names, lay.names)
	return names
}

// Len returns the number of parameters of the layout.
func (lay *Layout) Len() int { return len(lay.names) }
