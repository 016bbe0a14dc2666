// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcc

import (
	"sync"
)

// Bank is the in-memory control register image of a module.
// Bank is safe for concurrent use: field writes and snapshots are
// serialized so no partially written field can be observed.
type Bank struct {
	mu   sync.RWMutex
	regs Table
}

// Write stores v into the register field f.
// The bank is left untouched on error.
func (b *Bank) Write(f Field, v int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, err := WriteBits(b.regs[f.Index], uint(f.High), uint(f.Low), v)
	if err != nil {
		return err
	}
	b.regs[f.Index] = reg
	return nil
}

// Read returns the unsigned content of the register field f.
func (b *Bank) Read(f Field) uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ReadBits(b.regs[f.Index], uint(f.High), uint(f.Low))
}

// Reg returns the value of the i-th register.
func (b *Bank) Reg(i int) uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.regs[i]
}

// Snapshot returns a copy of the whole register table.
func (b *Bank) Snapshot() Table {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.regs
}

// Load replaces the whole register table.
func (b *Bank) Load(tbl Table) {
	b.mu.Lock()
	b.regs = tbl
	b.mu.Unlock()
}
