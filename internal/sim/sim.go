// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim provides an in-memory multi-instrument board.
//
// A Board can be driven directly as a device, through its REST handler
// or through its register bus responder.
package sim // import "github.com/go-lpc/mimctl/internal/sim"

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-lpc/mimctl/config"
	"github.com/go-lpc/mimctl/mcc"
	"github.com/go-lpc/mimctl/transport"
)

var errOffline = errors.New("sim: board not connected")

// Board is a simulated multi-instrument board.
type Board struct {
	mu   sync.RWMutex
	on   bool
	fail error

	regs  [config.NumSlots]mcc.Table
	hist  [config.NumSlots][]mcc.Table
	slots [config.NumSlots]Slot

	conns   []config.Connection
	inputs  map[int]config.Input
	outputs map[int]config.Output

	base int
}

// Slot describes the instrument loaded in a slot.
type Slot struct {
	Type      string
	Bitstream string
}

// New returns a new disconnected board.
func New() *Board {
	return &Board{
		inputs:  make(map[int]config.Input),
		outputs: make(map[int]config.Output),
		base:    transport.DefaultBase,
	}
}

// Connect takes ownership of the board.
func (b *Board) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return fmt.Errorf("sim: could not connect: %w", b.fail)
	}
	b.on = true
	return nil
}

// Close relinquishes ownership of the board.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.on = false
	return nil
}

// Fail makes every subsequent hardware access fail with err.
// A nil error restores the board.
func (b *Board) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

func (b *Board) check(slot int) error {
	switch {
	case b.fail != nil:
		return b.fail
	case !b.on:
		return errOffline
	case slot < 1 || slot > config.NumSlots:
		return fmt.Errorf("sim: invalid slot %d", slot)
	}
	return nil
}

// SetInstrument loads an instrument into a slot.
func (b *Board) SetInstrument(ctx context.Context, slot int, typ, bitstream string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(slot); err != nil {
		return err
	}
	if typ == config.CloudCompile && bitstream == "" {
		return fmt.Errorf("sim: missing bitstream for slot %d", slot)
	}
	b.slots[slot-1] = Slot{Type: typ, Bitstream: bitstream}
	b.regs[slot-1] = mcc.Table{}
	b.hist[slot-1] = nil
	return nil
}

// SetConnections replaces the signal routing of the board.
func (b *Board) SetConnections(ctx context.Context, conns []config.Connection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(1); err != nil {
		return err
	}
	b.conns = append(b.conns[:0:0], conns...)
	return nil
}

// SetFrontend applies the settings of an analog input.
func (b *Board) SetFrontend(ctx context.Context, in config.Input) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(1); err != nil {
		return err
	}
	b.inputs[in.Channel] = in
	return nil
}

// SetOutput applies the settings of an analog output.
func (b *Board) SetOutput(ctx context.Context, out config.Output) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(1); err != nil {
		return err
	}
	b.outputs[out.Channel] = out
	return nil
}

// Registers returns the control registers of the module in slot.
func (b *Board) Registers(slot int) transport.Registers {
	return &regs{brd: b, slot: slot}
}

// Slot returns the instrument loaded in slot.
func (b *Board) Slot(slot int) Slot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.slots[slot-1]
}

// Connections returns the signal routing of the board.
func (b *Board) Connections() []config.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]config.Connection(nil), b.conns...)
}

// Input returns the settings of an analog input.
func (b *Board) Input(ch int) (config.Input, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	in, ok := b.inputs[ch]
	return in, ok
}

// Output returns the settings of an analog output.
func (b *Board) Output(ch int) (config.Output, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out, ok := b.outputs[ch]
	return out, ok
}

// Control returns the control registers of the module in slot.
func (b *Board) Control(slot int) mcc.Table {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.regs[slot-1]
}

// History returns the register tables of the module in slot, as seen
// after each complete upload.
// Register 0 is the last one written by an upload: every write to it
// records the table.
func (b *Board) History(slot int) []mcc.Table {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]mcc.Table(nil), b.hist[slot-1]...)
}

func (b *Board) get(slot, i int) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(slot); err != nil {
		return 0, err
	}
	if i < 0 || i >= mcc.NumRegs {
		return 0, fmt.Errorf("sim: invalid register %d", i)
	}
	return b.regs[slot-1][i], nil
}

func (b *Board) set(slot, i int, v uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(slot); err != nil {
		return err
	}
	if i < 0 || i >= mcc.NumRegs {
		return fmt.Errorf("sim: invalid register %d", i)
	}
	b.regs[slot-1][i] = v
	if i == 0 {
		b.hist[slot-1] = append(b.hist[slot-1], b.regs[slot-1])
	}
	return nil
}

func (b *Board) load(slot int, tbl mcc.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(slot); err != nil {
		return err
	}
	b.regs[slot-1] = tbl
	b.hist[slot-1] = append(b.hist[slot-1], tbl)
	return nil
}

type regs struct {
	brd  *Board
	slot int
}

func (r *regs) GetControl(i int) (uint32, error) { return r.brd.get(r.slot, i) }
func (r *regs) SetControl(i int, v uint32) error { return r.brd.set(r.slot, i, v) }
