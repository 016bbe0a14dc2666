// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mim drives a multi-instrument board: it loads configurations,
// binds bitstreams to slots, applies parameters and serializes the register
// uploads of the instrument modules.
package mim // import "github.com/go-lpc/mimctl/mim"

import (
	"context"
	"fmt"

	"github.com/go-lpc/mimctl/config"
	"github.com/go-lpc/mimctl/mcc"
	"github.com/go-lpc/mimctl/transport"
)

// Device is a handle on a multi-instrument board.
type Device interface {
	// Connect claims ownership of the board.
	Connect(ctx context.Context) error
	// Close relinquishes ownership of the board.
	Close() error

	SetInstrument(ctx context.Context, slot int, typ, bitstream string) error
	SetConnections(ctx context.Context, conns []config.Connection) error
	SetFrontend(ctx context.Context, in config.Input) error
	SetOutput(ctx context.Context, out config.Output) error

	// Registers returns the control registers of the module in slot.
	Registers(slot int) transport.Registers
}

// Logger is a leveled message stream.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Instrument is the content of a board slot.
type Instrument struct {
	Slot      int
	Type      string
	Purpose   string
	Bitstream string

	// Module is nil for built-in instruments.
	Module *mcc.Module
}

func (inst *Instrument) String() string {
	if inst.Purpose == "" {
		return fmt.Sprintf("%s[slot=%d]", inst.Type, inst.Slot)
	}
	return fmt.Sprintf("%s/%s[slot=%d]", inst.Type, inst.Purpose, inst.Slot)
}
