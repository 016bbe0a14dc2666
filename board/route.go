// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-lpc/mimctl/config"
)

const (
	nChans  = 4
	nPorts  = 4 // ports A-D of a slot
	nDsts   = nSlots*nPorts + nChans
	addrPGA = 0x20 // input programmable-gain amplifiers
	addrOut = 0x21 // output drivers
)

// SetConnections programs the routing crossbar.
// Destinations not listed are disconnected.
func (brd *Board) SetConnections(ctx context.Context, conns []config.Connection) error {
	var xbar [nDsts]uint32
	for _, c := range conns {
		src, err := source(c.Source)
		if err != nil {
			return err
		}
		dst, err := destination(c.Destination)
		if err != nil {
			return err
		}
		xbar[dst] = src
	}

	win, err := brd.conn()
	if err != nil {
		return err
	}

	for i, v := range xbar {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = win.writeU32(regXbar+int64(i)*4, v)
		if err != nil {
			return err
		}
	}
	return nil
}

// source returns the crossbar code of a signal source:
// InputN is N, SlotNOutX is 0x10+4*(N-1)+X.
func source(name string) (uint32, error) {
	if ch, ok := channel(name, "Input"); ok {
		return uint32(ch), nil
	}
	slot, port, ok := slotPort(name, "Out")
	if !ok {
		return 0, fmt.Errorf("board: invalid connection source %q", name)
	}
	return uint32(0x10 + (slot-1)*nPorts + port), nil
}

// destination returns the crossbar index of a signal destination.
func destination(name string) (int, error) {
	if ch, ok := channel(name, "Output"); ok {
		return nSlots*nPorts + ch - 1, nil
	}
	slot, port, ok := slotPort(name, "In")
	if !ok {
		return 0, fmt.Errorf("board: invalid connection destination %q", name)
	}
	return (slot-1)*nPorts + port, nil
}

func channel(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	ch, err := strconv.Atoi(name[len(prefix):])
	if err != nil || ch < 1 || ch > nChans {
		return 0, false
	}
	return ch, true
}

// slotPort parses names like "Slot2InB".
func slotPort(name, dir string) (slot, port int, ok bool) {
	rest := strings.TrimPrefix(name, "Slot")
	if len(rest) != len(name)-len("Slot") || len(rest) != 1+len(dir)+1 {
		return 0, 0, false
	}
	slot = int(rest[0] - '0')
	if slot < 1 || slot > nSlots || rest[1:1+len(dir)] != dir {
		return 0, 0, false
	}
	port = int(rest[len(rest)-1] - 'A')
	if port < 0 || port >= nPorts {
		return 0, 0, false
	}
	return slot, port, true
}

// SetFrontend programs the amplifier of an input channel.
func (brd *Board) SetFrontend(ctx context.Context, in config.Input) error {
	if in.Channel < 1 || in.Channel > nChans {
		return fmt.Errorf("board: invalid input channel %d", in.Channel)
	}

	var v uint8
	switch in.Impedance {
	case "1MOhm":
	case "50Ohm":
		v |= 1 << 0
	default:
		return fmt.Errorf("board: invalid impedance %q for input %d", in.Impedance, in.Channel)
	}
	switch in.Coupling {
	case "DC":
	case "AC":
		v |= 1 << 1
	default:
		return fmt.Errorf("board: invalid coupling %q for input %d", in.Coupling, in.Channel)
	}
	switch in.Attenuation {
	case "0dB":
	case "-20dB":
		v |= 1 << 2
	case "-40dB":
		v |= 2 << 2
	default:
		return fmt.Errorf("board: invalid attenuation %q for input %d", in.Attenuation, in.Channel)
	}

	return brd.writeBus(ctx, addrPGA, uint8(in.Channel-1), v)
}

// SetOutput programs the gain of an output channel.
func (brd *Board) SetOutput(ctx context.Context, out config.Output) error {
	if out.Channel < 1 || out.Channel > nChans {
		return fmt.Errorf("board: invalid output channel %d", out.Channel)
	}

	var v uint8
	switch out.Gain {
	case "0dB":
	case "14dB":
		v = 1
	default:
		return fmt.Errorf("board: invalid gain %q for output %d", out.Gain, out.Channel)
	}

	return brd.writeBus(ctx, addrOut, uint8(out.Channel-1), v)
}

func (brd *Board) writeBus(ctx context.Context, addr, reg, v uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	brd.mu.Lock()
	defer brd.mu.Unlock()

	if brd.bus == nil {
		return errNotConnected
	}
	err := brd.bus.WriteReg(addr, reg, v)
	if err != nil {
		return fmt.Errorf("board: could not write SMBus register 0x%02x:0x%02x: %w", addr, reg, err)
	}
	return nil
}
