// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-lpc/mimctl/internal/crc16"
	"github.com/go-lpc/mimctl/mcc"
)

// Frame bytes exchanged on the register bus.
const (
	ACK = 0x06
	NAK = 0x15

	AddrMask = 0x3fff // 14-bit register address
	ReadFlag = 0x4000 // bit 14 set: read request
)

var (
	errNAK    = errors.New("transport: frame rejected by the bus")
	errBadCRC = errors.New("transport: invalid frame checksum")
)

// Line is a serial register bus shared by all the modules of a board.
//
// A register write is a 8-byte frame: the 14-bit address (big-endian
// uint16), the value (big-endian uint32) and the CRC-16 of the first 6
// bytes. The bus replies with a single ACK or NAK byte.
//
// A register read is a 4-byte frame: the address with the read flag set
// and the CRC-16 of these 2 bytes. The bus replies with the value and its
// CRC-16 (6 bytes).
//
// After a failed or corrupted reply, the Line discards pending input when
// its port provides ResetInputBuffer (as serial ports do). Lines over
// other ports must be reopened after such an error.
type Line struct {
	mu  sync.Mutex
	rw  io.ReadWriter
	buf [8]byte
}

// NewLine returns a register bus speaking over rw.
func NewLine(rw io.ReadWriter) *Line {
	return &Line{rw: rw}
}

// Close closes the underlying port, if it can be closed.
func (l *Line) Close() error {
	if c, ok := l.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadReg reads the register at addr.
func (l *Line) ReadReg(addr uint32) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readReg(addr)
}

// WriteReg writes v to the register at addr.
func (l *Line) WriteReg(addr, v uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeReg(addr, v)
}

func (l *Line) readReg(addr uint32) (uint32, error) {
	var (
		a = (addr | ReadFlag) & 0x7fff
		p = l.buf[:4]
	)
	binary.BigEndian.PutUint16(p[:2], uint16(a))
	binary.BigEndian.PutUint16(p[2:], crc16.Checksum(p[:2]))

	n, err := l.rw.Write(p)
	switch {
	case err != nil:
		return 0, fmt.Errorf("could not write bus addr 0x%x: %w", addr, err)
	case n != len(p):
		return 0, fmt.Errorf("could not write bus addr 0x%x: %w", addr, io.ErrShortWrite)
	}

	p = l.buf[:6]
	_, err = io.ReadFull(l.rw, p)
	if err != nil {
		return 0, l.flush(fmt.Errorf("could not read register 0x%x: %w", addr, err))
	}
	if crc16.Checksum(p[:4]) != binary.BigEndian.Uint16(p[4:]) {
		return 0, l.flush(fmt.Errorf("could not read register 0x%x: %w", addr, errBadCRC))
	}

	v := binary.BigEndian.Uint32(p[:4])
	return v, nil
}

func (l *Line) writeReg(addr, v uint32) error {
	var (
		a = addr & AddrMask
		p = l.buf[:8]
	)
	binary.BigEndian.PutUint16(p[:2], uint16(a))
	binary.BigEndian.PutUint32(p[2:6], v)
	binary.BigEndian.PutUint16(p[6:], crc16.Checksum(p[:6]))

	n, err := l.rw.Write(p)
	switch {
	case err != nil:
		return fmt.Errorf("could not write bus register (0x%x, 0x%x): %w", addr, v, err)
	case n != len(p):
		return fmt.Errorf("could not write bus register (0x%x, 0x%x): %w", addr, v, io.ErrShortWrite)
	}

	_, err = io.ReadFull(l.rw, p[:1])
	if err != nil {
		return l.flush(fmt.Errorf("could not read bus ack for register 0x%x: %w", addr, err))
	}
	if p[0] != ACK {
		return fmt.Errorf("could not write bus register (0x%x, 0x%x): %w", addr, v, errNAK)
	}
	return nil
}

// flush drops the unread bytes of a broken reply.
func (l *Line) flush(err error) error {
	r, ok := l.rw.(interface{ ResetInputBuffer() error })
	if !ok {
		return err
	}
	if e := r.ResetInputBuffer(); e != nil {
		return errors.Join(err, fmt.Errorf("could not reset bus input: %w", e))
	}
	return err
}

// BusTransport drives the registers of one module over a shared Line.
// The registers of the module in slot s sit at addresses
// [(s-1)*16, s*16).
type BusTransport struct {
	slot int
	line *Line
}

// NewBus returns a transport for the module in the provided slot.
func NewBus(line *Line, slot int) *BusTransport {
	return &BusTransport{slot: slot, line: line}
}

// Addr returns the bus address of register i of the module in slot.
func Addr(slot, i int) uint32 {
	return uint32(i + (slot-1)*mcc.NumRegs)
}

// Upload writes the registers from the last one down to the first one.
// The line is held for the whole table.
func (tr *BusTransport) Upload(ctx context.Context, tbl mcc.Table) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "upload", Slot: tr.slot, Err: err}
	}

	tr.line.mu.Lock()
	defer tr.line.mu.Unlock()

	for i := mcc.NumRegs - 1; i >= 0; i-- {
		err := tr.line.writeReg(Addr(tr.slot, i), tbl[i])
		if err != nil {
			return &ConnectionError{Op: "upload", Slot: tr.slot, Err: err}
		}
	}
	return nil
}

// Download reads every register of the module, in order.
func (tr *BusTransport) Download(ctx context.Context) (mcc.Table, error) {
	var tbl mcc.Table
	if err := ctx.Err(); err != nil {
		return tbl, &ConnectionError{Op: "download", Slot: tr.slot, Err: err}
	}

	tr.line.mu.Lock()
	defer tr.line.mu.Unlock()

	for i := range tbl {
		v, err := tr.line.readReg(Addr(tr.slot, i))
		if err != nil {
			return tbl, &ConnectionError{Op: "download", Slot: tr.slot, Err: err}
		}
		tbl[i] = v
	}
	return tbl, nil
}
