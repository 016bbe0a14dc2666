// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board drives a multi-instrument SoC board.
//
// The control registers of the slots, the slot selection and the routing
// crossbar live in the lightweight HPS-to-FPGA window, memory-mapped from
// /dev/mem. Bitstreams are loaded through the Linux FPGA manager and the
// analog front-end is programmed over SMBus.
package board // import "github.com/go-lpc/mimctl/board"

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-daq/smbus"
	"github.com/go-lpc/mimctl/internal/mmap"
	"github.com/go-lpc/mimctl/transport"
)

const (
	// LwH2FBase is the physical address of the lightweight HPS-to-FPGA window.
	LwH2FBase = 0xff200000
	lwH2FSpan = 0x1000

	regCtrl    = 0x000 // bits 0-3: slot enable, bit 31: owned
	regID      = 0x004
	regType    = 0x010 // one word per slot
	regSlots   = 0x100 // slot s control registers at regSlots+(s-1)*slotSpan
	regXbar    = 0x200 // one word per crossbar destination
	slotSpan   = 0x40
	ownedBit   = 31
	boardMagic = 0x4d494d31 // "MIM1"

	nSlots = 4
	nRegs  = 16
)

var errNotConnected = errors.New("board: not connected")

// Board is a handle on a multi-instrument SoC board.
type Board struct {
	devmem string
	cfg    options

	mu  sync.Mutex
	mem *os.File
	win *window
	bus smBus
}

type options struct {
	base     int64  // physical address of the control window
	firmware string // firmware directory scanned by the FPGA manager
	manager  string // FPGA manager sysfs directory
	smbus    int    // SMBus adapter of the analog front-end
}

// Option configures a Board.
type Option func(*options)

// WithBase sets the physical address of the control window.
func WithBase(base int64) Option {
	return func(o *options) {
		o.base = base
	}
}

// WithFirmware sets the directory from which the FPGA manager loads
// bitstreams.
func WithFirmware(dir string) Option {
	return func(o *options) {
		o.firmware = dir
	}
}

// WithFPGAManager sets the sysfs directory of the FPGA manager.
func WithFPGAManager(dir string) Option {
	return func(o *options) {
		o.manager = dir
	}
}

// WithSMBus sets the SMBus adapter of the analog front-end.
func WithSMBus(bus int) Option {
	return func(o *options) {
		o.smbus = bus
	}
}

// Open returns a handle on the board whose registers are exposed by the
// devmem file.
// The board is only accessed once connected.
func Open(devmem string, opts ...Option) (*Board, error) {
	cfg := options{
		base:     LwH2FBase,
		firmware: "/lib/firmware",
		manager:  "/sys/class/fpga_manager/fpga0",
		smbus:    0,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	_, err := os.Stat(devmem)
	if err != nil {
		return nil, fmt.Errorf("board: could not open %q: %w", devmem, err)
	}

	return &Board{devmem: devmem, cfg: cfg}, nil
}

// smBus is the subset of the SMBus connection used to program the
// analog front-end.
type smBus interface {
	WriteReg(addr, reg, v uint8) error
	Close() error
}

var openSMBus = func(bus int, addr uint8) (smBus, error) {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect maps the control window, checks the board identity and claims
// ownership of the board.
func (brd *Board) Connect(ctx context.Context) (err error) {
	brd.mu.Lock()
	defer brd.mu.Unlock()

	if brd.win != nil {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	mem, err := os.OpenFile(brd.devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return fmt.Errorf("board: could not open %q: %w", brd.devmem, err)
	}
	defer func() {
		if err != nil {
			_ = mem.Close()
		}
	}()

	h, err := mmap.Map(mem, brd.cfg.base, lwH2FSpan)
	if err != nil {
		return fmt.Errorf("board: could not map control window: %w", err)
	}
	defer func() {
		if err != nil {
			_ = h.Close()
		}
	}()
	win := &window{h: h}

	id, err := win.readU32(regID)
	if err != nil {
		return err
	}
	if id != boardMagic {
		return fmt.Errorf("board: invalid board identifier 0x%08x (want=0x%08x)", id, boardMagic)
	}

	ctrl, err := win.readU32(regCtrl)
	if err != nil {
		return err
	}
	err = win.writeU32(regCtrl, ctrl|1<<ownedBit)
	if err != nil {
		return err
	}

	bus, err := openSMBus(brd.cfg.smbus, addrPGA)
	if err != nil {
		_ = win.writeU32(regCtrl, ctrl)
		return fmt.Errorf("board: could not open SMBus %d: %w", brd.cfg.smbus, err)
	}

	brd.mem = mem
	brd.win = win
	brd.bus = bus
	return nil
}

// Close releases ownership of the board and its resources.
func (brd *Board) Close() error {
	brd.mu.Lock()
	defer brd.mu.Unlock()

	if brd.win == nil {
		return nil
	}

	var errs []error
	ctrl, err := brd.win.readU32(regCtrl)
	if err == nil {
		err = brd.win.writeU32(regCtrl, ctrl&^(1<<ownedBit))
	}
	if err != nil {
		errs = append(errs, err)
	}
	if err := brd.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("board: could not close SMBus: %w", err))
	}
	if err := brd.win.h.Close(); err != nil {
		errs = append(errs, fmt.Errorf("board: could not unmap control window: %w", err))
	}
	if err := brd.mem.Close(); err != nil {
		errs = append(errs, fmt.Errorf("board: could not close %q: %w", brd.devmem, err))
	}
	brd.win = nil
	brd.bus = nil
	brd.mem = nil

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (brd *Board) conn() (*window, error) {
	brd.mu.Lock()
	defer brd.mu.Unlock()
	if brd.win == nil {
		return nil, errNotConnected
	}
	return brd.win, nil
}

func checkSlot(slot int) error {
	if slot < 1 || slot > nSlots {
		return fmt.Errorf("board: invalid slot %d", slot)
	}
	return nil
}

// Registers returns the control registers of the module in slot.
func (brd *Board) Registers(slot int) transport.Registers {
	return &slotRegs{brd: brd, slot: slot}
}

type slotRegs struct {
	brd  *Board
	slot int
}

func (r *slotRegs) offset(i int) (int64, error) {
	if err := checkSlot(r.slot); err != nil {
		return 0, err
	}
	if i < 0 || i >= nRegs {
		return 0, fmt.Errorf("board: invalid register index %d", i)
	}
	return regSlots + int64(r.slot-1)*slotSpan + int64(i)*4, nil
}

func (r *slotRegs) GetControl(i int) (uint32, error) {
	off, err := r.offset(i)
	if err != nil {
		return 0, err
	}
	win, err := r.brd.conn()
	if err != nil {
		return 0, err
	}
	return win.readU32(off)
}

func (r *slotRegs) SetControl(i int, v uint32) error {
	off, err := r.offset(i)
	if err != nil {
		return err
	}
	win, err := r.brd.conn()
	if err != nil {
		return err
	}
	return win.writeU32(off, v)
}

// window serializes 32-bit little-endian accesses to a register window.
type window struct {
	h *mmap.Handle

	mu   sync.Mutex
	xbuf [4]byte
}

func (w *window) readU32(off int64) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.h.ReadAt(w.xbuf[:4], off)
	if err != nil {
		return 0, fmt.Errorf("board: could not read register 0x%x: %w", off, err)
	}
	return binary.LittleEndian.Uint32(w.xbuf[:4]), nil
}

func (w *window) writeU32(off int64, v uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	binary.LittleEndian.PutUint32(w.xbuf[:4], v)
	_, err := w.h.WriteAt(w.xbuf[:4], off)
	if err != nil {
		return fmt.Errorf("board: could not write register 0x%x: %w", off, err)
	}
	return nil
}

// update applies f to the register at off.
func (w *window) update(off int64, f func(v uint32) uint32) error {
	v, err := w.readU32(off)
	if err != nil {
		return err
	}
	return w.writeU32(off, f(v))
}
