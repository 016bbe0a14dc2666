// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/mimctl/config"
	"github.com/go-lpc/mimctl/mcc"
	"github.com/go-lpc/mimctl/transport"
)

type fakeBus struct {
	regs   map[[2]uint8]uint8
	closed bool
	err    error
}

func (bus *fakeBus) WriteReg(addr, reg, v uint8) error {
	if bus.err != nil {
		return bus.err
	}
	bus.regs[[2]uint8{addr, reg}] = v
	return nil
}

func (bus *fakeBus) Close() error {
	bus.closed = true
	return nil
}

type testBoard struct {
	*Board
	mem string
	fw  string
	mgr string
	bus *fakeBus
}

func newTestBoard(t *testing.T) *testBoard {
	t.Helper()

	tmp := t.TempDir()
	tb := &testBoard{
		mem: filepath.Join(tmp, "mem"),
		fw:  filepath.Join(tmp, "firmware"),
		mgr: filepath.Join(tmp, "fpga0"),
		bus: &fakeBus{regs: make(map[[2]uint8]uint8)},
	}

	mem := make([]byte, lwH2FSpan)
	binary.LittleEndian.PutUint32(mem[regID:], boardMagic)
	err := os.WriteFile(tb.mem, mem, 0644)
	if err != nil {
		t.Fatalf("could not create devmem: %+v", err)
	}
	for _, dir := range []string{tb.fw, tb.mgr} {
		err = os.Mkdir(dir, 0755)
		if err != nil {
			t.Fatalf("could not create dir: %+v", err)
		}
	}
	err = os.WriteFile(filepath.Join(tb.mgr, "state"), []byte("operating\n"), 0644)
	if err != nil {
		t.Fatalf("could not create FPGA manager state: %+v", err)
	}

	orig := openSMBus
	openSMBus = func(bus int, addr uint8) (smBus, error) {
		if bus != 2 {
			return nil, fmt.Errorf("no such bus %d", bus)
		}
		return tb.bus, nil
	}
	t.Cleanup(func() { openSMBus = orig })

	tb.Board, err = Open(tb.mem, WithBase(0), WithFirmware(tb.fw), WithFPGAManager(tb.mgr), WithSMBus(2))
	if err != nil {
		t.Fatalf("could not open board: %+v", err)
	}

	return tb
}

// word returns the content of the devmem file at off.
func (tb *testBoard) word(t *testing.T, off int64) uint32 {
	t.Helper()
	raw, err := os.ReadFile(tb.mem)
	if err != nil {
		t.Fatalf("could not read devmem: %+v", err)
	}
	return binary.LittleEndian.Uint32(raw[off:])
}

func writeArchive(t *testing.T, fname string, files map[string]string) {
	t.Helper()

	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create archive: %+v", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	for name, body := range files {
		err = tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		})
		if err != nil {
			t.Fatalf("could not write header: %+v", err)
		}
		_, err = tw.Write([]byte(body))
		if err != nil {
			t.Fatalf("could not write body: %+v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("could not close tar: %+v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("could not close gzip: %+v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("could not close archive: %+v", err)
	}
}

func TestOpen(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "not-there"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestConnect(t *testing.T) {
	tb := newTestBoard(t)
	ctx := context.Background()

	err := tb.SetConnections(ctx, nil)
	if !errors.Is(err, errNotConnected) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = tb.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	if got, want := tb.word(t, regCtrl), uint32(1<<ownedBit); got != want {
		t.Fatalf("invalid ctrl register: got=0x%x, want=0x%x", got, want)
	}

	err = tb.Connect(ctx)
	if err != nil {
		t.Fatalf("could not re-connect: %+v", err)
	}

	err = tb.Close()
	if err != nil {
		t.Fatalf("could not close: %+v", err)
	}
	if got, want := tb.word(t, regCtrl), uint32(0); got != want {
		t.Fatalf("invalid ctrl register: got=0x%x, want=0x%x", got, want)
	}
	if !tb.bus.closed {
		t.Fatalf("SMBus not closed")
	}

	err = tb.Close()
	if err != nil {
		t.Fatalf("could not close twice: %+v", err)
	}
}

func TestConnectErrors(t *testing.T) {
	t.Run("magic", func(t *testing.T) {
		tb := newTestBoard(t)
		err := os.WriteFile(tb.mem, make([]byte, lwH2FSpan), 0644)
		if err != nil {
			t.Fatalf("could not reset devmem: %+v", err)
		}
		err = tb.Connect(context.Background())
		if err == nil || !strings.HasPrefix(err.Error(), "board: invalid board identifier 0x00000000") {
			t.Fatalf("invalid error: %+v", err)
		}
	})

	t.Run("smbus", func(t *testing.T) {
		tb := newTestBoard(t)
		tb.cfg.smbus = 1
		err := tb.Connect(context.Background())
		if err == nil || !strings.HasPrefix(err.Error(), "board: could not open SMBus 1") {
			t.Fatalf("invalid error: %+v", err)
		}
		if got, want := tb.word(t, regCtrl), uint32(0); got != want {
			t.Fatalf("ownership not released: got=0x%x, want=0x%x", got, want)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		tb := newTestBoard(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := tb.Connect(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("invalid error: %+v", err)
		}
	})
}

func TestRegisters(t *testing.T) {
	tb := newTestBoard(t)
	ctx := context.Background()

	err := tb.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	defer tb.Close()

	var want mcc.Table
	for i := range want {
		want[i] = uint32(0x1000 + i)
	}

	tr := transport.NewDirect(3, tb.Registers(3))
	err = tr.Upload(ctx, want)
	if err != nil {
		t.Fatalf("could not upload: %+v", err)
	}

	got, err := tr.Download(ctx)
	if err != nil {
		t.Fatalf("could not download: %+v", err)
	}
	if got != want {
		t.Fatalf("invalid registers:\ngot= %v\nwant=%v", got, want)
	}

	if got, want := tb.word(t, regSlots+2*slotSpan+5*4), uint32(0x1005); got != want {
		t.Fatalf("invalid register layout: got=0x%x, want=0x%x", got, want)
	}

	_, err = tb.Registers(5).GetControl(0)
	if err == nil {
		t.Fatalf("expected an error for slot 5")
	}
	err = tb.Registers(1).SetControl(16, 0)
	if err == nil {
		t.Fatalf("expected an error for register 16")
	}
}

func TestSetInstrument(t *testing.T) {
	tb := newTestBoard(t)
	ctx := context.Background()

	err := tb.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	defer tb.Close()

	archive := filepath.Join(t.TempDir(), "turnkey_v3.tar.gz")
	writeArchive(t, archive, map[string]string{
		"bitstream.rbf": "bitstream-content",
	})

	err = tb.Registers(2).SetControl(7, 42)
	if err != nil {
		t.Fatalf("could not set control: %+v", err)
	}

	err = tb.SetInstrument(ctx, 2, config.CloudCompile, archive)
	if err != nil {
		t.Fatalf("could not set instrument: %+v", err)
	}

	raw, err := os.ReadFile(filepath.Join(tb.fw, "mim-slot2.rbf"))
	if err != nil {
		t.Fatalf("could not read extracted bitstream: %+v", err)
	}
	if got, want := string(raw), "bitstream-content"; got != want {
		t.Fatalf("invalid bitstream: got=%q, want=%q", got, want)
	}

	raw, err = os.ReadFile(filepath.Join(tb.mgr, "firmware"))
	if err != nil {
		t.Fatalf("could not read firmware request: %+v", err)
	}
	if got, want := string(raw), "mim-slot2.rbf"; got != want {
		t.Fatalf("invalid firmware request: got=%q, want=%q", got, want)
	}

	if got, want := tb.word(t, regType+4), uint32(0xcc); got != want {
		t.Fatalf("invalid slot type: got=0x%x, want=0x%x", got, want)
	}
	if got, want := tb.word(t, regCtrl), uint32(1<<ownedBit|1<<1); got != want {
		t.Fatalf("invalid ctrl register: got=0x%x, want=0x%x", got, want)
	}
	if got, want := tb.word(t, regSlots+slotSpan+7*4), uint32(0); got != want {
		t.Fatalf("slot registers not cleared: got=%d", got)
	}

	err = tb.SetInstrument(ctx, 3, "Oscilloscope", "")
	if err != nil {
		t.Fatalf("could not set builtin instrument: %+v", err)
	}
	if got, want := tb.word(t, regType+8), uint32(0x01); got != want {
		t.Fatalf("invalid slot type: got=0x%x, want=0x%x", got, want)
	}

	for _, tc := range []struct {
		slot int
		typ  string
		bit  string
		err  string
	}{
		{0, "Oscilloscope", "", "board: invalid slot 0"},
		{1, "Toaster", "", `board: unknown instrument type "Toaster"`},
		{1, config.CloudCompile, "", "board: missing bitstream for slot 1"},
		{1, config.CloudCompile, filepath.Join(t.TempDir(), "nope.tar.gz"), "board: could not open bitstream archive"},
	} {
		t.Run(tc.err, func(t *testing.T) {
			err := tb.SetInstrument(ctx, tc.slot, tc.typ, tc.bit)
			if err == nil || !strings.HasPrefix(err.Error(), tc.err) {
				t.Fatalf("invalid error: got=%v, want=%q", err, tc.err)
			}
		})
	}
}

func TestSetInstrumentErrors(t *testing.T) {
	tb := newTestBoard(t)
	ctx := context.Background()

	err := tb.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	defer tb.Close()

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.tar.gz")
	writeArchive(t, empty, map[string]string{"README": "nothing"})

	err = tb.SetInstrument(ctx, 1, config.CloudCompile, empty)
	if err == nil || !strings.HasPrefix(err.Error(), "board: no bitstream in") {
		t.Fatalf("invalid error: %+v", err)
	}

	archive := filepath.Join(dir, "iir.tar.gz")
	writeArchive(t, archive, map[string]string{"iir.bin": "iir"})

	err = os.WriteFile(filepath.Join(tb.mgr, "state"), []byte("write error\n"), 0644)
	if err != nil {
		t.Fatalf("could not write state: %+v", err)
	}
	err = tb.SetInstrument(ctx, 1, config.CloudCompile, archive)
	if err == nil || !strings.HasSuffix(err.Error(), "write error") {
		t.Fatalf("invalid error: %+v", err)
	}

	err = os.WriteFile(filepath.Join(tb.mgr, "state"), []byte("write\n"), 0644)
	if err != nil {
		t.Fatalf("could not write state: %+v", err)
	}
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = tb.SetInstrument(tctx, 1, config.CloudCompile, archive)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestSetConnections(t *testing.T) {
	tb := newTestBoard(t)
	ctx := context.Background()

	err := tb.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	defer tb.Close()

	err = tb.SetConnections(ctx, []config.Connection{
		{Source: "Input1", Destination: "Slot1InA"},
		{Source: "Slot1OutA", Destination: "Slot2InB"},
		{Source: "Slot2OutD", Destination: "Output1"},
		{Source: "Input4", Destination: "Output4"},
	})
	if err != nil {
		t.Fatalf("could not set connections: %+v", err)
	}

	var got [nDsts]uint32
	for i := range got {
		got[i] = tb.word(t, regXbar+int64(i)*4)
	}
	var want [nDsts]uint32
	want[0] = 1     // Slot1InA <- Input1
	want[5] = 0x10  // Slot2InB <- Slot1OutA
	want[16] = 0x17 // Output1 <- Slot2OutD
	want[19] = 4    // Output4 <- Input4
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid crossbar:\ngot= %v\nwant=%v", got, want)
	}

	for _, tc := range []struct {
		conn config.Connection
		err  string
	}{
		{config.Connection{Source: "Input5", Destination: "Output1"}, `board: invalid connection source "Input5"`},
		{config.Connection{Source: "Slot1InA", Destination: "Output1"}, `board: invalid connection source "Slot1InA"`},
		{config.Connection{Source: "Input1", Destination: "Slot5InA"}, `board: invalid connection destination "Slot5InA"`},
		{config.Connection{Source: "Input1", Destination: "Slot1InE"}, `board: invalid connection destination "Slot1InE"`},
		{config.Connection{Source: "Input1", Destination: "Output0"}, `board: invalid connection destination "Output0"`},
	} {
		err := tb.SetConnections(ctx, []config.Connection{tc.conn})
		if err == nil || err.Error() != tc.err {
			t.Fatalf("invalid error: got=%v, want=%q", err, tc.err)
		}
	}
}

func TestFrontend(t *testing.T) {
	tb := newTestBoard(t)
	ctx := context.Background()

	err := tb.SetOutput(ctx, config.Output{Channel: 1, Gain: "0dB"})
	if !errors.Is(err, errNotConnected) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = tb.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	defer tb.Close()

	for _, in := range []config.Input{
		{Channel: 1, Impedance: "50Ohm", Coupling: "DC", Attenuation: "0dB"},
		{Channel: 2, Impedance: "1MOhm", Coupling: "AC", Attenuation: "-20dB"},
		{Channel: 3, Impedance: "1MOhm", Coupling: "DC", Attenuation: "-40dB"},
	} {
		err = tb.SetFrontend(ctx, in)
		if err != nil {
			t.Fatalf("could not set frontend %+v: %+v", in, err)
		}
	}
	err = tb.SetOutput(ctx, config.Output{Channel: 4, Gain: "14dB"})
	if err != nil {
		t.Fatalf("could not set output: %+v", err)
	}

	want := map[[2]uint8]uint8{
		{addrPGA, 0}: 0x1,
		{addrPGA, 1}: 0x6,
		{addrPGA, 2}: 0x8,
		{addrOut, 3}: 0x1,
	}
	if !reflect.DeepEqual(tb.bus.regs, want) {
		t.Fatalf("invalid SMBus registers:\ngot= %v\nwant=%v", tb.bus.regs, want)
	}

	for _, tc := range []struct {
		f   func() error
		err string
	}{
		{func() error { return tb.SetFrontend(ctx, config.Input{Channel: 5}) }, "board: invalid input channel 5"},
		{func() error { return tb.SetFrontend(ctx, config.Input{Channel: 1, Impedance: "75Ohm"}) }, `board: invalid impedance "75Ohm" for input 1`},
		{func() error {
			return tb.SetFrontend(ctx, config.Input{Channel: 1, Impedance: "50Ohm", Coupling: "XX"})
		}, `board: invalid coupling "XX" for input 1`},
		{func() error {
			return tb.SetFrontend(ctx, config.Input{Channel: 1, Impedance: "50Ohm", Coupling: "DC", Attenuation: "3dB"})
		}, `board: invalid attenuation "3dB" for input 1`},
		{func() error { return tb.SetOutput(ctx, config.Output{Channel: 0}) }, "board: invalid output channel 0"},
		{func() error { return tb.SetOutput(ctx, config.Output{Channel: 1, Gain: "6dB"}) }, `board: invalid gain "6dB" for output 1`},
	} {
		err := tc.f()
		if err == nil || err.Error() != tc.err {
			t.Fatalf("invalid error: got=%v, want=%q", err, tc.err)
		}
	}

	tb.bus.err = fmt.Errorf("nack")
	err = tb.SetOutput(ctx, config.Output{Channel: 1, Gain: "0dB"})
	if err == nil || err.Error() != "board: could not write SMBus register 0x21:0x00: nack" {
		t.Fatalf("invalid error: %+v", err)
	}
}
