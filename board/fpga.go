// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-lpc/mimctl/config"
)

// instruments maps instrument types to the code selecting them in a slot.
var instruments = map[string]uint32{
	"Oscilloscope":      0x01,
	"SpectrumAnalyzer":  0x02,
	"WaveformGenerator": 0x03,
	"PIDController":     0x04,
	"LockInAmp":         0x05,
	"PhaseMeter":        0x06,
	"FIRFilterBox":      0x07,
	"LaserLockBox":      0x08,
	"Datalogger":        0x09,
	config.CloudCompile: 0xcc,
}

// pollFPGA is the interval between two FPGA manager state reads.
var pollFPGA = 10 * time.Millisecond

// SetInstrument deploys an instrument of type typ in slot.
// CloudCompile instruments are configured from the bitstream archive.
func (brd *Board) SetInstrument(ctx context.Context, slot int, typ, bitstream string) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	code, ok := instruments[typ]
	if !ok {
		return fmt.Errorf("board: unknown instrument type %q", typ)
	}
	if typ == config.CloudCompile && bitstream == "" {
		return fmt.Errorf("board: missing bitstream for slot %d", slot)
	}

	win, err := brd.conn()
	if err != nil {
		return err
	}

	enable := uint32(1) << (slot - 1)
	err = win.update(regCtrl, func(v uint32) uint32 { return v &^ enable })
	if err != nil {
		return err
	}

	if typ == config.CloudCompile {
		err = brd.load(ctx, slot, bitstream)
		if err != nil {
			return err
		}
	}

	for i := 0; i < nRegs; i++ {
		err = win.writeU32(regSlots+int64(slot-1)*slotSpan+int64(i)*4, 0)
		if err != nil {
			return err
		}
	}

	err = win.writeU32(regType+int64(slot-1)*4, code)
	if err != nil {
		return err
	}

	return win.update(regCtrl, func(v uint32) uint32 { return v | enable })
}

// load extracts the partial bitstream of the archive into the firmware
// directory and has the FPGA manager program it.
func (brd *Board) load(ctx context.Context, slot int, archive string) error {
	name := fmt.Sprintf("mim-slot%d.rbf", slot)
	err := extract(filepath.Join(brd.cfg.firmware, name), archive)
	if err != nil {
		return err
	}

	err = os.WriteFile(filepath.Join(brd.cfg.manager, "firmware"), []byte(name), 0644)
	if err != nil {
		return fmt.Errorf("board: could not request bitstream %q: %w", name, err)
	}

	tck := time.NewTicker(pollFPGA)
	defer tck.Stop()

	for {
		raw, err := os.ReadFile(filepath.Join(brd.cfg.manager, "state"))
		if err != nil {
			return fmt.Errorf("board: could not read FPGA manager state: %w", err)
		}
		switch state := strings.TrimSpace(string(raw)); state {
		case "operating":
			return nil
		case "write error", "write init error", "write complete error":
			return fmt.Errorf("board: could not program slot %d with %q: %s", slot, archive, state)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("board: could not program slot %d: %w", slot, ctx.Err())
		case <-tck.C:
		}
	}
}

// extract copies the first .rbf or .bin entry of the gzipped tar archive
// to dst.
func extract(dst, archive string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("board: could not open bitstream archive: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("board: could not open gzip stream of %q: %w", archive, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("board: no bitstream in %q", archive)
			}
			return fmt.Errorf("board: could not read archive %q: %w", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		switch filepath.Ext(hdr.Name) {
		case ".rbf", ".bin":
		default:
			continue
		}

		o, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("board: could not create bitstream file: %w", err)
		}
		defer o.Close()

		_, err = io.Copy(o, tr)
		if err != nil {
			return fmt.Errorf("board: could not extract %q from %q: %w", hdr.Name, archive, err)
		}

		err = o.Close()
		if err != nil {
			return fmt.Errorf("board: could not save bitstream file: %w", err)
		}
		return nil
	}
}
