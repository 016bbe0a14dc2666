// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-lpc/mimctl/internal/crc16"
	"github.com/go-lpc/mimctl/mcc"
	"github.com/go-lpc/mimctl/transport"
)

// ServeBus answers register bus frames read from rw until rw is closed.
func (b *Board) ServeBus(rw io.ReadWriter) error {
	var buf [8]byte
	for {
		_, err := io.ReadFull(rw, buf[:2])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("sim: could not read bus frame: %w", err)
		}

		a := binary.BigEndian.Uint16(buf[:2])
		if a&transport.ReadFlag != 0 {
			err = b.busRead(rw, buf[:])
		} else {
			err = b.busWrite(rw, buf[:])
		}
		if err != nil {
			return err
		}
	}
}

func (b *Board) busRead(rw io.ReadWriter, buf []byte) error {
	_, err := io.ReadFull(rw, buf[2:4])
	if err != nil {
		return fmt.Errorf("sim: could not read bus frame checksum: %w", err)
	}
	var (
		addr = int(binary.BigEndian.Uint16(buf[:2]) & transport.AddrMask)
		v    uint32
	)
	if crc16.Checksum(buf[:2]) == binary.BigEndian.Uint16(buf[2:4]) {
		v, _ = b.get(addr/mcc.NumRegs+1, addr%mcc.NumRegs)
	}

	binary.BigEndian.PutUint32(buf[:4], v)
	binary.BigEndian.PutUint16(buf[4:6], crc16.Checksum(buf[:4]))
	_, err = rw.Write(buf[:6])
	if err != nil {
		return fmt.Errorf("sim: could not write bus reply: %w", err)
	}
	return nil
}

func (b *Board) busWrite(rw io.ReadWriter, buf []byte) error {
	_, err := io.ReadFull(rw, buf[2:8])
	if err != nil {
		return fmt.Errorf("sim: could not read bus frame payload: %w", err)
	}

	reply := byte(transport.ACK)
	if crc16.Checksum(buf[:6]) != binary.BigEndian.Uint16(buf[6:8]) {
		reply = transport.NAK
	} else {
		var (
			addr = int(binary.BigEndian.Uint16(buf[:2]) & transport.AddrMask)
			v    = binary.BigEndian.Uint32(buf[2:6])
		)
		if b.set(addr/mcc.NumRegs+1, addr%mcc.NumRegs, v) != nil {
			reply = transport.NAK
		}
	}

	buf[0] = reply
	_, err = rw.Write(buf[:1])
	if err != nil {
		return fmt.Errorf("sim: could not write bus ack: %w", err)
	}
	return nil
}
