// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

var errTimeout = errors.New("transport: serial read timeout")

// OpenLine opens the serial port name and returns the register bus
// speaking over it.
// A zero timeout blocks reads until the bus answers.
func OpenLine(name string, baud int, timeout time.Duration) (*Line, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: could not open serial port %q: %w", name, err)
	}

	if timeout > 0 {
		err = p.SetReadTimeout(timeout)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("transport: could not set read timeout on %q: %w", name, err)
		}
	}

	return NewLine(port{p}), nil
}

// port reports read timeouts as errors.
// serial.Port.Read returns (0, nil) when its timeout expires.
type port struct {
	serial.Port
}

func (p port) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil && len(b) > 0 {
		return 0, errTimeout
	}
	return n, err
}
