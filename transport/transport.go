// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport implements the back-ends moving module register tables
// between the host and the hardware: direct register accessors, an HTTP
// REST endpoint and a framed serial register bus.
package transport // import "github.com/go-lpc/mimctl/transport"

import (
	"fmt"
	"strings"

	"github.com/go-lpc/mimctl/mcc"
)

// Mode selects a transport back-end.
type Mode int

const (
	Direct Mode = iota
	HTTP
	Bus
)

func (m Mode) String() string {
	switch m {
	case Direct:
		return "direct"
	case HTTP:
		return "http"
	case Bus:
		return "bus"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode returns the transport mode named s.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "direct", "", "default":
		return Direct, nil
	case "http":
		return HTTP, nil
	case "bus", "serial":
		return Bus, nil
	}
	return 0, fmt.Errorf("transport: unknown mode %q", s)
}

// Registers gives access to the control registers of one module.
type Registers interface {
	GetControl(i int) (uint32, error)
	SetControl(i int, v uint32) error
}

// ConnectionError describes a failed exchange with the hardware.
type ConnectionError struct {
	Op   string // "upload" or "download"
	Slot int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: could not %s registers of slot %d: %+v", e.Op, e.Slot, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var (
	_ mcc.Transport = (*DirectTransport)(nil)
	_ mcc.Transport = (*HTTPTransport)(nil)
	_ mcc.Transport = (*BusTransport)(nil)
)
