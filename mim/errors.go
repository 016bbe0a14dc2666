// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mim

import (
	"errors"
	"fmt"
)

// UnknownPurposeError is returned when no module serves a purpose.
type UnknownPurposeError struct {
	Purpose string
}

func (e *UnknownPurposeError) Error() string {
	return fmt.Sprintf("mim: unknown purpose %q", e.Purpose)
}

// UnknownOperationError is returned when a module does not provide an
// operation.
type UnknownOperationError struct {
	Purpose string
	Op      string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("mim: unknown operation %q for %q", e.Op, e.Purpose)
}

// StateError is returned when an operation is not allowed in the current
// session state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("mim: could not %s in state %v", e.Op, e.State)
}

var (
	errNoConfig   = errors.New("mim: no configuration loaded")
	errNoLine     = errors.New("mim: no register bus line for bus transport")
	errNotRunning = errors.New("mim: upload scheduler not running")
)

// DeviceError describes a failed request to the board device handle.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("mim: device could not %s: %+v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
