// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcc

import (
	"errors"
	"fmt"
)

// RangeError is returned when a value does not fit in a register field.
type RangeError struct {
	Value int64
	Width int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("mcc: value %d does not fit in %d bits", e.Value, e.Width)
}

// UnknownParameterError is returned when a parameter is not part of a
// module layout.
type UnknownParameterError struct {
	Name string
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("mcc: unknown parameter %q", e.Name)
}

var (
	errNoUploader  = errors.New("mcc: module has no uploader")
	errNoTransport = errors.New("mcc: module has no transport")
)
