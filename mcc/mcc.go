// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcc holds the register-mapped control model of the modules
// hosted by a multi-instrument FPGA platform.
//
// Each module exposes 16 32-bit control registers. Named parameters are
// mapped onto bit ranges of these registers by a Layout and are encoded
// with two's-complement semantics. Register tables are pushed to the
// hardware through a Transport, by way of an Uploader that serializes
// the writes.
package mcc // import "github.com/go-lpc/mimctl/mcc"

import (
	"context"
)

// NumRegs is the number of control registers of a module.
const NumRegs = 16

// Table is a full image of the control registers of a module.
type Table [NumRegs]uint32

// Transport pushes register tables to a module, or pulls them back.
type Transport interface {
	Upload(ctx context.Context, tbl Table) error
	Download(ctx context.Context) (Table, error)
}

// Uploader queues the current register table of a module for upload.
// Implementations capture the table when the request is queued.
type Uploader interface {
	UploadControl(m *Module) error
}

// Kind describes the flavor of a module.
type Kind int

const (
	KindTemplate Kind = iota // generic module without domain operations
	KindTurnkey
	KindFeedback
)

func (k Kind) String() string {
	switch k {
	case KindTemplate:
		return "template"
	case KindTurnkey:
		return "turnkey"
	case KindFeedback:
		return "feedback"
	}
	return "unknown"
}

// KindOf returns the kind of module serving the provided purpose.
func KindOf(purpose string) Kind {
	switch purpose {
	case "turnkey":
		return KindTurnkey
	case "feedback":
		return KindFeedback
	default:
		return KindTemplate
	}
}

// Param is a named parameter value.
type Param struct {
	Name  string
	Value int64
}
