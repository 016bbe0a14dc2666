// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"

	"github.com/go-lpc/mimctl/mcc"
)

// DirectTransport moves registers one at a time through a register
// accessor provided by the device handle.
type DirectTransport struct {
	slot int
	regs Registers
}

// NewDirect returns a transport driving the registers of the module in
// the provided slot.
func NewDirect(slot int, regs Registers) *DirectTransport {
	return &DirectTransport{slot: slot, regs: regs}
}

// Upload writes the registers from the last one down to the first one.
// A failure leaves the hardware registers partially updated.
func (tr *DirectTransport) Upload(ctx context.Context, tbl mcc.Table) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "upload", Slot: tr.slot, Err: err}
	}
	for i := mcc.NumRegs - 1; i >= 0; i-- {
		err := tr.regs.SetControl(i, tbl[i])
		if err != nil {
			return &ConnectionError{
				Op: "upload", Slot: tr.slot,
				Err: fmt.Errorf("could not set control %d: %w", i, err),
			}
		}
	}
	return nil
}

// Download reads every register, in order.
func (tr *DirectTransport) Download(ctx context.Context) (mcc.Table, error) {
	var tbl mcc.Table
	if err := ctx.Err(); err != nil {
		return tbl, &ConnectionError{Op: "download", Slot: tr.slot, Err: err}
	}
	for i := range tbl {
		v, err := tr.regs.GetControl(i)
		if err != nil {
			return tbl, &ConnectionError{
				Op: "download", Slot: tr.slot,
				Err: fmt.Errorf("could not get control %d: %w", i, err),
			}
		}
		tbl[i] = v
	}
	return tbl, nil
}
