// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/go-lpc/mimctl/config"
	"github.com/go-lpc/mimctl/mcc"
)

func TestBoard(t *testing.T) {
	ctx := context.Background()
	brd := New()

	regs := brd.Registers(2)
	if err := regs.SetControl(0, 1); !errors.Is(err, errOffline) {
		t.Fatalf("invalid error: %+v", err)
	}

	err := brd.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	defer brd.Close()

	err = brd.SetInstrument(ctx, 2, config.CloudCompile, "")
	if err == nil {
		t.Fatalf("expected an error")
	}
	err = brd.SetInstrument(ctx, 2, config.CloudCompile, "feedback.tar.gz")
	if err != nil {
		t.Fatalf("could not set instrument: %+v", err)
	}
	if got, want := brd.Slot(2), (Slot{config.CloudCompile, "feedback.tar.gz"}); got != want {
		t.Fatalf("invalid slot: got=%v, want=%v", got, want)
	}

	for i := mcc.NumRegs - 1; i >= 0; i-- {
		err = regs.SetControl(i, uint32(i+1))
		if err != nil {
			t.Fatalf("could not set control %d: %+v", i, err)
		}
	}
	v, err := regs.GetControl(15)
	if err != nil {
		t.Fatalf("could not get control: %+v", err)
	}
	if v != 16 {
		t.Fatalf("invalid register: got=%d, want=16", v)
	}
	want := mcc.Table{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if got := brd.Control(2); got != want {
		t.Fatalf("invalid control table:\ngot= %v\nwant=%v", got, want)
	}
	if got := brd.History(2); !reflect.DeepEqual(got, []mcc.Table{want}) {
		t.Fatalf("invalid history: %v", got)
	}

	if _, err := regs.GetControl(16); err == nil {
		t.Fatalf("expected an error")
	}
	if _, err := brd.Registers(5).GetControl(0); err == nil {
		t.Fatalf("expected an error")
	}

	conns := []config.Connection{{Source: "Input1", Destination: "Slot2InA"}}
	err = brd.SetConnections(ctx, conns)
	if err != nil {
		t.Fatalf("could not set connections: %+v", err)
	}
	if got := brd.Connections(); !reflect.DeepEqual(got, conns) {
		t.Fatalf("invalid connections: %v", got)
	}

	err = brd.SetFrontend(ctx, config.Input{Channel: 1, Impedance: "50Ohm"})
	if err != nil {
		t.Fatalf("could not set frontend: %+v", err)
	}
	if in, ok := brd.Input(1); !ok || in.Impedance != "50Ohm" {
		t.Fatalf("invalid input: %v", in)
	}
	err = brd.SetOutput(ctx, config.Output{Channel: 2, Gain: "14dB"})
	if err != nil {
		t.Fatalf("could not set output: %+v", err)
	}
	if out, ok := brd.Output(2); !ok || out.Gain != "14dB" {
		t.Fatalf("invalid output: %v", out)
	}

	boom := errors.New("boom")
	brd.Fail(boom)
	if err := regs.SetControl(0, 0); !errors.Is(err, boom) {
		t.Fatalf("invalid error: %+v", err)
	}
	brd.Fail(nil)
	if err := regs.SetControl(0, 0); err != nil {
		t.Fatalf("could not set control: %+v", err)
	}
}
