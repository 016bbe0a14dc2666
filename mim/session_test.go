// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mim

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/mimctl/config"
	"github.com/go-lpc/mimctl/internal/sim"
	"github.com/go-lpc/mimctl/mcc"
	"github.com/go-lpc/mimctl/transport"
)

const testConfig = "../config/testdata/config.xml"

type transitions struct {
	mu  sync.Mutex
	all []string
}

func (tr *transitions) record(old, new State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.all = append(tr.all, old.String()+"->"+new.String())
}

func (tr *transitions) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.all...)
}

func newTestSession(t *testing.T, brd *sim.Board, opts ...Option) *Session {
	t.Helper()
	src, err := config.Open(testConfig)
	if err != nil {
		t.Fatalf("could not open configuration file: %+v", err)
	}
	opts = append([]Option{
		WithLogger(discard()),
		WithPollInterval(time.Millisecond),
	}, opts...)
	return New(brd, src, opts...)
}

func flush(t *testing.T, sess *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.Flush(ctx)
	if err != nil {
		t.Fatalf("could not flush uploads: %+v", err)
	}
}

func initSession(t *testing.T, sess *Session, id string) {
	t.Helper()
	ctx := context.Background()
	err := sess.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	err = sess.Initialize(ctx, id)
	if err != nil {
		t.Fatalf("could not initialize: %+v", err)
	}
	flush(t, sess)
}

func TestSessionInitialize(t *testing.T) {
	brd := sim.New()
	sess := newTestSession(t, brd)
	defer sess.Close()

	var trs transitions
	sess.OnState(trs.record)

	if got, want := sess.State(), Offline; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	initSession(t, sess, "1")

	if got, want := trs.get(), []string{
		"OFFLINE->CONNECTING",
		"CONNECTING->STANDBY",
		"STANDBY->BUSY",
		"BUSY->STANDBY",
	}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid transitions:\ngot= %q\nwant=%q", got, want)
	}

	if got, want := brd.Slot(1).Bitstream, config.BitstreamPath("../config/testdata/bitstreams", "turnkey_v3"); got != want {
		t.Fatalf("invalid bitstream: got=%q, want=%q", got, want)
	}
	if got, want := brd.Slot(3).Type, "Oscilloscope"; got != want {
		t.Fatalf("invalid slot type: got=%q, want=%q", got, want)
	}
	if got, want := len(brd.Connections()), 4; got != want {
		t.Fatalf("invalid number of connections: got=%d, want=%d", got, want)
	}
	if in, ok := brd.Input(2); !ok || in.Coupling != "AC" {
		t.Fatalf("invalid input 2: %+v", in)
	}
	if out, ok := brd.Output(1); !ok || out.Gain != "14dB" {
		t.Fatalf("invalid output 1: %+v", out)
	}

	for _, purpose := range []string{"turnkey", "feedback", "iir"} {
		inst, err := sess.Instrument(purpose)
		if err != nil {
			t.Fatalf("could not find %q: %+v", purpose, err)
		}
		if got, want := brd.Control(inst.Slot), inst.Module.Snapshot(); got != want {
			t.Fatalf("%s: invalid board registers:\ngot= %v\nwant=%v", purpose, got, want)
		}
	}

	// defaults then stop.
	if got, want := len(brd.History(1)), 2; got != want {
		t.Fatalf("invalid number of turnkey uploads: got=%d, want=%d", got, want)
	}
	if got, want := len(brd.History(2)), 1; got != want {
		t.Fatalf("invalid number of feedback uploads: got=%d, want=%d", got, want)
	}

	v, err := sess.GetParameter("turnkey", "manual_offset")
	if err != nil {
		t.Fatalf("could not get parameter: %+v", err)
	}
	if v != 65436 {
		t.Fatalf("invalid manual_offset: got=%d, want=65436", v)
	}
	if got, want := brd.Control(1)[15]>>16, uint32(65436); got != want {
		t.Fatalf("invalid manual_offset register: got=%d, want=%d", got, want)
	}
	if got, want := brd.Control(1)[1], uint32(1000); got != want {
		t.Fatalf("invalid setpoint register: got=%d, want=%d", got, want)
	}

	inst, err := sess.GetInstrument(3)
	if err != nil {
		t.Fatalf("could not get slot 3: %+v", err)
	}
	if inst.Module != nil || inst.String() != "Oscilloscope[slot=3]" {
		t.Fatalf("invalid builtin instrument: %v", inst)
	}
	if _, err := sess.GetInstrument(5); err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := len(sess.Instruments()), 4; got != want {
		t.Fatalf("invalid number of instruments: got=%d, want=%d", got, want)
	}

	err = sess.Disconnect()
	if err != nil {
		t.Fatalf("could not disconnect: %+v", err)
	}
	if got, want := sess.State(), Offline; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
	if err := sess.Command("turnkey", "run"); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestSessionCommand(t *testing.T) {
	brd := sim.New()
	sess := newTestSession(t, brd)
	defer sess.Close()
	initSession(t, sess, "1")

	for _, tc := range []struct {
		purpose string
		op      string
		check   func(tbl mcc.Table) bool
	}{
		{"turnkey", "run", func(tbl mcc.Table) bool { return tbl[0]&0x3 == 0 && tbl[15] == 0 }},
		{"turnkey", "sweep", func(tbl mcc.Table) bool { return tbl[0]&0x3 == 1 }},
		{"turnkey", "stop", func(tbl mcc.Table) bool { return tbl[0]&0x2 == 2 }},
		{"turnkey", "power_lock_on", func(tbl mcc.Table) bool { return tbl[0]&0x4 == 0 }},
		{"turnkey", "power_lock_off", func(tbl mcc.Table) bool { return tbl[0]&0x4 == 4 }},
		{"feedback", "LO_on", func(tbl mcc.Table) bool { return tbl[0]&0x1 == 0 }},
		{"feedback", "fast_PID_on", func(tbl mcc.Table) bool { return tbl[0]&0x2 == 0 }},
		{"feedback", "slow_PID_off", func(tbl mcc.Table) bool { return tbl[0]&0x4 == 4 }},
		{"feedback", "auto_match_on", func(tbl mcc.Table) bool { return tbl[0]&0x8 == 0 }},
		{"feedback", "launch_frequency_control", func(tbl mcc.Table) bool { return tbl[0]&0x20 != 0 }},
		{"iir", "set_defaults", func(tbl mcc.Table) bool { return tbl == mcc.Table{} }},
	} {
		t.Run(tc.purpose+"-"+tc.op, func(t *testing.T) {
			err := sess.Command(tc.purpose, tc.op)
			if err != nil {
				t.Fatalf("could not run command: %+v", err)
			}
			flush(t, sess)
			inst, _ := sess.Instrument(tc.purpose)
			if tbl := brd.Control(inst.Slot); !tc.check(tbl) {
				t.Fatalf("invalid registers: %v", tbl)
			}
		})
	}

	err := sess.Command("laser", "run")
	var perr *UnknownPurposeError
	if !errors.As(err, &perr) {
		t.Fatalf("invalid error: %+v", err)
	}

	for _, tc := range []struct{ purpose, op string }{
		{"turnkey", "LO_on"},
		{"feedback", "run"},
		{"iir", "run"},
		{"turnkey", "explode"},
	} {
		err := sess.Command(tc.purpose, tc.op)
		var oerr *UnknownOperationError
		if !errors.As(err, &oerr) {
			t.Fatalf("%s/%s: invalid error: %+v", tc.purpose, tc.op, err)
		}
	}

	ops, err := sess.Operations("turnkey")
	if err != nil {
		t.Fatalf("could not list operations: %+v", err)
	}
	want := []string{"power_lock_off", "power_lock_on", "run", "set_defaults", "stop", "sweep", "upload_control"}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("invalid operations:\ngot= %q\nwant=%q", ops, want)
	}
}

func TestSessionStrobe(t *testing.T) {
	brd := sim.New()
	sess := newTestSession(t, brd)
	defer sess.Close()
	initSession(t, sess, "1")

	n := len(brd.History(2))
	err := sess.Command("feedback", "launch_auto_match")
	if err != nil {
		t.Fatalf("could not launch auto-match: %+v", err)
	}
	flush(t, sess)

	hist := brd.History(2)[n:]
	var bits []uint32
	for _, tbl := range hist {
		bits = append(bits, mcc.ReadBits(tbl[0], 4, 4))
	}
	if want := []uint32{1, 0, 1}; !reflect.DeepEqual(bits, want) {
		t.Fatalf("invalid strobe sequence: got=%v, want=%v", bits, want)
	}
}

func TestSessionWaveform(t *testing.T) {
	brd := sim.New()
	sess := newTestSession(t, brd)
	defer sess.Close()
	initSession(t, sess, "1")

	segs := []mcc.Segment{
		{Sign: 0, X: 100, Y: 50, Slope: 0},
		{Sign: 1, X: 200, Y: 60, Slope: 3},
		{Sign: 0, X: 300, Y: 70, Slope: 4},
		{Sign: 1, X: 400, Y: 80, Slope: 5},
	}
	err := sess.SetWaveform("feedback", segs)
	if err != nil {
		t.Fatalf("could not set waveform: %+v", err)
	}
	if err := sess.SetWaveform("turnkey", segs); err == nil {
		t.Fatalf("expected an error")
	}

	n := len(brd.History(2))
	err = sess.Command("feedback", "upload_waveform")
	if err != nil {
		t.Fatalf("could not upload waveform: %+v", err)
	}
	flush(t, sess)

	hist := brd.History(2)[n:]
	if got, want := len(hist), 12; got != want {
		t.Fatalf("invalid number of uploads: got=%d, want=%d", got, want)
	}
	for i, seg := range segs {
		tbl := hist[3*i+2]
		if got, want := mcc.ReadBits(tbl[1], 2, 0), uint32(3); got != want {
			t.Fatalf("invalid segments_enabled: got=%d, want=%d", got, want)
		}
		if got, want := mcc.ReadBits(tbl[1], 5, 3), uint32(i); got != want {
			t.Fatalf("invalid address of segment %d: got=%d", i, got)
		}
		if tbl[2] != seg.X || tbl[3] != seg.Y || tbl[4] != seg.Slope || mcc.ReadBits(tbl[1], 6, 6) != seg.Sign {
			t.Fatalf("invalid segment %d: %v", i, tbl)
		}
	}
}

func TestSessionTune(t *testing.T) {
	brd := sim.New()
	sess := newTestSession(t, brd, WithPollInterval(time.Hour))
	defer sess.Close()

	ctx := context.Background()
	err := sess.Connect(ctx)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	err = sess.ParseConfig(ctx, "1")
	if err != nil {
		t.Fatalf("could not parse config: %+v", err)
	}

	for i, want := range []Admission{Queued, Rejected, Rejected} {
		got, err := sess.Tune("feedback", "LO_frequency", int64(-10*i))
		if err != nil {
			t.Fatalf("could not tune: %+v", err)
		}
		if got != want {
			t.Fatalf("invalid admission #%d: got=%v, want=%v", i, got, want)
		}
	}

	if _, err := sess.Tune("feedback", "LO_frequency", 1<<16); err == nil {
		t.Fatalf("expected an error")
	}
	if _, err := sess.Tune("feedback", "no-such-param", 1); err == nil {
		t.Fatalf("expected an error")
	}

	err = sess.Switch("feedback", "LO_Reset", true, true)
	if err != nil {
		t.Fatalf("could not switch: %+v", err)
	}
	v, err := sess.GetParameter("feedback", "LO_Reset")
	if err != nil {
		t.Fatalf("could not get parameter: %+v", err)
	}
	if v != 0 {
		t.Fatalf("invalid inverted switch: got=%d, want=0", v)
	}
	err = sess.Switch("feedback", "set", true, false)
	if err != nil {
		t.Fatalf("could not switch: %+v", err)
	}
	if v, _ := sess.GetParameter("feedback", "set"); v != 1 {
		t.Fatalf("invalid switch: got=%d, want=1", v)
	}
}

func TestSessionWriteMemory(t *testing.T) {
	brd := sim.New()
	sess := newTestSession(t, brd)
	defer sess.Close()
	initSession(t, sess, "1")

	n := len(brd.History(4))
	err := sess.WriteMemory("iir", 0x10, []uint64{0x0000000100000002, 0xffffffff00000000})
	if err != nil {
		t.Fatalf("could not write memory: %+v", err)
	}
	flush(t, sess)

	hist := brd.History(4)[n:]
	if got, want := len(hist), 6; got != want {
		t.Fatalf("invalid number of uploads: got=%d, want=%d", got, want)
	}
	if got, want := hist[0], (mcc.Table{0x10, 1, 2}); got != want {
		t.Fatalf("invalid first word:\ngot= %v\nwant=%v", got, want)
	}
	if got, want := hist[1][0], uint32(0x110); got != want {
		t.Fatalf("invalid write enable: got=0x%x, want=0x%x", got, want)
	}
	if got, want := hist[5], (mcc.Table{0x11, 0xffffffff, 0}); got != want {
		t.Fatalf("invalid last word:\ngot= %v\nwant=%v", got, want)
	}
}

func TestSessionFailure(t *testing.T) {
	brd := sim.New()
	sess := newTestSession(t, brd)
	defer sess.Close()
	initSession(t, sess, "1")

	brd.Fail(errors.New("cable unplugged"))
	err := sess.Command("turnkey", "run")
	if err != nil {
		t.Fatalf("queued command should not fail: %+v", err)
	}
	flush(t, sess)

	if got, want := sess.State(), Unknown; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	err = sess.Command("turnkey", "run")
	var serr *StateError
	if !errors.As(err, &serr) || serr.State != Unknown {
		t.Fatalf("invalid error: %+v", err)
	}
	if err := sess.Initialize(context.Background(), "1"); !errors.As(err, &serr) {
		t.Fatalf("invalid error: %+v", err)
	}

	brd.Fail(nil)
	err = sess.Connect(context.Background())
	if err != nil {
		t.Fatalf("could not reconnect: %+v", err)
	}
	if got, want := sess.State(), Standby; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	brd.Fail(errors.New("fpga manager crashed"))
	err = sess.Initialize(context.Background(), "1")
	var derr *DeviceError
	if !errors.As(err, &derr) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := sess.State(), Unknown; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	brd.Fail(nil)
	err = sess.Connect(context.Background())
	if err != nil {
		t.Fatalf("could not reconnect: %+v", err)
	}

	brd.Fail(errors.New("bus error"))
	err = sess.SyncDownload(context.Background())
	var cerr *transport.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := sess.State(), Unknown; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
}

func TestSessionConfigErrors(t *testing.T) {
	ctx := context.Background()
	brd := sim.New()

	sess := newTestSession(t, brd)
	err := sess.ParseConfig(ctx, "42")
	var nf *config.ConfigNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = sess.ParseConfig(ctx, "2")
	var uerr *config.UnsupportedConfigurationError
	if !errors.As(err, &uerr) {
		t.Fatalf("invalid error: %+v", err)
	}

	sess = newTestSession(t, brd, WithPlatform("moku-go"))
	err = sess.ParseConfig(ctx, "1")
	if !errors.As(err, &uerr) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = sess.UploadConfig(ctx)
	var serr *StateError
	if !errors.As(err, &serr) || serr.State != Offline {
		t.Fatalf("invalid error: %+v", err)
	}

	sess = newTestSession(t, brd, WithMode(transport.Bus))
	err = sess.ParseConfig(ctx, "1")
	if !errors.Is(err, errNoLine) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestSessionHTTP(t *testing.T) {
	brd := sim.New()
	srv := httptest.NewServer(brd.Handler())
	defer srv.Close()

	sess := newTestSession(t, brd,
		WithMode(transport.HTTP),
		WithHTTP(srv.URL+"/api/v2/registers", transport.WithTimeout(time.Second)),
		WithPlatform("moku-go"),
	)
	defer sess.Close()
	initSession(t, sess, "2")

	err := sess.Command("turnkey", "run")
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}
	flush(t, sess)

	inst, _ := sess.Instrument("turnkey")
	if got, want := brd.Control(1), inst.Module.Snapshot(); got != want {
		t.Fatalf("invalid board registers:\ngot= %v\nwant=%v", got, want)
	}
	if got, want := sess.State(), Standby; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
}

func TestSessionBus(t *testing.T) {
	brd := sim.New()
	cli, srv := net.Pipe()
	defer cli.Close()
	go func() {
		_ = brd.ServeBus(srv)
	}()

	sess := newTestSession(t, brd,
		WithMode(transport.Bus),
		WithLine(transport.NewLine(cli)),
	)
	defer sess.Close()
	initSession(t, sess, "1")

	err := sess.Command("feedback", "launch_frequency_control")
	if err != nil {
		t.Fatalf("could not launch frequency control: %+v", err)
	}
	flush(t, sess)

	for _, purpose := range []string{"turnkey", "feedback", "iir"} {
		inst, _ := sess.Instrument(purpose)
		if got, want := brd.Control(inst.Slot), inst.Module.Snapshot(); got != want {
			t.Fatalf("%s: invalid board registers:\ngot= %v\nwant=%v", purpose, got, want)
		}
	}
}
