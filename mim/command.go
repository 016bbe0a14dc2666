// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mim

import (
	"fmt"
	"sort"

	"github.com/go-lpc/mimctl/mcc"
)

var (
	turnkeyOps = map[string]func(mcc.Turnkey) error{
		"run":            mcc.Turnkey.Run,
		"stop":           mcc.Turnkey.Stop,
		"sweep":          mcc.Turnkey.Sweep,
		"power_lock_on":  mcc.Turnkey.PowerLockOn,
		"power_lock_off": mcc.Turnkey.PowerLockOff,
	}

	feedbackOps = map[string]func(mcc.Feedback) error{
		"LO_on":                    mcc.Feedback.LOOn,
		"LO_off":                   mcc.Feedback.LOOff,
		"fast_PID_on":              mcc.Feedback.FastPIDOn,
		"fast_PID_off":             mcc.Feedback.FastPIDOff,
		"slow_PID_on":              mcc.Feedback.SlowPIDOn,
		"slow_PID_off":             mcc.Feedback.SlowPIDOff,
		"auto_match_on":            mcc.Feedback.AutoMatchOn,
		"auto_match_off":           mcc.Feedback.AutoMatchOff,
		"launch_auto_match":        mcc.Feedback.LaunchAutoMatch,
		"launch_frequency_control": mcc.Feedback.LaunchFrequencyControl,
		"upload_waveform":          mcc.Feedback.UploadWaveform,
	}

	// operations of every module.
	moduleOps = map[string]func(*mcc.Module) error{
		"upload_control": (*mcc.Module).UploadControl,
		"set_defaults":   setDefaults,
	}
)

func setDefaults(m *mcc.Module) error {
	return m.Sequence(func() error {
		err := m.SetDefaults()
		if err != nil {
			return err
		}
		return m.UploadControl()
	})
}

// Command runs the operation op of the module serving purpose.
func (sess *Session) Command(purpose, op string) error {
	err := sess.ready("run command")
	if err != nil {
		return err
	}

	m, err := sess.module(purpose)
	if err != nil {
		return err
	}

	sess.msg.Debugf("command %s/%s", purpose, op)
	if f, ok := moduleOps[op]; ok {
		return f(m)
	}

	switch m.Kind() {
	case mcc.KindTurnkey:
		if f, ok := turnkeyOps[op]; ok {
			return f(mcc.Turnkey{Module: m})
		}
	case mcc.KindFeedback:
		if f, ok := feedbackOps[op]; ok {
			return f(mcc.Feedback{Module: m})
		}
	}
	return &UnknownOperationError{Purpose: purpose, Op: op}
}

// Operations returns the sorted list of operations of the module serving
// purpose.
func (sess *Session) Operations(purpose string) ([]string, error) {
	m, err := sess.module(purpose)
	if err != nil {
		return nil, err
	}

	var ops []string
	for op := range moduleOps {
		ops = append(ops, op)
	}
	switch m.Kind() {
	case mcc.KindTurnkey:
		for op := range turnkeyOps {
			ops = append(ops, op)
		}
	case mcc.KindFeedback:
		for op := range feedbackOps {
			ops = append(ops, op)
		}
	}
	sort.Strings(ops)
	return ops, nil
}

// SetParameter sets a parameter of the module serving purpose.
// Nothing is uploaded.
func (sess *Session) SetParameter(purpose, name string, v int64) error {
	m, err := sess.module(purpose)
	if err != nil {
		return err
	}
	return m.SetParameter(name, v)
}

// GetParameter returns the raw unsigned value of a parameter of the
// module serving purpose.
func (sess *Session) GetParameter(purpose, name string) (uint32, error) {
	m, err := sess.module(purpose)
	if err != nil {
		return 0, err
	}
	return m.GetParameter(name)
}

// UploadControl queues an upload of the registers of the module serving
// purpose.
func (sess *Session) UploadControl(purpose string) error {
	err := sess.ready("upload control")
	if err != nil {
		return err
	}
	m, err := sess.module(purpose)
	if err != nil {
		return err
	}
	return m.UploadControl()
}

// UploadData queues a data upload of the registers of the module serving
// purpose. Data uploads are rejected while another one is pending.
func (sess *Session) UploadData(purpose string) (Admission, error) {
	err := sess.ready("upload data")
	if err != nil {
		return Rejected, err
	}
	m, err := sess.module(purpose)
	if err != nil {
		return Rejected, err
	}
	return sess.up.UploadData(m)
}

// Tune sets a parameter and queues a data upload.
// A rejected upload is not an error: the latest accepted value still
// reaches the hardware.
func (sess *Session) Tune(purpose, name string, v int64) (Admission, error) {
	err := sess.ready("tune")
	if err != nil {
		return Rejected, err
	}
	m, err := sess.module(purpose)
	if err != nil {
		return Rejected, err
	}

	adm := Rejected
	err = m.Sequence(func() error {
		err := m.SetParameter(name, v)
		if err != nil {
			return err
		}
		adm, err = sess.up.UploadData(m)
		return err
	})
	return adm, err
}

// Switch sets a 1-bit parameter and queues a control upload.
// Inverted parameters are active low.
func (sess *Session) Switch(purpose, name string, on, inverted bool) error {
	var v int64
	if on != inverted {
		v = 1
	}
	return sess.Apply(purpose, mcc.Param{Name: name, Value: v})
}

// Apply sets parameters of the module serving purpose and queues a single
// control upload.
func (sess *Session) Apply(purpose string, ps ...mcc.Param) error {
	err := sess.ready("apply parameters")
	if err != nil {
		return err
	}
	m, err := sess.module(purpose)
	if err != nil {
		return err
	}
	return m.Apply(ps...)
}

// SetWaveform replaces the waveform of the feedback module serving purpose.
func (sess *Session) SetWaveform(purpose string, segs []mcc.Segment) error {
	m, err := sess.module(purpose)
	if err != nil {
		return err
	}
	if m.Kind() != mcc.KindFeedback {
		return &UnknownOperationError{Purpose: purpose, Op: "set_waveform"}
	}
	return mcc.Feedback{Module: m}.SetWaveform(segs)
}

// WriteMemory loads words into the memory table of the module serving
// purpose, starting at address base.
func (sess *Session) WriteMemory(purpose string, base int, words []uint64) error {
	err := sess.ready("write memory")
	if err != nil {
		return err
	}
	m, err := sess.module(purpose)
	if err != nil {
		return err
	}
	err = m.WriteMemory(base, words)
	if err != nil {
		return fmt.Errorf("mim: could not write memory of %q: %w", purpose, err)
	}
	return nil
}
