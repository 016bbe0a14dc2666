// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcc

import (
	"fmt"
)

// Turnkey exposes the operations of a turnkey module.
type Turnkey struct {
	*Module
}

func (tk Turnkey) Run() error {
	return tk.Apply(
		Param{"mode", 0},
		Param{"Reset", 0},
		Param{"manual_offset", 0},
	)
}

func (tk Turnkey) Stop() error {
	return tk.Apply(Param{"Reset", 1})
}

func (tk Turnkey) Sweep() error {
	return tk.Apply(
		Param{"mode", 1},
		Param{"Reset", 0},
		Param{"manual_offset", 0},
	)
}

func (tk Turnkey) PowerLockOn() error  { return tk.Apply(Param{"PID_lock", 0}) }
func (tk Turnkey) PowerLockOff() error { return tk.Apply(Param{"PID_lock", 1}) }

// Feedback exposes the operations of a feedback module.
type Feedback struct {
	*Module
}

func (fb Feedback) LOOn() error         { return fb.Apply(Param{"LO_Reset", 0}) }
func (fb Feedback) LOOff() error        { return fb.Apply(Param{"LO_Reset", 1}) }
func (fb Feedback) FastPIDOn() error    { return fb.Apply(Param{"fast_PID_Reset", 0}) }
func (fb Feedback) FastPIDOff() error   { return fb.Apply(Param{"fast_PID_Reset", 1}) }
func (fb Feedback) SlowPIDOn() error    { return fb.Apply(Param{"slow_PID_Reset", 0}) }
func (fb Feedback) SlowPIDOff() error   { return fb.Apply(Param{"slow_PID_Reset", 1}) }
func (fb Feedback) AutoMatchOn() error  { return fb.Apply(Param{"enable_auto_match", 0}) }
func (fb Feedback) AutoMatchOff() error { return fb.Apply(Param{"enable_auto_match", 1}) }

// LaunchAutoMatch triggers the auto-match sequence.
func (fb Feedback) LaunchAutoMatch() error {
	return fb.Sequence(func() error { return fb.strobe("initiate_auto_match") })
}

// LaunchFrequencyControl triggers the frequency ramp.
func (fb Feedback) LaunchFrequencyControl() error {
	return fb.Sequence(func() error { return fb.strobe("initiate") })
}

// SetWaveform replaces the waveform of the module.
func (fb Feedback) SetWaveform(segs []Segment) error {
	if len(segs) > MaxSegments {
		return fmt.Errorf("mcc: too many waveform segments (got=%d, max=%d)", len(segs), MaxSegments)
	}
	for i, seg := range segs {
		if seg.Sign > 1 {
			return fmt.Errorf("mcc: invalid sign %d for waveform segment %d", seg.Sign, i)
		}
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.wave = append(fb.wave[:0:0], segs...)
	return nil
}

// Waveform returns the waveform of the module.
func (fb Feedback) Waveform() []Segment {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]Segment(nil), fb.wave...)
}

// UploadWaveform writes every waveform segment into the look-up table of
// the module, in order. The segment address is its position in the
// waveform. Each segment is latched with a 1-0-1 strobe of the "set" bit.
func (fb Feedback) UploadWaveform() error {
	segs := fb.Waveform()
	if len(segs) == 0 {
		return fmt.Errorf("mcc: empty waveform for %q", fb.purpose)
	}

	fb.op.Lock()
	defer fb.op.Unlock()

	err := fb.SetParameter("segments_enabled", int64(len(segs)-1))
	if err != nil {
		return fmt.Errorf("mcc: could not set number of segments: %w", err)
	}

	for i, seg := range segs {
		err := fb.set(
			Param{"set_sign", int64(seg.Sign)},
			Param{"set_x", int64(seg.X)},
			Param{"set_y", int64(seg.Y)},
			Param{"set_slope", int64(seg.Slope)},
			Param{"set_address", int64(i)},
		)
		if err != nil {
			return fmt.Errorf("mcc: could not set waveform segment %d: %w", i, err)
		}
		err = fb.strobe("set")
		if err != nil {
			return fmt.Errorf("mcc: could not latch waveform segment %d: %w", i, err)
		}
	}
	return nil
}

// WriteMemory loads 64-bit words into the memory table of the module,
// starting at address base.
// Each word is split over the memory_data_high and memory_data_low
// parameters, uploaded, then committed with a write_enable 1-0 pulse.
func (m *Module) WriteMemory(base int, words []uint64) error {
	m.op.Lock()
	defer m.op.Unlock()

	for i, w := range words {
		addr := base + i
		err := m.apply(
			Param{"memory_address", int64(addr)},
			Param{"memory_data_high", int64(w >> 32)},
			Param{"memory_data_low", int64(w & 0xffffffff)},
		)
		if err != nil {
			return fmt.Errorf("mcc: could not write memory word at 0x%x: %w", addr, err)
		}
		for _, v := range []int64{1, 0} {
			err = m.apply(Param{"write_enable", v})
			if err != nil {
				return fmt.Errorf("mcc: could not commit memory word at 0x%x: %w", addr, err)
			}
		}
	}
	return nil
}
