// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcc

import (
	"context"
	"fmt"
	"sync"
)

// Module is one FPGA-hosted instrument with its own control register bank.
type Module struct {
	slot    int
	purpose string
	kind    Kind

	layout *Layout
	defs   []Param
	bank   Bank

	tr Transport
	up Uploader

	op sync.Mutex // held across upload sequences

	mu   sync.Mutex
	wave []Segment
}

// Option configures a module.
type Option func(m *Module)

// WithTransport sets the transport used to reach the module registers.
func WithTransport(tr Transport) Option {
	return func(m *Module) {
		m.tr = tr
	}
}

// WithUploader sets the uploader queueing register uploads for the module.
func WithUploader(up Uploader) Option {
	return func(m *Module) {
		m.up = up
	}
}

// New creates a module sitting in the provided slot and serving purpose.
// The defaults are checked against the layout but not applied.
func New(slot int, purpose string, layout *Layout, defs []Param, opts ...Option) (*Module, error) {
	if layout == nil {
		return nil, fmt.Errorf("mcc: nil layout for module %q (slot=%d)", purpose, slot)
	}

	m := &Module{
		slot:    slot,
		purpose: purpose,
		kind:    KindOf(purpose),
		layout:  layout,
		defs:    make([]Param, len(defs)),
	}
	copy(m.defs, defs)

	for _, opt := range opts {
		opt(m)
	}

	for _, p := range m.defs {
		f, ok := layout.Field(p.Name)
		if !ok {
			return nil, fmt.Errorf("mcc: invalid default for module %q: %w", purpose, &UnknownParameterError{p.Name})
		}
		if _, err := Encode(p.Value, f.Width()); err != nil {
			return nil, fmt.Errorf("mcc: invalid default %q for module %q: %w", p.Name, purpose, err)
		}
	}

	return m, nil
}

func (m *Module) Slot() int        { return m.slot }
func (m *Module) Purpose() string  { return m.purpose }
func (m *Module) Kind() Kind       { return m.kind }
func (m *Module) Layout() *Layout  { return m.layout }
func (m *Module) Snapshot() Table  { return m.bank.Snapshot() }
func (m *Module) Load(tbl Table)   { m.bank.Load(tbl) }
func (m *Module) Reg(i int) uint32 { return m.bank.Reg(i) }

// Defaults returns the default parameter values of the module.
func (m *Module) Defaults() []Param {
	defs := make([]Param, len(m.defs))
	copy(defs, m.defs)
	return defs
}

// SetParameter encodes v into the register field of the named parameter.
func (m *Module) SetParameter(name string, v int64) error {
	f, ok := m.layout.Field(name)
	if !ok {
		return &UnknownParameterError{Name: name}
	}
	return m.bank.Write(f, v)
}

// GetParameter returns the raw unsigned content of the named parameter.
// Signed parameters are not sign-extended.
func (m *Module) GetParameter(name string) (uint32, error) {
	f, ok := m.layout.Field(name)
	if !ok {
		return 0, &UnknownParameterError{Name: name}
	}
	return m.bank.Read(f), nil
}

// SetDefaults applies every default parameter value, in order.
// SetDefaults does not upload anything.
func (m *Module) SetDefaults() error {
	for _, p := range m.defs {
		err := m.SetParameter(p.Name, p.Value)
		if err != nil {
			return fmt.Errorf("mcc: could not apply default %q=%d: %w", p.Name, p.Value, err)
		}
	}
	return nil
}

// UploadControl queues the current register table for upload.
func (m *Module) UploadControl() error {
	if m.up == nil {
		return errNoUploader
	}
	return m.up.UploadControl(m)
}

// Upload sends tbl to the module registers through the transport.
func (m *Module) Upload(ctx context.Context, tbl Table) error {
	if m.tr == nil {
		return errNoTransport
	}
	return m.tr.Upload(ctx, tbl)
}

// Download replaces the register bank with the content of the hardware
// registers.
func (m *Module) Download(ctx context.Context) error {
	if m.tr == nil {
		return errNoTransport
	}
	tbl, err := m.tr.Download(ctx)
	if err != nil {
		return fmt.Errorf("mcc: could not download registers of %q (slot=%d): %w", m.purpose, m.slot, err)
	}
	m.bank.Load(tbl)
	return nil
}

func (m *Module) set(ps ...Param) error {
	for _, p := range ps {
		err := m.SetParameter(p.Name, p.Value)
		if err != nil {
			return err
		}
	}
	return nil
}

// Sequence runs f while no other operation of the module is in progress.
// The parameter changes and uploads made by f are not interleaved with
// those of another operation.
func (m *Module) Sequence(f func() error) error {
	m.op.Lock()
	defer m.op.Unlock()
	return f()
}

// Apply sets the parameters then queues a single upload.
func (m *Module) Apply(ps ...Param) error {
	return m.Sequence(func() error { return m.apply(ps...) })
}

func (m *Module) apply(ps ...Param) error {
	err := m.set(ps...)
	if err != nil {
		return err
	}
	return m.UploadControl()
}

// strobe drives the named trigger bit through a 1-0-1 sequence, with
// an upload after each step.
func (m *Module) strobe(name string) error {
	for _, v := range []int64{1, 0, 1} {
		err := m.apply(Param{name, v})
		if err != nil {
			return fmt.Errorf("mcc: could not strobe %q: %w", name, err)
		}
	}
	return nil
}
