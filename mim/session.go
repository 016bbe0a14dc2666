// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/mimctl/config"
	"github.com/go-lpc/mimctl/mcc"
	"github.com/go-lpc/mimctl/transport"
	"golang.org/x/sync/errgroup"
)

// Session manages the instrument slots of a board.
type Session struct {
	msg Logger
	dev Device
	src config.Source

	mode     transport.Mode
	url      string
	httpOpts []transport.HTTPOption
	line     *transport.Line
	platform string
	freq     time.Duration

	up *uploader

	mu    sync.RWMutex
	state State
	hooks []func(old, new State)
	cfg   *config.Config
	slots [config.NumSlots]*Instrument
	quit  func() error // stops the upload scheduler
}

// Option configures a session.
type Option func(sess *Session)

// WithLogger sets the message stream of the session.
func WithLogger(msg Logger) Option {
	return func(sess *Session) {
		sess.msg = msg
	}
}

// WithMode sets the transport used to reach the module registers.
func WithMode(mode transport.Mode) Option {
	return func(sess *Session) {
		sess.mode = mode
	}
}

// WithHTTP sets the REST endpoint used by the HTTP transport.
func WithHTTP(url string, opts ...transport.HTTPOption) Option {
	return func(sess *Session) {
		sess.url = url
		sess.httpOpts = opts
	}
}

// WithLine sets the register bus used by the bus transport.
func WithLine(line *transport.Line) Option {
	return func(sess *Session) {
		sess.line = line
	}
}

// WithPlatform sets the hardware platform of the board.
// Configurations built for another platform are rejected.
func WithPlatform(name string) Option {
	return func(sess *Session) {
		sess.platform = name
	}
}

// WithPollInterval sets the period of the upload scheduler.
func WithPollInterval(d time.Duration) Option {
	return func(sess *Session) {
		sess.freq = d
	}
}

// New creates an offline session driving dev, with configurations
// loaded from src.
func New(dev Device, src config.Source, opts ...Option) *Session {
	sess := &Session{
		msg:  log.NewMsgStream("mim", log.LvlInfo, os.Stdout),
		dev:  dev,
		src:  src,
		mode: transport.Direct,
		url:  transport.DefaultURL,
		freq: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(sess)
	}
	sess.up = newUploader(sess.msg, sess.freq, sess.uploadFailed)
	return sess
}

// Mode returns the transport mode of the session.
func (sess *Session) Mode() transport.Mode { return sess.mode }

// State returns the current state of the session.
func (sess *Session) State() State {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.state
}

// OnState registers a function called on every state transition.
// Functions are called from the goroutine triggering the transition.
func (sess *Session) OnState(f func(old, new State)) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.hooks = append(sess.hooks, f)
}

func (sess *Session) notify(hooks []func(old, new State), old, new State) {
	if old == new {
		return
	}
	sess.msg.Infof("state: %v -> %v", old, new)
	for _, f := range hooks {
		f(old, new)
	}
}

func (sess *Session) setState(st State) {
	sess.mu.Lock()
	old := sess.state
	sess.state = st
	hooks := sess.hooks
	sess.mu.Unlock()
	sess.notify(hooks, old, st)
}

// begin moves a standby session to BUSY.
func (sess *Session) begin(op string) error {
	sess.mu.Lock()
	old := sess.state
	if old != Standby {
		sess.mu.Unlock()
		return &StateError{Op: op, State: old}
	}
	sess.state = Busy
	hooks := sess.hooks
	sess.mu.Unlock()
	sess.notify(hooks, old, Busy)
	return nil
}

// end leaves BUSY: a failure to reach the hardware moves the session to
// UNKNOWN, anything else back to STANDBY.
func (sess *Session) end(err error) error {
	next := Standby
	if isHardwareError(err) {
		next = Unknown
	}

	sess.mu.Lock()
	old := sess.state
	if old == Busy {
		sess.state = next
	}
	next = sess.state
	hooks := sess.hooks
	sess.mu.Unlock()
	sess.notify(hooks, old, next)
	return err
}

func isHardwareError(err error) bool {
	var (
		cerr *transport.ConnectionError
		derr *DeviceError
	)
	return errors.As(err, &cerr) || errors.As(err, &derr)
}

// uploadFailed is called by the upload scheduler when a queued upload
// could not reach the hardware.
func (sess *Session) uploadFailed(m *mcc.Module, err error) {
	sess.mu.Lock()
	old := sess.state
	if old == Standby || old == Busy {
		sess.state = Unknown
	}
	next := sess.state
	hooks := sess.hooks
	sess.mu.Unlock()
	sess.notify(hooks, old, next)
}

func (sess *Session) ready(op string) error {
	switch st := sess.State(); st {
	case Standby, Busy:
		return nil
	default:
		return &StateError{Op: op, State: st}
	}
}

// Connect claims the device and starts the upload scheduler.
// Connect is the only way out of the UNKNOWN state.
func (sess *Session) Connect(ctx context.Context) error {
	sess.mu.Lock()
	old := sess.state
	if old != Offline && old != Unknown {
		sess.mu.Unlock()
		return &StateError{Op: "connect", State: old}
	}
	sess.state = Connecting
	hooks := sess.hooks
	sess.mu.Unlock()
	sess.notify(hooks, old, Connecting)

	if old == Unknown {
		sess.halt()
		_ = sess.dev.Close()
	}

	err := sess.dev.Connect(ctx)
	if err != nil {
		sess.setState(Offline)
		return fmt.Errorf("mim: could not connect to device: %w", err)
	}

	sess.launch()
	sess.setState(Standby)
	return nil
}

func (sess *Session) launch() {
	ctx, cancel := context.WithCancel(context.Background())
	grp, ctx := errgroup.WithContext(ctx)

	sess.up.start()
	grp.Go(func() error {
		return sess.up.run(ctx)
	})

	sess.mu.Lock()
	sess.quit = func() error {
		cancel()
		err := grp.Wait()
		sess.up.stop()
		return err
	}
	sess.mu.Unlock()
}

func (sess *Session) halt() {
	sess.mu.Lock()
	quit := sess.quit
	sess.quit = nil
	sess.mu.Unlock()

	if quit == nil {
		return
	}
	err := quit()
	if err != nil {
		sess.msg.Warnf("upload scheduler stopped with: %+v", err)
	}
}

// Disconnect stops the upload scheduler, drops pending uploads and
// relinquishes the device.
func (sess *Session) Disconnect() error {
	if sess.State() == Offline {
		return nil
	}

	sess.halt()
	err := sess.dev.Close()
	sess.setState(Offline)
	if err != nil {
		return fmt.Errorf("mim: could not release device: %w", err)
	}
	return nil
}

// Close disconnects the session.
func (sess *Session) Close() error {
	return sess.Disconnect()
}

// Flush waits until every queued upload was sent.
func (sess *Session) Flush(ctx context.Context) error {
	return sess.up.flush(ctx)
}

// ParseConfig loads the configuration id and rebuilds the instrument
// slots. Nothing is sent to the hardware.
func (sess *Session) ParseConfig(ctx context.Context, id string) error {
	switch st := sess.State(); st {
	case Connecting, Busy:
		return &StateError{Op: "parse configuration", State: st}
	}
	return sess.parseConfig(ctx, id)
}

func (sess *Session) parseConfig(ctx context.Context, id string) error {
	cfg, err := sess.src.Config(ctx, id)
	if err != nil {
		return fmt.Errorf("mim: could not load configuration: %w", err)
	}

	err = cfg.Check(sess.platform, sess.mode.String())
	if err != nil {
		return fmt.Errorf("mim: could not use configuration: %w", err)
	}

	var (
		slots    [config.NumSlots]*Instrument
		purposes = make(map[string]int)
	)
	for _, ci := range cfg.Instruments {
		inst := &Instrument{
			Slot:      ci.Slot,
			Type:      ci.Type,
			Purpose:   ci.Purpose,
			Bitstream: ci.Bitstream,
		}
		if ci.Purpose != "" {
			if slot, dup := purposes[ci.Purpose]; dup {
				return fmt.Errorf(
					"mim: purpose %q used by slots %d and %d in configuration %q",
					ci.Purpose, slot, ci.Slot, id,
				)
			}
			purposes[ci.Purpose] = ci.Slot
		}
		if ci.Custom() {
			inst.Module, err = sess.newModule(ci)
			if err != nil {
				return fmt.Errorf("mim: could not create module for slot %d: %w", ci.Slot, err)
			}
		}
		slots[ci.Slot-1] = inst
	}

	sess.mu.Lock()
	sess.cfg = cfg
	sess.slots = slots
	sess.mu.Unlock()

	sess.msg.Infof("loaded configuration %q (%s)", cfg.ID, cfg.Description)
	return nil
}

func (sess *Session) newModule(ci config.Instrument) (*mcc.Module, error) {
	lay, err := ci.Layout()
	if err != nil {
		return nil, err
	}
	tr, err := sess.transport(ci.Slot)
	if err != nil {
		return nil, err
	}
	return mcc.New(
		ci.Slot, ci.Purpose, lay, ci.Defaults(),
		mcc.WithTransport(tr),
		mcc.WithUploader(sess.up),
	)
}

func (sess *Session) transport(slot int) (mcc.Transport, error) {
	switch sess.mode {
	case transport.Direct:
		return transport.NewDirect(slot, sess.dev.Registers(slot)), nil
	case transport.HTTP:
		return transport.NewHTTP(sess.url, slot, sess.httpOpts...), nil
	case transport.Bus:
		if sess.line == nil {
			return nil, errNoLine
		}
		return transport.NewBus(sess.line, slot), nil
	}
	return nil, fmt.Errorf("mim: invalid transport mode %v", sess.mode)
}

// Config returns the loaded configuration, if any.
func (sess *Session) Config() *config.Config {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.cfg
}

// UploadConfig loads the bitstreams into their slots, routes the signals
// and applies the analog front-end and output settings.
func (sess *Session) UploadConfig(ctx context.Context) error {
	err := sess.begin("upload configuration")
	if err != nil {
		return err
	}
	return sess.end(sess.uploadConfig(ctx))
}

func (sess *Session) uploadConfig(ctx context.Context) error {
	sess.mu.RLock()
	cfg := sess.cfg
	slots := sess.slots
	sess.mu.RUnlock()

	if cfg == nil {
		return errNoConfig
	}

	for _, inst := range slots {
		if inst == nil {
			continue
		}
		sess.msg.Debugf("loading %v...", inst)
		err := sess.dev.SetInstrument(ctx, inst.Slot, inst.Type, inst.Bitstream)
		if err != nil {
			return &DeviceError{Op: fmt.Sprintf("load %v", inst), Err: err}
		}
	}

	err := sess.dev.SetConnections(ctx, cfg.Connections)
	if err != nil {
		return &DeviceError{Op: "route signals", Err: err}
	}

	for _, in := range cfg.Inputs {
		err = sess.dev.SetFrontend(ctx, in)
		if err != nil {
			return &DeviceError{Op: fmt.Sprintf("configure input %d", in.Channel), Err: err}
		}
	}

	for _, out := range cfg.Outputs {
		err = sess.dev.SetOutput(ctx, out)
		if err != nil {
			return &DeviceError{Op: fmt.Sprintf("configure output %d", out.Channel), Err: err}
		}
	}

	return nil
}

// UploadParameter applies the default parameters of every module and
// queues a control upload for each of them.
// Turnkey modules are then stopped.
func (sess *Session) UploadParameter() error {
	err := sess.begin("upload parameters")
	if err != nil {
		return err
	}
	return sess.end(sess.uploadParameter())
}

func (sess *Session) uploadParameter() error {
	for _, m := range sess.modules() {
		err := m.SetDefaults()
		if err != nil {
			return fmt.Errorf("mim: could not set defaults of %q: %w", m.Purpose(), err)
		}
		err = m.UploadControl()
		if err != nil {
			return fmt.Errorf("mim: could not upload parameters of %q: %w", m.Purpose(), err)
		}
		if m.Kind() == mcc.KindTurnkey {
			err = mcc.Turnkey{Module: m}.Stop()
			if err != nil {
				return fmt.Errorf("mim: could not stop %q: %w", m.Purpose(), err)
			}
		}
	}
	return nil
}

// SyncDownload replaces the register bank of every module with the
// content of the hardware registers.
func (sess *Session) SyncDownload(ctx context.Context) error {
	err := sess.begin("download registers")
	if err != nil {
		return err
	}
	return sess.end(sess.syncDownload(ctx))
}

func (sess *Session) syncDownload(ctx context.Context) error {
	for _, m := range sess.modules() {
		err := m.Download(ctx)
		if err != nil {
			return fmt.Errorf("mim: could not synchronize %q: %w", m.Purpose(), err)
		}
	}
	return nil
}

// Initialize loads the configuration id onto the board: bitstreams,
// routing and analog settings, register synchronization and default
// parameters.
func (sess *Session) Initialize(ctx context.Context, id string) error {
	err := sess.begin("initialize")
	if err != nil {
		return err
	}
	return sess.end(sess.initialize(ctx, id))
}

func (sess *Session) initialize(ctx context.Context, id string) error {
	sess.msg.Infof("initializing configuration %q...", id)
	for _, f := range []func() error{
		func() error { return sess.parseConfig(ctx, id) },
		func() error { return sess.uploadConfig(ctx) },
		func() error { return sess.syncDownload(ctx) },
		sess.uploadParameter,
	} {
		err := f()
		if err != nil {
			return err
		}
	}
	sess.msg.Infof("initializing configuration %q... [done]", id)
	return nil
}

// GetInstrument returns the instrument in slot.
func (sess *Session) GetInstrument(slot int) (*Instrument, error) {
	if slot < 1 || slot > config.NumSlots {
		return nil, fmt.Errorf("mim: invalid slot %d", slot)
	}
	sess.mu.RLock()
	inst := sess.slots[slot-1]
	sess.mu.RUnlock()
	if inst == nil {
		return nil, fmt.Errorf("mim: no instrument in slot %d", slot)
	}
	return inst, nil
}

// Instrument returns the instrument serving purpose.
func (sess *Session) Instrument(purpose string) (*Instrument, error) {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	for _, inst := range sess.slots {
		if inst != nil && inst.Purpose == purpose {
			return inst, nil
		}
	}
	return nil, &UnknownPurposeError{Purpose: purpose}
}

// Instruments returns the loaded instruments, in slot order.
func (sess *Session) Instruments() []*Instrument {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	var insts []*Instrument
	for _, inst := range sess.slots {
		if inst != nil {
			insts = append(insts, inst)
		}
	}
	return insts
}

func (sess *Session) modules() []*mcc.Module {
	var ms []*mcc.Module
	for _, inst := range sess.Instruments() {
		if inst.Module != nil {
			ms = append(ms, inst.Module)
		}
	}
	return ms
}

func (sess *Session) module(purpose string) (*mcc.Module, error) {
	inst, err := sess.Instrument(purpose)
	if err != nil {
		return nil, err
	}
	if inst.Module == nil {
		return nil, &UnknownPurposeError{Purpose: purpose}
	}
	return inst.Module, nil
}
