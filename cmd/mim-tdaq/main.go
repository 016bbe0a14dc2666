// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mim-tdaq starts a TDAQ server driving a multi-instrument board.
//
// The settings file is located with the MIM_SETTINGS environment variable
// (see internal/settings for the search path when it is empty).
// The /config command carries an optional configuration id, overriding
// the one of the settings file.
package main // import "github.com/go-lpc/mimctl/cmd/mim-tdaq"

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/mimctl/internal/settings"
	"github.com/go-lpc/mimctl/mcc"
	"github.com/go-lpc/mimctl/mim"
)

func main() {
	cmd := flags.New()

	dev := newNode(os.Getenv("MIM_SETTINGS"))

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/state", dev.state)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type node struct {
	fname string
	read  func(fname string) (*settings.Settings, error)

	id      string
	sess    *mim.Session
	cleanup func() error

	states chan mim.State
}

func newNode(fname string) *node {
	return &node{
		fname:  fname,
		read:   settings.Read,
		states: make(chan mim.State, 16),
	}
}

func (dev *node) release() error {
	if dev.cleanup == nil {
		return nil
	}
	err := dev.cleanup()
	dev.sess = nil
	dev.cleanup = nil
	return err
}

func (dev *node) session() (*mim.Session, error) {
	if dev.sess == nil {
		return nil, fmt.Errorf("mim-tdaq: no session (missing /config command)")
	}
	return dev.sess, nil
}

func (dev *node) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	s, err := dev.read(dev.fname)
	if err != nil {
		return fmt.Errorf("could not read settings: %w", err)
	}

	dev.id = s.Config
	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		if id := dec.ReadStr(); id != "" {
			dev.id = id
		}
	}
	if dev.id == "" {
		return fmt.Errorf("no configuration id")
	}

	err = dev.release()
	if err != nil {
		ctx.Msg.Warnf("could not release previous session: %+v", err)
	}

	sess, cleanup, err := s.Session(ctx.Msg)
	if err != nil {
		return fmt.Errorf("could not create session: %w", err)
	}
	sess.OnState(dev.notify)
	dev.sess = sess
	dev.cleanup = cleanup

	err = sess.ParseConfig(ctx.Ctx, dev.id)
	if err != nil {
		return fmt.Errorf("could not parse configuration %q: %w", dev.id, err)
	}
	return nil
}

func (dev *node) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	sess, err := dev.session()
	if err != nil {
		return err
	}

	if sess.State() == mim.Offline {
		err = sess.Connect(ctx.Ctx)
		if err != nil {
			return fmt.Errorf("could not connect to board: %w", err)
		}
	}

	err = sess.Initialize(ctx.Ctx, dev.id)
	if err != nil {
		return fmt.Errorf("could not initialize configuration %q: %w", dev.id, err)
	}
	return nil
}

func (dev *node) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	sess, err := dev.session()
	if err != nil {
		return err
	}
	return sess.Disconnect()
}

func (dev *node) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return dev.turnkey(ctx, "run")
}

func (dev *node) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return dev.turnkey(ctx, "stop")
}

func (dev *node) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return dev.release()
}

// turnkey runs op on every turnkey module of the session.
func (dev *node) turnkey(ctx tdaq.Context, op string) error {
	sess, err := dev.session()
	if err != nil {
		return err
	}

	for _, inst := range sess.Instruments() {
		if inst.Module == nil || inst.Module.Kind() != mcc.KindTurnkey {
			continue
		}
		ctx.Msg.Infof("%s: %s", inst, op)
		err := sess.Command(inst.Purpose, op)
		if err != nil {
			return fmt.Errorf("could not run %s/%s: %w", inst.Purpose, op, err)
		}
	}
	return nil
}

func (dev *node) notify(old, new mim.State) {
	select {
	case dev.states <- new:
	default:
	}
}

func (dev *node) state(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
	case st := <-dev.states:
		dst.Body = []byte(st.String())
	}
	return nil
}

func (dev *node) run(ctx tdaq.Context) error {
	<-ctx.Ctx.Done()
	return nil
}
