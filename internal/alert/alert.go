// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends mail alerts when a session loses track of the
// hardware state.
package alert // import "github.com/go-lpc/mimctl/internal/alert"

import (
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-lpc/mimctl/mim"
	mail "gopkg.in/gomail.v2"
)

// Config holds the mail server credentials and the alert recipients.
type Config struct {
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
	Server   string   `mapstructure:"server"`
	Port     int      `mapstructure:"port"`
	Targets  []string `mapstructure:"targets"`
	Max      int      `mapstructure:"max"` // maximum number of alerts sent
}

func (cfg Config) valid() bool {
	return cfg.User != "" && cfg.Password != "" &&
		cfg.Server != "" && cfg.Port != 0 &&
		len(cfg.Targets) != 0
}

// Alerter mails the recipients when a session enters the UNKNOWN state.
type Alerter struct {
	name string
	cfg  Config
	msg  mim.Logger
	send mail.Sender

	mu sync.Mutex
	n  int
	wg sync.WaitGroup
}

// New returns an alerter for the named server.
// Alerts are only logged when the configuration misses credentials.
func New(name string, cfg Config, msg mim.Logger) *Alerter {
	if cfg.Max <= 0 {
		cfg.Max = 5
	}
	a := &Alerter{name: name, cfg: cfg, msg: msg}
	a.send = mail.SendFunc(a.dial)
	return a
}

func (a *Alerter) dial(from string, to []string, msg io.WriterTo) error {
	dial := mail.NewDialer(a.cfg.Server, a.cfg.Port, a.cfg.User, a.cfg.Password)
	dial.TLSConfig = &tls.Config{
		ServerName: a.cfg.Server,
	}
	conn, err := dial.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.Send(from, to, msg)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Watch is a session state hook.
func (a *Alerter) Watch(old, new mim.State) {
	if new != mim.Unknown {
		return
	}
	a.Alert(
		fmt.Sprintf("[%s] hardware state unknown", a.name),
		fmt.Sprintf("server: %s\ntransition: %v -> %v\ndate: %v",
			a.name, old, new, time.Now().UTC().Format(time.RFC3339),
		),
	)
}

// Alert sends a mail in the background.
func (a *Alerter) Alert(subject, body string) {
	a.msg.Warnf("alert: %s", subject)

	a.mu.Lock()
	a.n++
	n := a.n
	a.mu.Unlock()

	if n > a.cfg.Max {
		return
	}

	if !a.cfg.valid() {
		a.msg.Warnf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", a.cfg.User)
	msg.SetHeader("Bcc", append([]string(nil), a.cfg.Targets...)...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := mail.Send(a.send, msg)
		if err != nil {
			a.msg.Errorf("could not send mail alert: %+v", err)
		}
	}()
}

// Close waits for the pending alerts to be sent.
func (a *Alerter) Close() error {
	a.wg.Wait()
	return nil
}
