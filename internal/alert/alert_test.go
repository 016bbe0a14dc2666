// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alert

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/mimctl/mim"
	mail "gopkg.in/gomail.v2"
)

type mailbox struct {
	mu   sync.Mutex
	from []string
	to   [][]string
	body []string
	err  error
}

func (box *mailbox) send(from string, to []string, msg io.WriterTo) error {
	box.mu.Lock()
	defer box.mu.Unlock()

	if box.err != nil {
		return box.err
	}

	buf := new(bytes.Buffer)
	_, err := msg.WriteTo(buf)
	if err != nil {
		return err
	}
	box.from = append(box.from, from)
	box.to = append(box.to, to)
	box.body = append(box.body, buf.String())
	return nil
}

func newTestAlerter(cfg Config, out io.Writer) (*Alerter, *mailbox) {
	box := new(mailbox)
	a := New("mim-srv", cfg, log.NewMsgStream("alert", log.LvlDebug, out))
	a.send = mail.SendFunc(box.send)
	return a, box
}

var creds = Config{
	User:     "mim@example.org",
	Password: "s3cr3t",
	Server:   "smtp.example.org",
	Port:     587,
	Targets:  []string{"shifter@example.org", "expert@example.org"},
	Max:      2,
}

func TestWatch(t *testing.T) {
	a, box := newTestAlerter(creds, io.Discard)

	a.Watch(mim.Offline, mim.Connecting)
	a.Watch(mim.Connecting, mim.Standby)
	a.Watch(mim.Busy, mim.Unknown)
	a.Watch(mim.Standby, mim.Unknown)
	a.Watch(mim.Standby, mim.Unknown)

	err := a.Close()
	if err != nil {
		t.Fatalf("could not close alerter: %+v", err)
	}

	if got, want := len(box.body), 2; got != want {
		t.Fatalf("invalid number of mails: got=%d, want=%d", got, want)
	}
	if got, want := box.from[0], creds.User; got != want {
		t.Fatalf("invalid sender: got=%q, want=%q", got, want)
	}
	if got, want := box.to[0], creds.Targets; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid recipients: got=%q, want=%q", got, want)
	}
	for _, want := range []string{
		"Subject: [mim-srv] hardware state unknown",
		"transition: BUSY -> UNKNOWN",
	} {
		if !strings.Contains(box.body[0]+box.body[1], want) {
			t.Fatalf("missing %q in mails:\n%s", want, box.body[0])
		}
	}
}

func TestMissingCredentials(t *testing.T) {
	out := new(bytes.Buffer)
	a, box := newTestAlerter(Config{Server: "smtp.example.org"}, out)

	a.Alert("subject", "body")
	_ = a.Close()

	if got := len(box.body); got != 0 {
		t.Fatalf("unexpected mails: %d", got)
	}
	if got, want := out.String(), "could not send mail alert: missing credentials"; !strings.Contains(got, want) {
		t.Fatalf("missing log message %q in:\n%s", want, got)
	}
}

func TestSendError(t *testing.T) {
	out := new(bytes.Buffer)
	a, box := newTestAlerter(creds, out)
	box.err = fmt.Errorf("connection refused")

	a.Alert("subject", "body")
	_ = a.Close()

	if got, want := out.String(), "could not send mail alert:"; !strings.Contains(got, want) {
		t.Fatalf("missing log message %q in:\n%s", want, got)
	}
}

func TestTargetsUnchanged(t *testing.T) {
	cfg := creds
	cfg.Targets = []string{"Zoé <zoe@example.org>", "shifter@example.org"}
	cfg.Max = 10
	a, box := newTestAlerter(cfg, io.Discard)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Alert(fmt.Sprintf("alert-%d", i), "body")
		}(i)
	}
	wg.Wait()
	_ = a.Close()

	if got, want := len(box.body), 4; got != want {
		t.Fatalf("invalid number of mails: got=%d, want=%d", got, want)
	}
	want := []string{"Zoé <zoe@example.org>", "shifter@example.org"}
	if got := a.cfg.Targets; !reflect.DeepEqual(got, want) {
		t.Fatalf("recipients modified: got=%q, want=%q", got, want)
	}
}
