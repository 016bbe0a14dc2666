// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mim

import (
	"context"
	"sync"
	"time"

	"github.com/go-lpc/mimctl/mcc"
)

// DefaultPollInterval is the default period of the upload scheduler.
const DefaultPollInterval = 50 * time.Millisecond

// Admission tells whether a data upload was accepted.
type Admission int

const (
	Queued Admission = iota
	Rejected
)

func (a Admission) String() string {
	switch a {
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	}
	return "invalid"
}

// MarshalText implements encoding.TextMarshaler.
func (a Admission) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

type item struct {
	seq uint64
	m   *mcc.Module
	tbl mcc.Table
}

// uploader serializes register uploads through a single worker.
//
// Control uploads are queued without bound and never dropped.
// At most one data upload is pending at any time.
// Register tables are captured when the upload is queued, and uploads
// are sent in the order they were queued.
type uploader struct {
	msg   Logger
	freq  time.Duration
	onErr func(m *mcc.Module, err error)

	mu      sync.Mutex
	running bool
	seq     uint64
	ctl     []item
	data    *item
	pending int
}

func newUploader(msg Logger, freq time.Duration, onErr func(*mcc.Module, error)) *uploader {
	if freq <= 0 {
		freq = DefaultPollInterval
	}
	return &uploader{
		msg:   msg,
		freq:  freq,
		onErr: onErr,
	}
}

// UploadControl queues the current register table of m.
func (up *uploader) UploadControl(m *mcc.Module) error {
	up.mu.Lock()
	defer up.mu.Unlock()
	if !up.running {
		return errNotRunning
	}
	up.ctl = append(up.ctl, up.item(m))
	up.pending++
	return nil
}

// UploadData queues the current register table of m, unless a data
// upload is already pending.
func (up *uploader) UploadData(m *mcc.Module) (Admission, error) {
	up.mu.Lock()
	defer up.mu.Unlock()
	if !up.running {
		return Rejected, errNotRunning
	}
	if up.data != nil {
		return Rejected, nil
	}
	it := up.item(m)
	up.data = &it
	up.pending++
	return Queued, nil
}

func (up *uploader) item(m *mcc.Module) item {
	up.seq++
	return item{seq: up.seq, m: m, tbl: m.Snapshot()}
}

// start enables queueing. Items left from a previous run are dropped.
func (up *uploader) start() {
	up.mu.Lock()
	defer up.mu.Unlock()
	up.reset()
	up.running = true
}

func (up *uploader) stop() {
	up.mu.Lock()
	defer up.mu.Unlock()
	up.running = false
	up.reset()
}

func (up *uploader) reset() {
	up.ctl = nil
	up.data = nil
	up.pending = 0
}

// run sends queued uploads until ctx is cancelled.
func (up *uploader) run(ctx context.Context) error {
	tck := time.NewTicker(up.freq)
	defer tck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tck.C:
			up.cycle(ctx)
		}
	}
}

// cycle drains the control queue and sends at most one data upload,
// in enqueue order.
func (up *uploader) cycle(ctx context.Context) {
	up.mu.Lock()
	ctl := up.ctl
	data := up.data
	up.ctl = nil
	up.data = nil
	up.mu.Unlock()

	for _, it := range ctl {
		if ctx.Err() != nil {
			return
		}
		if data != nil && data.seq < it.seq {
			up.send(ctx, *data)
			data = nil
		}
		up.send(ctx, it)
	}

	if data != nil && ctx.Err() == nil {
		up.send(ctx, *data)
	}
}

func (up *uploader) send(ctx context.Context, it item) {
	err := it.m.Upload(ctx, it.tbl)
	if err != nil {
		up.msg.Errorf("could not upload registers of %q (slot=%d): %+v", it.m.Purpose(), it.m.Slot(), err)
		if up.onErr != nil {
			up.onErr(it.m, err)
		}
	}

	up.mu.Lock()
	if up.pending > 0 {
		up.pending--
	}
	up.mu.Unlock()
}

// Pending returns the number of queued uploads not yet sent.
func (up *uploader) Pending() int {
	up.mu.Lock()
	defer up.mu.Unlock()
	return up.pending
}

// flush waits until every queued upload was sent.
func (up *uploader) flush(ctx context.Context) error {
	freq := up.freq / 2
	if freq <= 0 {
		freq = up.freq
	}
	tck := time.NewTicker(freq)
	defer tck.Stop()
	for {
		if up.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tck.C:
		}
	}
}
