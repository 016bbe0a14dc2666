// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-lpc/mimctl/mcc"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Request is a command request.
type Request struct {
	Name string           `json:"name"`
	Args *json.RawMessage `json:"args,omitempty"`
}

// NewRequest creates a request with JSON-encoded args.
func NewRequest(name string, args interface{}) (Request, error) {
	req := Request{Name: name}
	if args == nil {
		return req, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return req, fmt.Errorf("mim: could not encode %q arguments: %w", name, err)
	}
	msg := json.RawMessage(raw)
	req.Args = &msg
	return req, nil
}

// Reply is the answer to a command request.
type Reply struct {
	Msg   string      `json:"msg"`
	Value interface{} `json:"value,omitempty"`
}

// Err returns the error carried by the reply, if any.
func (rep Reply) Err() error {
	if rep.Msg == "ok" {
		return nil
	}
	return errors.New(rep.Msg)
}

func newReply(v interface{}, err error) Reply {
	if err != nil {
		return Reply{Msg: fmt.Sprintf("%+v", err)}
	}
	return Reply{Msg: "ok", Value: v}
}

// Doer executes command requests.
type Doer interface {
	Do(ctx context.Context, req Request) Reply
}

// Arguments of the command requests.
type (
	ConfigArgs struct {
		ID string `json:"id"`
	}

	CommandArgs struct {
		Purpose string `json:"purpose"`
		Op      string `json:"op"`
	}

	ParamArgs struct {
		Purpose string `json:"purpose"`
		Name    string `json:"name"`
		Value   int64  `json:"value"`
	}

	SwitchArgs struct {
		Purpose  string `json:"purpose"`
		Name     string `json:"name"`
		On       bool   `json:"on"`
		Inverted bool   `json:"inverted"`
	}

	WaveformArgs struct {
		Purpose  string        `json:"purpose"`
		Segments []mcc.Segment `json:"segments"`
	}

	MemoryArgs struct {
		Purpose string   `json:"purpose"`
		Base    int      `json:"base"`
		Words   []uint64 `json:"words"`
	}
)

// Server exposes a session through JSON command requests, over TCP
// connections or websockets.
type Server struct {
	sess *Session
	msg  Logger
}

// NewServer returns a command server driving sess.
func NewServer(sess *Session) *Server {
	return &Server{sess: sess, msg: sess.msg}
}

// Serve handles the connections accepted on ln, until ln is closed.
func (srv *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("mim: could not accept connection: %w", err)
		}
		go srv.handle(conn)
	}
}

func (srv *Server) handle(conn net.Conn) {
	defer conn.Close()
	srv.msg.Infof("serving %v...", conn.RemoteAddr())
	defer srv.msg.Infof("serving %v... [done]", conn.RemoteAddr())

	var (
		dec = json.NewDecoder(conn)
		enc = json.NewEncoder(conn)
	)
	for {
		var req Request
		err := dec.Decode(&req)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srv.msg.Warnf("could not decode command request: %+v", err)
				_ = enc.Encode(newReply(nil, err))
			}
			return
		}

		err = enc.Encode(srv.Do(context.Background(), req))
		if err != nil {
			srv.msg.Warnf("could not send reply to %q: %+v", req.Name, err)
			return
		}
	}
}

// ServeHTTP upgrades the request to a websocket carrying JSON command
// requests in text frames.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		srv.msg.Warnf("could not upgrade to websocket: %+v", err)
		return
	}
	go srv.handleWS(conn)
}

func (srv *Server) handleWS(conn net.Conn) {
	defer conn.Close()

	var (
		r   = wsutil.NewReader(conn, ws.StateServerSide)
		w   = wsutil.NewWriter(conn, ws.StateServerSide, ws.OpText)
		enc = json.NewEncoder(w)
	)

	for {
		hdr, err := r.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srv.msg.Warnf("could not read websocket frame: %+v", err)
			}
			return
		}
		if hdr.OpCode == ws.OpClose {
			return
		}

		raw, err := io.ReadAll(r)
		if err != nil {
			srv.msg.Warnf("could not read websocket frame payload: %+v", err)
			return
		}

		var (
			req Request
			rep Reply
		)
		err = json.Unmarshal(raw, &req)
		switch {
		case err != nil:
			srv.msg.Warnf("could not decode command request: %+v", err)
			rep = newReply(nil, err)
		default:
			rep = srv.Do(context.Background(), req)
		}

		err = enc.Encode(rep)
		if err != nil {
			srv.msg.Warnf("could not encode reply: %+v", err)
			return
		}
		err = w.Flush()
		if err != nil {
			srv.msg.Warnf("could not send reply: %+v", err)
			return
		}
	}
}

// Do executes a command request.
func (srv *Server) Do(ctx context.Context, req Request) Reply {
	srv.msg.Debugf("received request: name=%q", req.Name)
	rep := srv.do(ctx, req)
	if rep.Msg != "ok" {
		srv.msg.Errorf("could not run %q: %s", req.Name, rep.Msg)
	}
	return rep
}

func (srv *Server) do(ctx context.Context, req Request) Reply {
	sess := srv.sess
	switch strings.ToLower(req.Name) {
	case "connect":
		return newReply(nil, sess.Connect(ctx))

	case "disconnect":
		return newReply(nil, sess.Disconnect())

	case "state":
		return newReply(sess.State(), nil)

	case "initialize":
		var args ConfigArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		return newReply(nil, sess.Initialize(ctx, args.ID))

	case "config":
		var args ConfigArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		return newReply(nil, sess.ParseConfig(ctx, args.ID))

	case "upload-config":
		return newReply(nil, sess.UploadConfig(ctx))

	case "upload-parameter":
		return newReply(nil, sess.UploadParameter())

	case "sync":
		return newReply(nil, sess.SyncDownload(ctx))

	case "instruments":
		var out []string
		for _, inst := range sess.Instruments() {
			out = append(out, inst.String())
		}
		return newReply(out, nil)

	case "command":
		var args CommandArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		return newReply(nil, sess.Command(args.Purpose, args.Op))

	case "set":
		var args ParamArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		return newReply(nil, sess.Apply(args.Purpose, mcc.Param{Name: args.Name, Value: args.Value}))

	case "get":
		var args ParamArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		return newReply(sess.GetParameter(args.Purpose, args.Name))

	case "tune":
		var args ParamArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		return newReply(sess.Tune(args.Purpose, args.Name, args.Value))

	case "switch":
		var args SwitchArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		return newReply(nil, sess.Switch(args.Purpose, args.Name, args.On, args.Inverted))

	case "waveform":
		var args WaveformArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		err := sess.SetWaveform(args.Purpose, args.Segments)
		if err != nil {
			return newReply(nil, err)
		}
		return newReply(nil, sess.Command(args.Purpose, "upload_waveform"))

	case "memory":
		var args MemoryArgs
		if err := decodeArgs(req, &args); err != nil {
			return newReply(nil, err)
		}
		return newReply(nil, sess.WriteMemory(args.Purpose, args.Base, args.Words))

	default:
		return newReply(nil, fmt.Errorf("mim: unknown request %q", req.Name))
	}
}

func decodeArgs(req Request, v interface{}) error {
	if req.Args == nil {
		return fmt.Errorf("mim: missing arguments for %q", req.Name)
	}
	err := json.Unmarshal(*req.Args, v)
	if err != nil {
		return fmt.Errorf("mim: could not decode %q arguments: %w", req.Name, err)
	}
	return nil
}
