// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// Client sends command requests to a remote command server.
type Client struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the command server at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mim: could not dial %q: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient returns a client speaking over conn.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

// Do sends a request and waits for its reply.
// Communication failures are reported in the reply.
func (cli *Client) Do(ctx context.Context, req Request) Reply {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return newReply(nil, err)
	}

	err := cli.enc.Encode(req)
	if err != nil {
		return newReply(nil, fmt.Errorf("mim: could not send %q request: %w", req.Name, err))
	}

	var rep Reply
	err = cli.dec.Decode(&rep)
	if err != nil {
		return newReply(nil, fmt.Errorf("mim: could not receive %q reply: %w", req.Name, err))
	}
	return rep
}

// Close closes the connection to the server.
func (cli *Client) Close() error {
	return cli.conn.Close()
}

var (
	_ Doer = (*Client)(nil)
	_ Doer = (*Server)(nil)
)
