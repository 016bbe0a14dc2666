// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-lpc/mimctl/mcc"
)

const (
	// DefaultURL is the register endpoint of a board REST server.
	DefaultURL = "http://localhost:8090/api/v2/registers"

	// DefaultBase is the offset of the first control register in the
	// register table of an instrument.
	DefaultBase = 6
)

// HTTPTransport posts whole register tables to a REST endpoint.
//
// Tables are encoded as:
//
//	[["instrN", {"<offset>": <value>, ...}]]
//
// where N is the slot of the module and offset is the register index
// shifted by a fixed base.
type HTTPTransport struct {
	url  string
	slot int
	base int
	cli  *http.Client
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(tr *HTTPTransport)

// WithBase sets the offset of the first control register.
func WithBase(base int) HTTPOption {
	return func(tr *HTTPTransport) {
		tr.base = base
	}
}

// WithTimeout sets the timeout of each HTTP request.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(tr *HTTPTransport) {
		tr.cli.Timeout = timeout
	}
}

// WithClient sets the HTTP client used to reach the endpoint.
func WithClient(cli *http.Client) HTTPOption {
	return func(tr *HTTPTransport) {
		tr.cli = cli
	}
}

// NewHTTP returns a transport for the module in the provided slot, using
// the REST endpoint at url.
func NewHTTP(url string, slot int, opts ...HTTPOption) *HTTPTransport {
	tr := &HTTPTransport{
		url:  url,
		slot: slot,
		base: DefaultBase,
		cli:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Instrument returns the name of a slot in the REST register table.
func Instrument(slot int) string {
	return "instr" + strconv.Itoa(slot)
}

// EncodeTable encodes the register table of the instrument in the
// provided slot, with register offsets shifted by base.
func EncodeTable(slot, base int, tbl mcc.Table) ([]byte, error) {
	regs := make(map[string]uint32, len(tbl))
	for i, v := range tbl {
		regs[strconv.Itoa(i+base)] = v
	}
	return json.Marshal([][]interface{}{{Instrument(slot), regs}})
}

// DecodeTable extracts the register table of the instrument in the
// provided slot from a REST payload.
func DecodeTable(raw []byte, slot, base int) (mcc.Table, error) {
	var (
		tbl  mcc.Table
		name = Instrument(slot)
		body [][]json.RawMessage
	)
	err := json.Unmarshal(raw, &body)
	if err != nil {
		return tbl, fmt.Errorf("could not decode register tables: %w", err)
	}

	for _, entry := range body {
		if len(entry) != 2 {
			return tbl, fmt.Errorf("invalid register table entry (len=%d)", len(entry))
		}
		var instr string
		err = json.Unmarshal(entry[0], &instr)
		if err != nil {
			return tbl, fmt.Errorf("could not decode instrument name: %w", err)
		}
		if instr != name {
			continue
		}
		var regs map[string]uint32
		err = json.Unmarshal(entry[1], &regs)
		if err != nil {
			return tbl, fmt.Errorf("could not decode registers of %q: %w", name, err)
		}
		for i := range tbl {
			v, ok := regs[strconv.Itoa(i+base)]
			if !ok {
				return tbl, fmt.Errorf("missing register %d of %q", i, name)
			}
			tbl[i] = v
		}
		return tbl, nil
	}
	return tbl, fmt.Errorf("no register table for %q", name)
}

// Upload posts the register table.
func (tr *HTTPTransport) Upload(ctx context.Context, tbl mcc.Table) error {
	body, err := EncodeTable(tr.slot, tr.base, tbl)
	if err != nil {
		return &ConnectionError{Op: "upload", Slot: tr.slot, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tr.url, bytes.NewReader(body))
	if err != nil {
		return &ConnectionError{Op: "upload", Slot: tr.slot, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = tr.do(req)
	if err != nil {
		return &ConnectionError{Op: "upload", Slot: tr.slot, Err: err}
	}
	return nil
}

// Download retrieves the register table.
func (tr *HTTPTransport) Download(ctx context.Context) (mcc.Table, error) {
	var tbl mcc.Table
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tr.url, nil)
	if err != nil {
		return tbl, &ConnectionError{Op: "download", Slot: tr.slot, Err: err}
	}

	raw, err := tr.do(req)
	if err != nil {
		return tbl, &ConnectionError{Op: "download", Slot: tr.slot, Err: err}
	}

	tbl, err = DecodeTable(raw, tr.slot, tr.base)
	if err != nil {
		return tbl, &ConnectionError{Op: "download", Slot: tr.slot, Err: err}
	}
	return tbl, nil
}

func (tr *HTTPTransport) do(req *http.Request) ([]byte, error) {
	resp, err := tr.cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid status %q", resp.Status)
	}
	return raw, nil
}
