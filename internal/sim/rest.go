// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-lpc/mimctl/config"
	"github.com/go-lpc/mimctl/transport"
	"github.com/gorilla/mux"
)

// Handler returns the REST API of the board.
//
//	GET  /api/v2/registers  register tables of all the slots
//	POST /api/v2/registers  load register tables
func (b *Board) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v2").Subrouter()
	api.HandleFunc("/registers", b.handleGet).Methods("GET")
	api.HandleFunc("/registers", b.handlePost).Methods("POST")
	return r
}

func (b *Board) handleGet(w http.ResponseWriter, r *http.Request) {
	out := make([][]interface{}, 0, config.NumSlots)
	for slot := 1; slot <= config.NumSlots; slot++ {
		b.mu.RLock()
		err := b.check(slot)
		tbl := b.regs[slot-1]
		b.mu.RUnlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		regs := make(map[string]uint32, len(tbl))
		for i, v := range tbl {
			regs[strconv.Itoa(i+b.base)] = v
		}
		out = append(out, []interface{}{transport.Instrument(slot), regs})
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (b *Board) handlePost(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var body [][]json.RawMessage
	err = json.Unmarshal(raw, &body)
	if err != nil {
		http.Error(w, fmt.Sprintf("could not decode register tables: %+v", err), http.StatusBadRequest)
		return
	}

	for _, entry := range body {
		if len(entry) == 0 {
			http.Error(w, "empty register table entry", http.StatusBadRequest)
			return
		}
		var name string
		err = json.Unmarshal(entry[0], &name)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not decode instrument name: %+v", err), http.StatusBadRequest)
			return
		}
		slot, err := strconv.Atoi(strings.TrimPrefix(name, "instr"))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid instrument name %q", name), http.StatusBadRequest)
			return
		}
		tbl, err := transport.DecodeTable(raw, slot, b.base)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = b.load(slot, tbl)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}
