// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc16 implements the 16-bit cyclic redundancy check, or CRC-16,
// checksum used to protect register bus frames.
//
// The default parameters are the ones of CRC-16/CCITT-FALSE: polynomial
// 0x1021, initial value 0xffff, no reflection, no final XOR.
package crc16 // import "github.com/go-lpc/mimctl/internal/crc16"

import (
	"hash"
	"sync"
)

// The size of a CRC-16 checksum in bytes.
const Size = 2

// CCITT is the CCITT polynomial, 0x1021.
const CCITT = 0x1021

const initial = 0xffff

// Table is a 256-word table representing the polynomial for efficient
// processing.
type Table [256]uint16

var (
	ccittOnce  sync.Once
	ccittTable *Table
)

// MakeTable returns a Table constructed from the specified polynomial.
func MakeTable(poly uint16) *Table {
	t := new(Table)
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

func ccitt() *Table {
	ccittOnce.Do(func() {
		ccittTable = MakeTable(CCITT)
	})
	return ccittTable
}

// Hash16 is the common interface implemented by all 16-bit hash functions.
type Hash16 interface {
	hash.Hash
	Sum16() uint16
}

type digest struct {
	crc uint16
	tbl *Table
}

// New creates a new Hash16 computing the CRC-16 checksum using the
// polynomial represented by the Table.
// A nil table selects the CCITT polynomial.
func New(tbl *Table) Hash16 {
	if tbl == nil {
		tbl = ccitt()
	}
	return &digest{crc: initial, tbl: tbl}
}

func (d *digest) Size() int      { return Size }
func (d *digest) BlockSize() int { return 1 }
func (d *digest) Reset()         { d.crc = initial }

func (d *digest) Write(p []byte) (int, error) {
	d.crc = update(d.crc, d.tbl, p)
	return len(p), nil
}

func (d *digest) Sum16() uint16 { return d.crc }

func (d *digest) Sum(in []byte) []byte {
	s := d.Sum16()
	return append(in, byte(s>>8), byte(s))
}

func update(crc uint16, tbl *Table, p []byte) uint16 {
	for _, v := range p {
		crc = crc<<8 ^ tbl[byte(crc>>8)^v]
	}
	return crc
}

// Checksum returns the CCITT CRC-16 checksum of data.
func Checksum(data []byte) uint16 {
	return update(initial, ccitt(), data)
}
