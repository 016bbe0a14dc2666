// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcc

import (
	"math/bits"
)

// SetBit returns reg with the bit at position idx replaced by bit.
func SetBit(reg uint32, idx uint, bit uint32) uint32 {
	var (
		mask1 = uint32(0x1) << idx
		mask2 = (0x1 & bit) << idx
	)
	reg &= ^mask1 // reset target bit
	reg |= mask2  // set target bit = "bit" argument
	return reg
}

// SetNibble returns reg with the idx-th hexadecimal digit (counted from
// the least significant one) replaced by hex.
func SetNibble(reg uint32, idx uint, hex uint32) uint32 {
	off := 4 * idx
	reg &= ^(uint32(0xf) << off)
	reg |= (hex & 0xf) << off
	return reg
}

// BitLength returns the minimal number of bits needed to hold v in
// two's-complement notation.
// 0 and -1 need one bit.
func BitLength(v int64) int {
	switch {
	case v > 0:
		return bits.Len64(uint64(v))
	case v == 0 || v == -1:
		return 1
	default:
		return bits.Len64(uint64(-1-v)) + 1
	}
}

// Encode returns the width-bits representation of v.
// Negative values are stored as v + 2^width.
func Encode(v int64, width int) (uint32, error) {
	if width < 1 || width > 32 {
		return 0, &RangeError{Value: v, Width: width}
	}
	if BitLength(v) > width {
		return 0, &RangeError{Value: v, Width: width}
	}
	mask := uint64(1)<<uint(width) - 1
	return uint32(uint64(v) & mask), nil
}

// ReadBits extracts the inclusive [low, high] range of reg.
func ReadBits(reg uint32, high, low uint) uint32 {
	width := high - low + 1
	mask := uint64(1)<<width - 1
	return uint32((uint64(reg) >> low) & mask)
}

// WriteBits stores v in the inclusive [low, high] range of reg, scanning
// from the MSB of the range down to its LSB.
// On error, reg is returned unchanged.
func WriteBits(reg uint32, high, low uint, v int64) (uint32, error) {
	width := int(high) - int(low) + 1
	enc, err := Encode(v, width)
	if err != nil {
		return reg, err
	}
	for i := width - 1; i >= 0; i-- {
		bit := (enc >> uint(i)) & 0x01
		reg = SetBit(reg, low+uint(i), bit)
	}
	return reg, nil
}
