// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc6 implements the 6-bit cyclic redundancy check computed by
// the tracker FPGAs over their hit lists.
//
// The checksum is the remainder of the polynomial division of the
// message bits by the generator 1100101 (x^6+x^5+x^2+1).
package crc6 // import "github.com/go-lpc/aesop/internal/crc6"

import "hash"

// Poly is the generator polynomial, including its x^6 term.
const Poly = 0x65

// Size of a CRC-6 checksum in bytes.
const Size = 1

// Hash computes a CRC-6 checksum, one bit at a time.
type Hash struct {
	crc uint8
}

var _ hash.Hash = (*Hash)(nil)

// New returns a new CRC-6 hash.
func New() *Hash {
	return &Hash{}
}

// WriteBit adds the least significant bit of b to the running checksum.
func (h *Hash) WriteBit(b uint8) {
	h.crc = h.crc<<1 | b&1
	if h.crc&0x40 != 0 {
		h.crc ^= Poly
	}
}

// Write adds the bits of p, most significant bit first.
func (h *Hash) Write(p []byte) (int, error) {
	for _, v := range p {
		for i := 7; i >= 0; i-- {
			h.WriteBit(v >> uint(i))
		}
	}
	return len(p), nil
}

// Sum6 returns the 6-bit checksum.
func (h *Hash) Sum6() uint8 { return h.crc }

// Sum appends the checksum to b.
func (h *Hash) Sum(b []byte) []byte {
	return append(b, h.crc)
}

func (h *Hash) Reset()         { h.crc = 0 }
func (h *Hash) Size() int      { return Size }
func (h *Hash) BlockSize() int { return 1 }
