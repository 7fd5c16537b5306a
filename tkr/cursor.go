// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tkr

import (
	"io"

	"golang.org/x/xerrors"
)

// Cursor reads bit fields, most significant bit first, from a byte
// slice.
type Cursor struct {
	p   []byte
	pos int
}

// NewCursor returns a cursor positioned on the first bit of p.
func NewCursor(p []byte) *Cursor {
	return &Cursor{p: p}
}

// Pos returns the number of bits consumed so far.
func (c *Cursor) Pos() int { return c.pos }

// Len returns the number of bits left.
func (c *Cursor) Len() int { return 8*len(c.p) - c.pos }

// Bit returns the i-th bit of the underlying slice.
func (c *Cursor) Bit(i int) uint8 {
	return (c.p[i/8] >> uint(7-i%8)) & 1
}

// ReadBits consumes n bits (n <= 32) and returns them as an unsigned
// integer. Nothing is consumed when fewer than n bits are left.
func (c *Cursor) ReadBits(n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, xerrors.Errorf("tkr: invalid bit field width %d", n)
	}
	if n > c.Len() {
		return 0, io.ErrUnexpectedEOF
	}
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | uint32(c.Bit(c.pos+i))
	}
	c.pos += n
	return v, nil
}

// Skip consumes n bits.
func (c *Cursor) Skip(n int) error {
	if n > c.Len() {
		return io.ErrUnexpectedEOF
	}
	c.pos += n
	return nil
}
