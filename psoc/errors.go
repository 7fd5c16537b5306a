// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package psoc

import "golang.org/x/xerrors"

var (
	// ErrSyncLost is returned when no packet sentinel could be found
	// within the scan bound.
	ErrSyncLost = xerrors.New("sync lost")

	// ErrMalformedHeader is returned when the bytes following the
	// sentinel are not the fixed header bytes, or when the header is
	// inconsistent.
	ErrMalformedHeader = xerrors.New("malformed packet header")

	// ErrMalformedTrailer reports a packet whose trailer bytes were
	// invalid. The packet itself is still delivered.
	ErrMalformedTrailer = xerrors.New("malformed packet trailer")

	// ErrEchoMismatch is returned when a command acknowledgment differs
	// from the issued sub-command.
	ErrEchoMismatch = xerrors.New("echo mismatch")

	// ErrUnknownTag is returned for packets whose tag is neither a known
	// record type nor the reply to the pending command.
	ErrUnknownTag = xerrors.New("unknown packet tag")

	// ErrTimeout is returned when the link did not deliver a byte within
	// the read timeout.
	ErrTimeout = xerrors.New("read timeout")
)
