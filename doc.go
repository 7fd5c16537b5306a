// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package aesop holds code to control the front-end electronics of the
// AESOP-Lite balloon payload over its serial link.
//
// The psoc package talks to the event and main PSOCs, the tkr package
// decodes the tracker hit lists and the daq package drives runs.
package aesop // import "github.com/go-lpc/aesop"

import (
	"fmt"
	"runtime/debug"
)

const modPath = "github.com/go-lpc/aesop"

// Version returns the version of aesop and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	mod := b.Main
	if mod.Path != modPath {
		for _, m := range b.Deps {
			if m.Path == modPath {
				mod = *m
				break
			}
		}
	}
	if mod.Path != modPath {
		return "", ""
	}

	if r := mod.Replace; r != nil {
		switch {
		case r.Version != "" && r.Path != "":
			return fmt.Sprintf("%s %s", r.Path, r.Version), r.Sum
		case r.Version != "":
			return r.Version, r.Sum
		case r.Path != "":
			return r.Path, r.Sum
		default:
			return mod.Version + "*", ""
		}
	}
	return mod.Version, mod.Sum
}
