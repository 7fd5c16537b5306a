// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package psoc

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// lockDir is where device lock files are created.
var lockDir = os.TempDir()

// lockDevice takes an exclusive advisory lock on the serial device name,
// so that two processes never talk to the PSOCs at the same time.
func lockDevice(name string) (func() error, error) {
	fname := filepath.Join(lockDir, "LCK.."+filepath.Base(name))
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, xerrors.Errorf("could not create lock file: %w", err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if xerrors.Is(err, unix.EWOULDBLOCK) {
			return nil, xerrors.Errorf("device already in use (lock=%q)", fname)
		}
		return nil, xerrors.Errorf("could not lock %q: %w", fname, err)
	}

	return func() error {
		err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
		return err
	}, nil
}
