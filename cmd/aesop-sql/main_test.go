// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/aesop/daq"
	"github.com/go-lpc/aesop/rundb"
	"github.com/stretchr/testify/require"
)

func TestQuery(t *testing.T) {
	db, err := rundb.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	out := new(strings.Builder)
	err = doQuery(out, db, 0)
	require.Error(t, err)

	t0 := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	var recs []rundb.Run
	for _, tc := range []struct {
		run uint16
		beg time.Duration
		err error
	}{
		{run: 7, beg: 0, err: errors.New("daq: could not start run 7: no begin-of-run record")},
		{run: 7, beg: time.Minute},
		{run: 8, beg: time.Hour},
	} {
		rec := rundb.FromSummary(daq.Summary{
			Run:    tc.run,
			Start:  t0.Add(tc.beg),
			Stop:   t0.Add(tc.beg + 1500*time.Millisecond),
			Events: 10,
		}, tc.err)
		require.NoError(t, db.SaveRun(context.Background(), rec))
		recs = append(recs, rec)
	}

	out.Reset()
	require.NoError(t, doQuery(out, db, 0))
	require.Contains(t, out.String(), recs[2].Session.String())
	require.Contains(t, out.String(), "2020-06-01T13:00:00Z")
	require.Contains(t, out.String(), "1.5s")
	require.NotContains(t, out.String(), recs[0].Session.String())

	out.Reset()
	require.NoError(t, doQuery(out, db, 7))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[0], "session "), "header: %q", lines[0])
	require.Contains(t, lines[1], recs[0].Session.String())
	require.Contains(t, lines[1], rundb.StatusFailed)
	require.Contains(t, lines[2], recs[1].Session.String())
	require.Contains(t, lines[2], rundb.StatusOK)
	require.Equal(t, "session "+recs[0].Session.String()+": daq: could not start run 7: no begin-of-run record", lines[3])

	err = doQuery(out, db, 9)
	require.EqualError(t, err, "no record for run 9")
}
