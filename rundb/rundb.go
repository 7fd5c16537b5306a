// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rundb stores the summaries of AESOP acquisition runs in a SQL
// database.
package rundb // import "github.com/go-lpc/aesop/rundb"

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-lpc/aesop/daq"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"
)

const timeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	session   VARCHAR(36) NOT NULL PRIMARY KEY,
	run       INTEGER     NOT NULL,
	start     BIGINT      NOT NULL,
	stop      BIGINT      NOT NULL,
	events    INTEGER     NOT NULL,
	bad       INTEGER     NOT NULL,
	strays    INTEGER     NOT NULL,
	live      DOUBLE PRECISION NOT NULL,
	deltat    DOUBLE PRECISION NOT NULL,
	tof_mean  DOUBLE PRECISION NOT NULL,
	tof_sigma DOUBLE PRECISION NOT NULL,
	hits_mean DOUBLE PRECISION NOT NULL,
	status    VARCHAR(16) NOT NULL,
	error     TEXT        NOT NULL
)`

const columns = "session, run, start, stop, events, bad, strays, live, deltat, tof_mean, tof_sigma, hits_mean, status, error"

// Status values of a run.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Run is the bookkeeping record of one acquisition run.
type Run struct {
	Session uuid.UUID // unique id of the acquisition
	Run     uint16
	Start   time.Time
	Stop    time.Time

	Events int
	Bad    int
	Strays int

	Live     float64
	DeltaT   float64
	TOFMean  float64
	TOFSigma float64
	HitsMean float64

	Status string
	Error  string
}

// FromSummary creates the record of a run from its summary and from the
// error the run controller returned.
func FromSummary(sum daq.Summary, err error) Run {
	run := Run{
		Session:  uuid.New(),
		Run:      sum.Run,
		Start:    sum.Start,
		Stop:     sum.Stop,
		Events:   sum.Events,
		Bad:      sum.Bad,
		Strays:   sum.Strays,
		Live:     sum.Results.Live,
		DeltaT:   sum.Results.DeltaT,
		TOFMean:  sum.Results.TOFMean,
		TOFSigma: sum.Results.TOFSigma,
		HitsMean: sum.Results.HitsMean,
		Status:   StatusOK,
	}
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	}
	return run
}

// DB is a connection to the runs database.
type DB struct {
	db *sql.DB
}

// Open opens the runs database with the named driver ("mysql" or
// "sqlite") and creates the runs table when needed.
func Open(drv, dsn string) (*DB, error) {
	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, xerrors.Errorf("rundb: could not open %s db: %w", drv, err)
	}
	if drv == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("rundb: could not ping %s db: %w", drv, err)
	}

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("rundb: could not create runs table: %w", err)
	}

	return &DB{db: db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// SaveRun inserts the record of a run.
func (db *DB) SaveRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		"INSERT INTO runs ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		run.Session.String(), int64(run.Run),
		run.Start.UnixNano(), run.Stop.UnixNano(),
		run.Events, run.Bad, run.Strays,
		run.Live, run.DeltaT, run.TOFMean, run.TOFSigma, run.HitsMean,
		run.Status, run.Error,
	)
	if err != nil {
		return xerrors.Errorf("rundb: could not save run %d: %w", run.Run, err)
	}
	return nil
}

// LastRun returns the most recently started run.
// LastRun returns sql.ErrNoRows when the database holds no run.
func (db *DB) LastRun(ctx context.Context) (Run, error) {
	runs, err := db.query(ctx, "SELECT "+columns+" FROM runs ORDER BY start DESC LIMIT 1")
	if err != nil {
		return Run{}, xerrors.Errorf("rundb: could not query last run: %w", err)
	}
	if len(runs) == 0 {
		return Run{}, xerrors.Errorf("rundb: could not find last run: %w", sql.ErrNoRows)
	}
	return runs[0], nil
}

// NextRun returns the number following the one of the last run, or 1 for
// an empty database.
func (db *DB) NextRun(ctx context.Context) (uint16, error) {
	run, err := db.LastRun(ctx)
	switch {
	case err == nil:
		return run.Run + 1, nil
	case xerrors.Is(err, sql.ErrNoRows):
		return 1, nil
	default:
		return 0, err
	}
}

// Runs returns all the records of the given run number, oldest first.
func (db *DB) Runs(ctx context.Context, run uint16) ([]Run, error) {
	runs, err := db.query(ctx, "SELECT "+columns+" FROM runs WHERE run=? ORDER BY start", int64(run))
	if err != nil {
		return nil, xerrors.Errorf("rundb: could not query run %d: %w", run, err)
	}
	return runs, nil
}

func (db *DB) query(ctx context.Context, query string, args ...interface{}) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("could not run query: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run     Run
			session string
			num     int64
			beg     int64
			end     int64
		)
		err = rows.Scan(
			&session, &num, &beg, &end,
			&run.Events, &run.Bad, &run.Strays,
			&run.Live, &run.DeltaT, &run.TOFMean, &run.TOFSigma, &run.HitsMean,
			&run.Status, &run.Error,
		)
		if err != nil {
			return runs, xerrors.Errorf("could not scan row %d: %w", len(runs), err)
		}
		run.Session, err = uuid.Parse(session)
		if err != nil {
			return runs, xerrors.Errorf("could not parse session id %q: %w", session, err)
		}
		run.Run = uint16(num)
		run.Start = time.Unix(0, beg).UTC()
		run.Stop = time.Unix(0, end).UTC()
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return runs, xerrors.Errorf("could not scan db: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return runs, xerrors.Errorf("context error: %w", err)
	}

	return runs, nil
}
