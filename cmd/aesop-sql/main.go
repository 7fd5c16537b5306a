// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command aesop-sql inspects the runs database.
//
// Example:
//
//	$> aesop-sql -db ./aesop-runs.db
//	$> aesop-sql -drv mysql -db "user:pass@tcp(host:3306)/aesop" -run 42
package main // import "github.com/go-lpc/aesop/cmd/aesop-sql"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-lpc/aesop/rundb"
)

func main() {
	log.SetPrefix("aesop-sql: ")
	log.SetFlags(0)

	var (
		drv = flag.String("drv", "sqlite", "runs database driver (sqlite|mysql)")
		dsn = flag.String("db", "aesop-runs.db", "runs database DSN")
		run = flag.Uint("run", 0, "run number to inspect (default: last run)")
	)

	flag.Parse()

	if *run > 0xffff {
		log.Fatalf("invalid run number %d", *run)
	}

	db, err := rundb.Open(*drv, *dsn)
	if err != nil {
		log.Fatalf("could not open runs db: %+v", err)
	}
	defer db.Close()

	err = doQuery(os.Stdout, db, uint16(*run))
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

func doQuery(w io.Writer, db *rundb.DB, run uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if run == 0 {
		last, err := db.LastRun(ctx)
		if err != nil {
			return fmt.Errorf("could not get last run: %w", err)
		}
		run = last.Run
	}

	runs, err := db.Runs(ctx, run)
	if err != nil {
		return fmt.Errorf("could not get records of run %d: %w", run, err)
	}
	if len(runs) == 0 {
		return fmt.Errorf("no record for run %d", run)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "session\tstart\tduration\tevents\tbad\tstrays\tlive\tstatus\n")
	for _, r := range runs {
		fmt.Fprintf(tw, "%v\t%s\t%v\t%d\t%d\t%d\t%.3f\t%s\n",
			r.Session, r.Start.Format(time.RFC3339), r.Stop.Sub(r.Start).Round(time.Millisecond),
			r.Events, r.Bad, r.Strays, r.Live, r.Status,
		)
	}
	err = tw.Flush()
	if err != nil {
		return fmt.Errorf("could not flush runs table: %w", err)
	}

	for _, r := range runs {
		if r.Error == "" {
			continue
		}
		fmt.Fprintf(w, "session %v: %s\n", r.Session, r.Error)
	}
	return nil
}
