// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds types to describe the condition and configuration
// database of the readout PCs.
package conddb // import "github.com/go-lpc/desser/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var (
	host = envOr("DESSER_DB_HOST", "localhost")
	usr  = envOr("DESSER_DB_USER", "desser")
	pwd  = os.Getenv("DESSER_DB_PASS")

	drvName = "mysql"
)

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// DB exposes convenience methods to retrieve the configuration of the
// deserializer nodes and to record their runs.
type DB struct {
	db   *sql.DB
	name string // name of the database
}

// RunSummary describes one run of a node.
type RunSummary struct {
	Run    uint32
	Node   uint32
	Start  time.Time
	Stop   time.Time
	Events uint64
	Bytes  uint64 // bytes forwarded downstream
	Faults uint64
}

// Open opens a connection to the database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// Sources returns the addresses of the upstream senders of node, ordered
// by channel.
func (db *DB) Sources(ctx context.Context, node uint32) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var srcs []string
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT host, port FROM sources WHERE node=? ORDER BY channel",
		node,
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not query sources of node %d: %w", node, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			host string
			port uint16
		)
		err = rows.Scan(&host, &port)
		if err != nil {
			return nil, fmt.Errorf("conddb: could not scan source %d of node %d: %w", len(srcs), node, err)
		}
		srcs = append(srcs, net.JoinHostPort(host, strconv.Itoa(int(port))))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conddb: could not scan db for sources of node %d: %w", node, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("conddb: context error while retrieving sources of node %d: %w", node, err)
	}

	if len(srcs) == 0 {
		return nil, fmt.Errorf("conddb: no source for node %d", node)
	}

	return srcs, nil
}

// LastRun returns the number of the last run recorded for node.
func (db *DB) LastRun(ctx context.Context, node uint32) (uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var run uint32
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT run FROM runs WHERE node=? ORDER BY start DESC LIMIT 1",
		node,
	)
	if err != nil {
		return run, fmt.Errorf("conddb: could not query last run: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&run)
		if err != nil {
			return run, fmt.Errorf("conddb: could not get last run value: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return run, fmt.Errorf("conddb: could not scan db for last run: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return run, fmt.Errorf("conddb: context error while retrieving last run: %w", err)
	}

	return run, nil
}

// RecordRun stores the summary of a run.
func (db *DB) RecordRun(ctx context.Context, run RunSummary) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		`
INSERT INTO runs (run, node, start, stop, events, bytes, faults)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		run.Run, run.Node, run.Start.UTC(), run.Stop.UTC(),
		int64(run.Events), int64(run.Bytes), int64(run.Faults),
	)
	if err != nil {
		return fmt.Errorf("conddb: could not record run %d of node %d: %w", run.Run, run.Node, err)
	}

	return nil
}
