// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb provides an in-memory database/sql driver replaying
// canned query results.
package fakedb // import "github.com/go-lpc/mimctl/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
)

var queries struct {
	mu   sync.Mutex // serializes Run calls
	qmu  sync.Mutex
	rows []Rows
	seen []string
}

// Run executes f with the database answering the successive queries with
// the successive elements of rows.
// Run returns the queries issued by f.
func Run(ctx context.Context, rows []Rows, f func(ctx context.Context) error) ([]string, error) {
	queries.mu.Lock()
	defer queries.mu.Unlock()

	queries.qmu.Lock()
	queries.rows = append([]Rows(nil), rows...)
	queries.seen = nil
	queries.qmu.Unlock()

	err := f(ctx)

	queries.qmu.Lock()
	defer queries.qmu.Unlock()
	return queries.seen, err
}

func next(query string) (*Rows, error) {
	queries.qmu.Lock()
	defer queries.qmu.Unlock()

	queries.seen = append(queries.seen, query)
	if len(queries.rows) == 0 {
		return nil, fmt.Errorf("fakedb: no result for query %q", query)
	}
	rows := queries.rows[0]
	queries.rows = queries.rows[1:]
	return &rows, nil
}

func init() {
	sql.Register("fakedb", &Driver{})
}

// Driver is the fake database driver.
type Driver struct{}

func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

// Conn is a connection to the fake database.
type Conn struct{}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

func (c *Conn) Close() error { return nil }

func (c *Conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakedb: transactions not supported")
}

// Stmt is a prepared statement.
type Stmt struct {
	query string
}

func (stmt *Stmt) Close() error  { return nil }
func (stmt *Stmt) NumInput() int { return -1 }

func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, fmt.Errorf("fakedb: exec not supported")
}

func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return next(stmt.query)
}

// Rows is a canned query result.
type Rows struct {
	Names  []string
	Values [][]driver.Value
}

func (rows *Rows) Columns() []string { return rows.Names }
func (rows *Rows) Close() error      { return nil }

func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
