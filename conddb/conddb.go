// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb provides access to the board configurations stored in the
// MIM configuration database.
package conddb // import "github.com/go-lpc/mimctl/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/mimctl/config"
	"github.com/go-sql-driver/mysql"
)

var drvName = "mysql"

const timeout = 5 * time.Second

// DB exposes the configurations stored in the MIM database.
type DB struct {
	db   *sql.DB
	name string // name of the MIM database
	dir  string // directory holding bitstream archives
}

// Option configures a DB.
type Option func(db *DB)

// WithBitstreams sets the directory where bitstream archives are looked up.
func WithBitstreams(dir string) Option {
	return func(db *DB) {
		db.dir = dir
	}
}

// DSN returns the data source name of the dbname database served by the
// MySQL server at host.
func DSN(usr, pwd, host, dbname string) string {
	cfg := mysql.NewConfig()
	cfg.User = usr
	cfg.Passwd = pwd
	cfg.Net = "tcp"
	cfg.Addr = host
	cfg.DBName = dbname
	return cfg.FormatDSN()
}

// Open opens a connection to the MIM database described by dsn.
func Open(dsn string, opts ...Option) (*DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not parse DSN: %w", err)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", cfg.DBName, err)
	}

	err = ping(db, cfg.DBName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	o := &DB{db: db, name: cfg.DBName, dir: "bitstreams"}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

// Name returns the name of the database.
func (db *DB) Name() string { return db.name }

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// query runs the query and calls scan for each returned row.
func (db *DB) query(ctx context.Context, what string, scan func(rows *sql.Rows) error, query string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conddb: could not query %s: %w", what, err)
	}
	defer rows.Close()

	for rows.Next() {
		err = scan(rows)
		if err != nil {
			return fmt.Errorf("conddb: could not get %s value: %w", what, err)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("conddb: could not scan db for %s: %w", what, err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("conddb: context error while retrieving %s: %w", what, err)
	}

	return nil
}

// IDs returns the identifiers of all stored configurations, in increasing
// order.
func (db *DB) IDs(ctx context.Context) ([]string, error) {
	var ids []int64
	err := db.query(ctx, "configuration ids", func(rows *sql.Rows) error {
		var id int64
		err := rows.Scan(&id)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	}, "SELECT id FROM mim_configs ORDER BY id")
	if err != nil {
		return nil, err
	}

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out, nil
}

// Config returns the configuration with the provided identifier.
func (db *DB) Config(ctx context.Context, id string) (*config.Config, error) {
	key, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &config.ConfigNotFoundError{ID: id}
	}

	var (
		cfg   *config.Config
		slots = make(map[int]int) // slot -> index in cfg.Instruments
	)

	err = db.query(ctx, "configuration", func(rows *sql.Rows) error {
		var (
			c          config.Config
			transports string
		)
		err := rows.Scan(&c.ID, &c.Platform, &c.Firmware, &c.Comb, &c.Description, &transports)
		if err != nil {
			return err
		}
		c.Transports = config.SplitList(transports)
		cfg = &c
		return nil
	},
		"SELECT id, platform, firmware, comb_id, description, transports FROM mim_configs WHERE id=?",
		key,
	)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, &config.ConfigNotFoundError{ID: id}
	}

	err = db.query(ctx, "instruments", func(rows *sql.Rows) error {
		var (
			inst      config.Instrument
			bitstream string
		)
		err := rows.Scan(&inst.Slot, &inst.Type, &inst.Purpose, &bitstream)
		if err != nil {
			return err
		}
		if name := strings.TrimSpace(bitstream); name != "" {
			inst.Bitstream = config.BitstreamPath(db.dir, name)
		}
		slots[inst.Slot] = len(cfg.Instruments)
		cfg.Instruments = append(cfg.Instruments, inst)
		return nil
	},
		"SELECT slot, type, purpose, bitstream FROM mim_instruments WHERE config=? ORDER BY slot",
		key,
	)
	if err != nil {
		return nil, err
	}

	err = db.query(ctx, "parameters", func(rows *sql.Rows) error {
		var (
			slot int
			p    config.Param
		)
		err := rows.Scan(&slot, &p.Name, &p.Value, &p.Index, &p.High, &p.Low)
		if err != nil {
			return err
		}
		i, ok := slots[slot]
		if !ok {
			return fmt.Errorf("parameter %q for empty slot %d", p.Name, slot)
		}
		cfg.Instruments[i].Params = append(cfg.Instruments[i].Params, p)
		return nil
	},
		"SELECT slot, name, value, reg, high, low FROM mim_parameters WHERE config=? ORDER BY slot, rank",
		key,
	)
	if err != nil {
		return nil, err
	}

	err = db.query(ctx, "connections", func(rows *sql.Rows) error {
		var c config.Connection
		err := rows.Scan(&c.Source, &c.Destination)
		if err != nil {
			return err
		}
		cfg.Connections = append(cfg.Connections, c)
		return nil
	},
		"SELECT source, destination FROM mim_connections WHERE config=? ORDER BY rank",
		key,
	)
	if err != nil {
		return nil, err
	}

	err = db.query(ctx, "inputs", func(rows *sql.Rows) error {
		var in config.Input
		err := rows.Scan(&in.Channel, &in.Impedance, &in.Coupling, &in.Attenuation)
		if err != nil {
			return err
		}
		cfg.Inputs = append(cfg.Inputs, in)
		return nil
	},
		"SELECT channel, impedance, coupling, attenuation FROM mim_inputs WHERE config=? ORDER BY channel",
		key,
	)
	if err != nil {
		return nil, err
	}

	err = db.query(ctx, "outputs", func(rows *sql.Rows) error {
		var out config.Output
		err := rows.Scan(&out.Channel, &out.Gain)
		if err != nil {
			return err
		}
		cfg.Outputs = append(cfg.Outputs, out)
		return nil
	},
		"SELECT channel, gain FROM mim_outputs WHERE config=? ORDER BY channel",
		key,
	)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

var _ config.Source = (*DB)(nil)
