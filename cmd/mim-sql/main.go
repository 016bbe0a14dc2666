// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mim-sql inspects the board configurations stored in the MIM
// database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-lpc/mimctl/conddb"
)

func main() {
	log.SetPrefix("mim-sql: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", "mimdb", "name of the MIM database")
		host   = flag.String("host", "localhost:3306", "address of the MySQL server")
		usr    = flag.String("u", "mim", "database user")
		id     = flag.String("id", "", "configuration to inspect (default: list configurations)")
	)

	flag.Parse()

	dsn := conddb.DSN(*usr, os.Getenv("MIM_DB_PASSWORD"), *host, *dbname)
	db, err := conddb.Open(dsn)
	if err != nil {
		log.Fatalf("could not open MIM db: %+v", err)
	}
	defer db.Close()

	err = doQuery(db, *id)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

func doQuery(db *conddb.DB, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if id == "" {
		return list(ctx, db)
	}

	cfg, err := db.Config(ctx, id)
	if err != nil {
		return fmt.Errorf("could not get configuration %q: %w", id, err)
	}

	log.Printf("config:   %s (%s)", cfg.ID, cfg.Description)
	log.Printf("platform: %s, firmware=%s, comb=%s", cfg.Platform, cfg.Firmware, cfg.Comb)
	for _, inst := range cfg.Instruments {
		log.Printf("slot[%d]: %s %q (bitstream=%q)", inst.Slot, inst.Type, inst.Purpose, inst.Bitstream)
		for _, p := range inst.Params {
			log.Printf(">>> %-20s reg[%02d][%02d:%02d] = %d", p.Name, p.Index, p.High, p.Low, p.Value)
		}
	}
	for _, c := range cfg.Connections {
		log.Printf("connection: %s -> %s", c.Source, c.Destination)
	}
	for _, in := range cfg.Inputs {
		log.Printf("input[%d]: %s, %s, %s", in.Channel, in.Impedance, in.Coupling, in.Attenuation)
	}
	for _, out := range cfg.Outputs {
		log.Printf("output[%d]: %s", out.Channel, out.Gain)
	}

	return nil
}

func list(ctx context.Context, db *conddb.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT id, platform, description FROM mim_configs ORDER BY id")
	if err != nil {
		return fmt.Errorf("could not list configurations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       int64
			platform string
			descr    string
		)
		err = rows.Scan(&id, &platform, &descr)
		if err != nil {
			return fmt.Errorf("could not scan configuration: %w", err)
		}
		log.Printf(">>> config=%03d, platform=%s: %s", id, platform, descr)
	}

	return rows.Err()
}
