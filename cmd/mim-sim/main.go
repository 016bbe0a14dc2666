// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mim-sim serves a simulated multi-instrument board: its REST
// register endpoint and its register bus, over TCP or a serial port.
package main // import "github.com/go-lpc/mimctl/cmd/mim-sim"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/mimctl/internal/sim"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("mim-sim: ")
	log.SetFlags(0)

	var (
		addr = flag.String("addr", ":8090", "[ip]:port of the REST endpoint")
		bus  = flag.String("bus", "", "[ip]:port of the register bus (TCP)")
		tty  = flag.String("tty", "", "serial port of the register bus")
		baud = flag.Int("baud", 115200, "baud rate of the serial register bus")
	)

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, *addr, *bus, *tty, *baud)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, addr, bus, tty string, baud int) error {
	brd := sim.New()
	err := brd.Connect(ctx)
	if err != nil {
		return fmt.Errorf("could not connect simulated board: %w", err)
	}
	defer brd.Close()

	grp, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           brd.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("serving REST endpoint on %q...", addr)
	grp.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	grp.Go(func() error {
		<-ctx.Done()
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(tctx)
	})

	if bus != "" {
		ln, err := net.Listen("tcp", bus)
		if err != nil {
			return fmt.Errorf("could not listen on %q: %w", bus, err)
		}
		log.Printf("serving register bus on %q...", ln.Addr())
		grp.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
		grp.Go(func() error {
			return serveBus(brd, ln)
		})
	}

	if tty != "" {
		p, err := serial.Open(tty, &serial.Mode{BaudRate: baud})
		if err != nil {
			return fmt.Errorf("could not open serial port %q: %w", tty, err)
		}
		log.Printf("serving register bus on %q...", tty)
		grp.Go(func() error {
			<-ctx.Done()
			return p.Close()
		})
		grp.Go(func() error {
			err := brd.ServeBus(p)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	return grp.Wait()
}

func serveBus(brd *sim.Board, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("could not accept bus connection: %w", err)
		}
		go func() {
			defer conn.Close()
			err := brd.ServeBus(conn)
			if err != nil {
				log.Printf("bus connection %v: %+v", conn.RemoteAddr(), err)
			}
		}()
	}
}
