// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mim-srv serves a MIM session over JSON command requests, on a TCP
// port and, optionally, on a websocket endpoint.
package main // import "github.com/go-lpc/mimctl/cmd/mim-srv"

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

	"github.com/go-lpc/mimctl"
	"github.com/go-lpc/mimctl/internal/alert"
	"github.com/go-lpc/mimctl/internal/settings"
	"github.com/go-lpc/mimctl/mim"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("mim-srv: ")
	log.SetFlags(0)

	var (
		fname = flag.String("cfg", "", "path to settings file")
	)

	flag.Parse()

	s, err := settings.Read(*fname)
	if err != nil {
		log.Fatalf("could not read settings: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = run(ctx, s)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, s *settings.Settings) error {
	msg := s.Logger(os.Stdout)
	if v, _ := mimctl.Version(); v != "" {
		msg.Infof("version: %s", v)
	}

	sess, cleanup, err := s.Session(msg)
	if err != nil {
		return fmt.Errorf("could not create session: %w", err)
	}
	defer func() {
		err := cleanup()
		if err != nil {
			msg.Errorf("could not release session: %+v", err)
		}
	}()

	alerts := alert.New(s.Name, s.Alert, msg)
	defer alerts.Close()
	sess.OnState(alerts.Watch)

	if s.Config != "" {
		err = boot(ctx, sess, s.Config)
		if err != nil {
			return err
		}
	}

	srv := mim.NewServer(sess)

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("could not listen on %q: %w", s.Addr, err)
	}
	defer ln.Close()
	msg.Infof("listening on %q...", ln.Addr())

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return srv.Serve(ln)
	})

	var web *http.Server
	if s.Web != "" {
		web = &http.Server{
			Addr:              s.Web,
			Handler:           srv,
			ReadHeaderTimeout: 5 * time.Second,
		}
		msg.Infof("serving websocket on %q...", s.Web)
		grp.Go(func() error {
			err := web.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	grp.Go(func() error {
		<-ctx.Done()
		msg.Infof("shutting down...")
		_ = ln.Close()
		if web != nil {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return web.Shutdown(tctx)
		}
		return nil
	})

	return grp.Wait()
}

func boot(ctx context.Context, sess *mim.Session, id string) error {
	err := sess.Connect(ctx)
	if err != nil {
		return fmt.Errorf("could not connect to board: %w", err)
	}

	err = sess.Initialize(ctx, id)
	if err != nil {
		return fmt.Errorf("could not initialize configuration %q: %w", id, err)
	}

	return nil
}
