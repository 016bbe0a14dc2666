// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mim-console is an interactive Lua console driving a
// multi-instrument board.
//
// The console either talks to a mim-srv server (-addr) or drives a local
// session built from a settings file (-cfg).
// Lua scripts given as arguments are run before the prompt.
//
// Example:
//
//	$> mim-console -addr localhost:8080
//	mim> mim.connect()
//	mim> mim.initialize("1")
//	mim> print(mim.state())
//	STANDBY
//	mim> :run sweep.lua
//	mim> :quit
package main // import "github.com/go-lpc/mimctl/cmd/mim-console"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/go-lpc/mimctl/internal/settings"
	"github.com/go-lpc/mimctl/mim"
	"github.com/go-lpc/mimctl/script"
	"github.com/peterh/liner"
)

const prompt = "mim> "

func main() {
	log.SetPrefix("mim-console: ")
	log.SetFlags(0)

	var (
		addr  = flag.String("addr", "", "[ip]:port of the mim-srv server")
		fname = flag.String("cfg", "", "path to settings file of a local session")
		batch = flag.Bool("batch", false, "run scripts and exit")
	)

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	doer, release, err := open(*addr, *fname)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	defer release()

	eng := script.New(doer, os.Stdout)
	defer eng.Close()

	for _, f := range flag.Args() {
		err := eng.Run(ctx, f)
		if err != nil {
			log.Fatalf("could not run %q: %+v", f, err)
		}
	}

	if *batch {
		return
	}

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	hist := historyFile()
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	repl(ctx, eng, term, os.Stdout)
}

// open returns the command executor: a client of a remote server or
// a local session.
func open(addr, fname string) (mim.Doer, func() error, error) {
	if addr != "" {
		cli, err := mim.Dial(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("could not dial %q: %w", addr, err)
		}
		return cli, cli.Close, nil
	}

	s, err := settings.Read(fname)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read settings: %w", err)
	}

	sess, cleanup, err := s.Session(s.Logger(os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("could not create session: %w", err)
	}
	return mim.NewServer(sess), cleanup, nil
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "mim-console.history")
}

type prompter interface {
	Prompt(p string) (string, error)
	AppendHistory(item string)
}

var (
	errColor = color.New(color.FgRed)
	okColor  = color.New(color.FgGreen)
)

// repl reads Lua chunks from term and runs them until EOF or ":quit".
// Lines starting with ":" are console commands.
func repl(ctx context.Context, eng *script.Engine, term prompter, w io.Writer) {
	for {
		line, err := term.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				errColor.Fprintf(w, "error: %+v\n", err)
			}
			fmt.Fprintln(w)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		if !strings.HasPrefix(line, ":") {
			err = eng.Exec(ctx, line)
			if err != nil {
				errColor.Fprintf(w, "error: %+v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "q", "quit":
			return
		case "run":
			arg = strings.TrimSpace(arg)
			err = eng.Run(ctx, arg)
			if err != nil {
				errColor.Fprintf(w, "error: %+v\n", err)
				continue
			}
			okColor.Fprintf(w, "%s: done\n", arg)
		case "h", "help":
			fmt.Fprintf(w, "commands:\n  :run <file.lua>\n  :quit\n")
		default:
			errColor.Fprintf(w, "error: unknown command %q\n", cmd)
		}
	}
}
