// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package settings reads the settings of the MIM daemons and builds the
// session they describe.
package settings // import "github.com/go-lpc/mimctl/internal/settings"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/mimctl/board"
	"github.com/go-lpc/mimctl/conddb"
	"github.com/go-lpc/mimctl/config"
	"github.com/go-lpc/mimctl/internal/alert"
	"github.com/go-lpc/mimctl/internal/sim"
	"github.com/go-lpc/mimctl/mim"
	"github.com/go-lpc/mimctl/transport"
	"github.com/spf13/viper"
)

// Settings describes a MIM daemon.
type Settings struct {
	Name     string        `mapstructure:"name"`
	Addr     string        `mapstructure:"addr"` // JSON command server
	Web      string        `mapstructure:"web"`  // websocket command server
	Level    string        `mapstructure:"level"`
	Mode     string        `mapstructure:"mode"`
	Platform string        `mapstructure:"platform"`
	Poll     time.Duration `mapstructure:"poll"`
	Config   string        `mapstructure:"config"` // configuration loaded at startup

	Board  Board        `mapstructure:"board"`
	HTTP   HTTP         `mapstructure:"http"`
	Bus    Bus          `mapstructure:"bus"`
	Source Source       `mapstructure:"source"`
	Alert  alert.Config `mapstructure:"alert"`
}

// Board describes the device handle.
type Board struct {
	Kind     string `mapstructure:"kind"` // "soc" or "sim"
	DevMem   string `mapstructure:"devmem"`
	Base     int64  `mapstructure:"base"`
	Firmware string `mapstructure:"firmware"`
	Manager  string `mapstructure:"manager"`
	SMBus    int    `mapstructure:"smbus"`
}

// HTTP configures the HTTP transport.
type HTTP struct {
	URL     string        `mapstructure:"url"`
	Base    int           `mapstructure:"base"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Bus configures the serial bus transport.
type Bus struct {
	Port    string        `mapstructure:"port"`
	Baud    int           `mapstructure:"baud"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Source selects where configurations are loaded from: an XML file or,
// when DB.Name is set, the MySQL database.
type Source struct {
	XML string `mapstructure:"xml"`
	DB  DB     `mapstructure:"db"`
}

// DB holds the credentials of the configuration database.
type DB struct {
	Name       string `mapstructure:"name"`
	Host       string `mapstructure:"host"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Bitstreams string `mapstructure:"bitstreams"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("name", "mim-srv")
	v.SetDefault("addr", ":8866")
	v.SetDefault("web", "")
	v.SetDefault("level", "info")
	v.SetDefault("mode", "direct")
	v.SetDefault("platform", "")
	v.SetDefault("poll", mim.DefaultPollInterval)
	v.SetDefault("config", "")

	v.SetDefault("board.kind", "soc")
	v.SetDefault("board.devmem", "/dev/mem")
	v.SetDefault("board.base", board.LwH2FBase)
	v.SetDefault("board.firmware", "/lib/firmware")
	v.SetDefault("board.manager", "/sys/class/fpga_manager/fpga0")
	v.SetDefault("board.smbus", 0)

	v.SetDefault("http.url", transport.DefaultURL)
	v.SetDefault("http.base", transport.DefaultBase)
	v.SetDefault("http.timeout", 5*time.Second)

	v.SetDefault("bus.port", "/dev/ttyUSB0")
	v.SetDefault("bus.baud", 115200)
	v.SetDefault("bus.timeout", time.Second)

	v.SetDefault("source.xml", "/etc/mim/config.xml")
	v.SetDefault("source.db.name", "")
	v.SetDefault("source.db.host", "localhost:3306")
	v.SetDefault("source.db.user", "mim")
	v.SetDefault("source.db.password", "")
	v.SetDefault("source.db.bitstreams", "/opt/mim/bitstreams")

	v.SetDefault("alert.user", "")
	v.SetDefault("alert.password", "")
	v.SetDefault("alert.server", "")
	v.SetDefault("alert.port", 0)
	v.SetDefault("alert.targets", []string{})
	v.SetDefault("alert.max", 5)
}

// Read reads the settings file fname.
// When fname is empty, "mim.{toml,yaml,json}" is looked up in /etc/mim and
// in the current directory; defaults are used when no file is found.
// Settings can be overridden with MIM_-prefixed environment variables
// (e.g. MIM_HTTP_URL).
func Read(fname string) (*Settings, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("MIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch fname {
	case "":
		v.SetConfigName("mim")
		v.AddConfigPath("/etc/mim")
		v.AddConfigPath(".")
		err := v.ReadInConfig()
		if err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("settings: could not read settings: %w", err)
			}
		}
	default:
		v.SetConfigFile(fname)
		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("settings: could not read %q: %w", fname, err)
		}
	}

	var s Settings
	err := v.Unmarshal(&s)
	if err != nil {
		return nil, fmt.Errorf("settings: could not decode settings: %w", err)
	}

	err = s.Validate()
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// Validate checks the consistency of the settings.
func (s *Settings) Validate() error {
	_, err := transport.ParseMode(s.Mode)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	_, err = s.Lvl()
	if err != nil {
		return err
	}
	switch s.Board.Kind {
	case "soc", "sim":
	default:
		return fmt.Errorf("settings: invalid board kind %q", s.Board.Kind)
	}
	if s.Poll <= 0 {
		return fmt.Errorf("settings: invalid poll interval %v", s.Poll)
	}
	return nil
}

// Lvl returns the message level of the daemon.
func (s *Settings) Lvl() (log.Level, error) {
	switch strings.ToLower(s.Level) {
	case "debug":
		return log.LvlDebug, nil
	case "info", "":
		return log.LvlInfo, nil
	case "warning", "warn":
		return log.LvlWarning, nil
	case "error":
		return log.LvlError, nil
	}
	return log.LvlInfo, fmt.Errorf("settings: invalid message level %q", s.Level)
}

// Logger returns the message stream of the daemon, writing to w.
func (s *Settings) Logger(w io.Writer) log.MsgStream {
	lvl, _ := s.Lvl()
	return log.NewMsgStream(s.Name, lvl, w)
}

// OpenSource opens the configuration source.
func (s *Settings) OpenSource() (config.Source, io.Closer, error) {
	if db := s.Source.DB; db.Name != "" {
		pwd := db.Password
		if pwd == "" {
			pwd = os.Getenv("MIM_DB_PASSWORD")
		}
		src, err := conddb.Open(
			conddb.DSN(db.User, pwd, db.Host, db.Name),
			conddb.WithBitstreams(db.Bitstreams),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("settings: could not open configuration db: %w", err)
		}
		return src, src, nil
	}

	src, err := config.Open(s.Source.XML)
	if err != nil {
		return nil, nil, fmt.Errorf("settings: could not open configuration file: %w", err)
	}
	return src, nopCloser{}, nil
}

// OpenDevice opens the device handle.
func (s *Settings) OpenDevice() (mim.Device, error) {
	switch s.Board.Kind {
	case "sim":
		return sim.New(), nil
	default:
		brd, err := board.Open(
			s.Board.DevMem,
			board.WithBase(s.Board.Base),
			board.WithFirmware(s.Board.Firmware),
			board.WithFPGAManager(s.Board.Manager),
			board.WithSMBus(s.Board.SMBus),
		)
		if err != nil {
			return nil, fmt.Errorf("settings: could not open board: %w", err)
		}
		return brd, nil
	}
}

// Session builds the session described by the settings.
// The returned function releases the resources held by the session.
func (s *Settings) Session(msg mim.Logger) (*mim.Session, func() error, error) {
	mode, err := transport.ParseMode(s.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("settings: %w", err)
	}

	var closers []io.Closer
	cleanup := func() error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			if e := closers[i].Close(); e != nil && err == nil {
				err = e
			}
		}
		return err
	}

	src, closer, err := s.OpenSource()
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, closer)

	dev, err := s.OpenDevice()
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}

	opts := []mim.Option{
		mim.WithLogger(msg),
		mim.WithMode(mode),
		mim.WithPlatform(s.Platform),
		mim.WithPollInterval(s.Poll),
	}

	switch mode {
	case transport.HTTP:
		opts = append(opts, mim.WithHTTP(
			s.HTTP.URL,
			transport.WithBase(s.HTTP.Base),
			transport.WithTimeout(s.HTTP.Timeout),
		))
	case transport.Bus:
		line, err := transport.OpenLine(s.Bus.Port, s.Bus.Baud, s.Bus.Timeout)
		if err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("settings: could not open bus: %w", err)
		}
		closers = append(closers, line)
		opts = append(opts, mim.WithLine(line))
	}

	sess := mim.New(dev, src, opts...)
	closers = append(closers, sess)

	return sess, cleanup, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
