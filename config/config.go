// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes the configurations of a multi-instrument board:
// which instrument sits in which slot, with which bitstream, parameter
// defaults and register layout, and how slots and analog channels are
// wired together.
package config // import "github.com/go-lpc/mimctl/config"

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-lpc/mimctl/mcc"
)

// NumSlots is the number of instrument slots of a board.
const NumSlots = 4

// CloudCompile is the type of instruments built from a custom bitstream.
const CloudCompile = "CloudCompile"

// Source yields configurations.
type Source interface {
	// Config returns the configuration with the provided identifier.
	Config(ctx context.Context, id string) (*Config, error)
	// IDs returns the identifiers of all available configurations.
	IDs(ctx context.Context) ([]string, error)
}

// Config is a board configuration.
type Config struct {
	ID          string
	Platform    string
	Firmware    string
	Comb        string
	Description string
	Transports  []string // supported transport modes; empty means any

	Instruments []Instrument
	Connections []Connection
	Inputs      []Input
	Outputs     []Output
}

// Instrument describes the content of a slot.
type Instrument struct {
	Slot      int
	Type      string
	Purpose   string
	Bitstream string
	Params    []Param
}

// Custom returns whether the instrument is built from a custom bitstream
// and exposes control registers.
func (inst Instrument) Custom() bool {
	return inst.Type == CloudCompile
}

// Layout returns the register layout of the instrument.
func (inst Instrument) Layout() (*mcc.Layout, error) {
	fields := make(map[string]mcc.Field, len(inst.Params))
	for _, p := range inst.Params {
		if _, dup := fields[p.Name]; dup {
			return nil, fmt.Errorf("config: duplicate parameter %q in slot %d", p.Name, inst.Slot)
		}
		fields[p.Name] = mcc.Field{Index: p.Index, High: p.High, Low: p.Low}
	}
	lay, err := mcc.NewLayout(fields)
	if err != nil {
		return nil, fmt.Errorf("config: invalid layout for slot %d: %w", inst.Slot, err)
	}
	return lay, nil
}

// Defaults returns the default parameter values of the instrument, in
// declaration order.
func (inst Instrument) Defaults() []mcc.Param {
	defs := make([]mcc.Param, len(inst.Params))
	for i, p := range inst.Params {
		defs[i] = mcc.Param{Name: p.Name, Value: p.Value}
	}
	return defs
}

// Param is a parameter default value together with its register field.
type Param struct {
	Name  string
	Value int64
	Index int
	High  int
	Low   int
}

// Connection routes the signal of a source to a destination.
type Connection struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Input holds the analog front-end settings of an input channel.
type Input struct {
	Channel     int    `json:"channel"`
	Impedance   string `json:"impedance"`
	Coupling    string `json:"coupling"`
	Attenuation string `json:"attenuation"`
}

// Output holds the gain setting of an output channel.
type Output struct {
	Channel int    `json:"channel"`
	Gain    string `json:"gain"`
}

// Validate checks the consistency of the configuration.
func (cfg *Config) Validate() error {
	var used [NumSlots + 1]bool
	for _, inst := range cfg.Instruments {
		if inst.Slot < 1 || inst.Slot > NumSlots {
			return fmt.Errorf("config: invalid slot %d in configuration %q", inst.Slot, cfg.ID)
		}
		if used[inst.Slot] {
			return fmt.Errorf("config: slot %d used twice in configuration %q", inst.Slot, cfg.ID)
		}
		used[inst.Slot] = true
		if inst.Type == "" {
			return fmt.Errorf("config: missing instrument type for slot %d in configuration %q", inst.Slot, cfg.ID)
		}
		if !inst.Custom() {
			continue
		}
		if _, err := inst.Layout(); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies the configuration can run on the provided platform with
// the provided transport mode.
// An empty platform matches any configuration.
func (cfg *Config) Check(platform, mode string) error {
	if platform != "" && cfg.Platform != "" && cfg.Platform != platform {
		return &UnsupportedConfigurationError{
			ID:     cfg.ID,
			Reason: fmt.Sprintf("platform %q, want %q", cfg.Platform, platform),
		}
	}
	if len(cfg.Transports) == 0 {
		return nil
	}
	for _, tr := range cfg.Transports {
		if strings.EqualFold(tr, mode) {
			return nil
		}
	}
	return &UnsupportedConfigurationError{
		ID:     cfg.ID,
		Reason: fmt.Sprintf("transport %q not in %q", mode, cfg.Transports),
	}
}

// ConfigNotFoundError is returned when a configuration is not available.
type ConfigNotFoundError struct {
	ID string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config: configuration %q not found", e.ID)
}

// UnsupportedConfigurationError is returned when a configuration can not
// be used with the current hardware or transport.
type UnsupportedConfigurationError struct {
	ID     string
	Reason string
}

func (e *UnsupportedConfigurationError) Error() string {
	return fmt.Sprintf("config: unsupported configuration %q: %s", e.ID, e.Reason)
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
