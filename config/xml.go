// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File is a configuration source backed by an XML document.
//
// The document holds a list of configurations:
//
//	<mim>
//	  <configurations>
//	    <config id="1" platform="..." firmware="..." comb_id="..." description="...">
//	      <instruments>
//	        <instrument slot="1" type="CloudCompile" purpose="turnkey">
//	          <bitstream>turnkey_v3</bitstream>
//	          <parameters>
//	            <parameter name="mode" value="0" index="0" high="0" low="0"/>
//	          </parameters>
//	        </instrument>
//	      </instruments>
//	      <connections>
//	        <connection source="Input1" destination="Slot1InA"/>
//	      </connections>
//	      <io_settings>
//	        <input channel="1" impedance="1MOhm" coupling="DC" attenuation="0dB"/>
//	        <output channel="1" gain="0dB"/>
//	      </io_settings>
//	    </config>
//	  </configurations>
//	</mim>
//
// Bitstream names are resolved to <dir>/<name>.tar.gz.
type File struct {
	dir  string
	cfgs []xmlConfig
}

// Open reads the XML configuration file fname.
// Bitstreams are looked up in the "bitstreams" directory next to fname.
func Open(fname string) (*File, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("config: could not open %q: %w", fname, err)
	}
	defer f.Close()

	return ReadXML(f, filepath.Join(filepath.Dir(fname), "bitstreams"))
}

// ReadXML decodes an XML configuration document from r.
// Bitstreams are looked up in dir.
func ReadXML(r io.Reader, dir string) (*File, error) {
	var doc struct {
		Configs []xmlConfig `xml:"configurations>config"`
	}
	err := xml.NewDecoder(r).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("config: could not decode XML document: %w", err)
	}
	return &File{dir: dir, cfgs: doc.Configs}, nil
}

// IDs returns the identifiers of the configurations, in document order.
func (f *File) IDs(ctx context.Context) ([]string, error) {
	ids := make([]string, len(f.cfgs))
	for i, cfg := range f.cfgs {
		ids[i] = cfg.ID
	}
	return ids, nil
}

// Config returns the configuration with the provided identifier.
func (f *File) Config(ctx context.Context, id string) (*Config, error) {
	for _, x := range f.cfgs {
		if x.ID != id {
			continue
		}
		cfg := x.config(f.dir)
		err := cfg.Validate()
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, &ConfigNotFoundError{ID: id}
}

type xmlConfig struct {
	ID          string `xml:"id,attr"`
	Platform    string `xml:"platform,attr"`
	Firmware    string `xml:"firmware,attr"`
	Comb        string `xml:"comb_id,attr"`
	Description string `xml:"description,attr"`
	Transports  string `xml:"transports,attr"`

	Instruments []xmlInstrument `xml:"instruments>instrument"`
	Connections []xmlConnection `xml:"connections>connection"`
	Inputs      []xmlInput      `xml:"io_settings>input"`
	Outputs     []xmlOutput     `xml:"io_settings>output"`
}

type xmlInstrument struct {
	Slot      int        `xml:"slot,attr"`
	Type      string     `xml:"type,attr"`
	Purpose   string     `xml:"purpose,attr"`
	Bitstream string     `xml:"bitstream"`
	Params    []xmlParam `xml:"parameters>parameter"`
}

type xmlParam struct {
	Name  string `xml:"name,attr"`
	Value int64  `xml:"value,attr"`
	Index int    `xml:"index,attr"`
	High  int    `xml:"high,attr"`
	Low   int    `xml:"low,attr"`
}

type xmlConnection struct {
	Source      string `xml:"source,attr"`
	Destination string `xml:"destination,attr"`
}

type xmlInput struct {
	Channel     int    `xml:"channel,attr"`
	Impedance   string `xml:"impedance,attr"`
	Coupling    string `xml:"coupling,attr"`
	Attenuation string `xml:"attenuation,attr"`
}

type xmlOutput struct {
	Channel int    `xml:"channel,attr"`
	Gain    string `xml:"gain,attr"`
}

func (x xmlConfig) config(dir string) *Config {
	cfg := &Config{
		ID:          x.ID,
		Platform:    x.Platform,
		Firmware:    x.Firmware,
		Comb:        x.Comb,
		Description: x.Description,
		Transports:  SplitList(x.Transports),
	}

	for _, xi := range x.Instruments {
		inst := Instrument{
			Slot:    xi.Slot,
			Type:    xi.Type,
			Purpose: xi.Purpose,
		}
		if name := strings.TrimSpace(xi.Bitstream); name != "" {
			inst.Bitstream = BitstreamPath(dir, name)
		}
		for _, p := range xi.Params {
			inst.Params = append(inst.Params, Param(p))
		}
		cfg.Instruments = append(cfg.Instruments, inst)
	}

	for _, c := range x.Connections {
		cfg.Connections = append(cfg.Connections, Connection(c))
	}
	for _, in := range x.Inputs {
		cfg.Inputs = append(cfg.Inputs, Input(in))
	}
	for _, out := range x.Outputs {
		cfg.Outputs = append(cfg.Outputs, Output(out))
	}

	return cfg
}

// BitstreamPath returns the path of the named bitstream archive in dir.
func BitstreamPath(dir, name string) string {
	return filepath.Join(dir, name+".tar.gz")
}
