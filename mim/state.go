// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mim

import "fmt"

// State is the state of a session.
//
//	OFFLINE -> CONNECTING -> STANDBY -> BUSY -> STANDBY | UNKNOWN
//
// UNKNOWN is left only through a new connection.
type State int

const (
	Offline State = iota
	Connecting
	Standby
	Busy
	Unknown
)

func (s State) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Connecting:
		return "CONNECTING"
	case Standby:
		return "STANDBY"
	case Busy:
		return "BUSY"
	case Unknown:
		return "UNKNOWN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
