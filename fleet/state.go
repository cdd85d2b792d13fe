// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import "fmt"

// ConnectionState is the lifecycle state of one robot's control
// connection. Terminated is absorbing.
type ConnectionState uint8

const (
	Unconnected ConnectionState = iota
	Connecting
	Connected
	Degraded
	Terminated
)

var stateNames = [...]string{
	Unconnected: "unconnected",
	Connecting:  "connecting",
	Connected:   "connected",
	Degraded:    "degraded",
	Terminated:  "terminated",
}

func (s ConnectionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ConnectionState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = ConnectionState(state)
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}
