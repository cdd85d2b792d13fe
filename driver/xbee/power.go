// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xbee

import (
	"encoding/binary"

	"github.com/bureau-foundation/supervisor/driver"
)

// Digital I/O bits on the drone carrier board.
const (
	upCorePowerBit  = 11
	pixhawkPowerBit = 12
	muxControlBit   = 4
)

// Pin modes for the Dx/Px AT commands.
const (
	pinDisabled      = 0
	pinDigitalOutput = 4
)

type command struct {
	name      string
	arguments []byte
}

// initCommands configures the module pins after every handshake: the
// UART pins are released, the power rail pins become digital outputs,
// and the serial mux is switched to the companion computer.
func initCommands() []command {
	mux := uint16(1) << muxControlBit
	return []command{
		{"D7", []byte{pinDisabled}},
		{"D6", []byte{pinDisabled}},
		{"P3", []byte{pinDisabled}},
		{"P4", []byte{pinDisabled}},
		{"D4", []byte{pinDigitalOutput}},
		{"D1", []byte{pinDigitalOutput}},
		{"D2", []byte{pinDigitalOutput}},
		{"OM", binary.BigEndian.AppendUint16(nil, mux)},
		{"IO", binary.BigEndian.AppendUint16(nil, mux)},
	}
}

// powerCommands returns the OM (output mask) and IO (output value)
// pair switching one rail while leaving the other pins untouched.
func powerCommands(request driver.SetPower) []command {
	var bit uint16
	switch request.Subsystem {
	case driver.SubsystemUpCore:
		bit = 1 << upCorePowerBit
	case driver.SubsystemPixhawk:
		bit = 1 << pixhawkPowerBit
	default:
		return nil
	}
	var value uint16
	if request.On {
		value = bit
	}
	return []command{
		{"OM", binary.BigEndian.AppendUint16(nil, bit)},
		{"IO", binary.BigEndian.AppendUint16(nil, value)},
	}
}
