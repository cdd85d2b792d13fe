// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
)

// Event is a change applied to the fleet state.
type Event interface{ event() }

// RobotAppeared carries a connected link found by discovery.
type RobotAppeared struct {
	Link            driver.Link
	HardwareAddress fleet.HardwareAddress
}

// StateChanged reports a robot's connection state.
type StateChanged struct {
	Robot  string
	State  fleet.ConnectionState
	Reason string

	generation uint64
}

// TelemetryReceived sets one telemetry value on a robot's record.
type TelemetryReceived struct {
	Robot string
	Key   string
	Value string

	generation uint64
}

// OutputReceived appends process output to a robot's tail.
type OutputReceived struct {
	Robot string
	Text  string

	generation uint64
}

// PoseReceived sets a robot's latest pose. Applying the same sample
// twice changes nothing.
type PoseReceived struct {
	Robot  string
	Sample fleet.PoseSample
}

// OperatorCommand records an operator action and its outcome.
type OperatorCommand struct {
	Target string
	Action string
	Err    error
}

// ExperimentChanged replaces the experiment state.
type ExperimentChanged struct {
	Experiment Experiment
}

// Released removes a robot whose actor has stopped.
type Released struct {
	Robot  string
	Reason string

	generation uint64
}

func (RobotAppeared) event()     {}
func (StateChanged) event()      {}
func (TelemetryReceived) event() {}
func (OutputReceived) event()    {}
func (PoseReceived) event()      {}
func (OperatorCommand) event()   {}
func (ExperimentChanged) event() {}
func (Released) event()          {}
