// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import "fmt"

// Request is one command for a link. The set of requests is closed.
type Request interface {
	// Describe renders the request for logs and journal entries.
	Describe() string

	// Role is the link role that serves the request.
	Role() Role

	request()
}

// Subsystem is a switchable power rail on a drone.
type Subsystem uint8

const (
	SubsystemUpCore Subsystem = iota + 1
	SubsystemPixhawk
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemUpCore:
		return "Up Core"
	case SubsystemPixhawk:
		return "Pixhawk"
	default:
		return fmt.Sprintf("subsystem(%d)", uint8(s))
	}
}

// SetPower switches a power rail.
type SetPower struct {
	Subsystem Subsystem
	On        bool
}

// Upload writes a file on the robot, creating Directory if needed.
type Upload struct {
	Directory string
	Filename  string
	Contents  []byte
}

// Launch starts a process. The reply carries its ProcessID; output and
// exit arrive as events.
type Launch struct {
	Target           string
	WorkingDirectory string
	Arguments        []string
}

// Terminate asks a launched process to exit.
type Terminate struct {
	Process ProcessID
}

// Halt shuts the robot's computer down.
type Halt struct{}

// Reboot restarts the robot's computer.
type Reboot struct{}

func (SetPower) request()  {}
func (Upload) request()    {}
func (Launch) request()    {}
func (Terminate) request() {}
func (Halt) request()      {}
func (Reboot) request()    {}

func (SetPower) Role() Role  { return RoleRadio }
func (Upload) Role() Role    { return RoleExec }
func (Launch) Role() Role    { return RoleExec }
func (Terminate) Role() Role { return RoleExec }
func (Halt) Role() Role      { return RoleExec }
func (Reboot) Role() Role    { return RoleExec }

func (r SetPower) Describe() string {
	state := "off"
	if r.On {
		state = "on"
	}
	return fmt.Sprintf("power %s %s", state, r.Subsystem)
}

func (r Upload) Describe() string {
	return fmt.Sprintf("upload %s/%s (%d bytes)", r.Directory, r.Filename, len(r.Contents))
}

func (r Launch) Describe() string { return fmt.Sprintf("launch %s %v", r.Target, r.Arguments) }

func (r Terminate) Describe() string { return fmt.Sprintf("terminate %s", r.Process) }

func (Halt) Describe() string { return "halt" }

func (Reboot) Describe() string { return "reboot" }
