// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"fmt"

	"github.com/bureau-foundation/supervisor/driver"
)

// Command is an operation queued on a robot actor.
type Command interface {
	Describe() string
	command()
}

// SetPower switches a subsystem through the radio link.
type SetPower struct {
	Subsystem driver.Subsystem
	On        bool
}

// Upload writes a file through the exec link.
type Upload struct {
	Directory string
	Filename  string
	Contents  []byte
}

// Launch starts a process through the exec link. Its output is
// captured in the robot's output log.
type Launch struct {
	Target           string
	WorkingDirectory string
	Arguments        []string
}

// Terminate stops one launched process.
type Terminate struct {
	Process driver.ProcessID
}

// TerminateAll stops every process the actor launched that has not
// exited.
type TerminateAll struct{}

// Halt shuts the robot's computer down.
type Halt struct{}

// Reboot restarts the robot's computer.
type Reboot struct{}

// Identify prints the robot's hostname into its output log so an
// operator can match a card to a physical robot.
type Identify struct{}

// Release disconnects the robot and stops the actor. It takes effect
// on receipt: the command in flight is interrupted and queued commands
// fail with ErrTerminated before Release reports success.
type Release struct{}

func (SetPower) command()     {}
func (Upload) command()       {}
func (Launch) command()       {}
func (Terminate) command()    {}
func (TerminateAll) command() {}
func (Halt) command()         {}
func (Reboot) command()       {}
func (Identify) command()     {}
func (Release) command()      {}

func (c SetPower) Describe() string {
	return driver.SetPower{Subsystem: c.Subsystem, On: c.On}.Describe()
}

func (c Upload) Describe() string {
	return driver.Upload{Directory: c.Directory, Filename: c.Filename, Contents: c.Contents}.Describe()
}

func (c Launch) Describe() string     { return fmt.Sprintf("launch %s", c.Target) }
func (c Terminate) Describe() string  { return fmt.Sprintf("terminate %s", c.Process) }
func (TerminateAll) Describe() string { return "terminate all" }
func (Halt) Describe() string         { return "halt" }
func (Reboot) Describe() string       { return "reboot" }
func (Identify) Describe() string     { return "identify" }
func (Release) Describe() string      { return "release" }

// requiresSession reports whether c fails fast while Degraded.
func requiresSession(c Command) bool {
	switch c.(type) {
	case SetPower, Upload:
		return true
	default:
		return false
	}
}

// Result is the outcome of one command.
type Result struct {
	Command Command
	// Process is set by a successful Launch.
	Process driver.ProcessID
	Err     error
}
