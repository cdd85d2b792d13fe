// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package driver

// Event is an asynchronous notification from a link.
type Event interface {
	event()
}

// Stream identifies a process output stream.
type Stream uint8

const (
	Stdout Stream = iota + 1
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Output is a chunk of a launched process's output.
type Output struct {
	Process ProcessID
	Stream  Stream
	Data    []byte
}

// ProcessExited reports that a launched process ended. Success is false
// for abnormal termination.
type ProcessExited struct {
	Process ProcessID
	Success bool
}

// Telemetry is a named reading sampled by the link, for example the
// wireless signal strength.
type Telemetry struct {
	Key   string
	Value string
}

// Fault reports a transport failure noticed outside of a Send. Err is
// classified like Send errors: errors.Is(Err, ErrDisconnected) means
// recoverable.
type Fault struct {
	Err error
}

func (Output) event()        {}
func (ProcessExited) event() {}
func (Telemetry) event()     {}
func (Fault) event()         {}
