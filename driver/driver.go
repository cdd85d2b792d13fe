// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"net/netip"

	"github.com/bureau-foundation/supervisor/fleet"
)

// Role distinguishes the two kinds of link a robot can hold.
type Role uint8

const (
	// RoleRadio is a low-level radio module: power control only.
	RoleRadio Role = iota + 1
	// RoleExec is a remote-execution session on the robot's computer.
	RoleExec
)

func (r Role) String() string {
	switch r {
	case RoleRadio:
		return "radio"
	case RoleExec:
		return "exec"
	default:
		return "unknown"
	}
}

// Link is one control connection to a robot endpoint. Implementations
// are safe for concurrent use: the owning actor sends commands while a
// reader goroutine produces events.
type Link interface {
	// Family names the protocol family ("xbee", "fernbedienung", "ssh").
	Family() string

	Role() Role

	// Remote is the network address of the endpoint.
	Remote() netip.Addr

	// Connect establishes the transport and performs the handshake. It
	// may be called again after a Fault to reconnect.
	Connect(ctx context.Context) (fleet.HardwareAddress, error)

	// Send issues request and waits for its reply.
	Send(ctx context.Context, request Request) (Reply, error)

	// Events delivers asynchronous events. The channel is never
	// closed; nothing is delivered after Close.
	Events() <-chan Event

	// Close tears the link down. Pending Sends fail with ErrClosed or
	// ErrDisconnected. Close is idempotent.
	Close() error
}

// Dialer creates connected links of one family. Discovery holds one
// Dialer per configured family.
type Dialer interface {
	Family() string

	// Dial connects to address and completes the handshake. On error no
	// resources are held.
	Dial(ctx context.Context, address netip.Addr) (Link, fleet.HardwareAddress, error)
}

// ProcessID identifies a process launched through a link.
type ProcessID string

// Reply is the outcome of a successful Send.
type Reply struct {
	// Process is set for Launch requests.
	Process ProcessID
}
