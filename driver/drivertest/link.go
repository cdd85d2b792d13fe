// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package drivertest provides scriptable in-memory links and dialers
// for testing components that depend on package driver.
package drivertest

import (
	"context"
	"net/netip"
	"sync"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
)

// Handler serves one request for a fake link.
type Handler func(ctx context.Context, request driver.Request) (driver.Reply, error)

// Link is a driver.Link whose behavior is controlled by the test.
// Requests succeed by default.
type Link struct {
	family  string
	role    driver.Role
	remote  netip.Addr
	address fleet.HardwareAddress

	events chan driver.Event
	// Sent receives every request passed to Send, in order.
	Sent chan driver.Request

	mu          sync.Mutex
	handler     Handler
	connectErrs []error
	connects    int
	closed      bool
}

// NewLink returns a fake link that reports address on Connect.
func NewLink(role driver.Role, remote string, address fleet.HardwareAddress) *Link {
	family := "fake-exec"
	if role == driver.RoleRadio {
		family = "fake-radio"
	}
	return &Link{
		family:  family,
		role:    role,
		remote:  netip.MustParseAddr(remote),
		address: address,
		events:  make(chan driver.Event, 64),
		Sent:    make(chan driver.Request, 64),
	}
}

// SetHandler replaces the request handler.
func (l *Link) SetHandler(handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// FailConnects makes the next len(errs) Connect calls return errs in
// order.
func (l *Link) FailConnects(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectErrs = append(l.connectErrs, errs...)
}

// SetAddress changes the hardware address reported by later Connects.
func (l *Link) SetAddress(address fleet.HardwareAddress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.address = address
}

// Emit delivers an event to the link's consumer.
func (l *Link) Emit(event driver.Event) {
	l.events <- event
}

// Connects reports how many times Connect was called.
func (l *Link) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

// Closed reports whether Close was called.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) Family() string     { return l.family }
func (l *Link) Role() driver.Role  { return l.role }
func (l *Link) Remote() netip.Addr { return l.remote }

func (l *Link) Connect(ctx context.Context) (fleet.HardwareAddress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	if l.closed {
		return "", driver.ErrClosed
	}
	if len(l.connectErrs) > 0 {
		err := l.connectErrs[0]
		l.connectErrs = l.connectErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return l.address, nil
}

func (l *Link) Send(ctx context.Context, request driver.Request) (driver.Reply, error) {
	l.mu.Lock()
	handler, closed := l.handler, l.closed
	l.mu.Unlock()
	if closed {
		return driver.Reply{}, driver.ErrClosed
	}
	select {
	case l.Sent <- request:
	default:
	}
	if handler == nil {
		return driver.Reply{}, nil
	}
	return handler(ctx, request)
}

func (l *Link) Events() <-chan driver.Event { return l.events }

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Dialer is a driver.Dialer serving links registered per address.
// Addresses without a registered link fail.
type Dialer struct {
	family string

	mu    sync.Mutex
	links map[netip.Addr]*Link
	dials map[netip.Addr]int
	// block, when set, holds every Dial until ctx ends.
	block bool
}

// NewDialer returns an empty fake dialer.
func NewDialer(family string) *Dialer {
	return &Dialer{
		family: family,
		links:  make(map[netip.Addr]*Link),
		dials:  make(map[netip.Addr]int),
	}
}

// Add registers link to answer dials of its remote address.
func (d *Dialer) Add(link *Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links[link.remote] = link
}

// Remove makes address unreachable again.
func (d *Dialer) Remove(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.links, netip.MustParseAddr(address))
}

// Block makes every later Dial wait for its context to end.
func (d *Dialer) Block() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = true
}

// Dials reports how many times address was dialed.
func (d *Dialer) Dials(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[netip.MustParseAddr(address)]
}

func (d *Dialer) Family() string { return d.family }

func (d *Dialer) Dial(ctx context.Context, address netip.Addr) (driver.Link, fleet.HardwareAddress, error) {
	d.mu.Lock()
	d.dials[address]++
	link, ok := d.links[address]
	block := d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}
	if !ok {
		return nil, "", driver.Disconnected(nil)
	}
	hardwareAddress, err := link.Connect(ctx)
	if err != nil {
		return nil, "", err
	}
	return link, hardwareAddress, nil
}
