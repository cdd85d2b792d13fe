// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xbee

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/lib/clock"
	"github.com/bureau-foundation/supervisor/lib/testutil"
)

// module simulates a radio module answering remote AT commands.
type module struct {
	conn *net.UDPConn

	mu        sync.Mutex
	reportIP  net.IP
	silent    bool
	received  []string
	arguments map[string][]byte
}

func startModule(t *testing.T) *module {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	simulated := &module{
		conn:      conn,
		reportIP:  net.IPv4(127, 0, 0, 1).To4(),
		arguments: make(map[string][]byte),
	}
	t.Cleanup(func() { conn.Close() })
	go simulated.serve()
	return simulated
}

func (m *module) port() int { return m.conn.LocalAddr().(*net.UDPAddr).Port }

func (m *module) serve() {
	buffer := make([]byte, 1500)
	for {
		n, peer, err := m.conn.ReadFromUDP(buffer)
		if err != nil {
			return
		}
		name, arguments, err := decodeCommand(buffer[:n])
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.received = append(m.received, name)
		m.arguments[name] = append([]byte(nil), arguments...)
		silent := m.silent
		reportIP := m.reportIP
		m.mu.Unlock()
		if silent {
			continue
		}
		var data []byte
		switch name {
		case "MY":
			data = reportIP
		case "SH":
			data = []byte{0x00, 0x13, 0xa2, 0x00}
		case "SL":
			data = []byte{0x41, 0x57, 0xe2, 0x7e}
		}
		m.conn.WriteToUDP(encodeResponse(name, statusOK, data), peer)
	}
}

func (m *module) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}

func (m *module) lastArguments(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.arguments[name]
}

func (m *module) setSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

func newTestLink(t *testing.T, simulated *module, clk clock.Clock) *Link {
	t.Helper()
	link := NewLink(netip.MustParseAddr("127.0.0.1"), Config{
		Port:            simulated.port(),
		ResponseTimeout: 2 * time.Second,
		HeartbeatMisses: 1,
		Clock:           clk,
		Logger:          testutil.Logger(t),
	})
	t.Cleanup(func() { link.Close() })
	return link
}

func TestFrameRoundTrip(t *testing.T) {
	name, arguments, err := decodeCommand(encodeCommand("OM", []byte{0x08, 0x00}))
	if err != nil || name != "OM" || len(arguments) != 2 || arguments[0] != 0x08 {
		t.Errorf("decodeCommand = %q %x %v", name, arguments, err)
	}
	reply, err := decodeResponse(encodeResponse("MY", statusOK, []byte{10, 0, 0, 5}))
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if reply.command != "MY" || reply.status != statusOK || net.IP(reply.data).String() != "10.0.0.5" {
		t.Errorf("decoded %+v", reply)
	}
	if _, err := decodeResponse([]byte{0x42, 0x42, 0x00}); err == nil {
		t.Error("short datagram decoded")
	}
}

func TestConnectHandshake(t *testing.T) {
	simulated := startModule(t)
	link := newTestLink(t, simulated, clock.Real())

	address, err := link.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if address != "00:13:a2:00:41:57:e2:7e" {
		t.Errorf("hardware address = %s", address)
	}
	want := []string{"MY", "SH", "SL", "D7", "D6", "P3", "P4", "D4", "D1", "D2", "OM", "IO"}
	got := simulated.commands()
	if len(got) < len(want) {
		t.Fatalf("module received %v, want prefix %v", got, want)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("command %d = %s, want %s (all: %v)", index, got[index], want[index], got)
		}
	}
}

func TestConnectRejectsAddressMismatch(t *testing.T) {
	simulated := startModule(t)
	simulated.mu.Lock()
	simulated.reportIP = net.IPv4(10, 0, 0, 9).To4()
	simulated.mu.Unlock()
	link := newTestLink(t, simulated, clock.Real())

	_, err := link.Connect(context.Background())
	if !driver.IsFatal(err) {
		t.Fatalf("Connect error = %v, want protocol violation", err)
	}
}

func TestSetPower(t *testing.T) {
	simulated := startModule(t)
	link := newTestLink(t, simulated, clock.Real())
	if _, err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := link.Send(context.Background(), driver.SetPower{Subsystem: driver.SubsystemUpCore, On: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if mask := simulated.lastArguments("OM"); len(mask) != 2 || mask[0] != 0x08 || mask[1] != 0x00 {
		t.Errorf("OM arguments = %x, want 0800", mask)
	}
	if value := simulated.lastArguments("IO"); len(value) != 2 || value[0] != 0x08 {
		t.Errorf("IO arguments = %x, want 0800", value)
	}

	if _, err := link.Send(context.Background(), driver.SetPower{Subsystem: driver.SubsystemPixhawk, On: false}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if mask := simulated.lastArguments("OM"); mask[0] != 0x10 {
		t.Errorf("OM arguments = %x, want 1000", mask)
	}
	if value := simulated.lastArguments("IO"); value[0] != 0x00 || value[1] != 0x00 {
		t.Errorf("IO arguments = %x, want 0000", value)
	}
}

func TestSendUnsupported(t *testing.T) {
	simulated := startModule(t)
	link := newTestLink(t, simulated, clock.Real())
	_, err := link.Send(context.Background(), driver.Halt{})
	if !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("Send(Halt) error = %v, want ErrUnsupported", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	simulated := startModule(t)
	link := newTestLink(t, simulated, clock.Real())
	_, err := link.Send(context.Background(), driver.SetPower{Subsystem: driver.SubsystemUpCore, On: true})
	if !errors.Is(err, driver.ErrDisconnected) {
		t.Errorf("Send error = %v, want ErrDisconnected", err)
	}
}

func TestHeartbeatMissRaisesFault(t *testing.T) {
	simulated := startModule(t)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	link := newTestLink(t, simulated, fake)
	if _, err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Twelve handshake response timers plus the heartbeat ticker.
	fake.WaitForTimers(13)
	simulated.setSilent(true)
	// Expire the stale handshake timers and deliver the first tick.
	fake.Advance(2 * time.Second)
	// Ticker plus the unanswered heartbeat's response timer.
	fake.WaitForTimers(2)
	fake.Advance(2 * time.Second)

	event := testutil.RequireReceive(t, link.Events(), 5*time.Second, "waiting for heartbeat fault")
	fault, ok := event.(driver.Fault)
	if !ok {
		t.Fatalf("event = %T, want driver.Fault", event)
	}
	if !errors.Is(fault.Err, driver.ErrDisconnected) {
		t.Errorf("fault error = %v, want ErrDisconnected", fault.Err)
	}

	// A later Connect recovers the link.
	simulated.setSilent(false)
	if _, err := link.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}
