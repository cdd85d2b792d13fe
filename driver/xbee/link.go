// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package xbee implements the radio-module link used by drones: remote
// AT commands over UDP that switch the carrier board's power rails.
//
// The handshake queries MY (the module's IP address, which must match
// the address dialed) and SH/SL (the 64-bit serial number used as the
// hardware address), then configures the I/O pins. A heartbeat re-reads
// MY periodically; consecutive misses raise a recoverable Fault.
package xbee

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/lib/clock"
)

// Family is the configuration name of this link family.
const Family = "xbee"

// DefaultPort is the module's remote AT command port.
const DefaultPort = 3054

// Config configures xbee links. Clock is required.
type Config struct {
	Port              int
	ResponseTimeout   time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatMisses consecutive unanswered heartbeats raise a Fault.
	HeartbeatMisses int
	Clock           clock.Clock
	Logger          *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

var errTimeout = errors.New("no response from module")

// Link is a driver.Link to one radio module.
type Link struct {
	config Config
	remote netip.Addr
	logger *slog.Logger

	events    chan driver.Event
	closed    chan struct{}
	closeOnce sync.Once

	// callMu serializes AT commands: the module answers them in order
	// and responses carry no request id.
	callMu sync.Mutex

	mu      sync.Mutex
	session *session
}

// session is one UDP association. A new session replaces the old one
// on every Connect.
type session struct {
	conn      *net.UDPConn
	responses chan response
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// NewLink returns an unconnected link to the module at remote.
func NewLink(remote netip.Addr, config Config) *Link {
	config.applyDefaults()
	return &Link{
		config: config,
		remote: remote,
		logger: config.Logger.With("link", Family, "remote", remote.String()),
		events: make(chan driver.Event, 4),
		closed: make(chan struct{}),
	}
}

func (l *Link) Family() string              { return Family }
func (l *Link) Role() driver.Role           { return driver.RoleRadio }
func (l *Link) Remote() netip.Addr          { return l.remote }
func (l *Link) Events() <-chan driver.Event { return l.events }

// Connect opens a fresh UDP association and performs the handshake.
func (l *Link) Connect(ctx context.Context) (fleet.HardwareAddress, error) {
	select {
	case <-l.closed:
		return "", driver.ErrClosed
	default:
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp4", net.JoinHostPort(l.remote.String(), strconv.Itoa(l.config.Port)))
	if err != nil {
		return "", driver.Disconnected(err)
	}
	current := &session{
		conn:      conn.(*net.UDPConn),
		responses: make(chan response, 8),
		done:      make(chan struct{}),
	}
	go l.readLoop(current)

	l.mu.Lock()
	previous := l.session
	l.session = current
	l.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	address, err := l.handshake(ctx, current)
	if err != nil {
		current.close()
		return "", err
	}
	go l.heartbeat(current)
	l.logger.Info("radio module connected", "hardware_address", address)
	return address, nil
}

func (l *Link) handshake(ctx context.Context, current *session) (fleet.HardwareAddress, error) {
	ip, err := l.call(ctx, current, "MY", nil)
	if err != nil {
		return "", err
	}
	if want := l.remote.As4(); !bytes.Equal(ip, want[:]) {
		return "", &driver.ProtocolError{Family: Family, Reason: fmt.Sprintf("module reports address %v, dialed %s", net.IP(ip), l.remote)}
	}
	high, err := l.call(ctx, current, "SH", nil)
	if err != nil {
		return "", err
	}
	low, err := l.call(ctx, current, "SL", nil)
	if err != nil {
		return "", err
	}
	if len(high) != 4 || len(low) != 4 {
		return "", &driver.ProtocolError{Family: Family, Reason: fmt.Sprintf("serial number of %d+%d bytes", len(high), len(low))}
	}
	for _, setup := range initCommands() {
		if _, err := l.call(ctx, current, setup.name, setup.arguments); err != nil {
			return "", fmt.Errorf("configuring %s: %w", setup.name, err)
		}
	}
	return fleet.HardwareAddressFromBytes(append(high, low...)), nil
}

// Send serves SetPower. Every other request is unsupported.
func (l *Link) Send(ctx context.Context, request driver.Request) (driver.Reply, error) {
	power, ok := request.(driver.SetPower)
	if !ok {
		return driver.Reply{}, fmt.Errorf("%s: %w", request.Describe(), driver.ErrUnsupported)
	}
	commands := powerCommands(power)
	if commands == nil {
		return driver.Reply{}, fmt.Errorf("%s: %w", request.Describe(), driver.ErrUnsupported)
	}
	current, err := l.current()
	if err != nil {
		return driver.Reply{}, err
	}
	for _, command := range commands {
		if _, err := l.call(ctx, current, command.name, command.arguments); err != nil {
			return driver.Reply{}, err
		}
	}
	return driver.Reply{}, nil
}

func (l *Link) current() (*session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil, driver.ErrDisconnected
	}
	select {
	case <-l.session.done:
		return nil, driver.ErrDisconnected
	default:
		return l.session, nil
	}
}

// call sends one AT command and waits for its response.
func (l *Link) call(ctx context.Context, current *session, name string, arguments []byte) ([]byte, error) {
	l.callMu.Lock()
	defer l.callMu.Unlock()

	// Responses to earlier timed-out commands may still be queued.
	for drained := false; !drained; {
		select {
		case <-current.responses:
		default:
			drained = true
		}
	}

	if _, err := current.conn.Write(encodeCommand(name, arguments)); err != nil {
		return nil, driver.Disconnected(err)
	}
	timeout := l.config.Clock.After(l.config.ResponseTimeout)
	for {
		select {
		case reply := <-current.responses:
			if reply.command != name {
				continue
			}
			if reply.status != statusOK {
				return nil, &driver.RemoteError{Message: fmt.Sprintf("AT %s status %#02x", name, reply.status)}
			}
			return reply.data, nil
		case <-timeout:
			return nil, driver.Disconnected(fmt.Errorf("AT %s: %w", name, errTimeout))
		case <-current.done:
			return nil, driver.ErrDisconnected
		case <-l.closed:
			return nil, driver.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Link) readLoop(current *session) {
	buffer := make([]byte, 1500)
	for {
		n, err := current.conn.Read(buffer)
		if err != nil {
			current.close()
			return
		}
		reply, err := decodeResponse(buffer[:n])
		if err != nil {
			l.logger.Debug("discarding datagram", "error", err)
			continue
		}
		select {
		case current.responses <- reply:
		default:
		}
	}
}

// heartbeat polls MY until the session ends or too many polls go
// unanswered.
func (l *Link) heartbeat(current *session) {
	ticker := l.config.Clock.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-current.done:
			return
		case <-l.closed:
			return
		case <-ticker.C:
		}
		_, err := l.call(context.Background(), current, "MY", nil)
		if err == nil {
			misses = 0
			continue
		}
		if !errors.Is(err, driver.ErrDisconnected) {
			continue
		}
		misses++
		l.logger.Debug("heartbeat missed", "misses", misses, "error", err)
		if misses < l.config.HeartbeatMisses {
			continue
		}
		current.close()
		l.emit(driver.Fault{Err: driver.Disconnected(fmt.Errorf("%d heartbeats unanswered", misses))})
		return
	}
}

func (l *Link) emit(event driver.Event) {
	select {
	case l.events <- event:
	case <-l.closed:
	}
}

// Close ends the link and its current session.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		current := l.session
		l.mu.Unlock()
		if current != nil {
			current.close()
		}
	})
	return nil
}
