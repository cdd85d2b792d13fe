// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fernbedienung implements the remote-execution link used by
// Linux-capable robots: a daemon on TCP port 17653 speaking
// length-prefixed JSON requests and responses correlated by UUID.
//
// The daemon runs processes, writes files, halts and reboots the
// computer. The handshake runs "iw dev wlan0 info" and takes the
// wireless interface's MAC address as the hardware address.
package fernbedienung

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/lib/clock"
	"github.com/bureau-foundation/supervisor/lib/netutil"
)

// Family is the configuration name of this link family.
const Family = "fernbedienung"

// DefaultPort is the daemon's TCP port.
const DefaultPort = 17653

var (
	macAddressPattern     = regexp.MustCompile(`addr\s+([0-9a-fA-F:.-]+)`)
	signalStrengthPattern = regexp.MustCompile(`signal:\s+(-\d+)\s+dBm`)
)

// Config configures fernbedienung links. Clock is required.
type Config struct {
	Port int

	// TelemetryInterval is the period of wireless signal strength
	// sampling. Zero disables sampling.
	TelemetryInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Link is a driver.Link to one fernbedienung daemon.
type Link struct {
	config Config
	remote netip.Addr
	logger *slog.Logger

	events    chan driver.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	conn *connection
}

// NewLink returns an unconnected link to the daemon at remote.
func NewLink(remote netip.Addr, config Config) *Link {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Link{
		config: config,
		remote: remote,
		logger: config.Logger.With("link", Family, "remote", remote.String()),
		events: make(chan driver.Event, 256),
		closed: make(chan struct{}),
	}
}

func (l *Link) Family() string              { return Family }
func (l *Link) Role() driver.Role           { return driver.RoleExec }
func (l *Link) Remote() netip.Addr          { return l.remote }
func (l *Link) Events() <-chan driver.Event { return l.events }

// Connect dials the daemon, replacing any previous connection, and
// reads the wireless MAC address.
func (l *Link) Connect(ctx context.Context) (fleet.HardwareAddress, error) {
	select {
	case <-l.closed:
		return "", driver.ErrClosed
	default:
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(l.remote.String(), strconv.Itoa(l.config.Port)))
	if err != nil {
		return "", driver.Disconnected(err)
	}
	current := newConnection(netConn)

	l.mu.Lock()
	previous := l.conn
	l.conn = current
	l.mu.Unlock()
	if previous != nil {
		previous.retire()
	}
	go l.readLoop(current)

	output, err := current.runCaptured(ctx, "iw", "dev", "wlan0", "info")
	if err != nil {
		current.retire()
		return "", err
	}
	match := macAddressPattern.FindSubmatch(output)
	if match == nil {
		current.retire()
		return "", &driver.ProtocolError{Family: Family, Reason: "no interface address in iw output"}
	}
	address, err := fleet.ParseHardwareAddress(string(match[1]))
	if err != nil {
		current.retire()
		return "", &driver.ProtocolError{Family: Family, Reason: "unparseable interface address", Err: err}
	}
	if l.config.TelemetryInterval > 0 {
		go l.sampleTelemetry(current)
	}
	l.logger.Info("remote execution connected", "hardware_address", address)
	return address, nil
}

// Send serves Upload, Launch, Terminate, Halt and Reboot.
func (l *Link) Send(ctx context.Context, request driver.Request) (driver.Reply, error) {
	current, err := l.current()
	if err != nil {
		return driver.Reply{}, err
	}
	switch request := request.(type) {
	case driver.Upload:
		_, err := current.call(ctx, requestKind{upload: &uploadBody{
			Filename: request.Filename,
			Path:     request.Directory,
			Contents: request.Contents,
		}}, nil)
		return driver.Reply{}, err
	case driver.Launch:
		body := &runBody{Target: request.Target, Arguments: request.Arguments}
		if request.WorkingDirectory != "" {
			body.WorkingDirectory = &request.WorkingDirectory
		}
		id, err := current.call(ctx, requestKind{run: body}, &processSink{})
		if err != nil {
			return driver.Reply{}, err
		}
		return driver.Reply{Process: driver.ProcessID(id.String())}, nil
	case driver.Terminate:
		id, err := uuid.Parse(string(request.Process))
		if err != nil {
			return driver.Reply{}, fmt.Errorf("terminate: invalid process id %q: %w", request.Process, err)
		}
		return driver.Reply{}, current.send(id, requestKind{terminate: true})
	case driver.Halt:
		_, err := current.call(ctx, requestKind{halt: true}, nil)
		return driver.Reply{}, err
	case driver.Reboot:
		_, err := current.call(ctx, requestKind{reboot: true}, nil)
		return driver.Reply{}, err
	default:
		return driver.Reply{}, fmt.Errorf("%s: %w", request.Describe(), driver.ErrUnsupported)
	}
}

func (l *Link) current() (*connection, error) {
	select {
	case <-l.closed:
		return nil, driver.ErrClosed
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, driver.ErrDisconnected
	}
	select {
	case <-l.conn.done:
		return nil, l.conn.err
	default:
		return l.conn, nil
	}
}

func (l *Link) readLoop(current *connection) {
	for {
		payload, err := readFrame(current.netConn)
		if err != nil {
			var failure error
			if errors.Is(err, errFrameTooLarge) {
				failure = &driver.ProtocolError{Family: Family, Reason: "oversized frame", Err: err}
			} else {
				if !netutil.IsExpectedCloseError(err) {
					l.logger.Warn("read failed", "error", err)
				}
				failure = driver.Disconnected(err)
			}
			l.fail(current, failure)
			return
		}
		var message response
		if err := json.Unmarshal(payload, &message); err != nil {
			l.fail(current, &driver.ProtocolError{Family: Family, Reason: "undecodable response", Err: err})
			return
		}
		if !message.ID.Valid {
			l.logger.Warn("response without identifier", "payload", string(payload))
			continue
		}
		if event := current.dispatch(message); event != nil {
			l.emit(event)
		}
	}
}

// fail ends current and reports a Fault unless the connection was
// retired locally.
func (l *Link) fail(current *connection, err error) {
	if current.terminate(err) {
		l.emit(driver.Fault{Err: err})
	}
}

func (l *Link) sampleTelemetry(current *connection) {
	ticker := l.config.Clock.NewTicker(l.config.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-current.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-current.done:
			case <-l.config.Clock.After(l.config.TelemetryInterval):
			}
			cancel()
		}()
		output, err := current.runCaptured(ctx, "iw", "dev", "wlan0", "link")
		cancel()
		if err != nil {
			continue
		}
		if match := signalStrengthPattern.FindSubmatch(output); match != nil {
			l.emit(driver.Telemetry{Key: "Link strength", Value: string(match[1]) + " dBm"})
		}
	}
}

func (l *Link) emit(event driver.Event) {
	select {
	case l.events <- event:
	case <-l.closed:
	}
}

// Close ends the link and its connection.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		current := l.conn
		l.mu.Unlock()
		if current != nil {
			current.retire()
		}
	})
	return nil
}

// connection is one TCP session with the daemon.
type connection struct {
	netConn net.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	calls     map[uuid.UUID]chan response
	processes map[uuid.UUID]*processSink

	done    chan struct{}
	once    sync.Once
	err     error
	retired bool
}

// processSink routes the output of one process. Captured processes
// accumulate stdout in memory and report their exit on exited; others
// are forwarded as link events.
type processSink struct {
	capture *bytes.Buffer
	exited  chan bool
}

func newConnection(netConn net.Conn) *connection {
	return &connection{
		netConn:   netConn,
		calls:     make(map[uuid.UUID]chan response),
		processes: make(map[uuid.UUID]*processSink),
		done:      make(chan struct{}),
	}
}

// terminate records err, closes the socket and wakes every waiter. It
// reports whether the failure should be surfaced as a Fault.
func (c *connection) terminate(err error) bool {
	surfaced := false
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		surfaced = !c.retired
		c.mu.Unlock()
		close(c.done)
		c.netConn.Close()
	})
	return surfaced
}

// retire closes the connection without raising a Fault.
func (c *connection) retire() {
	c.mu.Lock()
	c.retired = true
	c.mu.Unlock()
	c.terminate(driver.ErrClosed)
}

func (c *connection) send(id uuid.UUID, kind requestKind) error {
	payload, err := json.Marshal(request{ID: id, Kind: kind})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.netConn, payload); err != nil {
		return driver.Disconnected(err)
	}
	return nil
}

// call sends kind under a fresh id and waits for Ok or Error. When
// sink is non-nil the id also names a process whose output is routed
// to sink.
func (c *connection) call(ctx context.Context, kind requestKind, sink *processSink) (uuid.UUID, error) {
	id := uuid.New()
	replies := make(chan response, 1)
	c.mu.Lock()
	c.calls[id] = replies
	if sink != nil {
		c.processes[id] = sink
	}
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.calls, id)
		delete(c.processes, id)
		c.mu.Unlock()
	}

	if err := c.send(id, kind); err != nil {
		forget()
		return id, err
	}
	select {
	case reply := <-replies:
		if reply.Type == responseError {
			forget()
			return id, &driver.RemoteError{Message: reply.Message}
		}
		return id, nil
	case <-c.done:
		return id, c.err
	case <-ctx.Done():
		forget()
		return id, ctx.Err()
	}
}

// runCaptured runs a short command and returns its standard output.
func (c *connection) runCaptured(ctx context.Context, target string, arguments ...string) ([]byte, error) {
	sink := &processSink{capture: new(bytes.Buffer), exited: make(chan bool, 1)}
	if _, err := c.call(ctx, requestKind{run: &runBody{Target: target, Arguments: arguments}}, sink); err != nil {
		return nil, fmt.Errorf("running %s: %w", target, err)
	}
	select {
	case success := <-sink.exited:
		if !success {
			return nil, &driver.RemoteError{Message: target + " terminated abnormally"}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return sink.capture.Bytes(), nil
	case <-c.done:
		return nil, fmt.Errorf("running %s: %w", target, c.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch routes one response and returns the event it produces, if
// any. Called only from the read loop.
func (c *connection) dispatch(message response) driver.Event {
	id := message.ID.UUID
	process := driver.ProcessID(id.String())

	c.mu.Lock()
	defer c.mu.Unlock()
	switch message.Type {
	case responseOK, responseError:
		if replies, ok := c.calls[id]; ok {
			delete(c.calls, id)
			replies <- message
		}
		return nil
	case responseStdout, responseStderr:
		sink, ok := c.processes[id]
		if !ok {
			return nil
		}
		if sink.capture != nil {
			if message.Type == responseStdout {
				sink.capture.Write(message.Data)
			}
			return nil
		}
		stream := driver.Stdout
		if message.Type == responseStderr {
			stream = driver.Stderr
		}
		return driver.Output{Process: process, Stream: stream, Data: message.Data}
	case responseTerminated:
		sink, ok := c.processes[id]
		if !ok {
			return nil
		}
		delete(c.processes, id)
		if sink.capture != nil {
			sink.exited <- message.Success
			return nil
		}
		return driver.ProcessExited{Process: process, Success: message.Success}
	}
	return nil
}
