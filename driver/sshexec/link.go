// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sshexec implements a remote-execution link over SSH for
// robots that run a stock OpenSSH server instead of the fernbedienung
// daemon. Each request is one SSH session on a shared client
// connection.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
)

// Family is the configuration name of this link family.
const Family = "ssh"

// addressCommand prints the wireless interface's MAC address.
const addressCommand = "cat /sys/class/net/wlan0/address"

// Config configures ssh links.
type Config struct {
	User     string
	Password string
	// KeyFile is a PEM private key. Either Password or KeyFile is
	// required.
	KeyFile string
	Port    int
	// KnownHostsFile pins host keys. Empty accepts any host key.
	KnownHostsFile string
	// HandshakeTimeout bounds the SSH handshake when the context has
	// no earlier deadline.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// ClientConfig builds the x/crypto/ssh client configuration.
func (c Config) ClientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if c.KeyFile != "" {
		pemBytes, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", c.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh: neither a password nor a key file is configured")
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsFile != "" {
		callback, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = callback
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.HandshakeTimeout,
	}, nil
}

// Link is a driver.Link over one SSH client connection.
type Link struct {
	config       Config
	clientConfig *ssh.ClientConfig
	remote       netip.Addr
	logger       *slog.Logger

	events    chan driver.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	client    *ssh.Client
	retired   map[*ssh.Client]bool
	processes map[driver.ProcessID]*ssh.Session
}

// NewLink returns an unconnected link to remote.
func NewLink(remote netip.Addr, config Config) (*Link, error) {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	clientConfig, err := config.ClientConfig()
	if err != nil {
		return nil, err
	}
	return &Link{
		config:       config,
		clientConfig: clientConfig,
		remote:       remote,
		logger:       config.Logger.With("link", Family, "remote", remote.String()),
		events:       make(chan driver.Event, 256),
		closed:       make(chan struct{}),
		retired:      make(map[*ssh.Client]bool),
		processes:    make(map[driver.ProcessID]*ssh.Session),
	}, nil
}

func (l *Link) Family() string              { return Family }
func (l *Link) Role() driver.Role           { return driver.RoleExec }
func (l *Link) Remote() netip.Addr          { return l.remote }
func (l *Link) Events() <-chan driver.Event { return l.events }

// Connect opens a new SSH connection and reads the wireless MAC address.
func (l *Link) Connect(ctx context.Context) (fleet.HardwareAddress, error) {
	select {
	case <-l.closed:
		return "", driver.ErrClosed
	default:
	}

	address := net.JoinHostPort(l.remote.String(), strconv.Itoa(l.config.Port))
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp4", address)
	if err != nil {
		return "", driver.Disconnected(err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(l.config.HandshakeTimeout)
	}
	netConn.SetDeadline(deadline)
	clientConn, channels, requests, err := ssh.NewClientConn(netConn, address, l.clientConfig)
	if err != nil {
		netConn.Close()
		return "", &driver.ProtocolError{Family: Family, Reason: "ssh handshake failed", Err: err}
	}
	netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(clientConn, channels, requests)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return "", driver.Disconnected(err)
	}
	output, err := session.Output(addressCommand)
	session.Close()
	if err != nil {
		client.Close()
		return "", &driver.ProtocolError{Family: Family, Reason: "reading interface address", Err: err}
	}
	hardwareAddress, err := fleet.ParseHardwareAddress(string(output))
	if err != nil {
		client.Close()
		return "", &driver.ProtocolError{Family: Family, Reason: "unparseable interface address", Err: err}
	}

	l.mu.Lock()
	previous := l.client
	l.client = client
	if previous != nil {
		l.retired[previous] = true
	}
	l.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	go l.watch(client)
	l.logger.Info("ssh connected", "hardware_address", hardwareAddress)
	return hardwareAddress, nil
}

// watch raises a Fault when client's connection ends unexpectedly.
func (l *Link) watch(client *ssh.Client) {
	err := client.Wait()
	l.mu.Lock()
	retired := l.retired[client]
	delete(l.retired, client)
	if l.client == client {
		l.client = nil
	}
	l.mu.Unlock()
	if retired {
		return
	}
	if err == nil {
		err = io.EOF
	}
	l.emit(driver.Fault{Err: driver.Disconnected(err)})
}

func (l *Link) session() (*ssh.Session, error) {
	select {
	case <-l.closed:
		return nil, driver.ErrClosed
	default:
	}
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil {
		return nil, driver.ErrDisconnected
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, driver.Disconnected(err)
	}
	return session, nil
}

// Send serves Upload, Launch, Terminate, Halt and Reboot.
func (l *Link) Send(ctx context.Context, request driver.Request) (driver.Reply, error) {
	switch request := request.(type) {
	case driver.Upload:
		return driver.Reply{}, l.upload(ctx, request)
	case driver.Launch:
		return l.launch(request)
	case driver.Terminate:
		l.mu.Lock()
		session, ok := l.processes[request.Process]
		l.mu.Unlock()
		if !ok {
			return driver.Reply{}, &driver.RemoteError{Message: fmt.Sprintf("no process %s", request.Process)}
		}
		if err := session.Signal(ssh.SIGTERM); err != nil {
			return driver.Reply{}, driver.Disconnected(err)
		}
		return driver.Reply{}, nil
	case driver.Halt:
		return driver.Reply{}, l.detached("halt")
	case driver.Reboot:
		return driver.Reply{}, l.detached("reboot")
	default:
		return driver.Reply{}, fmt.Errorf("%s: %w", request.Describe(), driver.ErrUnsupported)
	}
}

func (l *Link) upload(ctx context.Context, request driver.Upload) error {
	session, err := l.session()
	if err != nil {
		return err
	}
	defer session.Close()
	session.Stdin = bytes.NewReader(request.Contents)
	var stderr bytes.Buffer
	session.Stderr = &stderr
	command := fmt.Sprintf("mkdir -p %s && cat > %s",
		shellQuote(request.Directory), shellQuote(path.Join(request.Directory, request.Filename)))

	result := make(chan error, 1)
	go func() { result <- session.Run(command) }()
	select {
	case err := <-result:
		return classify(err, stderr.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) launch(request driver.Launch) (driver.Reply, error) {
	session, err := l.session()
	if err != nil {
		return driver.Reply{}, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return driver.Reply{}, driver.Disconnected(err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return driver.Reply{}, driver.Disconnected(err)
	}
	command := shellQuote(request.Target)
	for _, argument := range request.Arguments {
		command += " " + shellQuote(argument)
	}
	if request.WorkingDirectory != "" {
		command = "cd " + shellQuote(request.WorkingDirectory) + " && exec " + command
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return driver.Reply{}, classify(err, "")
	}

	process := driver.ProcessID(uuid.NewString())
	l.mu.Lock()
	l.processes[process] = session
	l.mu.Unlock()

	var streams sync.WaitGroup
	streams.Add(2)
	go l.forward(process, driver.Stdout, stdout, &streams)
	go l.forward(process, driver.Stderr, stderr, &streams)
	go func() {
		streams.Wait()
		err := session.Wait()
		session.Close()
		l.mu.Lock()
		delete(l.processes, process)
		l.mu.Unlock()
		l.emit(driver.ProcessExited{Process: process, Success: err == nil})
	}()
	return driver.Reply{Process: process}, nil
}

func (l *Link) forward(process driver.ProcessID, stream driver.Stream, reader io.Reader, done *sync.WaitGroup) {
	defer done.Done()
	buffer := make([]byte, 4096)
	for {
		n, err := reader.Read(buffer)
		if n > 0 {
			l.emit(driver.Output{Process: process, Stream: stream, Data: append([]byte(nil), buffer[:n]...)})
		}
		if err != nil {
			return
		}
	}
}

// detached starts a command whose completion tears the connection
// down, so only its start is awaited.
func (l *Link) detached(command string) error {
	session, err := l.session()
	if err != nil {
		return err
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return classify(err, "")
	}
	go func() {
		session.Wait()
		session.Close()
	}()
	return nil
}

func classify(err error, stderr string) error {
	if err == nil {
		return nil
	}
	var exitError *ssh.ExitError
	if errors.As(err, &exitError) {
		message := strings.TrimSpace(stderr)
		if message == "" {
			message = exitError.Error()
		}
		return &driver.RemoteError{Message: message}
	}
	return driver.Disconnected(err)
}

func (l *Link) emit(event driver.Event) {
	select {
	case l.events <- event:
	case <-l.closed:
	}
}

// Close ends the link and its SSH connection.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		client := l.client
		if client != nil {
			l.retired[client] = true
		}
		l.mu.Unlock()
		if client != nil {
			client.Close()
		}
	})
	return nil
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Dialer creates connected ssh links for discovery.
type Dialer struct {
	config Config
}

// NewDialer validates config and returns a Dialer.
func NewDialer(config Config) (*Dialer, error) {
	if _, err := config.ClientConfig(); err != nil {
		return nil, err
	}
	return &Dialer{config: config}, nil
}

func (d *Dialer) Family() string { return Family }

func (d *Dialer) Dial(ctx context.Context, address netip.Addr) (driver.Link, fleet.HardwareAddress, error) {
	link, err := NewLink(address, d.config)
	if err != nil {
		return nil, "", err
	}
	hardwareAddress, err := link.Connect(ctx)
	if err != nil {
		link.Close()
		return nil, "", err
	}
	return link, hardwareAddress, nil
}
