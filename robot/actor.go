// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/clock"
)

const (
	mailboxDepth = 64

	// DefaultMaxUpload rejects uploads larger than the fernbedienung
	// frame limit can carry after JSON expansion.
	DefaultMaxUpload = 4 << 20
)

// Update is a notification from an actor to its owner, delivered in
// order from the actor goroutine.
type Update interface{ update() }

// StateChanged reports a connection state transition.
type StateChanged struct {
	Robot  string
	State  fleet.ConnectionState
	Reason string
}

// TelemetryReceived reports a telemetry value from a link or from a
// completed power command.
type TelemetryReceived struct {
	Robot string
	Key   string
	Value string
}

// Stopped is the last update an actor delivers.
type Stopped struct {
	Robot  string
	Reason string
}

func (StateChanged) update()      {}
func (TelemetryReceived) update() {}
func (Stopped) update()           {}

// Config configures one actor.
type Config struct {
	Identity fleet.Identity
	Backoff  Backoff

	// ConnectTimeout bounds each link's reconnection handshake.
	ConnectTimeout time.Duration

	// MaxUpload defaults to DefaultMaxUpload.
	MaxUpload int

	// OutputCapacity defaults to DefaultOutputCapacity.
	OutputCapacity int

	// Notify receives every update. It may block; the actor waits.
	Notify func(Update)

	// Journal records process output. Optional.
	Journal journal.Appender

	Clock  clock.Clock
	Logger *slog.Logger
}

type attachment struct {
	link    driver.Link
	healthy bool
}

type inflight struct {
	pending *pending
	role    driver.Role
	cancel  context.CancelFunc
	// interrupted holds the fault that arrived while the command ran.
	interrupted error
}

type completion struct {
	pending *pending
	result  Result
}

type reconnectOutcome struct {
	healthy []driver.Role
	err     error
}

type actor struct {
	identity fleet.Identity
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	handle   *Handle

	state     fleet.ConnectionState
	links     map[driver.Role]*attachment
	queue     []*pending
	inflight  *inflight
	releasing *pending
	processes map[driver.ProcessID]struct{}

	attempt      int
	retry        <-chan time.Time
	reconnecting bool

	completions chan completion
	reconnects  chan reconnectOutcome
}

// Start runs an actor for a robot whose first link has completed its
// handshake. The actor stops when released, on a fatal error, when
// reconnection is exhausted, or when ctx ends.
func Start(ctx context.Context, config Config, link driver.Link) *Handle {
	if config.Backoff == (Backoff{}) {
		config.Backoff = DefaultBackoff
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 2 * time.Second
	}
	if config.MaxUpload <= 0 {
		config.MaxUpload = DefaultMaxUpload
	}
	if config.OutputCapacity <= 0 {
		config.OutputCapacity = DefaultOutputCapacity
	}
	if config.Notify == nil {
		config.Notify = func(Update) {}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	handle := &Handle{
		identity: config.Identity,
		mailbox:  make(chan message, mailboxDepth),
		done:     make(chan struct{}),
		output:   NewOutputLog(config.OutputCapacity),
	}
	a := &actor{
		identity:    config.Identity,
		config:      config,
		clock:       config.Clock,
		logger:      config.Logger.With("robot", config.Identity.ID, "kind", config.Identity.Kind.String()),
		handle:      handle,
		state:       fleet.Unconnected,
		links:       map[driver.Role]*attachment{link.Role(): {link: link, healthy: true}},
		processes:   make(map[driver.ProcessID]struct{}),
		completions: make(chan completion, 1),
		reconnects:  make(chan reconnectOutcome, 1),
	}
	go a.run(ctx)
	return handle
}

func (a *actor) run(ctx context.Context) {
	defer close(a.handle.done)
	a.setState(fleet.Connecting, "attached")
	a.setState(fleet.Connected, "handshake complete")
	reason := a.loop(ctx)
	a.terminate(reason)
}

func (a *actor) events(role driver.Role) <-chan driver.Event {
	if attached := a.links[role]; attached != nil {
		return attached.link.Events()
	}
	return nil
}

// loop serves the mailbox until the actor must terminate, returning
// the reason.
func (a *actor) loop(ctx context.Context) string {
	for {
		a.dispatch(ctx)
		select {
		case <-ctx.Done():
			return "session ended"
		case message := <-a.handle.mailbox:
			switch message := message.(type) {
			case submitMessage:
				if _, ok := message.pending.command.(Release); ok {
					a.releasing = message.pending
					return "released"
				}
				if a.state == fleet.Degraded && requiresSession(message.pending.command) {
					message.pending.failure = ErrDegraded
				}
				a.queue = append(a.queue, message.pending)
			case attachMessage:
				a.attach(message.link)
				message.reply <- nil
			case stateMessage:
				message.reply <- a.state
			}
		case event := <-a.events(driver.RoleRadio):
			if reason := a.handleEvent(ctx, driver.RoleRadio, event); reason != "" {
				return reason
			}
		case event := <-a.events(driver.RoleExec):
			if reason := a.handleEvent(ctx, driver.RoleExec, event); reason != "" {
				return reason
			}
		case done := <-a.completions:
			a.complete(done)
		case <-a.retry:
			a.retry = nil
			a.startReconnect(ctx)
		case outcome := <-a.reconnects:
			if reason := a.reconnected(outcome); reason != "" {
				return reason
			}
		}
	}
}

func (a *actor) setState(state fleet.ConnectionState, reason string) {
	if a.state == state {
		return
	}
	a.logger.Info("robot state changed", "from", a.state.String(), "to", state.String(), "reason", reason)
	a.state = state
	a.config.Notify(StateChanged{Robot: a.identity.ID, State: state, Reason: reason})
}

// dispatch starts the head of the queue when the robot can run it. A
// session-bound command issued while Degraded, or reaching the head
// while Degraded, fails there, so its result keeps its place in issue
// order.
func (a *actor) dispatch(ctx context.Context) {
	for a.inflight == nil && len(a.queue) > 0 {
		head := a.queue[0]
		if head.failure != nil {
			a.queue = a.queue[1:]
			a.logger.Warn("command failed fast", "command", head.command.Describe(), "error", head.failure)
			head.reply <- Result{Command: head.command, Err: head.failure}
			continue
		}
		switch a.state {
		case fleet.Connected:
			a.queue = a.queue[1:]
			a.start(ctx, head)
		case fleet.Degraded:
			if !requiresSession(head.command) {
				return
			}
			a.queue = a.queue[1:]
			a.logger.Warn("command failed fast while degraded", "command", head.command.Describe())
			head.reply <- Result{Command: head.command, Err: ErrDegraded}
		default:
			return
		}
	}
}

// plan resolves a command to the link and requests that carry it out.
func (a *actor) plan(command Command) (driver.Role, []driver.Request, error) {
	switch command := command.(type) {
	case SetPower:
		return driver.RoleRadio, []driver.Request{driver.SetPower{Subsystem: command.Subsystem, On: command.On}}, nil
	case Upload:
		if len(command.Contents) > a.config.MaxUpload {
			return 0, nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(command.Contents), a.config.MaxUpload)
		}
		return driver.RoleExec, []driver.Request{driver.Upload{
			Directory: command.Directory,
			Filename:  command.Filename,
			Contents:  command.Contents,
		}}, nil
	case Launch:
		return driver.RoleExec, []driver.Request{driver.Launch{
			Target:           command.Target,
			WorkingDirectory: command.WorkingDirectory,
			Arguments:        command.Arguments,
		}}, nil
	case Terminate:
		return driver.RoleExec, []driver.Request{driver.Terminate{Process: command.Process}}, nil
	case TerminateAll:
		var requests []driver.Request
		for process := range a.processes {
			requests = append(requests, driver.Terminate{Process: process})
		}
		return driver.RoleExec, requests, nil
	case Halt:
		return driver.RoleExec, []driver.Request{driver.Halt{}}, nil
	case Reboot:
		return driver.RoleExec, []driver.Request{driver.Reboot{}}, nil
	case Identify:
		return driver.RoleExec, []driver.Request{driver.Launch{Target: "hostname"}}, nil
	default:
		return 0, nil, fmt.Errorf("robot: unsupported command %T", command)
	}
}

func (a *actor) start(ctx context.Context, request *pending) {
	role, requests, err := a.plan(request.command)
	if err == nil && a.links[role] == nil {
		err = fmt.Errorf("%w: %s needs a %s link", ErrNoLink, request.command.Describe(), role)
	}
	if err != nil {
		a.logger.Warn("command rejected", "command", request.command.Describe(), "error", err)
		request.reply <- Result{Command: request.command, Err: err}
		return
	}

	link := a.links[role].link
	commandContext, cancel := context.WithCancel(ctx)
	a.inflight = &inflight{pending: request, role: role, cancel: cancel}
	a.logger.Debug("command started", "command", request.command.Describe(), "link", link.Family())
	go func() {
		result := Result{Command: request.command}
		var errs []error
		for _, driverRequest := range requests {
			reply, err := link.Send(commandContext, driverRequest)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", driverRequest.Describe(), err))
				continue
			}
			if reply.Process != "" {
				result.Process = reply.Process
			}
		}
		result.Err = errors.Join(errs...)
		if len(errs) == 1 {
			result.Err = errs[0]
		}
		a.completions <- completion{pending: request, result: result}
	}()
}

func (a *actor) complete(done completion) {
	current := a.inflight
	a.inflight = nil
	current.cancel()

	result := done.result
	if result.Err != nil && current.interrupted != nil {
		result.Err = driver.Disconnected(current.interrupted)
	}
	if result.Err != nil {
		a.logger.Warn("command failed", "command", result.Command.Describe(), "error", result.Err)
	} else {
		a.logger.Info("command completed", "command", result.Command.Describe())
		switch command := result.Command.(type) {
		case SetPower:
			value := "off"
			if command.On {
				value = "on"
			}
			a.config.Notify(TelemetryReceived{Robot: a.identity.ID, Key: command.Subsystem.String(), Value: value})
		case Launch, Identify:
			if result.Process != "" {
				a.processes[result.Process] = struct{}{}
			}
		}
	}
	done.pending.reply <- result
}

// handleEvent applies one link event and returns a termination reason
// when the event is fatal.
func (a *actor) handleEvent(ctx context.Context, role driver.Role, event driver.Event) string {
	switch event := event.(type) {
	case driver.Output:
		a.handle.output.Write(event.Data)
		if a.config.Journal != nil {
			_, err := a.config.Journal.Append(ctx, journal.KindOutput, journal.Output{
				Robot:   a.identity.ID,
				Process: string(event.Process),
				Stream:  event.Stream.String(),
				Text:    string(event.Data),
			})
			if err != nil {
				a.logger.Error("journaling output failed", "error", err)
			}
		}
	case driver.ProcessExited:
		delete(a.processes, event.Process)
		a.logger.Info("process exited", "process", event.Process, "success", event.Success)
	case driver.Telemetry:
		a.config.Notify(TelemetryReceived{Robot: a.identity.ID, Key: event.Key, Value: event.Value})
	case driver.Fault:
		return a.fault(role, event.Err)
	}
	return ""
}

func (a *actor) fault(role driver.Role, err error) string {
	attached := a.links[role]
	if attached == nil {
		return ""
	}
	attached.healthy = false
	a.logger.Warn("link fault", "role", role.String(), "link", attached.link.Family(), "error", err)
	if driver.IsFatal(err) {
		return "protocol error: " + err.Error()
	}
	if a.inflight != nil && a.inflight.role == role && a.inflight.interrupted == nil {
		a.inflight.interrupted = err
		a.inflight.cancel()
	}
	if a.state == fleet.Connected {
		a.setState(fleet.Degraded, err.Error())
		if a.retry == nil && !a.reconnecting {
			a.retry = a.clock.After(a.config.Backoff.Delay(a.attempt))
		}
	}
	return ""
}

// startReconnect reconnects every unhealthy link off the actor
// goroutine.
func (a *actor) startReconnect(ctx context.Context) {
	type target struct {
		role driver.Role
		link driver.Link
	}
	var targets []target
	for role, attached := range a.links {
		if !attached.healthy {
			targets = append(targets, target{role: role, link: attached.link})
		}
	}
	a.reconnecting = true
	a.logger.Info("reconnecting", "attempt", a.attempt+1, "links", len(targets))
	go func() {
		var outcome reconnectOutcome
		var errs []error
		for _, target := range targets {
			connectContext, cancel := context.WithTimeout(ctx, a.config.ConnectTimeout)
			address, err := target.link.Connect(connectContext)
			cancel()
			if err == nil && !a.identity.HasAddress(address) {
				err = &driver.ProtocolError{
					Family: target.link.Family(),
					Reason: fmt.Sprintf("reconnected endpoint reports %s, which is not %s", address, a.identity.ID),
				}
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			outcome.healthy = append(outcome.healthy, target.role)
		}
		outcome.err = errors.Join(errs...)
		a.reconnects <- outcome
	}()
}

func (a *actor) reconnected(outcome reconnectOutcome) string {
	a.reconnecting = false
	for _, role := range outcome.healthy {
		if attached := a.links[role]; attached != nil {
			attached.healthy = true
		}
	}
	if a.state != fleet.Degraded {
		return ""
	}
	if outcome.err == nil && a.allHealthy() {
		a.attempt = 0
		a.setState(fleet.Connected, "reconnected")
		return ""
	}
	if driver.IsFatal(outcome.err) {
		return "protocol error: " + outcome.err.Error()
	}
	a.attempt++
	if a.attempt >= a.config.Backoff.MaxAttempts {
		return fmt.Sprintf("reconnection failed after %d attempts: %v", a.attempt, outcome.err)
	}
	delay := a.config.Backoff.Delay(a.attempt)
	a.logger.Info("reconnection failed", "attempt", a.attempt, "retry_in", delay, "error", outcome.err)
	a.retry = a.clock.After(delay)
	return ""
}

func (a *actor) allHealthy() bool {
	for _, attached := range a.links {
		if !attached.healthy {
			return false
		}
	}
	return true
}

func (a *actor) attach(link driver.Link) {
	role := link.Role()
	if previous := a.links[role]; previous != nil && previous.link != link {
		previous.link.Close()
	}
	a.links[role] = &attachment{link: link, healthy: true}
	a.logger.Info("link attached", "role", role.String(), "link", link.Family(), "remote", link.Remote().String())
	if a.state == fleet.Degraded && a.allHealthy() {
		a.attempt = 0
		a.retry = nil
		a.setState(fleet.Connected, "link attached")
	}
}

// terminate stops the actor: the in-flight command is interrupted and
// answered, queued commands fail in order, links are closed.
func (a *actor) terminate(reason string) {
	a.retry = nil
	a.setState(fleet.Terminated, reason)
	cancelled := fmt.Errorf("%w (%s): %w", ErrTerminated, reason, context.Canceled)

	if a.inflight != nil {
		a.inflight.cancel()
	}
	for _, attached := range a.links {
		attached.link.Close()
	}
	if a.inflight != nil {
		done := <-a.completions
		if done.result.Err != nil {
			done.result.Err = fmt.Errorf("%w: %w", cancelled, done.result.Err)
		}
		a.inflight = nil
		done.pending.reply <- done.result
	}
	for _, request := range a.queue {
		request.reply <- Result{Command: request.command, Err: cancelled}
	}
	a.queue = nil
	if a.releasing != nil {
		a.releasing.reply <- Result{Command: a.releasing.command}
	}

drain:
	for {
		select {
		case message := <-a.handle.mailbox:
			switch message := message.(type) {
			case submitMessage:
				if _, ok := message.pending.command.(Release); ok {
					message.pending.reply <- Result{Command: message.pending.command}
					continue
				}
				message.pending.reply <- Result{Command: message.pending.command, Err: cancelled}
			case attachMessage:
				message.link.Close()
				message.reply <- ErrTerminated
			case stateMessage:
				message.reply <- fleet.Terminated
			}
		default:
			break drain
		}
	}
	a.logger.Info("robot actor stopped", "reason", reason)
	a.config.Notify(Stopped{Robot: a.identity.ID, Reason: reason})
}
