// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/clock"
	"github.com/bureau-foundation/supervisor/robot"
)

var (
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("arena: stopped")

	// ErrUnknownRobot is returned by Resolve for an id with no record.
	ErrUnknownRobot = errors.New("arena: unknown robot")
)

const (
	mailboxDepth = 256

	// outputTail is the number of output bytes kept per record.
	outputTail = 2048
)

// Config configures an Arena.
type Config struct {
	Table *fleet.Table

	// Robot configures spawned actors. Identity, Notify, Journal,
	// Clock and Logger are filled in by the arena.
	Robot robot.Config

	// Journal records appearances, state changes and operator
	// commands. Optional.
	Journal journal.Appender

	Clock  clock.Clock
	Logger *slog.Logger
}

type record struct {
	identity   fleet.Identity
	handle     *robot.Handle
	generation uint64
	state      fleet.ConnectionState
	links      map[driver.Role]Link
	telemetry  map[string]string
	output     string
	pose       *fleet.PoseSample
}

type envelope struct {
	event Event
	query func()
}

type subscriber struct {
	channel chan Snapshot
}

// Arena is the single owner of the fleet state.
type Arena struct {
	table   *fleet.Table
	config  Config
	journal journal.Appender
	logger  *slog.Logger

	mailbox chan envelope
	done    chan struct{}

	// Owned by the Run goroutine.
	ctx         context.Context
	records     map[string]*record
	experiment  Experiment
	version     uint64
	generation  uint64
	subscribers map[*subscriber]struct{}
}

// New returns an Arena. Nothing is applied until Run starts.
func New(config Config) *Arena {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Arena{
		table:       config.Table,
		config:      config,
		journal:     config.Journal,
		logger:      config.Logger,
		mailbox:     make(chan envelope, mailboxDepth),
		done:        make(chan struct{}),
		records:     make(map[string]*record),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Run applies events until ctx ends. Actors spawned by the arena run
// under ctx and terminate with it.
func (a *Arena) Run(ctx context.Context) error {
	defer close(a.done)
	a.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("arena stopped", "robots", len(a.records))
			return nil
		case envelope := <-a.mailbox:
			if envelope.query != nil {
				envelope.query()
				continue
			}
			if a.apply(envelope.event) {
				a.version++
				a.publish()
			}
		}
	}
}

// Apply enqueues event, waiting for mailbox space. It never drops.
func (a *Arena) Apply(ctx context.Context, event Event) error {
	return a.send(ctx, envelope{event: event})
}

func (a *Arena) send(ctx context.Context, envelope envelope) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	select {
	case a.mailbox <- envelope:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs query on the arena goroutine and waits for it.
func (a *Arena) do(ctx context.Context, query func()) error {
	finished := make(chan struct{})
	err := a.send(ctx, envelope{query: func() {
		query()
		close(finished)
	}})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current fleet state.
func (a *Arena) Snapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	err := a.do(ctx, func() { snapshot = a.snapshot() })
	return snapshot, err
}

// Resolve returns the actor handle for a robot id.
func (a *Arena) Resolve(ctx context.Context, id string) (*robot.Handle, error) {
	var handle *robot.Handle
	err := a.do(ctx, func() {
		if record, ok := a.records[id]; ok {
			handle = record.handle
		}
	})
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRobot, id)
	}
	return handle, nil
}

// Handles returns every live actor handle ordered by robot id.
func (a *Arena) Handles(ctx context.Context) ([]*robot.Handle, error) {
	var handles []*robot.Handle
	err := a.do(ctx, func() {
		for _, id := range a.sortedIDs() {
			handles = append(handles, a.records[id].handle)
		}
	})
	return handles, err
}

// Attached returns the remote addresses of every attached link.
func (a *Arena) Attached(ctx context.Context) (map[netip.Addr]bool, error) {
	attached := make(map[netip.Addr]bool)
	err := a.do(ctx, func() {
		for _, record := range a.records {
			for _, link := range record.links {
				attached[link.Remote] = true
			}
		}
	})
	return attached, err
}

// Subscribe returns a channel holding the latest snapshot. The current
// state is delivered immediately. cancel stops delivery.
func (a *Arena) Subscribe(ctx context.Context) (<-chan Snapshot, func(), error) {
	subscription := &subscriber{channel: make(chan Snapshot, 1)}
	err := a.do(ctx, func() {
		a.subscribers[subscription] = struct{}{}
		subscription.channel <- a.snapshot()
	})
	if err != nil {
		return nil, nil, err
	}
	cancel := func() {
		a.do(context.Background(), func() { delete(a.subscribers, subscription) })
	}
	return subscription.channel, cancel, nil
}

// ReleaseAll releases every robot concurrently and waits until each
// actor has stopped or ctx ends. Run must still be running so the
// actors' final updates are consumed.
func (a *Arena) ReleaseAll(ctx context.Context) error {
	handles, err := a.Handles(ctx)
	if err != nil {
		return err
	}
	results := make(chan error, len(handles))
	for _, handle := range handles {
		go func() {
			if err := handle.Release(ctx); err != nil {
				results <- fmt.Errorf("releasing %s: %w", handle.ID(), err)
				return
			}
			results <- nil
		}()
	}
	var errs []error
	for range handles {
		if err := <-results; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Arena) sortedIDs() []string {
	ids := make([]string, 0, len(a.records))
	for id := range a.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *Arena) snapshot() Snapshot {
	snapshot := Snapshot{Version: a.version, Experiment: a.experiment}
	for _, id := range a.sortedIDs() {
		snapshot.Robots = append(snapshot.Robots, a.records[id].snapshot())
	}
	return snapshot
}

// publish hands every subscriber the new snapshot, replacing one it
// has not read yet.
func (a *Arena) publish() {
	if len(a.subscribers) == 0 {
		return
	}
	snapshot := a.snapshot()
	for subscription := range a.subscribers {
		select {
		case <-subscription.channel:
		default:
		}
		select {
		case subscription.channel <- snapshot:
		default:
		}
	}
}

func (a *Arena) record(journalKind journal.Kind, payload any) {
	if a.journal == nil {
		return
	}
	if _, err := a.journal.Append(a.ctx, journalKind, payload); err != nil {
		a.logger.Error("journal append failed", "kind", string(journalKind), "error", err)
	}
}

// apply changes the state and reports whether anything changed.
func (a *Arena) apply(event Event) bool {
	switch event := event.(type) {
	case RobotAppeared:
		return a.robotAppeared(event)

	case StateChanged:
		record := a.current(event.Robot, event.generation)
		if record == nil || record.state == event.State {
			return false
		}
		record.state = event.State
		a.record(journal.KindState, journal.StateChange{Robot: event.Robot, State: event.State, Reason: event.Reason})
		return true

	case TelemetryReceived:
		record := a.current(event.Robot, event.generation)
		if record == nil || record.telemetry[event.Key] == event.Value {
			return false
		}
		record.telemetry[event.Key] = event.Value
		return true

	case OutputReceived:
		record := a.current(event.Robot, event.generation)
		if record == nil || event.Text == "" {
			return false
		}
		record.output = trimTail(record.output+event.Text, outputTail)
		return true

	case PoseReceived:
		record := a.records[event.Robot]
		if record == nil || (record.pose != nil && *record.pose == event.Sample) {
			return false
		}
		sample := event.Sample
		record.pose = &sample
		return true

	case OperatorCommand:
		operator := journal.Operator{Target: event.Target, Action: event.Action}
		if event.Err != nil {
			operator.Error = event.Err.Error()
		}
		a.record(journal.KindOperator, operator)
		return false

	case ExperimentChanged:
		a.experiment = event.Experiment
		return true

	case Released:
		record := a.current(event.Robot, event.generation)
		if record == nil {
			return false
		}
		delete(a.records, event.Robot)
		a.logger.Info("robot removed", "robot", event.Robot, "reason", event.Reason)
		return true

	default:
		a.logger.Error("unknown arena event", "type", fmt.Sprintf("%T", event))
		return false
	}
}

// current returns the record for id if the event came from its actor.
// Updates from an actor that was replaced are ignored. Generation zero
// matches any actor.
func (a *Arena) current(id string, generation uint64) *record {
	record := a.records[id]
	if record == nil || (generation != 0 && record.generation != generation) {
		return nil
	}
	return record
}

func (a *Arena) robotAppeared(event RobotAppeared) bool {
	link := event.Link
	identity, ok := a.table.Lookup(event.HardwareAddress)
	if !ok {
		a.logger.Warn("link from unknown hardware address closed",
			"hardware_address", event.HardwareAddress,
			"remote", link.Remote().String(),
			"family", link.Family(),
		)
		link.Close()
		return false
	}
	info := Link{Family: link.Family(), Role: link.Role(), Remote: link.Remote()}

	if existing := a.records[identity.ID]; existing != nil {
		if _, taken := existing.links[info.Role]; taken {
			a.logger.Debug("duplicate link ignored", "robot", identity.ID, "remote", info.Remote.String())
			link.Close()
			return false
		}
		existing.links[info.Role] = info
		handle := existing.handle
		go func() {
			if err := handle.Attach(a.ctx, link); err != nil {
				a.logger.Warn("attaching link failed", "robot", identity.ID, "error", err)
				link.Close()
			}
		}()
	} else {
		a.generation++
		generation := a.generation
		config := a.config.Robot
		config.Identity = identity
		config.Journal = a.journal
		config.Clock = a.config.Clock
		config.Logger = a.logger
		config.Notify = func(update robot.Update) { a.forward(generation, update) }
		handle := robot.Start(a.ctx, config, link)
		go a.followOutput(handle, generation)
		a.records[identity.ID] = &record{
			identity:   identity,
			handle:     handle,
			generation: generation,
			state:      fleet.Unconnected,
			links:      map[driver.Role]Link{info.Role: info},
			telemetry:  make(map[string]string),
		}
	}

	a.logger.Info("robot appeared",
		"robot", identity.ID,
		"family", info.Family,
		"remote", info.Remote.String(),
		"hardware_address", event.HardwareAddress,
	)
	a.record(journal.KindRobotAppeared, journal.RobotAppeared{
		Robot:           identity.ID,
		Kind:            identity.Kind,
		Family:          info.Family,
		Remote:          info.Remote.String(),
		HardwareAddress: event.HardwareAddress,
	})
	return true
}

// forward turns an actor update into an arena event. It runs on the
// actor's goroutine.
func (a *Arena) forward(generation uint64, update robot.Update) {
	var event Event
	switch update := update.(type) {
	case robot.StateChanged:
		event = StateChanged{Robot: update.Robot, State: update.State, Reason: update.Reason, generation: generation}
	case robot.TelemetryReceived:
		event = TelemetryReceived{Robot: update.Robot, Key: update.Key, Value: update.Value, generation: generation}
	case robot.Stopped:
		event = Released{Robot: update.Robot, Reason: update.Reason, generation: generation}
	default:
		return
	}
	// Updates arriving after Run returns are dropped: the session is
	// over and their records are gone.
	a.Apply(context.Background(), event)
}

// followOutput feeds a robot's captured output into its record until
// the actor stops or the arena does. It resumes from the last offset
// it read, so output written while an Apply waits is not lost.
func (a *Arena) followOutput(handle *robot.Handle, generation uint64) {
	var offset uint64
	for {
		data, next, err := handle.Output(a.ctx, offset)
		if err != nil {
			return
		}
		offset = next
		event := OutputReceived{Robot: handle.ID(), Text: string(data), generation: generation}
		if a.Apply(a.ctx, event) != nil {
			return
		}
	}
}

// trimTail keeps the last limit bytes of text, starting at a line
// boundary when one is available and never inside a UTF-8 sequence.
func trimTail(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := len(text) - limit
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	text = text[cut:]
	if newline := strings.IndexByte(text, '\n'); newline >= 0 && newline < len(text)-1 {
		text = text[newline+1:]
	}
	return text
}
