// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package experiment coordinates experiment runs across the fleet.
//
// Operators load control software per robot kind into bundles. Starting
// an experiment validates the bundle of every kind with a participating
// robot, journals the start together with the participants' identities,
// uploads each robot's bundle into a fresh directory and launches
// ARGoS there, pointed at the router. Any failure stops the robots that
// did start. Stopping terminates every process the robots launched.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"path"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/robot"
)

var (
	// ErrRunning is returned by Start while an experiment runs, and by
	// bundle changes, which are frozen during a run.
	ErrRunning = errors.New("experiment already running")

	// ErrNotRunning is returned by Stop when nothing runs.
	ErrNotRunning = errors.New("no experiment running")

	// ErrNoRobots is returned by Start when no robot can take part.
	ErrNoRobots = errors.New("no connected robot can run an experiment")
)

// Arena is the part of the arena the coordinator uses.
type Arena interface {
	Snapshot(ctx context.Context) (arena.Snapshot, error)
	Resolve(ctx context.Context, id string) (*robot.Handle, error)
	Apply(ctx context.Context, event arena.Event) error
}

// Config configures a Coordinator.
type Config struct {
	Arena   Arena
	Journal journal.Appender

	// RouterPort is the router's TCP port. Robots are given the
	// supervisor address on their own network with this port.
	RouterPort int

	// UploadRoot is the directory on each robot below which a
	// per-experiment directory is created. Default: "/tmp".
	UploadRoot string

	Logger *slog.Logger
}

// Coordinator owns the software bundles and the running experiment.
// Its methods are safe for concurrent use; operations are serialized.
type Coordinator struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	bundles map[fleet.Kind]*Bundle
	running *run
}

type run struct {
	id           uuid.UUID
	config       string
	participants []string
}

// New returns a Coordinator with empty bundles.
func New(config Config) *Coordinator {
	if config.UploadRoot == "" {
		config.UploadRoot = "/tmp"
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	bundles := make(map[fleet.Kind]*Bundle, len(fleet.Kinds))
	for _, kind := range fleet.Kinds {
		bundles[kind] = &Bundle{}
	}
	return &Coordinator{config: config, logger: config.Logger, bundles: bundles}
}

// AddFile adds or replaces a file in kind's bundle.
func (c *Coordinator) AddFile(ctx context.Context, kind fleet.Kind, name string, contents []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bundle, ok := c.bundles[kind]
	if !ok {
		return fmt.Errorf("unknown robot kind %s", kind)
	}
	if c.running != nil {
		return ErrRunning
	}
	if name == "" || path.Base(name) != name {
		return fmt.Errorf("invalid file name %q", name)
	}
	bundle.Add(name, contents)
	c.logger.Info("software file added", "kind", kind.String(), "file", name, "bytes", len(contents))
	return c.publish(ctx)
}

// ClearFiles empties kind's bundle.
func (c *Coordinator) ClearFiles(ctx context.Context, kind fleet.Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bundle, ok := c.bundles[kind]
	if !ok {
		return fmt.Errorf("unknown robot kind %s", kind)
	}
	if c.running != nil {
		return ErrRunning
	}
	bundle.Clear()
	return c.publish(ctx)
}

// Publish pushes the current experiment state to the arena.
func (c *Coordinator) Publish(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publish(ctx)
}

func (c *Coordinator) publish(ctx context.Context) error {
	state := arena.Experiment{Running: c.running != nil}
	if c.running != nil {
		state.Config = c.running.config
	}
	for _, kind := range fleet.Kinds {
		state.Bundles = append(state.Bundles, c.bundles[kind].Summary(kind))
	}
	return c.config.Arena.Apply(ctx, arena.ExperimentChanged{Experiment: state})
}

// participant is a robot taking part in a run.
type participant struct {
	handle *robot.Handle
	bundle *Bundle
	remote netip.Addr
}

// Start validates, uploads and launches an experiment on every
// connected robot with an exec link.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running != nil {
		return ErrRunning
	}

	snapshot, err := c.config.Arena.Snapshot(ctx)
	if err != nil {
		return err
	}
	var participants []participant
	var identities []fleet.Identity
	checked := make(map[fleet.Kind]bool)
	for _, record := range snapshot.Robots {
		remote, ok := execRemote(record)
		if !ok || record.State != fleet.Connected {
			continue
		}
		kind := record.Identity.Kind
		bundle := c.bundles[kind]
		if !checked[kind] {
			if err := bundle.Check(); err != nil {
				return fmt.Errorf("%s software: %w", kind.DisplayName(), err)
			}
			checked[kind] = true
		}
		handle, err := c.config.Arena.Resolve(ctx, record.Identity.ID)
		if err != nil {
			return err
		}
		participants = append(participants, participant{handle: handle, bundle: bundle, remote: remote})
		identities = append(identities, record.Identity)
	}
	if len(participants) == 0 {
		return ErrNoRobots
	}

	id := uuid.New()
	configName := ""
	if config, err := participants[0].bundle.Config(); err == nil {
		configName = config.Name
	}
	c.record(ctx, journal.Experiment{Event: "start", Config: configName, Robots: identities})
	c.logger.Info("experiment starting", "experiment", id.String(), "robots", len(participants))

	directory := path.Join(c.config.UploadRoot, "experiment-"+id.String())
	group, groupContext := errgroup.WithContext(ctx)
	for _, p := range participants {
		group.Go(func() error {
			return c.launch(groupContext, p, directory)
		})
	}
	if err := group.Wait(); err != nil {
		c.logger.Warn("experiment start failed, stopping robots", "experiment", id.String(), "error", err)
		stopErr := c.terminate(context.WithoutCancel(ctx), participants)
		c.record(ctx, journal.Experiment{Event: "start_failed", Config: configName, Error: err.Error()})
		return errors.Join(err, stopErr)
	}

	c.running = &run{id: id, config: configName}
	for _, p := range participants {
		c.running.participants = append(c.running.participants, p.handle.ID())
	}
	return c.publish(ctx)
}

// launch uploads p's bundle and starts ARGoS on it.
func (c *Coordinator) launch(ctx context.Context, p participant, directory string) error {
	for _, file := range p.bundle.Files() {
		upload := robot.Upload{Directory: directory, Filename: file.Name, Contents: file.Contents}
		if result := p.handle.Do(ctx, upload); result.Err != nil {
			return fmt.Errorf("%s: uploading %s: %w", p.handle.ID(), file.Name, result.Err)
		}
	}
	config, err := p.bundle.Config()
	if err != nil {
		return err
	}
	endpoint, err := routerEndpoint(p.remote, c.config.RouterPort)
	if err != nil {
		return fmt.Errorf("%s: %w", p.handle.ID(), err)
	}
	launch := robot.Launch{
		Target:           "argos3",
		WorkingDirectory: directory,
		Arguments: []string{
			"--config", config.Name,
			"--router", endpoint,
			"--id", p.handle.ID(),
		},
	}
	if result := p.handle.Do(ctx, launch); result.Err != nil {
		return fmt.Errorf("%s: launching ARGoS: %w", p.handle.ID(), result.Err)
	}
	return nil
}

// Stop terminates the processes on every participant.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil {
		return ErrNotRunning
	}
	var participants []participant
	var errs []error
	for _, id := range c.running.participants {
		handle, err := c.config.Arena.Resolve(ctx, id)
		if err != nil {
			// Released robots have nothing left to stop.
			if !errors.Is(err, arena.ErrUnknownRobot) {
				errs = append(errs, err)
			}
			continue
		}
		participants = append(participants, participant{handle: handle})
	}
	errs = append(errs, c.terminate(ctx, participants))
	err := errors.Join(errs...)

	stop := journal.Experiment{Event: "stop", Config: c.running.config}
	if err != nil {
		stop.Error = err.Error()
	}
	c.record(ctx, stop)
	c.logger.Info("experiment stopped", "experiment", c.running.id.String(), "error", err)
	c.running = nil
	return errors.Join(err, c.publish(ctx))
}

// Running reports whether an experiment is running.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running != nil
}

func (c *Coordinator) terminate(ctx context.Context, participants []participant) error {
	errs := make([]error, len(participants))
	var group errgroup.Group
	for i, p := range participants {
		group.Go(func() error {
			if result := p.handle.Do(ctx, robot.TerminateAll{}); result.Err != nil && !errors.Is(result.Err, robot.ErrTerminated) {
				errs[i] = fmt.Errorf("%s: %w", p.handle.ID(), result.Err)
			}
			return nil
		})
	}
	group.Wait()
	return errors.Join(errs...)
}

func (c *Coordinator) record(ctx context.Context, payload journal.Experiment) {
	if c.config.Journal == nil {
		return
	}
	if _, err := c.config.Journal.Append(ctx, journal.KindExperiment, payload); err != nil {
		c.logger.Warn("experiment journal append failed", "event", payload.Event, "error", err)
	}
}

// execRemote returns the address of the robot's exec link.
func execRemote(record arena.Robot) (netip.Addr, bool) {
	for _, link := range record.Links {
		if link.Role == driver.RoleExec {
			return link.Remote, true
		}
	}
	return netip.Addr{}, false
}

// routerEndpoint returns this host's address on the route to remote,
// joined with port. No packet is sent.
func routerEndpoint(remote netip.Addr, port int) (string, error) {
	conn, err := net.Dial("udp4", netip.AddrPortFrom(remote, 80).String())
	if err != nil {
		return "", fmt.Errorf("finding route to %s: %w", remote, err)
	}
	defer conn.Close()
	local, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(local.Addr().String(), strconv.Itoa(port)), nil
}
