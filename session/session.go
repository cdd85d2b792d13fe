// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session wires one supervisor run together: the journal, the
// arena and its robot actors, discovery, the router, motion-capture
// ingest, the experiment coordinator and the operator interface.
//
// Open acquires every resource that can fail at startup (the journal
// file, the router and operator listeners) so that configuration
// mistakes surface before anything runs. Run then serves until its
// context ends or a component fails, and shuts down in order: the
// producers of arena events first, then every robot is released while
// the arena still consumes their final updates, then the arena, and
// the journal last so that everything above it is recorded.
//
// A journal write failure is fatal: the session cancels itself and Run
// returns the journal's error, which wraps journal.ErrJournalFailed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/discovery"
	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/driver/fernbedienung"
	"github.com/bureau-foundation/supervisor/driver/sshexec"
	"github.com/bureau-foundation/supervisor/driver/xbee"
	"github.com/bureau-foundation/supervisor/experiment"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/clock"
	"github.com/bureau-foundation/supervisor/lib/config"
	"github.com/bureau-foundation/supervisor/lib/netutil"
	"github.com/bureau-foundation/supervisor/mocap"
	"github.com/bureau-foundation/supervisor/robot"
	"github.com/bureau-foundation/supervisor/router"
	"github.com/bureau-foundation/supervisor/uisync"
)

const (
	// releaseTimeout bounds how long shutdown waits for robots to
	// release their links.
	releaseTimeout = 10 * time.Second

	telemetryInterval = 5 * time.Second
)

// Options carries what the configuration file does not.
type Options struct {
	// Dialers replaces the link families named in the configuration.
	Dialers []driver.Dialer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is one supervisor run.
type Session struct {
	config *config.Config
	clock  clock.Clock
	logger *slog.Logger

	journal    *journal.Journal
	table      *fleet.Table
	arena      *arena.Arena
	router     *router.Router
	discovery  *discovery.Discovery
	ingest     *mocap.Ingest
	experiment *experiment.Coordinator
	ui         *uisync.Server
	uiListener net.Listener
}

// Open builds every component and binds the network listeners. ctx
// bounds only the opening itself. On error, everything acquired so far
// is released.
func Open(ctx context.Context, cfg *config.Config, options Options) (_ *Session, err error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{config: cfg, clock: options.Clock, logger: options.Logger}

	s.table, err = fleet.TableFromConfig(cfg.Robots)
	if err != nil {
		return nil, fmt.Errorf("robot table: %w", err)
	}
	dialers := options.Dialers
	if dialers == nil {
		if dialers, err = s.dialers(); err != nil {
			return nil, err
		}
	}
	prefix, err := netutil.ParseRange(cfg.Network.Range)
	if err != nil {
		return nil, err
	}

	s.journal, err = journal.Open(journal.Config{
		Directory:         cfg.Journal.Directory,
		CompressThreshold: cfg.Journal.CompressThreshold,
		Clock:             s.clock,
		Logger:            s.logger.With("component", "journal"),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.journal.Close()
		}
	}()

	s.arena = arena.New(arena.Config{
		Table: s.table,
		Robot: robot.Config{
			Backoff: robot.Backoff{
				Initial:     cfg.Reconnect.InitialBackoff,
				Max:         cfg.Reconnect.MaxBackoff,
				MaxAttempts: cfg.Reconnect.MaxAttempts,
			},
		},
		Journal: s.journal,
		Clock:   s.clock,
		Logger:  s.logger.With("component", "arena"),
	})

	s.discovery, err = discovery.New(discovery.Config{
		Prefix:       prefix,
		Dialers:      dialers,
		Interval:     cfg.Network.Interval,
		Concurrency:  cfg.Network.Concurrency,
		ProbeTimeout: cfg.Network.ProbeTimeout,
		Clock:        s.clock,
		Logger:       s.logger.With("component", "discovery"),
	}, s.arena)
	if err != nil {
		return nil, err
	}

	if cfg.Mocap.Enabled {
		decoder, err := mocap.NewNatNet(cfg.Mocap.Version)
		if err != nil {
			return nil, err
		}
		group, err := netip.ParseAddr(cfg.Mocap.Group)
		if err != nil {
			return nil, fmt.Errorf("mocap.group: %w", err)
		}
		s.ingest, err = mocap.New(mocap.Config{
			Group:     netip.AddrPortFrom(group, uint16(cfg.Mocap.Port)),
			Interface: cfg.Mocap.Interface,
			Decoder:   decoder,
			Table:     s.table,
			Sink:      s.arena,
			Journal:   s.journal,
			Logger:    s.logger.With("component", "mocap"),
		})
		if err != nil {
			return nil, err
		}
	}

	s.router = router.New(router.Config{
		Address:    cfg.Router.Address,
		Codec:      router.LengthPrefixed{MaxMessageBytes: cfg.Router.MaxMessageBytes},
		QueueDepth: cfg.Router.QueueDepth,
		Journal:    s.journal,
		Logger:     s.logger.With("component", "router"),
	})
	// The router outlives ctx; Run stops it.
	if err := s.router.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.router.Stop()
		}
	}()

	s.uiListener, err = net.Listen("tcp", cfg.UI.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on ui.address %s: %w", cfg.UI.Address, err)
	}

	s.experiment = experiment.New(experiment.Config{
		Arena:      s.arena,
		Journal:    s.journal,
		RouterPort: s.router.Addr().(*net.TCPAddr).Port,
		Logger:     s.logger.With("component", "experiment"),
	})
	s.ui = uisync.New(uisync.Config{
		Address:         cfg.UI.Address,
		StaticDirectory: cfg.UI.StaticDirectory,
		Arena:           s.arena,
		Experiment:      s.experiment,
		Clock:           s.clock,
		Logger:          s.logger.With("component", "ui"),
	})
	return s, nil
}

// dialers builds one dialer per configured link family, in order.
func (s *Session) dialers() ([]driver.Dialer, error) {
	var dialers []driver.Dialer
	for _, family := range s.config.Network.Families {
		switch family {
		case config.FamilyXbee:
			dialers = append(dialers, xbee.NewDialer(xbee.Config{
				Clock:  s.clock,
				Logger: s.logger.With("family", family),
			}))
		case config.FamilyFernbedienung:
			dialers = append(dialers, fernbedienung.NewDialer(fernbedienung.Config{
				TelemetryInterval: telemetryInterval,
				Clock:             s.clock,
				Logger:            s.logger.With("family", family),
			}))
		case config.FamilySSH:
			dialer, err := sshexec.NewDialer(sshexec.Config{
				User:           s.config.SSH.User,
				Password:       s.config.SSH.Password,
				KeyFile:        s.config.SSH.KeyFile,
				Port:           s.config.SSH.Port,
				KnownHostsFile: s.config.SSH.KnownHostsFile,
				Logger:         s.logger.With("family", family),
			})
			if err != nil {
				return nil, fmt.Errorf("ssh: %w", err)
			}
			dialers = append(dialers, dialer)
		default:
			return nil, fmt.Errorf("unknown link family %q", family)
		}
	}
	return dialers, nil
}

// JournalPath is the file this session records to.
func (s *Session) JournalPath() string { return s.journal.Path() }

// RouterAddr is the router's bound address.
func (s *Session) RouterAddr() net.Addr { return s.router.Addr() }

// UIAddr is the operator interface's bound address.
func (s *Session) UIAddr() net.Addr { return s.uiListener.Addr() }

// Arena exposes the fleet state, for embedding and tests.
func (s *Session) Arena() *arena.Arena { return s.arena }

// Run serves until ctx ends or a component fails, then shuts down. It
// returns nil on a requested shutdown.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	arenaContext, stopArena := context.WithCancel(context.WithoutCancel(ctx))
	defer stopArena()
	arenaDone := make(chan error, 1)
	go func() { arenaDone <- s.arena.Run(arenaContext) }()

	journalLost := make(chan error, 1)
	go func() {
		select {
		case <-s.journal.Done():
			err := s.journal.Err()
			if err == nil {
				err = journal.ErrClosed
			}
			journalLost <- err
			cancel(err)
		case <-ctx.Done():
		}
	}()

	s.logger.Info("session started",
		"journal", s.journal.Path(),
		"router", s.router.Addr().String(),
		"ui", s.uiListener.Addr().String(),
		"robots", len(s.table.Identities()),
		"mocap", s.ingest != nil,
	)
	if err := s.experiment.Publish(ctx); err != nil {
		s.logger.Warn("publishing experiment state failed", "error", err)
	}

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error { return s.discovery.Run(groupContext) })
	group.Go(func() error { return s.ui.Serve(groupContext, s.uiListener) })
	if s.ingest != nil {
		group.Go(func() error { return s.ingest.Run(groupContext) })
	}
	group.Go(func() error {
		select {
		case <-groupContext.Done():
		case <-s.router.Done():
			if groupContext.Err() == nil {
				return errors.New("router stopped unexpectedly")
			}
		}
		s.router.Stop()
		return nil
	})
	err := group.Wait()
	select {
	case lost := <-journalLost:
		s.logger.Error("journal stopped; ending session", "error", lost)
		if err == nil {
			err = lost
		}
	default:
	}
	s.logger.Info("session stopping", "error", err)

	shutdown, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancelShutdown()
	if s.experiment.Running() {
		if stopErr := s.experiment.Stop(shutdown); stopErr != nil {
			s.logger.Warn("stopping experiment failed", "error", stopErr)
		}
	}
	if releaseErr := s.arena.ReleaseAll(shutdown); releaseErr != nil {
		s.logger.Warn("releasing robots failed", "error", releaseErr)
	}
	stopArena()
	<-arenaDone

	if closeErr := s.journal.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("closing journal: %w", closeErr)
	}
	s.logger.Info("session stopped")
	return err
}
