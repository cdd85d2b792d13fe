// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery finds robots by probing every host address of the
// robot network with each configured link family.
//
// A sweep skips addresses that already carry an attached link, probes
// the rest concurrently under a ceiling, and hands every link that
// completes its handshake to the arena. Probe failures are the normal
// case for empty addresses and are not recorded.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/lib/clock"
	"github.com/bureau-foundation/supervisor/lib/netutil"
)

// Arena is the part of the arena discovery uses.
type Arena interface {
	Apply(ctx context.Context, event arena.Event) error
	Attached(ctx context.Context) (map[netip.Addr]bool, error)
}

// Config configures discovery.
type Config struct {
	Prefix netip.Prefix

	// Dialers are tried in order for each address until one succeeds.
	Dialers []driver.Dialer

	Interval     time.Duration
	Concurrency  int
	ProbeTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Discovery sweeps the robot network.
type Discovery struct {
	config Config
	arena  Arena
	logger *slog.Logger
}

// New validates config and returns a Discovery.
func New(config Config, arena Arena) (*Discovery, error) {
	if !config.Prefix.IsValid() {
		return nil, errors.New("discovery: a network prefix is required")
	}
	if len(config.Dialers) == 0 {
		return nil, errors.New("discovery: at least one dialer is required")
	}
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 32
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 750 * time.Millisecond
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Discovery{config: config, arena: arena, logger: config.Logger.With("prefix", config.Prefix.String())}, nil
}

// Run sweeps immediately and then every Interval until ctx ends.
func (d *Discovery) Run(ctx context.Context) error {
	ticker := d.config.Clock.NewTicker(d.config.Interval)
	defer ticker.Stop()
	for {
		if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("discovery sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep probes every unattached host once and returns how many links
// it handed to the arena.
func (d *Discovery) Sweep(ctx context.Context) (int, error) {
	attached, err := d.arena.Attached(ctx)
	if err != nil {
		return 0, err
	}

	var found atomic.Int64
	var group errgroup.Group
	group.SetLimit(d.config.Concurrency)
	for address := range netutil.Hosts(d.config.Prefix) {
		if ctx.Err() != nil {
			break
		}
		if attached[address] {
			continue
		}
		group.Go(func() error {
			if d.probe(ctx, address) {
				found.Add(1)
			}
			return nil
		})
	}
	group.Wait()
	if found.Load() > 0 {
		d.logger.Info("discovery sweep complete", "found", found.Load())
	}
	return int(found.Load()), ctx.Err()
}

// probe tries each family on address in order.
func (d *Discovery) probe(ctx context.Context, address netip.Addr) bool {
	for _, dialer := range d.config.Dialers {
		probeContext, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
		link, hardwareAddress, err := dialer.Dial(probeContext, address)
		cancel()
		if err != nil {
			continue
		}
		d.logger.Debug("link found",
			"address", address.String(),
			"family", dialer.Family(),
			"hardware_address", hardwareAddress,
		)
		if err := d.arena.Apply(ctx, arena.RobotAppeared{Link: link, HardwareAddress: hardwareAddress}); err != nil {
			link.Close()
			return false
		}
		return true
	}
	return false
}
