// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mocap ingests the motion-capture pose stream.
//
// The tracking system multicasts one datagram per frame, each holding a
// pose for every rigid body in view. Delivery is best effort: packets
// may be lost, duplicated or reordered, and nothing is retried. Each
// sample is resolved to a robot through its rigid-body id; bodies that
// are not robots are dropped silently. A sample whose rigid body and
// timestamp were already seen recently is a network duplicate and is
// dropped, so a duplicated packet yields one journal entry, not two.
// Surviving samples of a frame become a single pose journal entry and
// one arena event per sample.
package mocap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/netutil"
)

// maxDatagram bounds one received packet.
const maxDatagram = 64 << 10

// DefaultRecent is how many (rigid body, timestamp) pairs are
// remembered for duplicate suppression.
const DefaultRecent = 1024

// Decoder turns one datagram into pose samples.
type Decoder interface {
	Decode(datagram []byte) ([]fleet.PoseSample, error)
}

// Sink receives resolved samples. *arena.Arena satisfies it.
type Sink interface {
	Apply(ctx context.Context, event arena.Event) error
}

// Config configures an Ingest.
type Config struct {
	// Group is the multicast group and data port.
	Group netip.AddrPort

	// Interface names the network interface to join the group on.
	// Empty lets the kernel choose.
	Interface string

	Decoder Decoder
	Table   *fleet.Table
	Sink    Sink
	Journal journal.Appender

	// Recent bounds the duplicate-suppression window. Zero selects
	// DefaultRecent.
	Recent int

	Logger *slog.Logger
}

// Ingest receives, resolves and fans out pose samples. Its methods must
// be called from one goroutine.
type Ingest struct {
	config Config
	logger *slog.Logger
	recent *recentSet
}

// New validates config and returns an Ingest.
func New(config Config) (*Ingest, error) {
	if config.Decoder == nil {
		return nil, errors.New("mocap: Decoder is required")
	}
	if config.Table == nil {
		return nil, errors.New("mocap: Table is required")
	}
	if config.Sink == nil {
		return nil, errors.New("mocap: Sink is required")
	}
	if config.Recent <= 0 {
		config.Recent = DefaultRecent
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Ingest{
		config: config,
		logger: config.Logger,
		recent: newRecentSet(config.Recent),
	}, nil
}

// Run joins the multicast group and serves until ctx ends.
func (i *Ingest) Run(ctx context.Context) error {
	conn, err := Listen(ctx, i.config.Group, i.config.Interface)
	if err != nil {
		return err
	}
	i.logger.Info("mocap ingest started", "group", i.config.Group.String())
	return i.Serve(ctx, conn)
}

// Listen opens a UDP socket bound to the group port with SO_REUSEADDR,
// so that other consumers of the stream on this host can coexist, and
// joins the group.
func Listen(ctx context.Context, group netip.AddrPort, interfaceName string) (net.PacketConn, error) {
	listenConfig := net.ListenConfig{
		Control: func(network, address string, raw syscall.RawConn) error {
			var sockoptErr error
			err := raw.Control(func(fd uintptr) {
				sockoptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockoptErr
		},
	}
	conn, err := listenConfig.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port()))
	if err != nil {
		return nil, fmt.Errorf("mocap: binding port %d: %w", group.Port(), err)
	}

	var iface *net.Interface
	if interfaceName != "" {
		if iface, err = net.InterfaceByName(interfaceName); err != nil {
			conn.Close()
			return nil, fmt.Errorf("mocap: interface %q: %w", interfaceName, err)
		}
	}
	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.JoinGroup(iface, &net.UDPAddr{IP: net.IP(group.Addr().AsSlice())}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mocap: joining group %s: %w", group.Addr(), err)
	}
	return conn, nil
}

// Serve reads datagrams from conn until ctx ends, then closes conn.
func (i *Ingest) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	buffer := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("mocap: reading: %w", err)
		}
		if err := i.Handle(ctx, buffer[:n]); err != nil {
			return err
		}
	}
}

// Handle processes one datagram. Undecodable datagrams are logged and
// skipped; only a stopped sink is returned as an error.
func (i *Ingest) Handle(ctx context.Context, datagram []byte) error {
	samples, err := i.config.Decoder.Decode(datagram)
	if err != nil {
		i.logger.Warn("mocap datagram not decodable", "bytes", len(datagram), "error", err)
		return nil
	}

	var records []journal.PoseRecord
	for _, sample := range samples {
		if !sample.Valid {
			continue
		}
		identity, ok := i.config.Table.LookupRigidBody(sample.RigidBody)
		if !ok {
			continue
		}
		if !i.recent.add(recentKey{sample.RigidBody, sample.Timestamp}) {
			continue
		}
		records = append(records, journal.PoseRecord{Robot: identity.ID, Sample: sample})
	}
	if len(records) == 0 {
		return nil
	}

	if i.config.Journal != nil {
		if _, err := i.config.Journal.Append(ctx, journal.KindPose, journal.Pose{Samples: records}); err != nil {
			i.logger.Debug("mocap journal append failed", "error", err)
		}
	}
	for _, record := range records {
		if err := i.config.Sink.Apply(ctx, arena.PoseReceived{Robot: record.Robot, Sample: record.Sample}); err != nil {
			return fmt.Errorf("mocap: forwarding pose: %w", err)
		}
	}
	return nil
}

type recentKey struct {
	rigidBody int32
	timestamp time.Duration
}

// recentSet remembers the last capacity keys in insertion order.
type recentSet struct {
	keys  []recentKey
	next  int
	index map[recentKey]struct{}
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{
		keys:  make([]recentKey, 0, capacity),
		index: make(map[recentKey]struct{}, capacity),
	}
}

// add records key and reports whether it was new.
func (s *recentSet) add(key recentKey) bool {
	if _, seen := s.index[key]; seen {
		return false
	}
	if len(s.keys) < cap(s.keys) {
		s.keys = append(s.keys, key)
	} else {
		delete(s.index, s.keys[s.next])
		s.keys[s.next] = key
		s.next = (s.next + 1) % len(s.keys)
	}
	s.index[key] = struct{}{}
	return true
}
