// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mocap

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/testutil"
)

// scriptedDecoder maps datagram text to the samples it decodes to.
type scriptedDecoder map[string][]fleet.PoseSample

func (d scriptedDecoder) Decode(datagram []byte) ([]fleet.PoseSample, error) {
	samples, ok := d[string(datagram)]
	if !ok {
		return nil, errors.New("garbage")
	}
	return samples, nil
}

type sink struct {
	events chan arena.Event
}

func (s *sink) Apply(ctx context.Context, event arena.Event) error {
	s.events <- event
	return nil
}

type recorder struct {
	mu    sync.Mutex
	poses []journal.Pose
}

func (r *recorder) Append(ctx context.Context, kind journal.Kind, payload any) (journal.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poses = append(r.poses, payload.(journal.Pose))
	return journal.Entry{Kind: kind}, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.poses)
}

func rigidBody(id int32) *int32 { return &id }

func testTable(t *testing.T) *fleet.Table {
	t.Helper()
	table, err := fleet.NewTable([]fleet.Identity{
		{ID: "drone1", Kind: fleet.KindDrone, Addresses: []fleet.HardwareAddress{"00:13:a2:00:00:00:00:01"}, RigidBody: rigidBody(5)},
		{ID: "pipuck3", Kind: fleet.KindPiPuck, Addresses: []fleet.HardwareAddress{"b8:27:eb:00:00:03"}, RigidBody: rigidBody(7)},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func sample(body int32, timestamp time.Duration) fleet.PoseSample {
	return fleet.PoseSample{RigidBody: body, Position: [3]float64{float64(body), 0, 0}, Orientation: [4]float64{1, 0, 0, 0}, Timestamp: timestamp, Valid: true}
}

func newIngest(t *testing.T, decoder Decoder, configure func(*Config)) (*Ingest, *sink, *recorder) {
	t.Helper()
	events := &sink{events: make(chan arena.Event, 64)}
	record := &recorder{}
	config := Config{
		Decoder: decoder,
		Table:   testTable(t),
		Sink:    events,
		Journal: record,
		Logger:  testutil.Logger(t),
	}
	if configure != nil {
		configure(&config)
	}
	ingest, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ingest, events, record
}

func TestResolvesAndDropsUnknownBodies(t *testing.T) {
	t.Parallel()
	decoder := scriptedDecoder{
		"frame": {sample(5, time.Second), sample(42, time.Second), sample(7, time.Second)},
	}
	ingest, events, record := newIngest(t, decoder, nil)

	if err := ingest.Handle(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	first := testutil.RequireReceive(t, events.events, time.Second).(arena.PoseReceived)
	second := testutil.RequireReceive(t, events.events, time.Second).(arena.PoseReceived)
	if first.Robot != "drone1" || second.Robot != "pipuck3" {
		t.Errorf("forwarded %s and %s", first.Robot, second.Robot)
	}
	testutil.RequireNoReceive(t, events.events, 10*time.Millisecond, "unknown body forwarded")

	if record.count() != 1 {
		t.Fatalf("journal has %d pose entries, want 1 per frame", record.count())
	}
	if samples := record.poses[0].Samples; len(samples) != 2 || samples[0].Robot != "drone1" {
		t.Errorf("journaled %+v", samples)
	}
}

func TestDuplicatePacketJournaledOnce(t *testing.T) {
	t.Parallel()
	decoder := scriptedDecoder{
		"frame":   {sample(5, time.Second)},
		"partial": {sample(5, time.Second), sample(7, time.Second)},
	}
	ingest, events, record := newIngest(t, decoder, nil)

	ingest.Handle(context.Background(), []byte("frame"))
	ingest.Handle(context.Background(), []byte("frame"))
	if record.count() != 1 {
		t.Fatalf("duplicate packet produced %d journal entries", record.count())
	}
	testutil.RequireReceive(t, events.events, time.Second)
	testutil.RequireNoReceive(t, events.events, 10*time.Millisecond, "duplicate forwarded")

	// A packet overlapping a seen one keeps only its new samples.
	ingest.Handle(context.Background(), []byte("partial"))
	if forwarded := testutil.RequireReceive(t, events.events, time.Second).(arena.PoseReceived); forwarded.Robot != "pipuck3" {
		t.Errorf("forwarded %s", forwarded.Robot)
	}
	if record.count() != 2 {
		t.Errorf("journal entries = %d", record.count())
	}
}

func TestInvalidAndUndecodableDropped(t *testing.T) {
	t.Parallel()
	lost := sample(5, time.Second)
	lost.Valid = false
	ingest, events, record := newIngest(t, scriptedDecoder{"lost": {lost}}, nil)

	if err := ingest.Handle(context.Background(), []byte("lost")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := ingest.Handle(context.Background(), []byte("\x00\x01")); err != nil {
		t.Fatalf("undecodable datagram returned %v", err)
	}
	testutil.RequireNoReceive(t, events.events, 10*time.Millisecond)
	if record.count() != 0 {
		t.Errorf("journal entries = %d", record.count())
	}
}

func TestRecentWindowEvicts(t *testing.T) {
	t.Parallel()
	recent := newRecentSet(2)
	a, b, c := recentKey{1, 1}, recentKey{1, 2}, recentKey{1, 3}
	if !recent.add(a) || !recent.add(b) || recent.add(a) {
		t.Fatal("window did not suppress a repeat")
	}
	if !recent.add(c) {
		t.Fatal("new key rejected")
	}
	if !recent.add(a) {
		t.Error("evicted key still suppressed")
	}
	if recent.add(c) {
		t.Error("recent key forgotten")
	}
}

func TestServeReadsDatagrams(t *testing.T) {
	t.Parallel()
	ingest, events, _ := newIngest(t, scriptedDecoder{"frame": {sample(7, time.Second)}}, nil)
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ingest.Serve(ctx, conn) }()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sender.Close()
	sender.Write([]byte("frame"))

	forwarded := testutil.RequireReceive(t, events.events, 5*time.Second).(arena.PoseReceived)
	if forwarded.Robot != "pipuck3" {
		t.Errorf("forwarded %s", forwarded.Robot)
	}
	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second); err != nil {
		t.Errorf("Serve returned %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Table: testTable(t), Sink: &sink{}}); err == nil {
		t.Error("accepted missing decoder")
	}
	if _, err := New(Config{Decoder: scriptedDecoder{}, Sink: &sink{}}); err == nil {
		t.Error("accepted missing table")
	}
	if _, err := New(Config{Decoder: scriptedDecoder{}, Table: testTable(t)}); err == nil {
		t.Error("accepted missing sink")
	}
}
