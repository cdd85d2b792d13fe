// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/testutil"
)

// recorder is an in-memory journal.Appender.
type recorder struct {
	mu       sync.Mutex
	kinds    []journal.Kind
	payloads []any
}

func (r *recorder) Append(ctx context.Context, kind journal.Kind, payload any) (journal.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.payloads = append(r.payloads, payload)
	return journal.Entry{Sequence: uint64(len(r.kinds)), Kind: kind}, nil
}

func (r *recorder) peerEvents() []journal.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []journal.Peer
	for _, payload := range r.payloads {
		if event, ok := payload.(journal.Peer); ok {
			events = append(events, event)
		}
	}
	return events
}

func (r *recorder) broadcasts() []journal.Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var relayed []journal.Broadcast
	for _, payload := range r.payloads {
		if broadcast, ok := payload.(journal.Broadcast); ok {
			relayed = append(relayed, broadcast)
		}
	}
	return relayed
}

func startRouter(t *testing.T, configure func(*Config)) (*Router, *recorder) {
	t.Helper()
	record := &recorder{}
	config := Config{Address: "127.0.0.1:0", Journal: record, Logger: testutil.Logger(t)}
	if configure != nil {
		configure(&config)
	}
	relay := New(config)
	if err := relay.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(relay.Stop)
	return relay, record
}

type testPeer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func connect(t *testing.T, relay *Router) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", relay.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testPeer{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (p *testPeer) send(data string) {
	p.t.Helper()
	if err := (LengthPrefixed{}).WriteMessage(p.conn, []byte(data)); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *testPeer) receive() string {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := (LengthPrefixed{}).ReadMessage(p.reader)
	if err != nil {
		p.t.Fatalf("receive: %v", err)
	}
	return string(data)
}

func (p *testPeer) expectSilence() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if data, err := (LengthPrefixed{}).ReadMessage(p.reader); err == nil {
		p.t.Fatalf("unexpected message %q", data)
	}
}

func waitPeers(t *testing.T, relay *Router, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		peers, err := relay.Peers(context.Background())
		if err != nil {
			t.Fatalf("Peers: %v", err)
		}
		if len(peers) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("router has %d peers, want %d", len(peers), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	t.Parallel()
	relay, record := startRouter(t, nil)
	a, b, c := connect(t, relay), connect(t, relay), connect(t, relay)
	waitPeers(t, relay, 3)

	a.send("hello")
	if got := b.receive(); got != "hello" {
		t.Errorf("b received %q", got)
	}
	if got := c.receive(); got != "hello" {
		t.Errorf("c received %q", got)
	}
	a.expectSilence()

	waitFor(t, "broadcast journaled", func() bool { return len(record.broadcasts()) == 1 })
	if relayed := record.broadcasts()[0]; string(relayed.Data) != "hello" || relayed.Peer != a.conn.LocalAddr().String() {
		t.Errorf("journaled %+v", relayed)
	}
}

func TestPerSenderOrderPreserved(t *testing.T) {
	t.Parallel()
	relay, _ := startRouter(t, func(config *Config) { config.QueueDepth = 512 })
	a, b := connect(t, relay), connect(t, relay)
	waitPeers(t, relay, 2)

	for i := range 200 {
		a.send(fmt.Sprintf("message %d", i))
	}
	for i := range 200 {
		if got, want := b.receive(), fmt.Sprintf("message %d", i); got != want {
			t.Fatalf("received %q, want %q", got, want)
		}
	}
}

func TestLateJoinerOnlySeesLaterMessages(t *testing.T) {
	t.Parallel()
	relay, _ := startRouter(t, nil)
	a, b := connect(t, relay), connect(t, relay)
	waitPeers(t, relay, 2)

	a.send("before")
	if got := b.receive(); got != "before" {
		t.Fatalf("b received %q", got)
	}
	c := connect(t, relay)
	waitPeers(t, relay, 3)
	a.send("after")
	if got := c.receive(); got != "after" {
		t.Errorf("late joiner received %q first", got)
	}
}

func TestDisconnectedPeerDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	relay, record := startRouter(t, nil)
	a, b, c := connect(t, relay), connect(t, relay), connect(t, relay)
	waitPeers(t, relay, 3)

	departed := c.conn.LocalAddr().String()
	c.conn.Close()
	a.send("still here")
	if got := b.receive(); got != "still here" {
		t.Errorf("b received %q", got)
	}
	waitPeers(t, relay, 2)

	waitFor(t, "departure journaled", func() bool {
		for _, event := range record.peerEvents() {
			if event.Peer == departed && event.Event == "disconnected" {
				return true
			}
		}
		return false
	})
}

func TestQueueOverflowDropsSlowPeer(t *testing.T) {
	t.Parallel()
	relay, record := startRouter(t, func(config *Config) { config.QueueDepth = 1 })

	a, slow := connect(t, relay), connect(t, relay)
	waitPeers(t, relay, 2)
	slowAddress := slow.conn.LocalAddr().String()

	// The slow peer never reads, so socket buffers fill and its queue
	// overflows.
	payload := strings.Repeat("x", 512<<10)
	go func() {
		for range 128 {
			if err := (LengthPrefixed{}).WriteMessage(a.conn, []byte(payload)); err != nil {
				return
			}
		}
	}()
	waitPeers(t, relay, 1)

	waitFor(t, "overflow journaled", func() bool {
		for _, event := range record.peerEvents() {
			if event.Peer == slowAddress && event.Reason == "outbound queue overflow" {
				return true
			}
		}
		return false
	})
}

func TestOversizedMessageDropsSender(t *testing.T) {
	t.Parallel()
	relay, record := startRouter(t, func(config *Config) {
		config.Codec = LengthPrefixed{MaxMessageBytes: 16}
	})
	a, b := connect(t, relay), connect(t, relay)
	waitPeers(t, relay, 2)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1000)
	a.conn.Write(header[:])
	waitPeers(t, relay, 1)

	offender := a.conn.LocalAddr().String()
	waitFor(t, "violation journaled", func() bool {
		for _, event := range record.peerEvents() {
			if event.Peer == offender && strings.Contains(event.Reason, "too large") {
				return true
			}
		}
		return false
	})
	b.expectSilence()
}

func TestStopDisconnectsPeers(t *testing.T) {
	t.Parallel()
	relay, _ := startRouter(t, nil)
	a := connect(t, relay)
	waitPeers(t, relay, 1)

	relay.Stop()
	a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := (LengthPrefixed{}).ReadMessage(a.reader); err == nil {
		t.Fatal("read succeeded after Stop")
	}
	testutil.RequireClosed(t, relay.Done(), time.Second)
	if _, err := relay.Peers(context.Background()); err == nil {
		t.Error("Peers succeeded after Stop")
	}
}

func TestLengthPrefixedCodec(t *testing.T) {
	t.Parallel()
	codec := LengthPrefixed{MaxMessageBytes: 8}
	var buffer bytes.Buffer
	if err := codec.WriteMessage(&buffer, []byte("radio")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := codec.WriteMessage(&buffer, []byte{}); err != nil {
		t.Fatalf("WriteMessage empty: %v", err)
	}
	if err := codec.WriteMessage(&buffer, []byte("too long!")); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized write error = %v", err)
	}

	reader := bufio.NewReader(&buffer)
	if got, err := codec.ReadMessage(reader); err != nil || string(got) != "radio" {
		t.Errorf("first message = %q, %v", got, err)
	}
	if got, err := codec.ReadMessage(reader); err != nil || len(got) != 0 {
		t.Errorf("empty message = %q, %v", got, err)
	}

	truncated := bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 4, 'a'}))
	if _, err := codec.ReadMessage(truncated); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated frame error = %v", err)
	}
}

// stalledJournal holds every Append until released.
type stalledJournal struct {
	recorder
	release chan struct{}
}

func (s *stalledJournal) Append(ctx context.Context, kind journal.Kind, payload any) (journal.Entry, error) {
	<-s.release
	return s.recorder.Append(ctx, kind, payload)
}

func TestRelayDoesNotWaitForJournal(t *testing.T) {
	t.Parallel()
	stalled := &stalledJournal{release: make(chan struct{})}
	relay, _ := startRouter(t, func(config *Config) { config.Journal = stalled })
	a, b := connect(t, relay), connect(t, relay)
	waitPeers(t, relay, 2)

	for _, data := range []string{"one", "two", "three"} {
		a.send(data)
		if got := b.receive(); got != data {
			t.Fatalf("b received %q, want %q", got, data)
		}
	}

	close(stalled.release)
	relay.Stop()
	relayed := stalled.broadcasts()
	if len(relayed) != 3 {
		t.Fatalf("journaled %d broadcasts after stop, want 3", len(relayed))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(relayed[i].Data) != want {
			t.Errorf("broadcast %d = %q, want %q", i, relayed[i].Data, want)
		}
	}
}
