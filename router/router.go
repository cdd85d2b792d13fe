// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/netutil"
)

const (
	// DefaultQueueDepth is the outbound queue length per peer.
	DefaultQueueDepth = 64

	// journalQueueDepth bounds the records waiting for the journal.
	// Readers block once it is full.
	journalQueueDepth = 256
)

// Config configures a Router.
type Config struct {
	// Address is the TCP listen address, e.g. ":4950". Use ":0" in
	// tests.
	Address string

	// Codec frames messages. Nil selects LengthPrefixed with the
	// default limit.
	Codec Codec

	// QueueDepth bounds each peer's outbound queue. Zero selects
	// DefaultQueueDepth.
	QueueDepth int

	// Journal, when set, receives a broadcast entry per relayed
	// message and a peer entry per arrival and departure.
	Journal journal.Appender

	Logger *slog.Logger
}

// Router relays messages between peers.
type Router struct {
	config Config
	logger *slog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}

	register   chan *peer
	unregister chan *peer
	inbound    chan message
	queries    chan func(map[*peer]struct{})
	// hubDone is closed when the hub has stopped accepting work.
	hubDone     chan struct{}
	connections sync.WaitGroup

	records chan pendingRecord
}

type pendingRecord struct {
	kind    journal.Kind
	payload any
}

type message struct {
	from *peer
	data []byte
}

type peer struct {
	conn    net.Conn
	address netip.AddrPort
	queue   chan []byte

	once   sync.Once
	closed chan struct{}
	// reason is written once before closed is closed.
	reason string
}

func (p *peer) close(reason string) {
	p.once.Do(func() {
		p.reason = reason
		close(p.closed)
		p.conn.Close()
	})
}

// New returns an unstarted Router.
func New(config Config) *Router {
	if config.Codec == nil {
		config.Codec = LengthPrefixed{}
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = DefaultQueueDepth
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		config:     config,
		logger:     config.Logger,
		register:   make(chan *peer),
		unregister: make(chan *peer),
		inbound:    make(chan message),
		queries:    make(chan func(map[*peer]struct{})),
		hubDone:    make(chan struct{}),
		records:    make(chan pendingRecord, journalQueueDepth),
	}
}

// Start binds the listener and begins accepting peers. The router runs
// until ctx is cancelled or Stop is called.
func (r *Router) Start(ctx context.Context) error {
	if r.config.Address == "" {
		return errors.New("router: Address is required")
	}
	listener, err := net.Listen("tcp", r.config.Address)
	if err != nil {
		return fmt.Errorf("router: listening on %s: %w", r.config.Address, err)
	}
	r.listener = listener

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	hubStopped := make(chan struct{})
	go func() {
		defer close(hubStopped)
		r.hub(ctx)
	}()
	recorderStopped := make(chan struct{})
	go func() {
		defer close(recorderStopped)
		r.recorder(context.WithoutCancel(ctx))
	}()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer close(r.done)
		r.acceptLoop(ctx)
		<-hubStopped
		close(r.records)
		<-recorderStopped
	}()

	r.logger.Info("router started", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (r *Router) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop disconnects every peer and waits for all connection goroutines.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Done is closed once the router has fully stopped.
func (r *Router) Done() <-chan struct{} { return r.done }

// Peers returns the remote addresses of the connected peers.
func (r *Router) Peers(ctx context.Context) ([]netip.AddrPort, error) {
	reply := make(chan []netip.AddrPort, 1)
	query := func(peers map[*peer]struct{}) {
		addresses := make([]netip.AddrPort, 0, len(peers))
		for p := range peers {
			addresses = append(addresses, p.address)
		}
		reply <- addresses
	}
	select {
	case r.queries <- query:
	case <-r.hubDone:
		return nil, errors.New("router: stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-reply, nil
}

// hub owns the peer set.
func (r *Router) hub(ctx context.Context) {
	peers := make(map[*peer]struct{})
	defer close(r.hubDone)
	for {
		select {
		case <-ctx.Done():
			for p := range peers {
				p.close("router stopped")
			}
			return
		case p := <-r.register:
			peers[p] = struct{}{}
		case p := <-r.unregister:
			delete(peers, p)
		case query := <-r.queries:
			query(peers)
		case incoming := <-r.inbound:
			for p := range peers {
				if p == incoming.from {
					continue
				}
				select {
				case <-p.closed:
					// Disconnected mid-broadcast; it is unregistering.
				case p.queue <- incoming.data:
				default:
					r.logger.Warn("router peer queue overflow",
						"peer", p.address.String(),
						"depth", r.config.QueueDepth,
					)
					p.close("outbound queue overflow")
					delete(peers, p)
				}
			}
		}
	}
}

func (r *Router) acceptLoop(ctx context.Context) {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				r.connections.Wait()
				return
			}
			r.logger.Error("router accept failed", "error", err)
			continue
		}
		r.connections.Add(1)
		go func() {
			defer r.connections.Done()
			r.handleConnection(conn)
		}()
	}
}

func (r *Router) handleConnection(conn net.Conn) {
	address, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	p := &peer{
		conn:    conn,
		address: address,
		queue:   make(chan []byte, r.config.QueueDepth),
		closed:  make(chan struct{}),
	}
	logger := r.logger.With("peer", address.String())

	select {
	case r.register <- p:
	case <-r.hubDone:
		conn.Close()
		return
	}
	logger.Info("router peer connected")
	r.record(journal.KindPeer, journal.Peer{Peer: address.String(), Event: "connected"})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writeLoop(p)
	}()

	r.readLoop(p)

	select {
	case r.unregister <- p:
	case <-r.hubDone:
	}
	<-writerDone

	logger.Info("router peer disconnected", "reason", p.reason)
	r.record(journal.KindPeer, journal.Peer{Peer: address.String(), Event: "disconnected", Reason: p.reason})
}

func (r *Router) readLoop(p *peer) {
	reader := bufio.NewReader(p.conn)
	for {
		data, err := r.config.Codec.ReadMessage(reader)
		if err != nil {
			switch {
			case errors.Is(err, ErrMessageTooLarge):
				p.close(err.Error())
			case netutil.IsExpectedCloseError(err):
				p.close("connection closed")
			default:
				p.close(err.Error())
			}
			return
		}
		select {
		case r.inbound <- message{from: p, data: data}:
		case <-p.closed:
			return
		case <-r.hubDone:
			p.close("router stopped")
			return
		}
		r.record(journal.KindBroadcast, journal.Broadcast{Peer: p.address.String(), Data: data})
	}
}

func (r *Router) writeLoop(p *peer) {
	for {
		select {
		case <-p.closed:
			return
		case data := <-p.queue:
			if err := r.config.Codec.WriteMessage(p.conn, data); err != nil {
				p.close(fmt.Sprintf("write failed: %v", err))
				return
			}
		}
	}
}

// record queues an entry for the recorder. Relaying does not wait for
// the journal unless the queue is full.
func (r *Router) record(kind journal.Kind, payload any) {
	if r.config.Journal == nil {
		return
	}
	r.records <- pendingRecord{kind: kind, payload: payload}
}

// recorder appends queued entries in order until the queue is closed.
func (r *Router) recorder(ctx context.Context) {
	for pending := range r.records {
		if _, err := r.config.Journal.Append(ctx, pending.kind, pending.payload); err != nil {
			r.logger.Debug("router journal append failed", "kind", pending.kind, "error", err)
		}
	}
}
