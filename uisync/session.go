// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package uisync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/lib/netutil"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 << 20

	outboundDepth = 16
	commandDepth  = 8
)

// errBusy is reported when an operator queues commands faster than
// they complete.
var errBusy = errors.New("too many commands pending; wait for earlier ones to finish")

type session struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	outbound chan any
	requests chan inbound
	commands chan operation

	// Owned by the view loop.
	snapshot arena.Snapshot
	index    map[uuid.UUID]target
	tab      string
	last     []Card
}

func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	logger := s.logger.With("operator", conn.RemoteAddr().String())
	snapshots, unsubscribe, err := s.config.Arena.Subscribe(ctx)
	if err != nil {
		logger.Warn("operator session refused", "error", err)
		return
	}
	defer unsubscribe()

	operator := &session{
		server:   s,
		conn:     conn,
		logger:   logger,
		outbound: make(chan any, outboundDepth),
		requests: make(chan inbound),
		commands: make(chan operation, commandDepth),
	}
	select {
	case operator.snapshot = <-snapshots:
		operator.index = targets(operator.snapshot)
	case <-ctx.Done():
		return
	}
	logger.Info("operator connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		operator.writeLoop(ctx)
	}()
	var group sync.WaitGroup
	group.Add(2)
	go func() {
		defer group.Done()
		defer cancel()
		operator.readLoop(ctx)
	}()
	go func() {
		defer group.Done()
		operator.work(ctx)
	}()

	operator.viewLoop(ctx, snapshots)
	cancel()
	// The writer says goodbye before the socket closes under the reader.
	<-writerDone
	conn.Close()
	group.Wait()
	logger.Info("operator disconnected")
}

// send queues message for the writer.
func (o *session) send(ctx context.Context, message any) {
	select {
	case o.outbound <- message:
	case <-ctx.Done():
	}
}

func (o *session) fail(ctx context.Context, err error) {
	o.send(ctx, errorMessage{Error: err.Error()})
}

func (o *session) viewLoop(ctx context.Context, snapshots <-chan arena.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-snapshots:
			o.snapshot = snapshot
			o.index = targets(snapshot)
			if o.tab != "" {
				o.push(ctx, false)
			}
		case request := <-o.requests:
			o.handle(ctx, request)
		}
	}
}

func (o *session) handle(ctx context.Context, request inbound) {
	if request.Type == typeUpdate {
		o.tab = request.Tab
		o.push(ctx, true)
		return
	}
	op, err := o.server.resolve(o.index, request)
	if err != nil {
		o.fail(ctx, err)
		return
	}
	select {
	case o.commands <- op:
	default:
		o.fail(ctx, errBusy)
	}
}

// push sends the tab's cards when forced or when they differ from
// what the operator last received.
func (o *session) push(ctx context.Context, force bool) {
	title, cards, err := View(o.snapshot, o.tab)
	if err != nil {
		o.tab = ""
		o.fail(ctx, err)
		return
	}
	if !force && Diff(o.last, cards).Empty() {
		return
	}
	o.last = cards
	o.send(ctx, viewMessage{Title: title, Cards: cards})
}

// work runs operator commands in order.
func (o *session) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-o.commands:
			err := op.run(ctx)
			event := arena.OperatorCommand{Target: op.target, Action: op.action, Err: err}
			if applyErr := o.server.config.Arena.Apply(ctx, event); applyErr != nil && ctx.Err() == nil {
				o.logger.Warn("recording operator command failed", "error", applyErr)
			}
			if err != nil {
				o.logger.Info("operator command failed", "target", op.target, "action", op.action, "error", err)
				o.fail(ctx, err)
			}
		}
	}
}

func (o *session) readLoop(ctx context.Context) {
	o.conn.SetReadLimit(maxMessageSize)
	o.conn.SetReadDeadline(o.server.config.Clock.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(o.server.config.Clock.Now().Add(pongWait))
	})
	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!netutil.IsExpectedCloseError(err) && ctx.Err() == nil {
				o.logger.Debug("operator read failed", "error", err)
			}
			return
		}
		var request inbound
		if err := json.Unmarshal(data, &request); err != nil {
			o.fail(ctx, errors.New("malformed message: "+err.Error()))
			continue
		}
		select {
		case o.requests <- request:
		case <-ctx.Done():
			return
		}
	}
}

func (o *session) writeLoop(ctx context.Context) {
	ticker := o.server.config.Clock.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.conn.SetWriteDeadline(o.server.config.Clock.Now().Add(writeWait))
			o.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "supervisor stopping"))
			return
		case message := <-o.outbound:
			o.conn.SetWriteDeadline(o.server.config.Clock.Now().Add(writeWait))
			if err := o.conn.WriteJSON(message); err != nil {
				o.logger.Debug("operator write failed", "error", err)
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(o.server.config.Clock.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
