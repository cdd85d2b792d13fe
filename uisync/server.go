// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package uisync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/lib/clock"
	"github.com/bureau-foundation/supervisor/robot"
)

// Arena is the part of the arena the operator view uses.
type Arena interface {
	Subscribe(ctx context.Context) (<-chan arena.Snapshot, func(), error)
	Resolve(ctx context.Context, id string) (*robot.Handle, error)
	Apply(ctx context.Context, event arena.Event) error
}

// Experiment is the experiment coordinator as operators drive it.
type Experiment interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	AddFile(ctx context.Context, kind fleet.Kind, name string, contents []byte) error
	ClearFiles(ctx context.Context, kind fleet.Kind) error
}

// Config configures a Server.
type Config struct {
	// Address is the HTTP listen address.
	Address string

	// StaticDirectory, when set, is served at "/".
	StaticDirectory string

	Arena      Arena
	Experiment Experiment

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server accepts operator sessions.
type Server struct {
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	sessions sync.WaitGroup
}

// New returns a Server.
func New(config Config) *Server {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config: config,
		logger: config.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler: the operator socket at /socket and
// the static client, if configured, everywhere else. Sessions end
// when ctx does.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("operator upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.serveSession(ctx, conn)
		}()
	})
	if s.config.StaticDirectory != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.StaticDirectory)))
	}
	return mux
}

// Run serves on Address until ctx ends, then waits for every session
// to finish.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("uisync: listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownContext)
	}()

	s.logger.Info("operator interface listening", "address", listener.Addr().String())
	err := server.Serve(listener)
	s.sessions.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
