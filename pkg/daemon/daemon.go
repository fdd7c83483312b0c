// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package daemon owns the long-running process: the loopback HTTP surface,
// the idle-timeout lifecycle, the project/watcher registry, and the active
// persona. Exactly one daemon serves a config directory at a time; the
// single-owner startup discipline lives in client.go.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kraklabs/ragforge/internal/config"
	"github.com/kraklabs/ragforge/internal/logging"
	"github.com/kraklabs/ragforge/pkg/graph"
	"github.com/kraklabs/ragforge/pkg/locks"
	"github.com/kraklabs/ragforge/pkg/tools"
)

// State is the daemon lifecycle phase.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

const (
	// DefaultIdleTimeout shuts the daemon down after this much HTTP silence.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultDrainTimeout bounds the per-lock wait during shutdown.
	DefaultDrainTimeout = 20 * time.Minute
)

// GraphDialer connects the graph store. Injected so tests run without a
// database.
type GraphDialer func(ctx context.Context) (*graph.Store, error)

// Options parameterize a Server.
type Options struct {
	Port         int
	IdleTimeout  time.Duration
	DrainTimeout time.Duration
	Config       *config.Config
	Logger       *slog.Logger
	// Sink backs /logs and /logs/stream. Optional.
	Sink *logging.Sink
	// DialGraph is called lazily by the first handler that needs the
	// graph. Defaults to a neo4j connection from Config.
	DialGraph GraphDialer
	// PIDPath, when set, is written on start and removed on stop.
	PIDPath string
}

// Server is the daemon.
type Server struct {
	opts     Options
	logger   *slog.Logger
	locks    *locks.Registry
	registry *tools.Registry
	personas *PersonaStore
	projects *ProjectRegistry

	startedAt    time.Time
	requestCount atomic.Int64

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	idleTimer    *time.Timer
	graphStore   *graph.Store
	httpServer   *http.Server
	listener     net.Listener

	// shutdownOnce guards the drain trigger; idle timeout, /shutdown and
	// signals can all race to it.
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}
}

// New assembles a server. Registry and lock registry are shared with the
// components the caller wired (ingestor, embedder, agent tools).
func New(opts Options, lreg *locks.Registry, registry *tools.Registry, personas *PersonaStore, projects *ProjectRegistry) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Port == 0 {
		opts.Port = config.DaemonPort()
	}
	if lreg == nil {
		lreg = locks.NewRegistry(opts.Logger)
	}
	if personas == nil {
		personas = NewPersonaStore("", opts.Logger)
	}
	if projects == nil {
		projects = NewProjectRegistry(opts.Logger)
	}
	if opts.DialGraph == nil {
		cfg := opts.Config
		opts.DialGraph = func(ctx context.Context) (*graph.Store, error) {
			if cfg == nil {
				return nil, fmt.Errorf("no graph configuration")
			}
			return graph.Connect(ctx, graph.Config{
				URI:      cfg.Neo4j.URI,
				Username: cfg.Neo4j.Username,
				Password: cfg.Neo4j.Password,
				Database: cfg.Neo4j.Database,
			}, opts.Logger)
		}
	}
	return &Server{
		opts:       opts,
		logger:     opts.Logger,
		locks:      lreg,
		registry:   registry,
		personas:   personas,
		projects:   projects,
		state:      StateStarting,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Locks exposes the shared lock registry.
func (s *Server) Locks() *locks.Registry { return s.locks }

// Projects exposes the project registry.
func (s *Server) Projects() *ProjectRegistry { return s.projects }

// Port returns the bound port. Valid after Run has bound.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().(*net.TCPAddr).Port
	}
	return s.opts.Port
}

// ensureGraph lazily connects the graph store. Idempotent: the first
// successful dial is reused; a failed dial is retried on the next call.
func (s *Server) ensureGraph(ctx context.Context) (*graph.Store, error) {
	s.mu.Lock()
	if s.graphStore != nil {
		st := s.graphStore
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	st, err := s.opts.DialGraph(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graphStore != nil {
		// Lost the dial race; keep the winner.
		_ = st.Close(ctx)
		return s.graphStore, nil
	}
	s.graphStore = st
	s.logger.Info("daemon.graph.connected")
	return st, nil
}

// Run binds the loopback port and serves until idle timeout, /shutdown, or
// SIGINT/SIGTERM, then drains. A bind failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", s.opts.Port, err)
	}

	s.startedAt = time.Now()
	s.mu.Lock()
	s.listener = ln
	s.lastActivity = s.startedAt
	s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, s.onIdleTimeout)
	s.httpServer = &http.Server{Handler: s.routes()}
	s.state = StateReady
	s.mu.Unlock()

	if s.opts.PIDPath != "" {
		if err := os.WriteFile(s.opts.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			s.logger.Warn("daemon.pidfile.failed", "path", s.opts.PIDPath, "error", err)
		}
	}
	s.logger.Info("daemon.ready", "port", s.Port(), "pid", os.Getpid(), "idle_timeout", s.opts.IdleTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpServer.Serve(ln) }()

	select {
	case sig := <-sigCh:
		s.logger.Info("daemon.signal", "signal", sig.String())
		s.triggerShutdown("signal")
	case <-ctx.Done():
		s.triggerShutdown("context")
	case <-s.shutdownCh:
	case err := <-serveErr:
		// Serve only returns on listener failure; drain what we can.
		s.logger.Error("daemon.serve.failed", "error", err)
		s.triggerShutdown("serve error")
	}

	s.drain(context.Background())
	close(s.doneCh)
	return nil
}

// Done is closed once the daemon has fully stopped.
func (s *Server) Done() <-chan struct{} { return s.doneCh }

// triggerShutdown moves the daemon towards draining exactly once.
func (s *Server) triggerShutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.logger.Info("daemon.shutdown.triggered", "reason", reason)
		close(s.shutdownCh)
	})
}

func (s *Server) onIdleTimeout() {
	s.logger.Info("Idle timeout reached", "idle_timeout", s.opts.IdleTimeout)
	s.triggerShutdown("idle timeout")
}

// touch resets the idle timer and counts the request.
func (s *Server) touch() {
	s.requestCount.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer.Reset(s.opts.IdleTimeout)
	}
}

// drain waits out the write locks, tears down watchers, then closes the
// socket. Lock timeouts are logged, not fatal: after DrainTimeout per lock
// the shutdown proceeds anyway.
func (s *Server) drain(ctx context.Context) {
	s.mu.Lock()
	s.state = StateDraining
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	srv := s.httpServer
	st := s.graphStore
	s.mu.Unlock()

	s.logger.Info("daemon.draining")
	for _, name := range []string{locks.Ingestion, locks.Embedding} {
		if !s.locks.WaitForUnlock(ctx, name, s.opts.DrainTimeout) {
			s.logger.Warn("daemon.drain.timeout", "lock", name, "waited", s.opts.DrainTimeout)
		}
	}

	s.projects.StopWatchers()

	if srv != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.logger.Warn("daemon.http.shutdown", "error", err)
		}
	}
	if st != nil {
		if err := st.Close(ctx); err != nil {
			s.logger.Warn("daemon.graph.close", "error", err)
		}
	}
	if s.opts.PIDPath != "" {
		_ = os.Remove(s.opts.PIDPath)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("daemon.stopped", "requests", s.requestCount.Load())
}
