// Package server implements the TCP listener, the per-connection protocol
// state machine, and the broadcast fabric.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"parley/server/internal/auth"
	"parley/server/internal/ratelimit"
	"parley/server/internal/registry"
	"parley/server/internal/store"
)

// Config holds the tunables of a chat server. Zero values fall back to the
// documented defaults.
type Config struct {
	Addr         string        // listen address, e.g. "127.0.0.1:5050"
	TLS          *tls.Config   // nil disables TLS
	IdleTimeout  time.Duration // per-connection read deadline (default 300s)
	HistoryLimit int           // messages replayed on channel join (default 50)
	RateMax      int           // chat ops per rate window (default 5)
	RateWindow   time.Duration // rate window length (default 1s)
	HashCost     int           // bcrypt cost (default auth.DefaultCost)
	SweepEvery   time.Duration // expired-session sweep interval (default 1h)
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.RateMax <= 0 {
		c.RateMax = ratelimit.DefaultMaxEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = ratelimit.DefaultWindow
	}
	if c.HashCost <= 0 {
		c.HashCost = auth.DefaultCost
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Hour
	}
	return c
}

// Server accepts connections and owns the live-connection set, which is the
// authority on connection liveness.
type Server struct {
	cfg   Config
	store *store.Store
	reg   *registry.Registry

	mu    sync.Mutex
	conns map[*conn]struct{}
	ln    net.Listener

	closed chan struct{}
}

// New creates a Server over an opened store.
func New(cfg Config, st *store.Store) *Server {
	return &Server{
		cfg:    cfg.withDefaults(),
		store:  st,
		reg:    registry.New(),
		conns:  make(map[*conn]struct{}),
		closed: make(chan struct{}),
	}
}

// Registry exposes live channel membership for the admin API.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Addr returns the bound listen address, valid once Run has started
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run binds the listener and serves until ctx is canceled. If ready is
// non-nil it is closed once the listener is bound. A bind failure is
// returned; a canceled ctx yields nil after all connections are closed.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	if ready != nil {
		close(ready)
	}

	slog.Info("listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)

	go s.sweepSessions(ctx)
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				<-s.closed
				return nil
			}
			slog.Error("accept", "err", err)
			continue
		}
		metricConnectionsAccepted.Inc()
		go s.handleConn(ctx, nc)
	}
}

// shutdown closes the listener and every live socket. Closing the sockets
// unblocks the per-connection reads, which flow through the normal cleanup
// path.
func (s *Server) shutdown() {
	s.mu.Lock()
	ln := s.ln
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range targets {
		_ = c.nc.Close()
	}
	close(s.closed)
	slog.Info("server shut down", "dropped_connections", len(targets))
}

// sweepSessions periodically removes expired session rows. Not required for
// correctness — ValidateSession already rejects expired tokens — it just
// keeps the table bounded.
func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpiredSessions(ctx)
			if err != nil {
				slog.Error("session sweep", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned expired sessions", "count", n)
			}
		}
	}
}

// addConn registers a connection in the live set.
func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	metricConnectionsActive.Inc()
}

// removeConn drops a connection from the live set. Returns false if it was
// already removed.
func (s *Server) removeConn(c *conn) bool {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		metricConnectionsActive.Dec()
	}
	return ok
}
