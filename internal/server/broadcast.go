package server

import (
	"log/slog"
	"strings"

	"parley/server/internal/protocol"
)

// Fan-out: the frame is encoded once, the target set is snapshotted under
// the connections lock, and the writes happen after the lock is released. A
// failed write marks that peer as disconnected — its socket is closed, which
// unblocks its read loop and runs the normal cleanup path — and fan-out
// continues with the remainder.

// broadcastChannel sends v to every authenticated connection whose current
// channel equals channel, excluding exclude (nil to include everyone).
func (s *Server) broadcastChannel(channel string, v any, exclude *conn) {
	s.fanOut(v, exclude, func(c *conn) bool {
		c.stateMu.Lock()
		defer c.stateMu.Unlock()
		return c.authed && c.channel == channel
	})
}

// broadcastGlobal sends v to every authenticated connection, excluding
// exclude (nil to include everyone).
func (s *Server) broadcastGlobal(v any, exclude *conn) {
	s.fanOut(v, exclude, func(c *conn) bool {
		c.stateMu.Lock()
		defer c.stateMu.Unlock()
		return c.authed
	})
}

func (s *Server) fanOut(v any, exclude *conn, want func(*conn) bool) {
	frame, err := protocol.Encode(v)
	if err != nil {
		slog.Error("encode broadcast frame", "err", err)
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		if c == exclude {
			continue
		}
		if want(c) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.writeFrame(frame); err != nil {
			slog.Debug("fan-out write failed, dropping peer", "remote", c.remote, "err", err)
			_ = c.nc.Close()
			continue
		}
		metricFramesBroadcast.Inc()
	}
}

// findUser returns the authenticated connection whose username matches
// (case-insensitively), or nil when the user is not connected.
func (s *Server) findUser(username string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.conns {
		c.stateMu.Lock()
		match := c.authed && strings.EqualFold(c.user, username)
		c.stateMu.Unlock()
		if match {
			return c
		}
	}
	return nil
}
