package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"parley/server/internal/auth"
	"parley/server/internal/protocol"
	"parley/server/internal/ratelimit"
	"parley/server/internal/store"
	"parley/server/internal/validate"
)

// writeTimeout bounds how long a single frame write may block. A peer that
// cannot drain its socket within this window is treated as disconnected.
const writeTimeout = 10 * time.Second

// tokenMintRetries bounds retries on a session-token primary-key collision.
const tokenMintRetries = 3

// wireTimeLayout is the ISO-8601 UTC timestamp format used on the wire.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// conn is the per-connection context: one per live byte stream, owned by the
// live-connections map.
type conn struct {
	srv    *Server
	nc     net.Conn
	remote string

	writeMu sync.Mutex // no interleaved partial frames on one socket

	limiter *ratelimit.Limiter

	// Authenticated-phase state. Written by the owning goroutine, read by
	// fan-out snapshots on other goroutines.
	stateMu sync.Mutex
	authed  bool
	userID  int64
	user    string // display form as registered
	token   string
	channel string // current channel, "" when none
}

// idleReader arms the read deadline before every read so a silent
// connection times out.
type idleReader struct {
	nc      net.Conn
	timeout time.Duration
}

func (r idleReader) Read(p []byte) (int, error) {
	if err := r.nc.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.nc.Read(p)
}

// handleConn runs one connection from accept to cleanup.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	c := &conn{
		srv:     s,
		nc:      nc,
		remote:  nc.RemoteAddr().String(),
		limiter: ratelimit.New(s.cfg.RateMax, s.cfg.RateWindow),
	}
	s.addConn(c)
	slog.Debug("connection opened", "remote", c.remote)

	defer s.dropConn(c)

	dec := protocol.NewDecoder(idleReader{nc: nc, timeout: s.cfg.IdleTimeout})
	for {
		msg, err := dec.NextMessage()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Clean disconnect.
			case errors.Is(err, net.ErrClosed):
				// Dropped by shutdown or a failed fan-out write.
			default:
				slog.Debug("connection read failed", "remote", c.remote, "err", err)
			}
			return
		}
		if msg.Type == "" {
			c.sendError("invalid", "Invalid message format.")
			continue
		}
		if err := c.dispatch(ctx, msg); err != nil {
			slog.Error("connection handler failed", "remote", c.remote, "err", err)
			return
		}
	}
}

// dropConn removes the connection from the live set and, if it was
// authenticated, announces its departure. Safe to call more than once; only
// the first call broadcasts.
func (s *Server) dropConn(c *conn) {
	_ = c.nc.Close()
	if !s.removeConn(c) {
		return
	}

	c.stateMu.Lock()
	authed, user, channel := c.authed, c.user, c.channel
	c.stateMu.Unlock()
	if !authed {
		slog.Debug("connection closed", "remote", c.remote)
		return
	}

	if channel != "" {
		s.reg.Leave(user, channel)
		s.broadcastChannel(channel, protocol.Message{
			Type:     protocol.TypeUserLeft,
			Channel:  channel,
			Username: user,
		}, nil)
	}
	s.broadcastGlobal(protocol.Message{
		Type:     protocol.TypeStatusChange,
		Username: user,
		Status:   "offline",
	}, nil)
	slog.Info("user disconnected", "username", user, "remote", c.remote)
}

// dispatch routes one inbound message through the connection state machine.
// A returned error is fatal for the connection.
func (c *conn) dispatch(ctx context.Context, msg protocol.Message) error {
	c.stateMu.Lock()
	authed := c.authed
	c.stateMu.Unlock()

	if !authed {
		switch msg.Type {
		case protocol.TypeAuthRegister:
			return c.handleRegister(ctx, msg)
		case protocol.TypeAuthLogin:
			return c.handleLogin(ctx, msg)
		default:
			c.sendError("not_authenticated", "You must log in first.")
			return nil
		}
	}

	// Rate limit chat-producing operations before dispatch.
	switch msg.Type {
	case protocol.TypeMessage, protocol.TypePrivateMessage, protocol.TypeAction:
		if !c.limiter.Allow() {
			metricRateLimited.Inc()
			c.sendError("rate_limited", "Slow down! Too many messages.")
			return nil
		}
	}

	switch msg.Type {
	case protocol.TypeMessage:
		return c.handleChat(ctx, msg, "message")
	case protocol.TypeAction:
		return c.handleChat(ctx, msg, "action")
	case protocol.TypePrivateMessage:
		return c.handlePrivateMessage(msg)
	case protocol.TypeChannelJoin:
		return c.handleChannelJoin(ctx, msg)
	case protocol.TypeChannelLeave:
		c.handleChannelLeave(msg.Channel, false)
		return nil
	case protocol.TypeChannelCreate:
		return c.handleChannelCreate(ctx, msg)
	case protocol.TypeChannelList:
		return c.sendChannelList(ctx)
	case protocol.TypeUserList:
		c.handleUserList(msg)
		return nil
	default:
		c.sendError("unknown", fmt.Sprintf("Unknown message type: %s", msg.Type))
		return nil
	}
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func (c *conn) handleRegister(ctx context.Context, msg protocol.Message) error {
	username := strings.TrimSpace(msg.Username)

	if ok, reason := validate.Username(username); !ok {
		c.sendAuthFailure(reason)
		return nil
	}
	if ok, reason := validate.Password(msg.Password); !ok {
		c.sendAuthFailure(reason)
		return nil
	}

	hash, err := auth.HashPassword(msg.Password, c.srv.cfg.HashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user, err := c.srv.store.CreateUser(ctx, username, hash)
	if errors.Is(err, store.ErrConflict) {
		c.sendAuthFailure("Username already taken.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	return c.completeAuth(ctx, user)
}

func (c *conn) handleLogin(ctx context.Context, msg protocol.Message) error {
	username := strings.TrimSpace(msg.Username)

	user, err := c.srv.store.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		c.sendAuthFailure("Invalid username or password.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up user: %w", err)
	}
	if !auth.VerifyPassword(msg.Password, user.PasswordHash) {
		c.sendAuthFailure("Invalid username or password.")
		return nil
	}

	return c.completeAuth(ctx, user)
}

// completeAuth mints a session, transitions the connection to the
// authenticated phase, reports success, and runs finalize-login.
func (c *conn) completeAuth(ctx context.Context, user store.User) error {
	token, err := c.mintSession(ctx, user.ID)
	if err != nil {
		return err
	}

	c.stateMu.Lock()
	c.authed = true
	c.userID = user.ID
	c.user = user.Username
	c.token = token
	c.stateMu.Unlock()

	ok := true
	c.send(protocol.Message{
		Type:     protocol.TypeAuthResult,
		Success:  &ok,
		Token:    token,
		Username: user.Username,
	})
	slog.Info("user authenticated", "username", user.Username, "remote", c.remote)

	return c.finalizeLogin(ctx)
}

// mintSession creates a session token, retrying on the cryptographically
// negligible chance of a token collision.
func (c *conn) mintSession(ctx context.Context, userID int64) (string, error) {
	for i := 0; i < tokenMintRetries; i++ {
		token, err := auth.NewSessionToken()
		if err != nil {
			return "", err
		}
		err = c.srv.store.CreateSession(ctx, token, userID)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		return token, nil
	}
	return "", errors.New("session token collision persisted across retries")
}

// finalizeLogin seeds the client with the channel list and default-channel
// membership, then announces presence to everyone else.
func (c *conn) finalizeLogin(ctx context.Context) error {
	if err := c.sendChannelList(ctx); err != nil {
		return err
	}
	if err := c.handleChannelJoin(ctx, protocol.Message{Channel: store.DefaultChannel}); err != nil {
		return err
	}
	c.srv.broadcastGlobal(protocol.Message{
		Type:     protocol.TypeStatusChange,
		Username: c.username(),
		Status:   "online",
	}, c)
	return nil
}

func (c *conn) sendAuthFailure(reason string) {
	metricAuthFailures.Inc()
	ok := false
	c.send(protocol.Message{
		Type:    protocol.TypeAuthResult,
		Success: &ok,
		Error:   reason,
	})
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

func (c *conn) handleChannelJoin(ctx context.Context, msg protocol.Message) error {
	name := strings.ToLower(strings.TrimSpace(msg.Channel))
	if name == "" {
		c.sendError("invalid", "Channel name required.")
		return nil
	}

	ch, err := c.srv.store.ChannelByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		c.sendError("not_found", fmt.Sprintf("Channel '%s' not found.", name))
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up channel: %w", err)
	}

	// Leave the previous channel first; membership is exclusive.
	if cur := c.currentChannel(); cur != "" && cur != name {
		c.handleChannelLeave(cur, true)
	}

	user := c.username()
	c.setChannel(name)
	c.srv.reg.Join(user, name)

	history, err := c.srv.store.MessageHistory(ctx, ch.ID, c.srv.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	entries := make([]protocol.HistoryEntry, len(history))
	for i, m := range history {
		entries[i] = protocol.HistoryEntry{
			ID:        m.ID,
			Sender:    m.Username,
			Content:   m.Content,
			MsgType:   m.MsgType,
			Timestamp: m.CreatedAt.Format(wireTimeLayout),
		}
	}

	c.send(protocol.ChannelJoined{
		Type:    protocol.TypeChannelJoined,
		Channel: name,
		History: entries,
		Users:   onlineUsers(c.srv.reg.Users(name)),
	})

	c.srv.broadcastChannel(name, protocol.Message{
		Type:     protocol.TypeUserJoined,
		Channel:  name,
		Username: user,
	}, c)
	return nil
}

// handleChannelLeave mutates registry and current-channel state; when not
// silent it also announces the departure. Current channel is cleared only
// when it matches the channel being left.
func (c *conn) handleChannelLeave(channel string, silent bool) {
	name := strings.ToLower(strings.TrimSpace(channel))
	if name == "" {
		return
	}

	user := c.username()
	c.srv.reg.Leave(user, name)

	c.stateMu.Lock()
	if c.channel == name {
		c.channel = ""
	}
	c.stateMu.Unlock()

	if !silent {
		c.srv.broadcastChannel(name, protocol.Message{
			Type:     protocol.TypeUserLeft,
			Channel:  name,
			Username: user,
		}, nil)
	}
}

func (c *conn) handleChannelCreate(ctx context.Context, msg protocol.Message) error {
	name := strings.ToLower(strings.TrimSpace(msg.Name))
	description := strings.TrimSpace(msg.Description)

	if ok, reason := validate.ChannelName(name); !ok {
		c.sendError("invalid", reason)
		return nil
	}

	ch, err := c.srv.store.CreateChannel(ctx, name, description, c.userIDValue())
	if errors.Is(err, store.ErrConflict) {
		c.sendError("exists", fmt.Sprintf("Channel '%s' already exists.", name))
		return nil
	}
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	// Everyone learns about the new channel, creator included. Creation
	// does not auto-join.
	c.srv.broadcastGlobal(protocol.ChannelCreated{
		Type: protocol.TypeChannelCreated,
		Channel: protocol.ChannelInfo{
			ID:          ch.ID,
			Name:        ch.Name,
			Description: ch.Description,
		},
	}, nil)
	return nil
}

func (c *conn) sendChannelList(ctx context.Context) error {
	channels, err := c.srv.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	infos := make([]protocol.ChannelInfo, len(channels))
	for i, ch := range channels {
		infos[i] = protocol.ChannelInfo{ID: ch.ID, Name: ch.Name, Description: ch.Description}
	}
	c.send(protocol.Message{Type: protocol.TypeChannelInfo, Channels: infos})
	return nil
}

func (c *conn) handleUserList(msg protocol.Message) {
	channel := msg.Channel
	if channel == "" {
		channel = c.currentChannel()
	}
	if channel == "" {
		return
	}
	c.send(protocol.Message{
		Type:    protocol.TypeUserList,
		Channel: channel,
		Users:   onlineUsers(c.srv.reg.Users(channel)),
	})
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

// handleChat persists and fans out a channel message or action. The sender
// receives its own broadcast back (authoritative echo) so every peer sees
// the same server-assigned timestamp and id.
func (c *conn) handleChat(ctx context.Context, msg protocol.Message, kind string) error {
	if ok, reason := validate.MessageContent(msg.Content); !ok {
		c.sendError("invalid", reason)
		return nil
	}
	content := validate.Sanitize(msg.Content)

	channel := msg.Channel
	if channel == "" {
		channel = c.currentChannel()
	}
	if channel == "" {
		c.sendError("no_channel", "You must join a channel first.")
		return nil
	}

	ch, err := c.srv.store.ChannelByName(ctx, channel)
	if errors.Is(err, store.ErrNotFound) {
		c.sendError("not_found", fmt.Sprintf("Channel '%s' not found.", channel))
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up channel: %w", err)
	}

	rec, err := c.srv.store.SaveMessage(ctx, ch.ID, c.userIDValue(), content, kind)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	metricMessagesPersisted.WithLabelValues(kind).Inc()

	c.srv.broadcastChannel(channel, protocol.Message{
		Type:      kind,
		Channel:   channel,
		Sender:    c.username(),
		Content:   content,
		Timestamp: rec.CreatedAt.Format(wireTimeLayout),
		ID:        rec.ID,
	}, nil)
	return nil
}

// handlePrivateMessage delivers directly to one live peer. Private messages
// are never persisted.
func (c *conn) handlePrivateMessage(msg protocol.Message) error {
	if ok, reason := validate.MessageContent(msg.Content); !ok {
		c.sendError("invalid", reason)
		return nil
	}
	content := validate.Sanitize(msg.Content)
	to := strings.TrimSpace(msg.To)

	target := c.srv.findUser(to)
	if target == nil {
		c.sendError("not_found", fmt.Sprintf("User '%s' not found or offline.", to))
		return nil
	}

	from := c.username()
	timestamp := time.Now().UTC().Format(wireTimeLayout)

	target.send(protocol.Message{
		Type:      protocol.TypePrivateMessage,
		From:      from,
		Content:   content,
		Timestamp: timestamp,
	})
	// The echo carries the to field; its presence distinguishes the echo
	// from an incoming private message.
	c.send(protocol.Message{
		Type:      protocol.TypePrivateMessage,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: timestamp,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Connection state accessors and writes
// ---------------------------------------------------------------------------

func (c *conn) username() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.user
}

func (c *conn) userIDValue() int64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.userID
}

func (c *conn) currentChannel() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.channel
}

func (c *conn) setChannel(name string) {
	c.stateMu.Lock()
	c.channel = name
	c.stateMu.Unlock()
}

// send encodes and writes one frame to this connection. A write failure
// closes the socket; the owning goroutine then runs the cleanup path.
func (c *conn) send(v any) {
	frame, err := protocol.Encode(v)
	if err != nil {
		slog.Error("encode frame", "err", err)
		return
	}
	if err := c.writeFrame(frame); err != nil {
		_ = c.nc.Close()
	}
}

func (c *conn) sendError(code, message string) {
	c.send(protocol.Message{Type: protocol.TypeError, Code: code, Message: message})
}

// writeFrame writes pre-encoded frame bytes under the per-connection write
// mutex so concurrent fan-out and direct sends never interleave.
func (c *conn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(frame)
	return err
}

// onlineUsers wraps registry usernames as user-status payloads.
func onlineUsers(usernames []string) []protocol.UserStatus {
	users := make([]protocol.UserStatus, len(usernames))
	for i, u := range usernames {
		users[i] = protocol.UserStatus{Username: u, Status: "online"}
	}
	return users
}
