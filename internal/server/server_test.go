package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"parley/server/internal/protocol"
	"parley/server/internal/store"
)

const (
	frameWait  = 2 * time.Second
	silentWait = 200 * time.Millisecond
)

// startServer runs a server on an ephemeral port and returns it with its
// store. Everything is torn down via t.Cleanup.
func startServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	return startServerWith(t, Config{})
}

// startServerWith is startServer with config overrides; address and hash
// cost are always pinned for tests.
func startServerWith(t *testing.T, cfg Config) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg.Addr = "127.0.0.1:0"
	cfg.HashCost = bcrypt.MinCost // keep auth fast in tests
	srv := New(cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() { done <- srv.Run(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(frameWait):
			t.Error("server did not shut down")
		}
	})

	select {
	case <-ready:
	case <-time.After(frameWait):
		t.Fatal("server never became ready")
	}
	return srv, st
}

// testClient is a minimal protocol client over a raw TCP socket.
type testClient struct {
	t   *testing.T
	nc  net.Conn
	dec *protocol.Decoder
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return &testClient{t: t, nc: nc, dec: protocol.NewDecoder(nc)}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	frame, err := protocol.Encode(v)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if _, err := c.nc.Write(frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next reads one frame, failing the test after frameWait. channel_created
// frames carry the channel as an object and are folded into the flat message
// shape for assertions.
func (c *testClient) next() protocol.Message {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(frameWait))
	payload, err := c.dec.Next()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}

	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		c.t.Fatalf("decode frame: %v", err)
	}
	if peek.Type == protocol.TypeChannelCreated {
		var cc protocol.ChannelCreated
		if err := json.Unmarshal(payload, &cc); err != nil {
			c.t.Fatalf("decode channel_created: %v", err)
		}
		return protocol.Message{Type: cc.Type, Channel: cc.Channel.Name, ID: cc.Channel.ID}
	}

	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.t.Fatalf("decode frame: %v", err)
	}
	return msg
}

// expect reads one frame and asserts its type.
func (c *testClient) expect(msgType string) protocol.Message {
	c.t.Helper()
	msg := c.next()
	if msg.Type != msgType {
		c.t.Fatalf("expected %q frame, got %q (%+v)", msgType, msg.Type, msg)
	}
	return msg
}

// waitFor discards frames until one of the wanted type arrives. Used for
// cross-connection broadcasts where unrelated frames may precede the one
// under test.
func (c *testClient) waitFor(msgType string) protocol.Message {
	c.t.Helper()
	for n := 0; n < 16; n++ {
		msg := c.next()
		if msg.Type == msgType {
			return msg
		}
	}
	c.t.Fatalf("no %q frame within 16 reads", msgType)
	return protocol.Message{}
}

// expectNone asserts that no frame arrives within silentWait.
func (c *testClient) expectNone() {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(silentWait))
	payload, err := c.dec.Next()
	if err == nil {
		c.t.Fatalf("expected silence, got %s", payload)
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// register runs the registration handshake and consumes the login sequence:
// auth_result, channel_info, channel_joined (auto-join of the default
// channel). Returns the session token.
func (c *testClient) register(username, password string) string {
	c.t.Helper()
	c.send(protocol.Message{Type: protocol.TypeAuthRegister, Username: username, Password: password})

	res := c.expect(protocol.TypeAuthResult)
	if res.Success == nil || !*res.Success {
		c.t.Fatalf("registration failed: %+v", res)
	}
	if res.Token == "" || res.Username != username {
		c.t.Fatalf("bad auth_result: %+v", res)
	}
	c.expect(protocol.TypeChannelInfo)
	joined := c.expect(protocol.TypeChannelJoined)
	if joined.Channel != store.DefaultChannel {
		c.t.Fatalf("auto-joined %q, want %q", joined.Channel, store.DefaultChannel)
	}
	return res.Token
}

// ---------------------------------------------------------------------------
// Auth and login sequence
// ---------------------------------------------------------------------------

func TestRegisterLoginSequence(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.send(protocol.Message{Type: protocol.TypeAuthRegister, Username: "alice", Password: "secret1"})

	res := alice.expect(protocol.TypeAuthResult)
	if res.Success == nil || !*res.Success {
		t.Fatalf("auth_result: %+v", res)
	}
	if len(res.Token) != 64 {
		t.Fatalf("token length = %d", len(res.Token))
	}

	info := alice.expect(protocol.TypeChannelInfo)
	if len(info.Channels) != 1 || info.Channels[0].Name != "general" {
		t.Fatalf("channel_info: %+v", info)
	}

	joined := alice.expect(protocol.TypeChannelJoined)
	if joined.Channel != "general" || len(joined.History) != 0 {
		t.Fatalf("channel_joined: %+v", joined)
	}
	if len(joined.Users) != 1 || joined.Users[0].Username != "alice" || joined.Users[0].Status != "online" {
		t.Fatalf("joined users: %+v", joined.Users)
	}

	// The joining client does not see its own presence broadcasts.
	alice.expectNone()
}

func TestRegisterDuplicateUsernameCaseInsensitive(t *testing.T) {
	srv, _ := startServer(t)

	dial(t, srv).register("bob", "secret1")

	second := dial(t, srv)
	second.send(protocol.Message{Type: protocol.TypeAuthRegister, Username: "BOB", Password: "other-pass"})
	res := second.expect(protocol.TypeAuthResult)
	if res.Success == nil || *res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Error != "Username already taken." {
		t.Fatalf("error = %q", res.Error)
	}

	// The connection stays open; a corrected registration succeeds.
	second.register("bob2", "secret1")
}

func TestLoginWrongPassword(t *testing.T) {
	srv, _ := startServer(t)
	dial(t, srv).register("alice", "secret1")

	c := dial(t, srv)
	for _, attempt := range []protocol.Message{
		{Type: protocol.TypeAuthLogin, Username: "alice", Password: "wrong"},
		{Type: protocol.TypeAuthLogin, Username: "nobody", Password: "secret1"},
	} {
		c.send(attempt)
		res := c.expect(protocol.TypeAuthResult)
		if res.Success == nil || *res.Success {
			t.Fatalf("expected failure for %+v", attempt)
		}
		// Unknown user and wrong password are indistinguishable.
		if res.Error != "Invalid username or password." {
			t.Fatalf("error = %q", res.Error)
		}
	}

	c.send(protocol.Message{Type: protocol.TypeAuthLogin, Username: "alice", Password: "secret1"})
	res := c.expect(protocol.TypeAuthResult)
	if res.Success == nil || !*res.Success {
		t.Fatalf("login failed: %+v", res)
	}
}

func TestUnauthenticatedOperationsRejected(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	c.send(protocol.Message{Type: protocol.TypeMessage, Content: "hi"})
	e := c.expect(protocol.TypeError)
	if e.Code != "not_authenticated" || e.Message != "You must log in first." {
		t.Fatalf("error: %+v", e)
	}
}

func TestInvalidAndUnknownFrames(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	c.register("alice", "secret1")

	// Missing type.
	c.send(protocol.Message{Content: "no type"})
	e := c.expect(protocol.TypeError)
	if e.Code != "invalid" || e.Message != "Invalid message format." {
		t.Fatalf("error: %+v", e)
	}

	// Unknown type; connection survives both.
	c.send(protocol.Message{Type: "bogus"})
	e = c.expect(protocol.TypeError)
	if e.Code != "unknown" || e.Message != "Unknown message type: bogus" {
		t.Fatalf("error: %+v", e)
	}

	c.send(protocol.Message{Type: protocol.TypeMessage, Content: "still here"})
	c.expect(protocol.TypeMessage)
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

func TestLoginBroadcastsToOthers(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")

	bob := dial(t, srv)
	bob.register("bob", "secret1")

	// Alice, already in general, sees bob join and come online, in order.
	joined := alice.expect(protocol.TypeUserJoined)
	if joined.Channel != "general" || joined.Username != "bob" {
		t.Fatalf("user_joined: %+v", joined)
	}
	status := alice.expect(protocol.TypeStatusChange)
	if status.Username != "bob" || status.Status != "online" {
		t.Fatalf("status_change: %+v", status)
	}
}

func TestDisconnectBroadcasts(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")
	bob := dial(t, srv)
	bob.register("bob", "secret1")
	alice.waitFor(protocol.TypeStatusChange) // drain bob's arrival

	bob.nc.Close()

	left := alice.expect(protocol.TypeUserLeft)
	if left.Channel != "general" || left.Username != "bob" {
		t.Fatalf("user_left: %+v", left)
	}
	status := alice.expect(protocol.TypeStatusChange)
	if status.Username != "bob" || status.Status != "offline" {
		t.Fatalf("status_change: %+v", status)
	}
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func TestChatBroadcastReachesAllMembers(t *testing.T) {
	srv, _ := startServer(t)

	clients := make([]*testClient, 3)
	names := []string{"alice", "bob", "carol"}
	for i, name := range names {
		clients[i] = dial(t, srv)
		clients[i].register(name, "secret1")
	}

	clients[0].send(protocol.Message{Type: protocol.TypeMessage, Content: "hello all"})

	// Every member, sender included, receives the same server-assigned frame.
	var first protocol.Message
	for i, c := range clients {
		msg := c.waitFor(protocol.TypeMessage)
		if msg.Sender != "alice" || msg.Content != "hello all" || msg.Channel != "general" {
			t.Fatalf("client %d got %+v", i, msg)
		}
		if msg.ID == 0 || msg.Timestamp == "" {
			t.Fatalf("client %d missing id/timestamp: %+v", i, msg)
		}
		if i == 0 {
			first = msg
		} else if msg.ID != first.ID || msg.Timestamp != first.Timestamp {
			t.Fatalf("client %d frame differs from sender echo", i)
		}
	}
}

func TestChatPersistsToHistory(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")
	alice.send(protocol.Message{Type: protocol.TypeMessage, Content: "for the record"})
	alice.expect(protocol.TypeMessage)
	alice.send(protocol.Message{Type: protocol.TypeAction, Content: "waves"})
	act := alice.expect(protocol.TypeAction)
	if act.ID == 0 {
		t.Fatalf("action missing id: %+v", act)
	}

	// A later joiner replays both, oldest first, with kinds preserved.
	bob := dial(t, srv)
	bob.send(protocol.Message{Type: protocol.TypeAuthRegister, Username: "bob", Password: "secret1"})
	bob.expect(protocol.TypeAuthResult)
	bob.expect(protocol.TypeChannelInfo)
	joined := bob.expect(protocol.TypeChannelJoined)
	if len(joined.History) != 2 {
		t.Fatalf("history length = %d", len(joined.History))
	}
	if joined.History[0].Content != "for the record" || joined.History[0].MsgType != "message" {
		t.Fatalf("history[0]: %+v", joined.History[0])
	}
	if joined.History[1].Content != "waves" || joined.History[1].MsgType != "action" {
		t.Fatalf("history[1]: %+v", joined.History[1])
	}
}

func TestChatSanitizesControlCharacters(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")

	alice.send(protocol.Message{Type: protocol.TypeMessage, Content: "a\x00b\x07c\nd"})
	msg := alice.expect(protocol.TypeMessage)
	if msg.Content != "abc\nd" {
		t.Fatalf("content = %q", msg.Content)
	}
}

func TestChatRequiresChannel(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")
	alice.send(protocol.Message{Type: protocol.TypeChannelLeave, Channel: "general"})

	alice.send(protocol.Message{Type: protocol.TypeMessage, Content: "into the void"})
	e := alice.expect(protocol.TypeError)
	if e.Code != "no_channel" || e.Message != "You must join a channel first." {
		t.Fatalf("error: %+v", e)
	}
}

func TestChatUnknownChannel(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")

	alice.send(protocol.Message{Type: protocol.TypeMessage, Channel: "nowhere", Content: "hi"})
	e := alice.expect(protocol.TypeError)
	if e.Code != "not_found" || e.Message != "Channel 'nowhere' not found." {
		t.Fatalf("error: %+v", e)
	}
}

func TestChannelIsolation(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")
	bob := dial(t, srv)
	bob.register("bob", "secret1")
	alice.waitFor(protocol.TypeStatusChange)

	alice.send(protocol.Message{Type: protocol.TypeChannelCreate, Name: "random", Description: "Anything"})
	alice.waitFor(protocol.TypeChannelCreated)
	bob.waitFor(protocol.TypeChannelCreated)

	alice.send(protocol.Message{Type: protocol.TypeChannelJoin, Channel: "random"})
	alice.expect(protocol.TypeChannelJoined)

	alice.send(protocol.Message{Type: protocol.TypeMessage, Content: "random only"})
	msg := alice.waitFor(protocol.TypeMessage)
	if msg.Channel != "random" {
		t.Fatalf("message channel = %q", msg.Channel)
	}

	// Bob, still in general, receives nothing from the other channel. The
	// move between channels is silent on the old channel.
	bob.expectNone()
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestRateLimitSixthDenied(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")
	bob := dial(t, srv)
	bob.register("bob", "secret1")
	alice.waitFor(protocol.TypeStatusChange)

	for n := 0; n < 6; n++ {
		alice.send(protocol.Message{Type: protocol.TypeMessage, Content: "burst"})
	}

	// Sender sees five echoes then the rate-limit error.
	for n := 0; n < 5; n++ {
		alice.waitFor(protocol.TypeMessage)
	}
	e := alice.expect(protocol.TypeError)
	if e.Code != "rate_limited" || e.Message != "Slow down! Too many messages." {
		t.Fatalf("error: %+v", e)
	}

	// The denied message is not broadcast.
	for n := 0; n < 5; n++ {
		bob.waitFor(protocol.TypeMessage)
	}
	bob.expectNone()
}

func TestRateLimitDoesNotGateNonChatOps(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")

	// Exhaust the chat budget.
	for n := 0; n < 5; n++ {
		alice.send(protocol.Message{Type: protocol.TypeMessage, Content: "x"})
		alice.expect(protocol.TypeMessage)
	}

	// channel_list is not rate limited.
	alice.send(protocol.Message{Type: protocol.TypeChannelList})
	alice.expect(protocol.TypeChannelInfo)
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

func TestChannelCreateJoinAndList(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")

	alice.send(protocol.Message{Type: protocol.TypeChannelCreate, Name: "Dev-Talk", Description: "Development"})
	created := alice.expect(protocol.TypeChannelCreated)
	// Names are normalized to lowercase; creation does not auto-join.
	if created.Channel != "dev-talk" {
		t.Fatalf("channel_created name = %q", created.Channel)
	}

	alice.send(protocol.Message{Type: protocol.TypeChannelCreate, Name: "dev-talk"})
	e := alice.expect(protocol.TypeError)
	if e.Code != "exists" || e.Message != "Channel 'dev-talk' already exists." {
		t.Fatalf("error: %+v", e)
	}

	alice.send(protocol.Message{Type: protocol.TypeChannelList})
	info := alice.expect(protocol.TypeChannelInfo)
	if len(info.Channels) != 2 || info.Channels[0].Name != "dev-talk" || info.Channels[1].Name != "general" {
		t.Fatalf("channel_info: %+v", info.Channels)
	}

	alice.send(protocol.Message{Type: protocol.TypeChannelJoin, Channel: "DEV-TALK"})
	joined := alice.expect(protocol.TypeChannelJoined)
	if joined.Channel != "dev-talk" {
		t.Fatalf("channel_joined: %+v", joined)
	}
}

func TestChannelJoinUnknown(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")

	alice.send(protocol.Message{Type: protocol.TypeChannelJoin, Channel: "nope"})
	e := alice.expect(protocol.TypeError)
	if e.Code != "not_found" || e.Message != "Channel 'nope' not found." {
		t.Fatalf("error: %+v", e)
	}
	// Still in general.
	alice.send(protocol.Message{Type: protocol.TypeMessage, Content: "still here"})
	msg := alice.expect(protocol.TypeMessage)
	if msg.Channel != "general" {
		t.Fatalf("channel = %q", msg.Channel)
	}
}

func TestUserList(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")
	bob := dial(t, srv)
	bob.register("bob", "secret1")

	alice.waitFor(protocol.TypeStatusChange)
	alice.send(protocol.Message{Type: protocol.TypeUserList})
	list := alice.expect(protocol.TypeUserList)
	if list.Channel != "general" || len(list.Users) != 2 {
		t.Fatalf("user_list: %+v", list)
	}
	// Sorted by username.
	if list.Users[0].Username != "alice" || list.Users[1].Username != "bob" {
		t.Fatalf("user_list order: %+v", list.Users)
	}
}

// ---------------------------------------------------------------------------
// Private messages
// ---------------------------------------------------------------------------

func TestPrivateMessage(t *testing.T) {
	srv, st := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")
	bob := dial(t, srv)
	bob.register("bob", "secret1")
	alice.waitFor(protocol.TypeStatusChange)

	before, err := st.CollectStats(context.Background())
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}

	// Recipient lookup is case-insensitive.
	alice.send(protocol.Message{Type: protocol.TypePrivateMessage, To: "BOB", Content: "psst"})

	got := bob.expect(protocol.TypePrivateMessage)
	if got.From != "alice" || got.Content != "psst" || got.To != "" {
		t.Fatalf("recipient frame: %+v", got)
	}
	echo := alice.expect(protocol.TypePrivateMessage)
	if echo.From != "alice" || echo.To != "BOB" || echo.Content != "psst" {
		t.Fatalf("sender echo: %+v", echo)
	}
	if echo.Timestamp != got.Timestamp {
		t.Fatal("echo and delivery carry different timestamps")
	}

	// Private messages are never persisted.
	after, err := st.CollectStats(context.Background())
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}
	if after.Messages != before.Messages {
		t.Fatalf("messages persisted: %d -> %d", before.Messages, after.Messages)
	}
}

func TestPrivateMessageOfflineUser(t *testing.T) {
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.register("alice", "secret1")

	alice.send(protocol.Message{Type: protocol.TypePrivateMessage, To: "ghost", Content: "anyone?"})
	e := alice.expect(protocol.TypeError)
	if e.Code != "not_found" || e.Message != "User 'ghost' not found or offline." {
		t.Fatalf("error: %+v", e)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestShutdownDropsConnections(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	srv := New(Config{Addr: "127.0.0.1:0", HashCost: bcrypt.MinCost}, st)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() { done <- srv.Run(ctx, ready) }()
	<-ready

	c := dial(t, srv)
	c.register("alice", "secret1")
	if n := srv.ClientCount(); n != 1 {
		t.Fatalf("ClientCount = %d", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(frameWait):
		t.Fatal("server did not shut down")
	}

	// Per-connection cleanup runs on the connection goroutines; give them a
	// moment to drain.
	deadline := time.Now().Add(frameWait)
	for srv.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount after shutdown = %d", srv.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestIdleConnectionDropped verifies that a connection producing no frames
// within the idle timeout is closed and announced like any other disconnect.
func TestIdleConnectionDropped(t *testing.T) {
	srv, _ := startServerWith(t, Config{IdleTimeout: 150 * time.Millisecond})

	alice := dial(t, srv)
	alice.register("alice", "secret1")
	bob := dial(t, srv)
	bob.register("bob", "secret1")
	alice.waitFor(protocol.TypeStatusChange) // drain bob's arrival

	// Keep alice's connection active while bob goes silent. Writes happen on
	// a separate goroutine, so failures are reported instead of Fatal'd.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		frame, err := protocol.Encode(protocol.Message{Type: protocol.TypeChannelList})
		if err != nil {
			t.Errorf("encode keepalive: %v", err)
			return
		}
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := alice.nc.Write(frame); err != nil {
					return
				}
			}
		}
	}()
	defer func() { close(stop); <-done }()

	left := alice.waitFor(protocol.TypeUserLeft)
	if left.Channel != "general" || left.Username != "bob" {
		t.Fatalf("user_left: %+v", left)
	}
	status := alice.waitFor(protocol.TypeStatusChange)
	if status.Username != "bob" || status.Status != "offline" {
		t.Fatalf("status_change: %+v", status)
	}

	// Bob's socket was closed server-side.
	_ = bob.nc.SetReadDeadline(time.Now().Add(frameWait))
	if _, err := bob.dec.Next(); err == nil {
		t.Fatal("expected bob's connection to be closed")
	}
}

func TestClientCountTracksDisconnects(t *testing.T) {
	srv, _ := startServer(t)

	c1 := dial(t, srv)
	c1.register("alice", "secret1")
	c2 := dial(t, srv)
	c2.register("bob", "secret1")

	c2.nc.Close()
	c1.waitFor(protocol.TypeUserLeft)

	// The departing connection is removed before its departure is broadcast.
	if n := srv.ClientCount(); n != 1 {
		t.Fatalf("ClientCount = %d, want 1", n)
	}
}
