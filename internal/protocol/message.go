// Package protocol defines the wire protocol: the JSON message envelope
// exchanged between client and server, and the length-prefixed frame codec
// that carries it over a byte stream.
package protocol

// Client → server message types.
const (
	TypeAuthRegister   = "auth_register"
	TypeAuthLogin      = "auth_login"
	TypeChannelJoin    = "channel_join"
	TypeChannelLeave   = "channel_leave"
	TypeChannelCreate  = "channel_create"
	TypeChannelList    = "channel_list"
	TypeMessage        = "message"
	TypePrivateMessage = "private_message"
	TypeAction         = "action"
	TypeUserList       = "user_list"
)

// Server → client message types.
const (
	TypeAuthResult     = "auth_result"
	TypeChannelInfo    = "channel_info"
	TypeChannelJoined  = "channel_joined"
	TypeChannelCreated = "channel_created"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeStatusChange   = "status_change"
	TypeError          = "error"
	TypeSystem         = "system"
)

// Message is the JSON envelope for every frame on the wire. Type is the
// discriminator; every other field is populated only for the types that use
// it. Receivers must ignore fields they do not understand.
type Message struct {
	Type string `json:"type"`

	// auth_register / auth_login / auth_result
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Success  *bool  `json:"success,omitempty"`
	Token    string `json:"token,omitempty"`
	Error    string `json:"error,omitempty"`

	// channel_* / message / action / user_* (channel name)
	Channel string `json:"channel,omitempty"`

	// channel_create
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// channel_info / channel_joined
	Channels []ChannelInfo  `json:"channels,omitempty"`
	History  []HistoryEntry `json:"history,omitempty"`
	Users    []UserStatus   `json:"users,omitempty"`

	// message / private_message / action
	Content   string `json:"content,omitempty"`
	Sender    string `json:"sender,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Timestamp string `json:"timestamp,omitempty"` // RFC 3339 UTC
	ID        int64  `json:"id,omitempty"`        // server-assigned message id

	// status_change
	Status string `json:"status,omitempty"` // "online" | "offline"

	// error / system
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ChannelCreated is the channel_created frame. Unlike every other frame its
// channel field is an object, not a name string, so it gets its own envelope.
type ChannelCreated struct {
	Type    string      `json:"type"`
	Channel ChannelInfo `json:"channel"`
}

// ChannelJoined is the channel_joined frame. History and users are always
// present on the wire, as empty arrays when the channel has no messages or
// members; senders must pass non-nil slices.
type ChannelJoined struct {
	Type    string         `json:"type"`
	Channel string         `json:"channel"`
	History []HistoryEntry `json:"history"`
	Users   []UserStatus   `json:"users"`
}

// ChannelInfo is a channel snapshot carried by channel_info and
// channel_created frames.
type ChannelInfo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// HistoryEntry is one persisted message replayed inside a channel_joined
// frame, oldest first.
type HistoryEntry struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	MsgType   string `json:"msg_type"` // "message" | "action"
	Timestamp string `json:"timestamp"`
}

// UserStatus is one member of a channel as reported by channel_joined and
// user_list frames.
type UserStatus struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}
