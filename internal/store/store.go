// Package store provides durable persistence for users, channels, messages,
// and sessions, backed by an embedded SQLite database. It owns the database
// lifecycle and exposes the minimal API used by the rest of the server.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
)

// Sentinel errors returned by store operations.
var (
	// ErrConflict reports a uniqueness violation (username, channel name,
	// or session token).
	ErrConflict = errors.New("record already exists")

	// ErrNotFound reports a missing record (or an expired session).
	ErrNotFound = errors.New("record not found")
)

// SessionTTL is how long a minted session stays valid.
const SessionTTL = 24 * time.Hour

// DefaultChannel is seeded at first schema init and auto-joined on login.
const (
	DefaultChannel     = "general"
	defaultChannelDesc = "General discussion"
)

// SQLite extended result codes for constraint violations.
const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1. Timestamps are integer
// Unix milliseconds, always bound from Go.
var migrations = []string{
	// v1 — users, unique case-insensitively
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT    NOT NULL,
		created_at    INTEGER NOT NULL
	)`,
	// v2 — channels, unique case-insensitively; created_by NULL for seeds
	`CREATE TABLE IF NOT EXISTS channels (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT    NOT NULL UNIQUE COLLATE NOCASE,
		description TEXT    NOT NULL DEFAULT '',
		created_by  INTEGER REFERENCES users(id),
		created_at  INTEGER NOT NULL
	)`,
	// v3 — messages, append-only
	`CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		user_id    INTEGER NOT NULL REFERENCES users(id),
		content    TEXT    NOT NULL,
		msg_type   TEXT    NOT NULL DEFAULT 'message',
		created_at INTEGER NOT NULL
	)`,
	// v4 — chronological retrieval key for history
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_time
		ON messages(channel_id, created_at)`,
	// v5 — sessions keyed by opaque token
	`CREATE TABLE IF NOT EXISTS sessions (
		token      TEXT    PRIMARY KEY,
		user_id    INTEGER NOT NULL REFERENCES users(id),
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	// v6 — expiry sweep support
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
}

// Store wraps the SQLite database. Writes are serialized through writeMu;
// reads may proceed concurrently under WAL.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex

	now func() time.Time // overridable in tests
}

// Open opens (or creates) the database at path, applies pending migrations,
// and seeds the default channel. Use ":memory:" for ephemeral storage.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A ":memory:" database exists per connection; keep a single one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		return err
	}
	return s.seed(ctx)
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version exceeds the current maximum.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			v, s.now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// seed inserts the default channel if absent. Idempotent.
func (s *Store) seed(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels(name, description, created_at) VALUES(?, ?, ?)`,
		DefaultChannel, defaultChannelDesc, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("seed default channel: %w", err)
	}
	return nil
}

// isConflict reports whether err is a SQLite uniqueness violation.
func isConflict(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// User is a persisted account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUser inserts a new user and returns the stored record. Usernames are
// unique case-insensitively; a collision yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	createdAt := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password_hash, created_at) VALUES(?, ?, ?)`,
		username, passwordHash, createdAt,
	)
	if err != nil {
		if isConflict(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("user insert id: %w", err)
	}
	slog.Debug("user created", "user_id", id, "username", username)
	return User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.UnixMilli(createdAt).UTC(),
	}, nil
}

// UserByUsername looks a user up case-insensitively.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	var (
		u         User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ? COLLATE NOCASE`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return u, nil
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// Channel is a persisted channel. CreatedBy is zero for seed channels.
type Channel struct {
	ID          int64
	Name        string
	Description string
	CreatedBy   int64
	CreatedAt   time.Time
}

// CreateChannel inserts a new channel and returns the stored record. Names
// are unique case-insensitively; a collision yields ErrConflict. Pass
// createdBy=0 for channels without a creator.
func (s *Store) CreateChannel(ctx context.Context, name, description string, createdBy int64) (Channel, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	creator := sql.NullInt64{Int64: createdBy, Valid: createdBy != 0}
	createdAt := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(name, description, created_by, created_at) VALUES(?, ?, ?, ?)`,
		name, description, creator, createdAt,
	)
	if err != nil {
		if isConflict(err) {
			return Channel{}, ErrConflict
		}
		return Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Channel{}, fmt.Errorf("channel insert id: %w", err)
	}
	slog.Debug("channel created", "channel_id", id, "name", name)
	return Channel{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   time.UnixMilli(createdAt).UTC(),
	}, nil
}

// ChannelByName looks a channel up case-insensitively.
func (s *Store) ChannelByName(ctx context.Context, name string) (Channel, error) {
	var (
		ch        Channel
		creator   sql.NullInt64
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_by, created_at FROM channels WHERE name = ? COLLATE NOCASE`,
		name,
	).Scan(&ch.ID, &ch.Name, &ch.Description, &creator, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("query channel: %w", err)
	}
	ch.CreatedBy = creator.Int64
	ch.CreatedAt = time.UnixMilli(createdAt).UTC()
	return ch, nil
}

// ListChannels returns all channels ordered by name ascending.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_by, created_at FROM channels ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var (
			ch        Channel
			creator   sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Description, &creator, &createdAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.CreatedBy = creator.Int64
		ch.CreatedAt = time.UnixMilli(createdAt).UTC()
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// MessageRecord is a persisted chat message joined with the author's current
// username.
type MessageRecord struct {
	ID        int64
	ChannelID int64
	UserID    int64
	Username  string
	Content   string
	MsgType   string // "message" | "action"
	CreatedAt time.Time
}

// SaveMessage appends a message and returns the stored record. IDs are
// strictly increasing per the AUTOINCREMENT rowid.
func (s *Store) SaveMessage(ctx context.Context, channelID, userID int64, content, msgType string) (MessageRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	createdAt := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(channel_id, user_id, content, msg_type, created_at) VALUES(?, ?, ?, ?, ?)`,
		channelID, userID, content, msgType, createdAt,
	)
	if err != nil {
		return MessageRecord{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return MessageRecord{}, fmt.Errorf("message insert id: %w", err)
	}
	return MessageRecord{
		ID:        id,
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		MsgType:   msgType,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
	}, nil
}

// MessageHistory returns the last limit messages for a channel in
// chronological (ascending) order, each joined with the author's username.
func (s *Store) MessageHistory(ctx context.Context, channelID int64, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.channel_id, m.user_id, u.username, m.content, m.msg_type, m.created_at
FROM messages m
JOIN users u ON u.id = m.user_id
WHERE m.channel_id = ?
ORDER BY m.created_at DESC, m.id DESC
LIMIT ?`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query message history: %w", err)
	}
	defer rows.Close()

	var msgs []MessageRecord
	for rows.Next() {
		var (
			m         MessageRecord
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Username, &m.Content, &m.MsgType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSession stores a session token with expiry now + SessionTTL. A token
// collision yields ErrConflict; callers retry with a fresh token.
func (s *Store) CreateSession(ctx context.Context, token string, userID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token, user_id, created_at, expires_at) VALUES(?, ?, ?, ?)`,
		token, userID, now.UnixMilli(), now.Add(SessionTTL).UnixMilli(),
	)
	if err != nil {
		if isConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ValidateSession returns the user id for a token iff it exists and has not
// expired. Tokens are not extended on use. Unknown and expired tokens both
// yield ErrNotFound.
func (s *Store) ValidateSession(ctx context.Context, token string) (int64, error) {
	var (
		userID    int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE token = ?`,
		token,
	).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query session: %w", err)
	}
	if s.now().UnixMilli() >= expiresAt {
		return 0, ErrNotFound
	}
	return userID, nil
}

// DeleteExpiredSessions removes sessions past their expiry and returns how
// many were deleted.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Admin helpers
// ---------------------------------------------------------------------------

// Stats summarizes table sizes for the status CLI and HTTP API.
type Stats struct {
	Users    int64 `json:"users"`
	Channels int64 `json:"channels"`
	Messages int64 `json:"messages"`
	Sessions int64 `json:"sessions"`
}

// CollectStats counts rows in each table.
func (s *Store) CollectStats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, c := range []struct {
		table string
		dst   *int64
	}{
		{"users", &st.Users},
		{"channels", &st.Channels},
		{"messages", &st.Messages},
		{"sessions", &st.Sessions},
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return st, nil
}

// Backup copies the database to destPath via SQLite's VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	return err
}
