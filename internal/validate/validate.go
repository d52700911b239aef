// Package validate holds the pure input predicates and the content
// sanitizer shared by the auth and chat paths. Every validator returns
// (ok, human-readable reason) and has no side effects.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Validation limits. Lengths count characters, not bytes.
const (
	UsernameMinLen = 3
	UsernameMaxLen = 20
	PasswordMinLen = 6
	MessageMaxLen  = 2000
	ChannelMinLen  = 2
	ChannelMaxLen  = 30
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	channelRe  = regexp.MustCompile(`^[a-z0-9\-]+$`)
)

// Username checks a username against the registration rules.
func Username(username string) (bool, string) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, "Username cannot be empty."
	}
	if utf8.RuneCountInString(username) < UsernameMinLen {
		return false, fmt.Sprintf("Username must be at least %d characters.", UsernameMinLen)
	}
	if utf8.RuneCountInString(username) > UsernameMaxLen {
		return false, fmt.Sprintf("Username must be at most %d characters.", UsernameMaxLen)
	}
	if !usernameRe.MatchString(username) {
		return false, "Username can only contain letters, numbers, and underscores."
	}
	return true, ""
}

// Password checks a password against the minimum-length rule.
func Password(password string) (bool, string) {
	if password == "" {
		return false, "Password cannot be empty."
	}
	if utf8.RuneCountInString(password) < PasswordMinLen {
		return false, fmt.Sprintf("Password must be at least %d characters.", PasswordMinLen)
	}
	return true, ""
}

// MessageContent checks a chat message body.
func MessageContent(content string) (bool, string) {
	if strings.TrimSpace(content) == "" {
		return false, "Message cannot be empty."
	}
	if utf8.RuneCountInString(content) > MessageMaxLen {
		return false, fmt.Sprintf("Message must be at most %d characters.", MessageMaxLen)
	}
	return true, ""
}

// ChannelName checks a channel name after trim+lowercase normalization.
func ChannelName(name string) (bool, string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false, "Channel name cannot be empty."
	}
	if utf8.RuneCountInString(name) < ChannelMinLen {
		return false, fmt.Sprintf("Channel name must be at least %d characters.", ChannelMinLen)
	}
	if utf8.RuneCountInString(name) > ChannelMaxLen {
		return false, fmt.Sprintf("Channel name must be at most %d characters.", ChannelMaxLen)
	}
	if !channelRe.MatchString(name) {
		return false, "Channel name can only contain lowercase letters, numbers, and hyphens."
	}
	return true, ""
}

// Sanitize strips control characters other than newline and tab. It is
// idempotent and applied after validation, before persistence and broadcast.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
