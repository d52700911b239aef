// Package registry tracks which usernames are currently joined to which
// channel. It is authoritative for live presence only; persistence lives in
// the store.
package registry

import (
	"sort"
	"sync"
)

// Registry maps channel name → set of usernames. A username is a member of
// at most one channel at a time; Join enforces this by removing the user
// from any previous channel. Empty sets are pruned.
type Registry struct {
	mu       sync.Mutex
	channels map[string]map[string]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{channels: make(map[string]map[string]struct{})}
}

// Join adds username to channel, removing it from any other channel first.
func (r *Registry) Join(username, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(username)
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[string]struct{})
		r.channels[channel] = set
	}
	set[username] = struct{}{}
}

// Leave removes username from channel, pruning the channel entry if it
// becomes empty. Leaving a channel the user is not in is a no-op.
func (r *Registry) Leave(username, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(set, username)
	if len(set) == 0 {
		delete(r.channels, channel)
	}
}

// RemoveUser removes username from whichever channel it is in.
func (r *Registry) RemoveUser(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(username)
}

func (r *Registry) removeLocked(username string) {
	for channel, set := range r.channels {
		if _, ok := set[username]; ok {
			delete(set, username)
			if len(set) == 0 {
				delete(r.channels, channel)
			}
		}
	}
}

// Users returns the members of channel sorted by username.
func (r *Registry) Users(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.channels[channel]
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// UserChannel returns the channel username is currently in, if any.
func (r *Registry) UserChannel(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for channel, set := range r.channels {
		if _, ok := set[username]; ok {
			return channel, true
		}
	}
	return "", false
}

// Snapshot returns a copy of the full membership map, members sorted.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.channels))
	for channel, set := range r.channels {
		users := make([]string, 0, len(set))
		for u := range set {
			users = append(users, u)
		}
		sort.Strings(users)
		out[channel] = users
	}
	return out
}
