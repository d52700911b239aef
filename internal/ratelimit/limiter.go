// Package ratelimit implements the per-connection sliding-window limiter
// applied to chat-producing operations.
package ratelimit

import "time"

// Defaults for chat operations: 5 events per 1-second window.
const (
	DefaultMaxEvents = 5
	DefaultWindow    = time.Second
)

// Limiter is a sliding-window counter. It is owned by a single connection
// and is not safe for concurrent use.
type Limiter struct {
	maxEvents int
	window    time.Duration
	events    []time.Time

	now func() time.Time // overridable in tests
}

// New returns a limiter admitting at most maxEvents per window. Non-positive
// arguments fall back to the defaults.
func New(maxEvents int, window time.Duration) *Limiter {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{maxEvents: maxEvents, window: window, now: time.Now}
}

// Allow reports whether another event is admitted right now. Admitted events
// are recorded; denied ones are not. Comparisons use the monotonic clock
// carried by time.Time.
func (l *Limiter) Allow() bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events = kept

	if len(l.events) >= l.maxEvents {
		return false
	}
	l.events = append(l.events, now)
	return true
}
