package driver

import (
	"sync"
	"time"
)

// ErrorThrottle rate-limits per-tag failure logging to one entry per
// window, so a dead device does not flood the debug log on every poll.
type ErrorThrottle struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[int64]time.Time
}

// NewErrorThrottle creates a throttle with the given window. A zero
// window defaults to 30 seconds.
func NewErrorThrottle(window time.Duration) *ErrorThrottle {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &ErrorThrottle{window: window, seen: make(map[int64]time.Time)}
}

// Allow reports whether a failure for tagID should be logged now.
func (t *ErrorThrottle) Allow(tagID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.seen[tagID]; ok && now.Sub(last) < t.window {
		return false
	}
	t.seen[tagID] = now
	return true
}

// Reset clears the throttle, typically after a reconnect.
func (t *ErrorThrottle) Reset() {
	t.mu.Lock()
	t.seen = make(map[int64]time.Time)
	t.mu.Unlock()
}
