// Package ratelimit provides per-user request admission using a fixed
// window counter with full-window reset.
package ratelimit

import (
	"sync"
	"time"
)

// window tracks request timestamps for one user within the current window.
type window struct {
	start    time.Time
	requests []time.Time
	lastSeen time.Time
}

// Info contains the outcome of an admission check.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter manages admission windows for multiple users.
//
// Unlike a token bucket there is no gradual refill: once the window
// duration has elapsed since the window started, the whole window resets
// and the user's full quota is available again.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	config  *Config

	// now is the clock source; replaced in tests for determinism.
	now func() time.Time

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
}

// NewLimiter creates a new limiter with the given configuration.
// A nil config uses defaults (5 requests per 60 seconds).
func NewLimiter(config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}

	l := &Limiter{
		windows: make(map[string]*window),
		config:  config,
		now:     time.Now,
	}

	if config.Enabled && config.CleanupInterval > 0 {
		l.cleanupTicker = time.NewTicker(config.CleanupInterval)
		l.cleanupStop = make(chan struct{})
		go l.cleanupLoop()
	}

	return l
}

// Allow checks whether a request from userID is admitted right now.
// Admitted requests are counted against the user's window.
func (l *Limiter) Allow(userID string) (bool, Info) {
	if !l.config.Enabled {
		return true, Info{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.windows[userID]
	if !exists {
		w = &window{start: now}
		l.windows[userID] = w
	}
	w.lastSeen = now

	// Full reset once the window has elapsed. Not per-timestamp eviction:
	// the whole quota comes back at once.
	if now.Sub(w.start) > l.config.Window {
		w.requests = w.requests[:0]
		w.start = now
	}

	if len(w.requests) >= l.config.Limit {
		retryAfter := l.config.Window - now.Sub(w.start)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, Info{
			Allowed:    false,
			Limit:      l.config.Limit,
			Remaining:  0,
			RetryAfter: retryAfter,
		}
	}

	w.requests = append(w.requests, now)
	return true, Info{
		Allowed:   true,
		Limit:     l.config.Limit,
		Remaining: l.config.Limit - len(w.requests),
	}
}

// Usage returns the number of admitted requests in userID's current window
// without consuming quota.
func (l *Limiter) Usage(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[userID]
	if !exists {
		return 0
	}
	if l.now().Sub(w.start) > l.config.Window {
		return 0
	}
	return len(w.requests)
}

// Limit returns the configured per-window request ceiling.
func (l *Limiter) Limit() int {
	return l.config.Limit
}

// cleanupLoop periodically drops windows for users that have gone quiet.
func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanupWindows()
		case <-l.cleanupStop:
			return
		}
	}
}

// cleanupWindows removes entries not seen for over an hour.
func (l *Limiter) cleanupWindows() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-1 * time.Hour)
	for userID, w := range l.windows {
		if w.lastSeen.Before(cutoff) {
			delete(l.windows, userID)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	if l.cleanupTicker != nil {
		l.cleanupTicker.Stop()
	}
	if l.cleanupStop != nil {
		close(l.cleanupStop)
	}
}
