// Package ratelimit implements a continuous sliding-window counter keyed
// by origin, used to throttle unauthenticated registration attempts.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most count events per origin within a trailing window.
// The window is continuous, not bucketed: an attempt is admitted when fewer
// than count attempts happened in the last window duration.
type Limiter struct {
	count  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

func New(count int, window time.Duration) *Limiter {
	return &Limiter{
		count:   count,
		window:  window,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Allow records an attempt for origin and reports whether it is admitted.
// Denied attempts are not recorded, so a flood does not extend its own
// penalty window.
func (l *Limiter) Allow(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.history[origin][:0]
	for _, t := range l.history[origin] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.count {
		l.history[origin] = kept
		return false
	}
	l.history[origin] = append(kept, now)
	return true
}

// Prune drops origins whose every recorded attempt has aged out. Callers
// may run this periodically to bound memory on long uptimes.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for origin, times := range l.history {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.history, origin)
		}
	}
}
