package chat

import (
	"sync"
	"time"
)

// senderLimiter is a sliding-window rate limiter keyed by sender id.
// Idle sender keys are swept lazily, at most once per interval, so the
// map stays bounded by the recently active senders.
type senderLimiter struct {
	mu        sync.Mutex
	history   map[string][]time.Time
	limit     int
	interval  time.Duration
	lastSweep time.Time
}

func newSenderLimiter(limit int, interval time.Duration) *senderLimiter {
	return &senderLimiter{
		history:   make(map[string][]time.Time),
		limit:     limit,
		interval:  interval,
		lastSweep: time.Now(),
	}
}

func (l *senderLimiter) Allow(senderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-l.interval)

	if now.Sub(l.lastSweep) > l.interval {
		l.sweep(windowStart)
		l.lastSweep = now
	}

	attempts := l.history[senderID]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= l.limit {
		l.history[senderID] = fresh
		return false
	}

	fresh = append(fresh, now)
	l.history[senderID] = fresh
	return true
}

// sweep runs with l.mu held.
func (l *senderLimiter) sweep(windowStart time.Time) {
	for id, attempts := range l.history {
		live := attempts[:0]
		for _, t := range attempts {
			if t.After(windowStart) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(l.history, id)
			continue
		}
		l.history[id] = live
	}
}
