// Package channels holds gateway-side policy for the channel adapters that
// feed the message bus: per-sender rate limiting applied before a message
// reaches the run queue.
package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedSenders caps the number of tracked limiter keys to prevent
// memory exhaustion from attackers rotating sender ids.
const maxTrackedSenders = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SenderRateLimiter bounds the per-sender inbound message rate with a token
// bucket per sender key. Safe for concurrent use.
type SenderRateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

// NewSenderRateLimiter allows rpm messages per minute per key, with a burst
// of rpm/4 (at least 1). rpm <= 0 disables limiting.
func NewSenderRateLimiter(rpm int) *SenderRateLimiter {
	r := &SenderRateLimiter{entries: make(map[string]*limiterEntry)}
	if rpm > 0 {
		r.limit = rate.Limit(float64(rpm) / 60.0)
		r.burst = rpm / 4
		if r.burst < 1 {
			r.burst = 1
		}
	}
	return r
}

// Allow reports whether the key is within its rate limit. It prunes idle
// entries when the tracked-key cap is reached.
func (r *SenderRateLimiter) Allow(key string) bool {
	if r.limit == 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.entries) >= maxTrackedSenders {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) >= time.Minute {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedSenders {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}
