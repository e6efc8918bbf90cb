package bus

import (
	"sync"
	"time"
)

// DedupeMode selects how inbound messages are checked for duplicates.
type DedupeMode string

const (
	// DedupeMessageID rejects a message whose provider message id was already
	// accepted for the session within the retention window. Protects against
	// channel-level redelivery (webhook retries, double-taps).
	DedupeMessageID DedupeMode = "message-id"
	// DedupePrompt rejects a message whose literal text equals the most
	// recently accepted prompt for the session within the window.
	DedupePrompt DedupeMode = "prompt"
	// DedupeNone accepts everything.
	DedupeNone DedupeMode = "none"
)

// DedupeCache tracks recently accepted messages per session so redeliveries
// and immediate repeats can be rejected. Retention is bounded both by TTL and
// by a hard entry cap (oldest evicted first) so a long-lived process never
// grows without bound. Safe for concurrent use.
type DedupeCache struct {
	ttl        time.Duration
	maxEntries int

	mu sync.Mutex

	// Accepted message ids, keyed "sessionKey|messageID".
	seen  map[string]time.Time
	order []string // insertion order for eviction

	// Most recently accepted prompt per session.
	lastPrompt map[string]promptRecord

	now func() time.Time // test hook
}

type promptRecord struct {
	text string
	at   time.Time
}

// NewDedupeCache creates a cache with the given retention TTL and entry cap.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
		lastPrompt: make(map[string]promptRecord),
		now:        time.Now,
	}
}

// ShouldAccept reports whether a message should be processed, and records it
// as accepted when it should. window bounds the prompt-repeat check; a zero
// window falls back to the cache TTL.
func (c *DedupeCache) ShouldAccept(mode DedupeMode, sessionKey, messageID, prompt string, window time.Duration) bool {
	switch mode {
	case DedupeMessageID:
		if messageID == "" {
			return true
		}
		return c.acceptMessageID(sessionKey + "|" + messageID)
	case DedupePrompt:
		if window <= 0 {
			window = c.ttl
		}
		return c.acceptPrompt(sessionKey, prompt, window)
	default:
		return true
	}
}

func (c *DedupeCache) acceptMessageID(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return false
	}

	c.seen[key] = now
	c.order = append(c.order, key)
	c.evictLocked(now)
	return true
}

func (c *DedupeCache) acceptPrompt(sessionKey, prompt string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if rec, ok := c.lastPrompt[sessionKey]; ok && rec.text == prompt && now.Sub(rec.at) < window {
		return false
	}

	c.lastPrompt[sessionKey] = promptRecord{text: prompt, at: now}
	if len(c.lastPrompt) > c.maxEntries {
		// Rare: drop expired prompt records to get back under the cap.
		for k, rec := range c.lastPrompt {
			if now.Sub(rec.at) >= window {
				delete(c.lastPrompt, k)
			}
		}
	}
	return true
}

// evictLocked drops expired entries, then oldest entries beyond the cap.
func (c *DedupeCache) evictLocked(now time.Time) {
	for len(c.order) > 0 {
		key := c.order[0]
		at, ok := c.seen[key]
		if !ok {
			c.order = c.order[1:]
			continue
		}
		if now.Sub(at) < c.ttl && len(c.seen) <= c.maxEntries {
			break
		}
		c.order = c.order[1:]
		delete(c.seen, key)
	}
}

// Len reports the number of tracked message ids (test/diagnostic use).
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
