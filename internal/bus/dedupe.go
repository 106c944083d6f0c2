package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers message IDs we have already accepted so channel
// reconnects and provider redeliveries do not produce double turns.
// Entries expire after ttl; when the cache is full the oldest insertion is
// evicted first.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	seen    map[string]time.Time
	order   []string
	nowFunc func() time.Time
}

// NewDedupeCache creates a cache with the given TTL and max entry count.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		seen:    make(map[string]time.Time, max/4),
		nowFunc: time.Now,
	}
}

// IsDuplicate records key and reports whether it was already present and
// unexpired. A single call both checks and marks.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if _, ok := c.seen[key]; !ok {
		c.order = append(c.order, key)
	}
	c.seen[key] = now

	c.pruneLocked(now)
	return false
}

// Len reports live entries. Expired-but-unpruned entries are not counted.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	n := 0
	for _, at := range c.seen {
		if now.Sub(at) < c.ttl {
			n++
		}
	}
	return n
}

func (c *DedupeCache) pruneLocked(now time.Time) {
	// Drop expired heads, then enforce the cap oldest-first.
	i := 0
	for i < len(c.order) {
		key := c.order[i]
		at, ok := c.seen[key]
		if ok && now.Sub(at) < c.ttl && len(c.order)-i <= c.max {
			break
		}
		if ok {
			delete(c.seen, key)
		}
		i++
	}
	if i > 0 {
		c.order = append(c.order[:0], c.order[i:]...)
	}
}
