package multiplexer

import (
	"sync"
	"time"
)

// contentCache provides a TTL-based cache for pane content to reduce
// redundant tmux capture-pane invocations when polling during a short burst
// (e.g. rendering status repeatedly while an agent is mid-turn).
type contentCache struct {
	mu         sync.RWMutex
	content    string
	lastUpdate time.Time
	ttl        time.Duration
}

// newContentCache creates a new content cache with the specified TTL.
func newContentCache(ttl time.Duration) *contentCache {
	return &contentCache{
		ttl: ttl,
	}
}

// Get returns the cached content and whether it's still valid.
func (c *contentCache) Get() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastUpdate.IsZero() {
		return "", false
	}
	if time.Since(c.lastUpdate) > c.ttl {
		return "", false
	}
	return c.content, true
}

// Set updates the cached content with a new value.
func (c *contentCache) Set(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.content = content
	c.lastUpdate = time.Now()
}

// Invalidate clears the cache, forcing the next Get to return invalid.
func (c *contentCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastUpdate = time.Time{}
}
