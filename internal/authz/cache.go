package authz

import (
	"sync"
	"time"
)

// DecisionCache is a short-TTL in-memory cache of positive permission
// decisions. Grants are monotonic within a run, so only allows are cached;
// a deny always goes back to the store.
//
// Key: "agent_id|resource_type|resource_id".
type DecisionCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
	done    chan struct{}
}

// NewDecisionCache creates a new cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewDecisionCache(ttl time.Duration) *DecisionCache {
	c := &DecisionCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Allowed reports whether a live allow is cached for key.
func (c *DecisionCache) Allowed(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	expiresAt, ok := c.entries[key]
	return ok && time.Now().Before(expiresAt)
}

// Allow caches an allow for key with the configured TTL.
func (c *DecisionCache) Allow(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = time.Now().Add(c.ttl)
}

// Close stops the background eviction goroutine.
func (c *DecisionCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *DecisionCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *DecisionCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}
}
