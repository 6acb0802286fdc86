package pipeline

import (
	"sync"

	"github.com/umputun/chatwarden/pkg/domain"
)

// Cache memoizes per-identity moderation decisions for the lifetime of the
// observing session. Entries never expire and are populated only from
// classifier responses.
type Cache struct {
	mu        sync.RWMutex
	decisions map[domain.Identity]domain.Decision
}

// NewCache creates an empty decision cache
func NewCache() *Cache {
	return &Cache{decisions: make(map[domain.Identity]domain.Decision)}
}

// Get returns the cached decision for an identity
func (c *Cache) Get(identity domain.Identity) (domain.Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.decisions[identity]
	return d, ok
}

// Set stores a decision, replacing any previous one for the identity
func (c *Cache) Set(d domain.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions[d.Identity] = d
}

// Delete removes a cached decision, used on explicit unblock
func (c *Cache) Delete(identity domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.decisions, identity)
}

// Len returns the number of cached decisions
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.decisions)
}
