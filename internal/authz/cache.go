package authz

import (
	"sync"
	"time"

	"github.com/loupe-ai/loupe/internal/model"
)

// RoleCache is a short-TTL in-memory cache for user role lookups.
// It eliminates a DB query per request: tokens carry the role at issue
// time, but role changes and user deletions must take effect before the
// token expires, so every request re-checks the stored role through here.
//
// Key: the JWT subject (user UUID as a string).
type RoleCache struct {
	mu      sync.RWMutex
	entries map[string]cachedRole
	ttl     time.Duration
	done    chan struct{}
}

type cachedRole struct {
	role      model.UserRole
	expiresAt time.Time
}

// NewRoleCache creates a new cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewRoleCache(ttl time.Duration) *RoleCache {
	c := &RoleCache{
		entries: make(map[string]cachedRole),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached role and true if a valid entry exists.
// Returns "", false on miss or expiry.
func (c *RoleCache) Get(key string) (model.UserRole, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.role, true
}

// Set stores a role with the configured TTL.
func (c *RoleCache) Set(key string, role model.UserRole) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedRole{
		role:      role,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes a single cached role. Call after a role change or
// user deletion so the next request re-reads from the database.
func (c *RoleCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Close stops the background eviction goroutine.
func (c *RoleCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *RoleCache) evictLoop() {
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

func (c *RoleCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
