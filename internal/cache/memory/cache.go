// Package memory provides an in-process TTL cache for search results.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/selfsearch/internal/clock/system"
	"github.com/JakeFAU/selfsearch/internal/crawler"
)

type entry struct {
	results   []crawler.SearchResult
	expiresAt time.Time
}

// Cache implements crawler.SearchCache with lazy expiry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   crawler.Clock
}

var _ crawler.SearchCache = (*Cache)(nil)

// New creates an empty cache.
func New(clock crawler.Clock) *Cache {
	if clock == nil {
		clock = system.New()
	}
	return &Cache{entries: make(map[string]entry), clock: clock}
}

// Get returns the unexpired results stored under key.
func (c *Cache) Get(_ context.Context, key string) ([]crawler.SearchResult, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return append([]crawler.SearchResult(nil), e.results...), true, nil
}

// Set overwrites key with results for ttl.
func (c *Cache) Set(_ context.Context, key string, results []crawler.SearchResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		results:   append([]crawler.SearchResult(nil), results...),
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Invalidate empties the cache.
func (c *Cache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	return nil
}
