// Package postgres stores cached search results in the search_cache table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/selfsearch/internal/clock/system"
	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/storage/postgres"
)

// Cache implements crawler.SearchCache with JSON values and an expiry column.
type Cache struct {
	pool  postgres.Pool
	clock crawler.Clock
}

var _ crawler.SearchCache = (*Cache)(nil)

// New constructs a cache over pool.
func New(pool postgres.Pool, clock crawler.Clock) (*Cache, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &Cache{pool: pool, clock: clock}, nil
}

// Get returns the unexpired value stored under key.
func (c *Cache) Get(ctx context.Context, key string) ([]crawler.SearchResult, bool, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, `SELECT value FROM search_cache WHERE key = $1 AND expires_at > $2`,
		key, c.clock.Now()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache %q: %w", key, err)
	}
	var results []crawler.SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, false, fmt.Errorf("decode cache %q: %w", key, err)
	}
	return results, true, nil
}

// Set upserts key with results for ttl.
func (c *Cache) Set(ctx context.Context, key string, results []crawler.SearchResult, ttl time.Duration) error {
	if results == nil {
		results = []crawler.SearchResult{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode cache %q: %w", key, err)
	}
	_, err = c.pool.Exec(ctx, `
INSERT INTO search_cache (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, string(raw), c.clock.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("write cache %q: %w", key, err)
	}
	return nil
}

// Purge deletes expired entries and reports how many were removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM search_cache WHERE expires_at <= $1`, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Invalidate deletes every entry.
func (c *Cache) Invalidate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM search_cache`); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}
