package identity

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the existence cache.
const DefaultCacheSize = 10000

// ExistsFunc returns the subset of ids that already exist in the graph.
type ExistsFunc func(ctx context.Context, ids []string) (map[string]bool, error)

// Cache remembers ids known to exist in the graph from earlier runs, so that
// relationship facts pointing at them are not treated as dangling. Only
// positive answers are cached.
type Cache struct {
	lru    *lru.Cache[string, struct{}]
	lookup ExistsFunc

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a Cache of the given size backed by lookup.
func NewCache(size int, lookup ExistsFunc) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	l, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	return &Cache{lru: l, lookup: lookup}, nil
}

// Known returns the subset of ids that exist in the graph.
func (c *Cache) Known(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	var missing []string
	for _, id := range ids {
		if c.lru.Contains(id) {
			c.hits.Add(1)
			out[id] = true
			continue
		}
		c.misses.Add(1)
		missing = append(missing, id)
	}
	if len(missing) == 0 || c.lookup == nil {
		return out, nil
	}
	found, err := c.lookup(ctx, missing)
	if err != nil {
		return out, fmt.Errorf("identity cache lookup: %w", err)
	}
	for id, ok := range found {
		if ok {
			c.lru.Add(id, struct{}{})
			out[id] = true
		}
	}
	return out, nil
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
