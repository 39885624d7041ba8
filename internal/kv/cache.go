package kv

import (
	"context"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of keys kept by NewCached when size <= 0.
const DefaultCacheSize = 256

type cacheEntry struct {
	value  []byte
	exists bool
}

// Cached is a read-through LRU cache in front of another Adapter.
// Writes go to the backing store first and update the cache only on success.
type Cached struct {
	next     Adapter
	cache    *lru.Cache[string, cacheEntry]
	uncached map[string]bool
}

// NewCached wraps next with an LRU cache holding up to size keys.
// Reads of the uncached keys always go to next, so a value read back after a
// write reflects what the backing store kept.
func NewCached(next Adapter, size int, uncached ...string) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	c := &Cached{next: next, cache: cache, uncached: make(map[string]bool, len(uncached))}
	for _, key := range uncached {
		c.uncached[key] = true
	}
	return c, nil
}

// Get implements Adapter. Misses, including absent keys, are cached.
func (c *Cached) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.uncached[key] {
		return c.next.Get(ctx, key)
	}
	if e, ok := c.cache.Get(key); ok {
		return slices.Clone(e.value), e.exists, nil
	}
	v, ok, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.add(key, cacheEntry{value: slices.Clone(v), exists: ok})
	return v, ok, nil
}

// Set implements Adapter.
func (c *Cached) Set(ctx context.Context, key string, value []byte) error {
	if err := c.next.Set(ctx, key, value); err != nil {
		c.cache.Remove(key)
		return err
	}
	c.add(key, cacheEntry{value: slices.Clone(value), exists: true})
	return nil
}

// Delete implements Adapter.
func (c *Cached) Delete(ctx context.Context, key string) error {
	if err := c.next.Delete(ctx, key); err != nil {
		c.cache.Remove(key)
		return err
	}
	c.add(key, cacheEntry{exists: false})
	return nil
}

// Apply implements Adapter.
func (c *Cached) Apply(ctx context.Context, ops ...Op) error {
	if err := c.next.Apply(ctx, ops...); err != nil {
		for _, op := range ops {
			c.cache.Remove(op.Key)
		}
		return err
	}
	for _, op := range ops {
		if op.Delete {
			c.add(op.Key, cacheEntry{exists: false})
			continue
		}
		c.add(op.Key, cacheEntry{value: slices.Clone(op.Value), exists: true})
	}
	return nil
}

func (c *Cached) add(key string, e cacheEntry) {
	if !c.uncached[key] {
		c.cache.Add(key, e)
	}
}
