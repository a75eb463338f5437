// Package cache holds precomputed word tables that are expensive to build
// and shared across transform invocations.
package cache

import "sync"

// TableCache stores word tables keyed by the parameters that produced them.
// Tables are copied on both sides of the boundary, so neither the producer
// nor a reader can mutate a cached entry.
type TableCache interface {
	Get(key string) ([]uint64, bool)
	Put(key string, table []uint64)
	Size() int
}

// MapCache is a mutex-guarded map implementation of TableCache.
type MapCache struct {
	mu   sync.RWMutex
	data map[string][]uint64
}

func NewMapCache() *MapCache {
	return &MapCache{data: make(map[string][]uint64)}
}

// Get returns a copy of the table stored under key.
func (c *MapCache) Get(key string) ([]uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tbl, ok := c.data[key]
	if !ok {
		return nil, false
	}
	out := make([]uint64, len(tbl))
	copy(out, tbl)
	return out, true
}

// Put stores a copy of table under key, replacing any earlier entry.
func (c *MapCache) Put(key string, table []uint64) {
	cp := make([]uint64, len(table))
	copy(cp, table)
	c.mu.Lock()
	c.data[key] = cp
	c.mu.Unlock()
}

// Size returns the number of cached tables.
func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
