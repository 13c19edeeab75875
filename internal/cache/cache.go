// Package cache provides the keyed store of decoded tiles.
package cache

import (
	"errors"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/cubetiles/engine/internal/tile"
	"github.com/cubetiles/engine/pkg/metrics"
)

// ErrConflictingStore signals a duplicate store with different content for
// the same address. That is a programming error, never a silent overwrite:
// a decoded tile is immutable and re-fetch requires eviction first.
var ErrConflictingStore = errors.New("conflicting store for cached tile address")

// Config controls the retention policy.
type Config struct {
	// MaxEntries bounds the cache when positive. Zero keeps the default
	// policy: unbounded retention for the viewer session, trading memory
	// for avoided network round trips. Deliberate and user-overridable.
	MaxEntries int
}

// TileCache owns every decoded tile. Entries are created exactly once per
// address on first store and live until eviction; last access is tracked
// for the optional LRU policy. All mutation goes through one mutex, which
// is the required exclusion boundary around cache state.
type TileCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[tile.Address, *tile.Decoded]
}

// New creates a tile cache with the given policy.
func New(cfg Config) (*TileCache, error) {
	size := cfg.MaxEntries
	if size <= 0 {
		size = math.MaxInt
	}
	lru, err := simplelru.NewLRU[tile.Address, *tile.Decoded](size, func(tile.Address, *tile.Decoded) {
		metrics.CacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	return &TileCache{lru: lru}, nil
}

// Lookup returns the cached tile for an address, if present, and refreshes
// its recency.
func (c *TileCache) Lookup(addr tile.Address) (*tile.Decoded, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.lru.Get(addr)
	if ok {
		metrics.CacheHits.Inc()
	} else {
		metrics.CacheMisses.Inc()
	}
	return d, ok
}

// Contains reports presence without touching recency.
func (c *TileCache) Contains(addr tile.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(addr)
}

// Store inserts a decoded tile. A duplicate store of identical content is a
// no-op; a duplicate store with different content returns
// ErrConflictingStore and leaves the first entry untouched.
func (c *TileCache) Store(addr tile.Address, d *tile.Decoded) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.lru.Peek(addr); ok {
		if existing.ContentEqual(d) {
			return nil
		}
		return ErrConflictingStore
	}
	c.lru.Add(addr, d)
	metrics.CacheStores.Inc()
	return nil
}

// Len returns the number of cached tiles.
func (c *TileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// EvictAll drops every entry. Used at viewer shutdown and by explicit
// cache-clear requests.
func (c *TileCache) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// EvictLeastRecentlyUsed removes least-recently-used entries until at most
// targetSize remain.
func (c *TileCache) EvictLeastRecentlyUsed(targetSize int) {
	if targetSize < 0 {
		targetSize = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.lru.Len() > targetSize {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			return
		}
	}
}
