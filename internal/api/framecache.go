package api

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/cubetiles/engine/internal/tile"
)

// FrameCacheConfig contains frame cache configuration.
type FrameCacheConfig struct {
	SizeMB int
	TTL    time.Duration
}

// FrameCache keeps encoded wire frames so repeated requests for the same
// tile skip sampling and compression entirely.
type FrameCache struct {
	frames *bigcache.BigCache
}

// NewFrameCache creates the encoded-frame cache.
func NewFrameCache(cfg FrameCacheConfig) (*FrameCache, error) {
	bcConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.TTL,
		CleanWindow:        cfg.TTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.SizeMB,
		Verbose:            false,
	}

	frames, err := bigcache.New(context.Background(), bcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}
	return &FrameCache{frames: frames}, nil
}

// Get retrieves an encoded frame.
func (c *FrameCache) Get(addr tile.Address) ([]byte, bool) {
	data, err := c.frames.Get(addr.String())
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores an encoded frame.
func (c *FrameCache) Set(addr tile.Address, frame []byte) error {
	return c.frames.Set(addr.String(), frame)
}

// Stats returns cache statistics.
func (c *FrameCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frame_cache_len": c.frames.Len(),
		"frame_cache_cap": c.frames.Capacity(),
	}
}

// Close closes the frame cache.
func (c *FrameCache) Close() error {
	return c.frames.Close()
}
