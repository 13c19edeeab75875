package cache

import (
	"errors"
	"testing"

	"github.com/cubetiles/engine/internal/tile"
)

func addr(x uint32) tile.Address {
	return tile.Address{Cube: "demo", Param: "temp", Face: tile.FaceFront, X: x, Zoom: 2}
}

func filledTile(t *testing.T, v float32) *tile.Decoded {
	t.Helper()
	samples := make([]float32, tile.SamplesPerTile)
	for i := range samples {
		samples[i] = v
	}
	d, err := tile.NewDecoded(samples)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return d
}

func TestStoreAndLookup(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := addr(0)
	if _, ok := c.Lookup(a); ok {
		t.Fatalf("lookup on empty cache succeeded")
	}

	d := filledTile(t, 1.5)
	if err := c.Store(a, d); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	got, ok := c.Lookup(a)
	if !ok {
		t.Fatalf("stored tile not found")
	}
	if !got.ContentEqual(d) {
		t.Fatalf("cached tile differs from stored tile")
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestDuplicateStore(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := addr(0)

	if err := c.Store(a, filledTile(t, 1.5)); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	t.Run("identicalContentIsNoOp", func(t *testing.T) {
		if err := c.Store(a, filledTile(t, 1.5)); err != nil {
			t.Fatalf("identical duplicate store failed: %v", err)
		}
		if c.Len() != 1 {
			t.Fatalf("len = %d, want 1", c.Len())
		}
	})

	t.Run("conflictingContentIsRejected", func(t *testing.T) {
		if err := c.Store(a, filledTile(t, 2.5)); !errors.Is(err, ErrConflictingStore) {
			t.Fatalf("expected ErrConflictingStore, got %v", err)
		}
		// The first entry must survive.
		got, ok := c.Lookup(a)
		if !ok || got.Samples[0] != 1.5 {
			t.Fatalf("original entry was disturbed")
		}
	})
}

func TestEvictAll(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := uint32(0); i < 4; i++ {
		if err := c.Store(addr(i), filledTile(t, float32(i))); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}
	c.EvictAll()
	if c.Len() != 0 {
		t.Fatalf("len = %d after purge, want 0", c.Len())
	}
}

func TestEvictLeastRecentlyUsed(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := uint32(0); i < 4; i++ {
		if err := c.Store(addr(i), filledTile(t, float32(i))); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}
	// Refresh tile 0 so tiles 1 and 2 are the oldest.
	if _, ok := c.Lookup(addr(0)); !ok {
		t.Fatalf("tile 0 missing")
	}

	c.EvictLeastRecentlyUsed(2)
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if !c.Contains(addr(0)) || !c.Contains(addr(3)) {
		t.Fatalf("wrong entries evicted")
	}
	if c.Contains(addr(1)) || c.Contains(addr(2)) {
		t.Fatalf("oldest entries survived eviction")
	}
}

func TestBoundedPolicy(t *testing.T) {
	c, err := New(Config{MaxEntries: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := uint32(0); i < 3; i++ {
		if err := c.Store(addr(i), filledTile(t, float32(i))); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if c.Contains(addr(0)) {
		t.Fatalf("oldest entry survived the bounded policy")
	}
}
