// Package feed adapts cache-fill events into renderer-facing buffers. It
// never blocks a render pass: every desired tile always resolves to some
// buffer, a sentinel when no data has arrived.
package feed

import (
	"context"
	"sync"

	"github.com/cubetiles/engine/internal/cache"
	"github.com/cubetiles/engine/internal/scheduler"
	"github.com/cubetiles/engine/internal/tile"
)

// TileState is the readiness state reported per tile.
type TileState int

const (
	// TileNotRequested: the address is known but no request has been
	// issued for it.
	TileNotRequested TileState = iota
	// TilePending: a request is in flight or queued.
	TilePending
	// TileReady: the decoded tile is in the cache.
	TileReady
	// TileFailed: the request reached the terminal failed state.
	TileFailed
)

func (s TileState) String() string {
	switch s {
	case TileNotRequested:
		return "not-requested"
	case TilePending:
		return "pending"
	case TileReady:
		return "ready"
	case TileFailed:
		return "failed"
	}
	return "unknown"
}

// TileStatus pairs an address with its readiness state.
type TileStatus struct {
	Address tile.Address
	State   TileState
}

// RenderFeed tracks the desired tile set and exposes the best-known buffer
// per tile. It also carries the explicit test-harness surface: cache and
// in-flight introspection, forced requests, and settle-awaiting.
type RenderFeed struct {
	cache *cache.TileCache
	sched *scheduler.Scheduler

	mu      sync.Mutex
	cond    *sync.Cond
	desired []tile.Address
	version uint64
}

// New wires a feed between the cache and the scheduler. The feed registers
// itself for the scheduler's fill and failure events.
func New(tc *cache.TileCache, sched *scheduler.Scheduler) *RenderFeed {
	f := &RenderFeed{cache: tc, sched: sched}
	f.cond = sync.NewCond(&f.mu)
	sched.SetHooks(
		func(tile.Address, *tile.Decoded) { f.bump() },
		func(tile.Address) { f.bump() },
	)
	return f
}

func (f *RenderFeed) bump() {
	f.mu.Lock()
	f.version++
	f.cond.Broadcast()
	f.mu.Unlock()
}

// SetDesired replaces the desired tile set and ensures every member is
// requested. Tiles leaving the set are not cancelled; a late response is
// still cached for future re-visits, just not surfaced.
func (f *RenderFeed) SetDesired(addrs []tile.Address) {
	cp := make([]tile.Address, len(addrs))
	copy(cp, addrs)

	f.mu.Lock()
	f.desired = cp
	f.version++
	f.cond.Broadcast()
	f.mu.Unlock()

	f.sched.EnsureRequested(cp)
}

// Desired returns a copy of the current desired set.
func (f *RenderFeed) Desired() []tile.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]tile.Address, len(f.desired))
	copy(cp, f.desired)
	return cp
}

// State reports the readiness of one tile.
func (f *RenderFeed) State(addr tile.Address) TileState {
	if f.cache.Contains(addr) {
		return TileReady
	}
	if f.sched.IsFailed(addr) {
		return TileFailed
	}
	if f.sched.IsInFlight(addr) {
		return TilePending
	}
	return TileNotRequested
}

// Buffer returns the best-known buffer for a tile without ever blocking.
// Pending and not-requested tiles resolve to the not-yet-loaded sentinel;
// the state distinguishes failure from data still in flight.
func (f *RenderFeed) Buffer(addr tile.Address) (*tile.Decoded, TileState) {
	if d, ok := f.cache.Lookup(addr); ok {
		return d, TileReady
	}
	state := f.State(addr)
	return tile.NotLoadedTile(), state
}

// Snapshot reports the readiness of every desired tile.
func (f *RenderFeed) Snapshot() []TileStatus {
	desired := f.Desired()
	out := make([]TileStatus, len(desired))
	for i, addr := range desired {
		out[i] = TileStatus{Address: addr, State: f.State(addr)}
	}
	return out
}

// Settled reports whether every desired tile is terminal: ready or failed.
func (f *RenderFeed) Settled() bool {
	for _, st := range f.Snapshot() {
		if st.State != TileReady && st.State != TileFailed {
			return false
		}
	}
	return true
}

// AwaitSettled blocks until every desired tile is ready or failed, or the
// context ends.
func (f *RenderFeed) AwaitSettled(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.bump()
		case <-done:
		}
	}()

	f.mu.Lock()
	for {
		if ctx.Err() != nil {
			f.mu.Unlock()
			return ctx.Err()
		}
		desired := make([]tile.Address, len(f.desired))
		copy(desired, f.desired)
		v := f.version
		f.mu.Unlock()

		settled := true
		for _, addr := range desired {
			if st := f.State(addr); st != TileReady && st != TileFailed {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}

		f.mu.Lock()
		for f.version == v && ctx.Err() == nil {
			f.cond.Wait()
		}
	}
}

// ForceRequest issues a request for a single tile regardless of the
// desired set. Harness hook replacing ad hoc debug bindings.
func (f *RenderFeed) ForceRequest(addr tile.Address) {
	f.sched.EnsureRequested([]tile.Address{addr})
}

// CacheLen exposes the cache size to the harness.
func (f *RenderFeed) CacheLen() int {
	return f.cache.Len()
}

// InFlightCount exposes the in-flight table size to the harness.
func (f *RenderFeed) InFlightCount() int {
	return f.sched.InFlightCount()
}
