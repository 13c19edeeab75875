// Package scheduler drives the persistent tile connection: request
// de-duplication, address-based response matching, per-request timeout and
// retry, and reconnect with bounded backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cubetiles/engine/internal/cache"
	"github.com/cubetiles/engine/internal/codec"
	"github.com/cubetiles/engine/internal/tile"
	"github.com/cubetiles/engine/pkg/metrics"
)

var (
	// ErrUnavailable is the terminal, user-visible state after too many
	// consecutive connection failures or an incompatible peer.
	ErrUnavailable = errors.New("tile service unavailable")

	// ErrTileFailed marks a tile whose request timed out twice or whose
	// frame could not be decoded. Per-tile and recoverable: other tiles
	// are unaffected and rendering proceeds with the sentinel.
	ErrTileFailed = errors.New("tile failed")
)

// errConnLost distinguishes an ordinary dropped connection, which triggers
// a reconnect, from fatal conditions that end the scheduler.
var errConnLost = errors.New("connection lost")

// State is the connection state machine position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config controls scheduler timing and failure bounds.
type Config struct {
	// RequestTimeout bounds the wait for one response before a retry.
	RequestTimeout time.Duration
	// MaxRetries is the number of re-sends after the first timeout.
	MaxRetries int
	// ReconnectBackoff is the base delay between connection attempts.
	ReconnectBackoff time.Duration
	// MaxReconnectFailures bounds consecutive failed connection attempts
	// before the scheduler surfaces the unavailable state.
	MaxReconnectFailures int
	// MismatchThreshold bounds per-connection protocol mismatches before
	// the connection is declared fatally incompatible.
	MismatchThreshold int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 500 * time.Millisecond
	}
	if c.MaxReconnectFailures <= 0 {
		c.MaxReconnectFailures = 5
	}
	if c.MismatchThreshold <= 0 {
		c.MismatchThreshold = 3
	}
}

// Result is what a waiter observes for one awaited tile.
type Result struct {
	Tile *tile.Decoded
	Err  error
}

type pending struct {
	addr     tile.Address
	attempts int
	timer    *time.Timer
	waiters  []chan Result
}

// Scheduler matches responses to requests by tile address, never by send
// order. The mutex is the exclusion boundary around the in-flight table
// and connection state; the cache carries its own.
type Scheduler struct {
	cfg       Config
	codec     *codec.Codec
	cache     *cache.TileCache
	transport Transport
	log       *zap.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	inflight   map[tile.Address]*pending
	failed     map[tile.Address]struct{}
	mismatches int

	onReady  func(tile.Address, *tile.Decoded)
	onFailed func(tile.Address)

	// writeMu serializes frame writes; websocket connections allow only
	// one concurrent writer.
	writeMu sync.Mutex
}

// New creates a scheduler bound to a cache and a transport.
func New(cfg Config, cd *codec.Codec, tc *cache.TileCache, tr Transport, log *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		codec:     cd,
		cache:     tc,
		transport: tr,
		log:       log,
		inflight:  make(map[tile.Address]*pending),
		failed:    make(map[tile.Address]struct{}),
	}
}

// SetHooks registers the cache-fill and failure callbacks. Must be called
// before Run.
func (s *Scheduler) SetHooks(onReady func(tile.Address, *tile.Decoded), onFailed func(tile.Address)) {
	s.onReady = onReady
	s.onFailed = onFailed
}

// State returns the current connection state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsInFlight reports whether a request for the address is outstanding or
// queued for the next connection.
func (s *Scheduler) IsInFlight(addr tile.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[addr]
	return ok
}

// InFlightCount returns the size of the in-flight table.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// IsFailed reports whether the tile reached the terminal failed state.
func (s *Scheduler) IsFailed(addr tile.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[addr]
	return ok
}

// ClearFailed forgets terminal failures so the tiles become requestable
// again, typically together with a cache eviction.
func (s *Scheduler) ClearFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = make(map[tile.Address]struct{})
}

// Run owns the connection lifecycle until ctx is cancelled or the session
// becomes unavailable. Requests issued while disconnected are queued in
// the in-flight table and flushed on (re)connect.
func (s *Scheduler) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateConnecting)

		conn, err := s.transport.Dial(ctx)
		if err == nil {
			err = s.handshake(conn)
			if errors.Is(err, codec.ErrProtocolMismatch) {
				conn.Close()
				s.setState(StateUnavailable)
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			failures++
			if failures >= s.cfg.MaxReconnectFailures {
				s.setState(StateUnavailable)
				return fmt.Errorf("%w: %d consecutive connection failures, last: %v", ErrUnavailable, failures, err)
			}
			s.log.Warn("connection attempt failed",
				zap.Int("attempt", failures), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.backoff(failures)):
			}
			continue
		}
		failures = 0

		s.attach(conn)
		fatal := s.serve(ctx, conn)
		s.detach()
		conn.Close()

		if fatal != nil {
			s.setState(StateUnavailable)
			return fatal
		}
		if ctx.Err() != nil {
			return nil
		}
		metrics.Reconnects.Inc()
		s.log.Info("connection lost, reconnecting")
	}
}

// EnsureRequested issues exactly one request per address that is neither
// cached, failed, nor already in flight. Concurrent calls for the same
// address before its response arrives never cause a second network send.
func (s *Scheduler) EnsureRequested(addrs []tile.Address) {
	var toSend []tile.Address
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	for _, addr := range addrs {
		if s.cache.Contains(addr) {
			continue
		}
		if _, ok := s.failed[addr]; ok {
			continue
		}
		if _, ok := s.inflight[addr]; ok {
			metrics.RequestsDeduplicated.Inc()
			continue
		}
		p := &pending{addr: addr}
		s.inflight[addr] = p
		if connected {
			p.timer = s.newTimeout(addr)
			toSend = append(toSend, addr)
		}
	}
	s.mu.Unlock()

	for _, addr := range toSend {
		s.send(conn, addr)
	}
}

// Await requests the tile if necessary and blocks until it resolves. Every
// concurrent waiter for the same address observes the same eventual result
// off a single network round trip.
func (s *Scheduler) Await(ctx context.Context, addr tile.Address) (*tile.Decoded, error) {
	if d, ok := s.cache.Lookup(addr); ok {
		return d, nil
	}

	s.mu.Lock()
	// Re-check under the lock: the response may have landed meanwhile.
	if d, ok := s.cache.Lookup(addr); ok {
		s.mu.Unlock()
		return d, nil
	}
	if _, ok := s.failed[addr]; ok {
		s.mu.Unlock()
		return tile.NotLoadedTile(), ErrTileFailed
	}
	if s.state == StateUnavailable {
		s.mu.Unlock()
		return nil, ErrUnavailable
	}
	var conn Conn
	send := false
	p, ok := s.inflight[addr]
	if !ok {
		p = &pending{addr: addr}
		s.inflight[addr] = p
		if s.state == StateConnected {
			conn = s.conn
			send = true
			p.timer = s.newTimeout(addr)
		}
	} else {
		metrics.RequestsDeduplicated.Inc()
	}
	ch := make(chan Result, 1)
	p.waiters = append(p.waiters, ch)
	s.mu.Unlock()

	if send {
		s.send(conn, addr)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Tile, res.Err
	}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st {
		s.log.Debug("connection state changed",
			zap.Stringer("from", old), zap.Stringer("to", st))
	}
}

// handshake exchanges hellos and verifies the peer's API version.
func (s *Scheduler) handshake(conn Conn) error {
	if err := conn.WriteMessage(codec.EncodeHandshake(codec.APIVersion)); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read handshake: %w", err)
	}
	peer, err := codec.DecodeHandshake(msg)
	if err != nil {
		return err
	}
	if peer != codec.APIVersion {
		return fmt.Errorf("%w: peer api version %d, want %d", codec.ErrProtocolMismatch, peer, codec.APIVersion)
	}
	return nil
}

// attach moves to Connected and replays every queued or interrupted
// request on the fresh connection.
func (s *Scheduler) attach(conn Conn) {
	var replay []tile.Address
	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mismatches = 0
	for addr, p := range s.inflight {
		p.attempts = 0
		if p.timer != nil {
			p.timer.Stop()
		}
		p.timer = s.newTimeout(addr)
		replay = append(replay, addr)
	}
	s.mu.Unlock()

	s.log.Info("connected", zap.Int("replayed_requests", len(replay)))
	for _, addr := range replay {
		s.send(conn, addr)
	}
}

// detach moves to Disconnected, keeping the in-flight table intact for
// replay and pausing its timers.
func (s *Scheduler) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	if s.state == StateConnected {
		s.state = StateDisconnected
	}
	for _, p := range s.inflight {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
}

// serve pumps frames off one connection until it drops (nil) or a fatal
// protocol condition occurs (non-nil).
func (s *Scheduler) serve(ctx context.Context, conn Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("%w: %v", errConnLost, err)
			}
			if err := s.handleFrame(msg); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		// Unblock the read pump when the surrounding context ends.
		<-gctx.Done()
		conn.Close()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, errConnLost) {
		return nil
	}
	return err
}

// handleFrame decodes one frame and resolves it against the in-flight
// table by address. Responses for addresses no longer in flight are still
// stored as opportunistic pre-fill.
func (s *Scheduler) handleFrame(frame []byte) error {
	addr, d, err := s.codec.DecodeFrame(frame)
	switch {
	case errors.Is(err, codec.ErrProtocolMismatch):
		metrics.ProtocolMismatches.Inc()
		s.mu.Lock()
		s.mismatches++
		count := s.mismatches
		s.mu.Unlock()
		if addr != (tile.Address{}) {
			s.failTile(addr)
		}
		if count >= s.cfg.MismatchThreshold {
			return fmt.Errorf("%w: %d mismatched frames on one connection: %v", ErrUnavailable, count, err)
		}
		s.log.Warn("dropped mismatched frame", zap.Error(err))
		return nil
	case errors.Is(err, codec.ErrDecodeFailure):
		metrics.DecodeFailures.Inc()
		s.log.Warn("dropped undecodable frame", zap.Stringer("addr", addr), zap.Error(err))
		if addr != (tile.Address{}) {
			s.failTile(addr)
		}
		return nil
	case err != nil:
		s.log.Warn("dropped frame", zap.Error(err))
		return nil
	}

	if storeErr := s.cache.Store(addr, d); storeErr != nil {
		if errors.Is(storeErr, cache.ErrConflictingStore) {
			// Same address, different content: a protocol bug on the
			// producing side. Keep the first-stored tile.
			s.log.Error("conflicting content for cached tile", zap.Stringer("addr", addr))
			if cached, ok := s.cache.Lookup(addr); ok {
				d = cached
			}
		} else {
			s.log.Error("failed to cache tile", zap.Stringer("addr", addr), zap.Error(storeErr))
		}
	}

	s.mu.Lock()
	delete(s.failed, addr)
	var waiters []chan Result
	if p, ok := s.inflight[addr]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		waiters = p.waiters
		delete(s.inflight, addr)
	}
	s.mu.Unlock()

	res := Result{Tile: d}
	for _, w := range waiters {
		w <- res
	}
	if s.onReady != nil {
		s.onReady(addr, d)
	}
	return nil
}

func (s *Scheduler) newTimeout(addr tile.Address) *time.Timer {
	return time.AfterFunc(s.cfg.RequestTimeout, func() {
		s.onTimeout(addr)
	})
}

// onTimeout retries a stalled request once, then marks the tile failed and
// synthesizes the not-yet-loaded sentinel for its waiters.
func (s *Scheduler) onTimeout(addr tile.Address) {
	s.mu.Lock()
	p, ok := s.inflight[addr]
	if !ok || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	p.attempts++
	if p.attempts <= s.cfg.MaxRetries {
		conn := s.conn
		p.timer = s.newTimeout(addr)
		s.mu.Unlock()
		metrics.RequestRetries.Inc()
		s.log.Debug("retrying stalled tile request", zap.Stringer("addr", addr))
		s.send(conn, addr)
		return
	}
	s.mu.Unlock()
	s.log.Warn("tile request timed out", zap.Stringer("addr", addr))
	s.failTile(addr)
}

// failTile resolves an address to the terminal failed state.
func (s *Scheduler) failTile(addr tile.Address) {
	s.mu.Lock()
	var waiters []chan Result
	if p, ok := s.inflight[addr]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		waiters = p.waiters
		delete(s.inflight, addr)
	}
	s.failed[addr] = struct{}{}
	s.mu.Unlock()

	metrics.RequestFailures.Inc()
	res := Result{Tile: tile.NotLoadedTile(), Err: ErrTileFailed}
	for _, w := range waiters {
		w <- res
	}
	if s.onFailed != nil {
		s.onFailed(addr)
	}
}

func (s *Scheduler) send(conn Conn, addr tile.Address) {
	if conn == nil {
		return
	}
	frame, err := codec.EncodeRequest(addr)
	if err != nil {
		s.log.Error("failed to encode request", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	s.writeMu.Lock()
	err = conn.WriteMessage(frame)
	s.writeMu.Unlock()
	if err != nil {
		// The read pump observes the broken connection and reconnects;
		// the request stays in flight and is replayed.
		s.log.Warn("failed to send request", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	metrics.RequestsSent.Inc()
}

func (s *Scheduler) backoff(failures int) time.Duration {
	const maxBackoff = 30 * time.Second
	d := s.cfg.ReconnectBackoff << (failures - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
