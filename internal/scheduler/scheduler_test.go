package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cubetiles/engine/internal/cache"
	"github.com/cubetiles/engine/internal/codec"
	"github.com/cubetiles/engine/internal/tile"
)

// fakeConn is an in-memory duplex connection. It answers the handshake on
// its own and records every tile request it receives.
type fakeConn struct {
	helloVersion uint16
	onRequest    func(tile.Address)

	mu       sync.Mutex
	requests []tile.Address

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(helloVersion uint16) *fakeConn {
	return &fakeConn{
		helloVersion: helloVersion,
		in:           make(chan []byte, 64),
		closed:       make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	if _, err := codec.DecodeHandshake(data); err == nil {
		c.in <- codec.EncodeHandshake(c.helloVersion)
		return nil
	}
	addr, err := codec.DecodeRequest(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.requests = append(c.requests, addr)
	c.mu.Unlock()
	if c.onRequest != nil {
		c.onRequest(addr)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// deliver injects a server-to-client frame.
func (c *fakeConn) deliver(frame []byte) {
	select {
	case c.in <- frame:
	case <-c.closed:
	}
}

func (c *fakeConn) requestCount(addr tile.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.requests {
		if a == addr {
			n++
		}
	}
	return n
}

func (c *fakeConn) totalRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// fakeTransport hands out a scripted sequence of connections, then blocks
// until the context ends.
type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	if t.next < len(t.conns) {
		c := t.conns[t.next]
		t.next++
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func testAddr(x uint32) tile.Address {
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

func frameFor(t *testing.T, cd *codec.Codec, addr tile.Address, v float32) []byte {
	t.Helper()
	frame, err := cd.EncodeFrame(addr, filledTile(t, v), codec.KindLossless)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	return frame
}

// waitFor polls a condition with a deadline, avoiding bare sleeps.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	sched *Scheduler
	cache *cache.TileCache
	codec *codec.Codec
	runC  chan error
}

func startScheduler(t *testing.T, cfg Config, tr Transport) *fixture {
	t.Helper()
	cd, err := codec.New()
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	tc, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	sched := New(cfg, cd, tc, tr, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runC := make(chan error, 1)
	go func() { runC <- sched.Run(ctx) }()
	t.Cleanup(cancel)

	return &fixture{sched: sched, cache: tc, codec: cd, runC: runC}
}

func TestRequestDeduplication(t *testing.T) {
	conn := newFakeConn(codec.APIVersion)
	fx := startScheduler(t, Config{}, &fakeTransport{conns: []*fakeConn{conn}})
	waitFor(t, "connection", func() bool { return fx.sched.State() == StateConnected })

	a := testAddr(0)
	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			d, err := fx.sched.Await(context.Background(), a)
			results <- Result{Tile: d, Err: err}
		}()
	}
	waitFor(t, "request on the wire", func() bool { return conn.requestCount(a) >= 1 })
	// A second concurrent waiter must not cause a second send.
	fx.sched.EnsureRequested([]tile.Address{a})
	if got := conn.requestCount(a); got != 1 {
		t.Fatalf("expected exactly 1 request, got %d", got)
	}

	conn.deliver(frameFor(t, fx.codec, a, 7.0))
	for i := 0; i < 2; i++ {
		res := <-results
		if res.Err != nil {
			t.Fatalf("await failed: %v", res.Err)
		}
		if res.Tile.Samples[0] != 7.0 {
			t.Fatalf("waiter %d got wrong tile content", i)
		}
	}
	if !fx.cache.Contains(a) {
		t.Fatalf("resolved tile not cached")
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	conn := newFakeConn(codec.APIVersion)
	fx := startScheduler(t, Config{}, &fakeTransport{conns: []*fakeConn{conn}})
	waitFor(t, "connection", func() bool { return fx.sched.State() == StateConnected })

	a1, a2 := testAddr(1), testAddr(2)
	type outcome struct {
		addr tile.Address
		tile *tile.Decoded
		err  error
	}
	results := make(chan outcome, 2)
	for _, a := range []tile.Address{a1, a2} {
		a := a
		go func() {
			d, err := fx.sched.Await(context.Background(), a)
			results <- outcome{addr: a, tile: d, err: err}
		}()
	}
	waitFor(t, "both requests", func() bool { return conn.totalRequests() == 2 })

	// Respond in reverse order; matching is by address, never send order.
	conn.deliver(frameFor(t, fx.codec, a2, 2.0))
	conn.deliver(frameFor(t, fx.codec, a1, 1.0))

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("await failed: %v", res.err)
		}
		want := float32(1.0)
		if res.addr == a2 {
			want = 2.0
		}
		if res.tile.Samples[0] != want {
			t.Fatalf("tile %s resolved with content %g, want %g", res.addr, res.tile.Samples[0], want)
		}
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	conn := newFakeConn(codec.APIVersion)
	fx := startScheduler(t, Config{
		RequestTimeout: 20 * time.Millisecond,
		MaxRetries:     1,
	}, &fakeTransport{conns: []*fakeConn{conn}})
	waitFor(t, "connection", func() bool { return fx.sched.State() == StateConnected })

	a := testAddr(3)
	d, err := fx.sched.Await(context.Background(), a)
	if !errors.Is(err, ErrTileFailed) {
		t.Fatalf("expected ErrTileFailed, got %v", err)
	}
	if d == nil || d.Sentinel != tile.SentinelNotLoaded {
		t.Fatalf("expected not-loaded sentinel for failed tile")
	}
	if got := conn.requestCount(a); got != 2 {
		t.Fatalf("expected original send plus one retry, got %d sends", got)
	}
	if !fx.sched.IsFailed(a) {
		t.Fatalf("tile not marked failed")
	}
	// Failed tiles must not pollute the cache; the entry slot stays free
	// for a real tile after ClearFailed.
	if fx.cache.Contains(a) {
		t.Fatalf("sentinel leaked into the cache")
	}

	// Failed tiles are not re-requested until cleared.
	before := conn.requestCount(a)
	fx.sched.EnsureRequested([]tile.Address{a})
	if got := conn.requestCount(a); got != before {
		t.Fatalf("failed tile was re-requested")
	}
	fx.sched.ClearFailed()
	fx.sched.EnsureRequested([]tile.Address{a})
	waitFor(t, "re-request after clear", func() bool { return conn.requestCount(a) == before+1 })
}

func TestQueueWhileDisconnectedAndReplay(t *testing.T) {
	conn := newFakeConn(codec.APIVersion)
	tr := &fakeTransport{}

	cd, err := codec.New()
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	tc, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	sched := New(Config{}, cd, tc, tr, zap.NewNop())

	// Request before any connection exists: it must queue, not drop.
	a := testAddr(4)
	sched.EnsureRequested([]tile.Address{a})
	if !sched.IsInFlight(a) {
		t.Fatalf("request not queued while disconnected")
	}
	if conn.totalRequests() != 0 {
		t.Fatalf("request sent without a connection")
	}

	tr.mu.Lock()
	tr.conns = []*fakeConn{conn}
	tr.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	waitFor(t, "queued request replay", func() bool { return conn.requestCount(a) == 1 })
	conn.deliver(frameFor(t, cd, a, 4.0))
	waitFor(t, "tile cached", func() bool { return tc.Contains(a) })
}

func TestReconnectReplaysInFlight(t *testing.T) {
	conn1 := newFakeConn(codec.APIVersion)
	conn2 := newFakeConn(codec.APIVersion)
	fx := startScheduler(t, Config{
		ReconnectBackoff: time.Millisecond,
	}, &fakeTransport{conns: []*fakeConn{conn1, conn2}})
	waitFor(t, "first connection", func() bool { return fx.sched.State() == StateConnected })

	a := testAddr(5)
	resC := make(chan Result, 1)
	go func() {
		d, err := fx.sched.Await(context.Background(), a)
		resC <- Result{Tile: d, Err: err}
	}()
	waitFor(t, "request on first connection", func() bool { return conn1.requestCount(a) == 1 })

	// Drop the connection; the unanswered request must replay on the next.
	conn1.Close()
	waitFor(t, "replay on second connection", func() bool { return conn2.requestCount(a) == 1 })

	conn2.deliver(frameFor(t, fx.codec, a, 5.0))
	res := <-resC
	if res.Err != nil {
		t.Fatalf("await failed after reconnect: %v", res.Err)
	}
	if res.Tile.Samples[0] != 5.0 {
		t.Fatalf("wrong tile content after reconnect")
	}
}

func TestHandshakeVersionMismatchIsFatal(t *testing.T) {
	conn := newFakeConn(codec.APIVersion + 1)
	fx := startScheduler(t, Config{}, &fakeTransport{conns: []*fakeConn{conn}})

	select {
	case err := <-fx.runC:
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not terminate on incompatible peer")
	}
	if fx.sched.State() != StateUnavailable {
		t.Fatalf("state = %s, want unavailable", fx.sched.State())
	}

	if _, err := fx.sched.Await(context.Background(), testAddr(6)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Await, got %v", err)
	}
}

func TestMismatchedFramesEscalate(t *testing.T) {
	conn := newFakeConn(codec.APIVersion)
	fx := startScheduler(t, Config{MismatchThreshold: 3}, &fakeTransport{conns: []*fakeConn{conn}})
	waitFor(t, "connection", func() bool { return fx.sched.State() == StateConnected })

	for i := uint32(0); i < 3; i++ {
		frame := frameFor(t, fx.codec, testAddr(10+i), 1.0)
		frame[len(codec.FrameMagic)] = 0xFF // corrupt the protocol version
		conn.deliver(frame)
	}

	select {
	case err := <-fx.runC:
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not terminate after repeated mismatches")
	}
	// Each mismatched frame still resolved its tile to the failed state.
	for i := uint32(0); i < 3; i++ {
		if !fx.sched.IsFailed(testAddr(10 + i)) {
			t.Fatalf("tile %d not marked failed", 10+i)
		}
	}
}

func TestUndecodableFrameFailsTileOnly(t *testing.T) {
	conn := newFakeConn(codec.APIVersion)
	fx := startScheduler(t, Config{}, &fakeTransport{conns: []*fakeConn{conn}})
	waitFor(t, "connection", func() bool { return fx.sched.State() == StateConnected })

	a := testAddr(20)
	resC := make(chan Result, 1)
	go func() {
		d, err := fx.sched.Await(context.Background(), a)
		resC <- Result{Tile: d, Err: err}
	}()
	waitFor(t, "request", func() bool { return conn.requestCount(a) == 1 })

	frame := frameFor(t, fx.codec, a, 1.0)
	conn.deliver(frame[:len(frame)-10])

	res := <-resC
	if !errors.Is(res.Err, ErrTileFailed) {
		t.Fatalf("expected ErrTileFailed, got %v", res.Err)
	}
	// The connection survives a bad payload.
	if fx.sched.State() != StateConnected {
		t.Fatalf("state = %s after one bad frame, want connected", fx.sched.State())
	}

	// Other tiles keep flowing.
	b := testAddr(21)
	go func() {
		d, err := fx.sched.Await(context.Background(), b)
		resC <- Result{Tile: d, Err: err}
	}()
	waitFor(t, "second request", func() bool { return conn.requestCount(b) == 1 })
	conn.deliver(frameFor(t, fx.codec, b, 2.0))
	if res := <-resC; res.Err != nil || res.Tile.Samples[0] != 2.0 {
		t.Fatalf("healthy tile disturbed by earlier failure: %+v", res)
	}
}

func TestCachedTileNotReRequested(t *testing.T) {
	conn := newFakeConn(codec.APIVersion)
	fx := startScheduler(t, Config{}, &fakeTransport{conns: []*fakeConn{conn}})
	waitFor(t, "connection", func() bool { return fx.sched.State() == StateConnected })

	a := testAddr(30)
	if err := fx.cache.Store(a, filledTile(t, 9.0)); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	fx.sched.EnsureRequested([]tile.Address{a})
	if fx.sched.IsInFlight(a) {
		t.Fatalf("cached tile went in flight")
	}
	d, err := fx.sched.Await(context.Background(), a)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if d.Samples[0] != 9.0 {
		t.Fatalf("wrong cached tile content")
	}
	if conn.totalRequests() != 0 {
		t.Fatalf("cache hit caused a network send")
	}
}

func TestLateResponseClearsFailedState(t *testing.T) {
	conn := newFakeConn(codec.APIVersion)
	fx := startScheduler(t, Config{
		RequestTimeout: 20 * time.Millisecond,
		MaxRetries:     1,
	}, &fakeTransport{conns: []*fakeConn{conn}})
	waitFor(t, "connection", func() bool { return fx.sched.State() == StateConnected })

	a := testAddr(40)
	if _, err := fx.sched.Await(context.Background(), a); !errors.Is(err, ErrTileFailed) {
		t.Fatalf("expected ErrTileFailed, got %v", err)
	}

	// A response arriving after the terminal failure is still useful: it
	// fills the cache and lifts the failed mark.
	conn.deliver(frameFor(t, fx.codec, a, 6.0))
	waitFor(t, "late fill", func() bool { return fx.cache.Contains(a) })
	if fx.sched.IsFailed(a) {
		t.Fatalf("failed mark survived a successful late response")
	}
	d, err := fx.sched.Await(context.Background(), a)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if d.Samples[0] != 6.0 {
		t.Fatalf("wrong tile content after late fill")
	}
}
