package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"ledger_sync/internal/domain"
	"ledger_sync/internal/infra/clocktest"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Fakes
// =====================================================

type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	sent    []sentFrame
	kinds   []int
	block   chan struct{}
	waiting int
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.incoming:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}

	c.mu.Lock()
	block := c.block
	if block != nil {
		c.waiting++
	}
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-c.closed:
			return errors.New("write on closed connection")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, messageType)
	if messageType == websocket.TextMessage {
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		c.sent = append(c.sent, sentFrame{req.Method, req.ID, req.Params.Query})
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// stall holds every later write until release is called.
func (c *fakeConn) stall() (release func()) {
	block := make(chan struct{})
	c.mu.Lock()
	c.block = block
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.block = nil
		c.mu.Unlock()
		close(block)
	}
}

func (c *fakeConn) stalledWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// drop simulates the node going away.
func (c *fakeConn) drop() { c.Close() }

func (c *fakeConn) frames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentFrame, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) gotCloseFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kinds {
		if k == websocket.CloseMessage {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	urls     []string
	conns    []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, url)
	if d.dials <= d.failures {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// typeClassifier maps a transfer touching the watched address to WalletBalanceChanged.
type typeClassifier struct{}

func (typeClassifier) Classify(events []domain.RawChainEvent, watched string) []domain.DomainEvent {
	var out []domain.DomainEvent
	for _, ev := range events {
		if ev.Type == "transfer" && watched != "" && ev.HasValue(watched) {
			out = append(out, domain.NewWalletBalanceChanged())
		}
	}
	return out
}

type collector struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (c *collector) Emit(ev domain.DomainEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []domain.DomainEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.DomainEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestManager(t *testing.T, d *fakeDialer, clock *clocktest.Manual, address string) (*Manager, *collector) {
	t.Helper()
	cfg := DefaultConfig("http://localhost:26657")
	cfg.PingInterval = 0
	cfg.ReadTimeout = 0

	bus := &collector{}
	m, err := NewManager(cfg, typeClassifier{}, bus,
		WithDialer(d.dial),
		WithClock(clock),
		WithAddress(address),
	)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, bus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

// =====================================================
// Tests
// =====================================================

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:26657":         "ws://localhost:26657/websocket",
		"https://rpc.example.com/":       "wss://rpc.example.com/websocket",
		"https://rpc.example.com/cosmos": "wss://rpc.example.com/cosmos/websocket",
		"ws://node:26657/websocket":      "ws://node:26657/websocket",
	}
	for in, want := range tests {
		got, err := WebsocketURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := WebsocketURL("ftp://node")
	assert.Error(t, err)
	_, err = WebsocketURL("http://")
	assert.Error(t, err)
}

func TestConfig_ReconnectDelay(t *testing.T) {
	cfg := DefaultConfig("http://localhost:26657")
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, cfg.ReconnectDelay(i+1), "attempt %d", i+1)
	}

	cfg.BaseDelay, cfg.MaxDelay = 250*time.Millisecond, time.Second
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectDelay(2))
	assert.Equal(t, time.Second, cfg.ReconnectDelay(5))
}

func TestManager_BackoffScheduleAndExhaustion(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{failures: 1000}
	m, _ := newTestManager(t, d, clock, "")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, func() bool { return len(clock.Pending()) == 1 })

	for len(clock.Pending()) > 0 {
		clock.Advance(clock.Pending()[0])
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, want, clock.Delays())
	assert.Equal(t, 11, d.count(), "initial attempt plus ten reconnects")
	assert.False(t, m.IsLive())
	assert.Equal(t, domain.Disconnected, m.State())

	clock.Advance(time.Hour)
	assert.Equal(t, 11, d.count(), "no eleventh reconnect is scheduled")
}

func TestManager_CounterResetsOnConnect(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{failures: 3}
	m, _ := newTestManager(t, d, clock, "")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, func() bool { return len(clock.Pending()) == 1 })

	clock.Advance(1 * time.Second)
	clock.Advance(2 * time.Second)
	clock.Advance(4 * time.Second)

	require.True(t, m.IsLive())
	assert.Equal(t, domain.Connected, m.State())
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, []string{"ws://localhost:26657/websocket"}, d.urls[:1])

	d.last().drop()
	waitFor(t, func() bool { return len(clock.Pending()) == 1 })
	assert.Equal(t, []time.Duration{time.Second}, clock.Pending(), "next failure starts again at 1s")
	assert.False(t, m.IsLive())
}

func TestManager_SubscribesOnOpen(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, clock, "cosmos1a")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, m.IsLive)

	assert.Equal(t, []sentFrame{
		sub(1, domain.QueryNewBlock),
		sub(2, domain.TxRecipientQuery("cosmos1a")),
		sub(3, domain.TxSenderQuery("cosmos1a")),
	}, d.last().frames())
}

func TestManager_ResubscribesAfterReconnect(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, clock, "cosmos1a")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, m.IsLive)

	first := d.last()
	first.drop()
	waitFor(t, func() bool { return len(clock.Pending()) == 1 })

	for _, s := range m.Subscriptions() {
		assert.False(t, s.Active)
	}

	clock.Advance(time.Second)
	require.True(t, m.IsLive())
	second := d.last()
	require.NotSame(t, first, second)
	assert.Len(t, second.frames(), 3)
}

func TestManager_CloseIsIntentional(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, clock, "")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, m.IsLive)
	conn := d.last()

	require.NoError(t, m.Close())

	assert.True(t, conn.gotCloseFrame())
	assert.False(t, m.IsLive())
	assert.Equal(t, domain.Disconnected, m.State())
	assert.Empty(t, clock.Pending(), "teardown must not schedule a reconnect")

	clock.Advance(time.Hour)
	assert.Equal(t, 1, d.count())

	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrClosed)
	assert.NoError(t, m.Close(), "Close is idempotent")
}

func TestManager_CloseCancelsPendingReconnect(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{failures: 1}
	m, _ := newTestManager(t, d, clock, "")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, func() bool { return len(clock.Pending()) == 1 })

	require.NoError(t, m.Close())
	assert.Empty(t, clock.Pending())
	clock.Advance(time.Minute)
	assert.Equal(t, 1, d.count())
}

func TestManager_ForwardsClassifiedEvents(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{}
	m, bus := newTestManager(t, d, clock, "cosmos1abc")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, m.IsLive)

	conn := d.last()
	conn.incoming <- []byte(`{"jsonrpc":"2.0","id":2,"result":{}}`)
	conn.incoming <- []byte(`garbage`)
	conn.incoming <- []byte(txFrame)

	waitFor(t, func() bool { return bus.len() == 1 })
	assert.Equal(t, domain.WalletBalanceChanged, bus.snapshot()[0].Kind)
	assert.True(t, m.IsLive(), "undecodable frames do not break the channel")
}

func TestManager_SetAddressWhileConnected(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, clock, "")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, m.IsLive)

	for _, addr := range []string{"a", "b", "c", "c"} {
		m.SetAddress(addr)
	}

	assert.Equal(t, []sentFrame{
		sub(1, domain.QueryNewBlock),
		sub(2, domain.TxRecipientQuery("a")),
		sub(3, domain.TxSenderQuery("a")),
		unsub(2, domain.TxRecipientQuery("a")),
		unsub(3, domain.TxSenderQuery("a")),
		sub(2, domain.TxRecipientQuery("b")),
		sub(3, domain.TxSenderQuery("b")),
		unsub(2, domain.TxRecipientQuery("b")),
		unsub(3, domain.TxSenderQuery("b")),
		sub(2, domain.TxRecipientQuery("c")),
		sub(3, domain.TxSenderQuery("c")),
	}, d.last().frames())
	assert.Equal(t, "c", m.Address())
}

func TestManager_SlowWriteDoesNotBlockReaders(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, clock, "")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, m.IsLive)

	conn := d.last()
	release := conn.stall()
	done := make(chan struct{})
	go func() {
		m.SetAddress("cosmos1slow")
		close(done)
	}()
	waitFor(t, func() bool { return conn.stalledWrites() > 0 })

	type snapshot struct {
		state domain.ConnectionState
		subs  []domain.Subscription
	}
	read := make(chan snapshot, 1)
	go func() { read <- snapshot{m.State(), m.Subscriptions()} }()

	select {
	case got := <-read:
		assert.Equal(t, domain.Connected, got.state)
		require.Len(t, got.subs, 3)
		assert.Equal(t, domain.TxRecipientQuery("cosmos1slow"), got.subs[1].Query)
	case <-time.After(time.Second):
		release()
		t.Fatal("State and Subscriptions waited on a stalled socket write")
	}

	release()
	<-done
	assert.Equal(t, []sentFrame{
		sub(1, domain.QueryNewBlock),
		sub(2, domain.TxRecipientQuery("cosmos1slow")),
		sub(3, domain.TxSenderQuery("cosmos1slow")),
	}, conn.frames())
	assert.True(t, m.IsLive())
}

func TestManager_SetAddressRestartsAfterExhaustion(t *testing.T) {
	clock := clocktest.NewManual()
	d := &fakeDialer{failures: 11}
	m, _ := newTestManager(t, d, clock, "")

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, func() bool { return len(clock.Pending()) == 1 })
	for len(clock.Pending()) > 0 {
		clock.Advance(clock.Pending()[0])
	}
	require.False(t, m.IsLive())
	require.Equal(t, 11, d.count())

	m.SetAddress("cosmos1new")
	waitFor(t, m.IsLive)

	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, []sentFrame{
		sub(1, domain.QueryNewBlock),
		sub(2, domain.TxRecipientQuery("cosmos1new")),
		sub(3, domain.TxSenderQuery("cosmos1new")),
	}, d.last().frames())
}

func TestManager_WebsocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	subscribed := make(chan string, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < 3; i++ {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			subscribed <- req.Params.Query
			conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":`+strconv.Itoa(req.ID)+`,"result":{}}`))
		}
		conn.WriteMessage(websocket.TextMessage, []byte(txFrame))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL)
	cfg.PingInterval = 0
	bus := &collector{}
	m, err := NewManager(cfg, typeClassifier{}, bus, WithAddress("cosmos1abc"))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))

	got := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case q := <-subscribed:
			got = append(got, q)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for subscriptions")
		}
	}
	assert.Equal(t, []string{
		domain.QueryNewBlock,
		domain.TxRecipientQuery("cosmos1abc"),
		domain.TxSenderQuery("cosmos1abc"),
	}, got)

	waitFor(t, func() bool { return bus.len() == 1 })
	assert.True(t, m.IsLive())
}
