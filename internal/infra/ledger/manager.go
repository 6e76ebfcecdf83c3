// Package ledger owns the long-lived subscription channel to the ledger node.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ledger_sync/internal/domain"
	"ledger_sync/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	closeReason      = "client closing"
)

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a transport to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Classifier turns raw ledger events into domain events.
type Classifier interface {
	Classify(events []domain.RawChainEvent, watchedAddress string) []domain.DomainEvent
}

// Publisher receives classified events.
type Publisher interface {
	Emit(ev domain.DomainEvent)
}

// Config controls the reconnect policy and keepalive.
type Config struct {
	Endpoint     string // node RPC base URL; "/websocket" is appended
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PingInterval time.Duration // 0 disables pings
	ReadTimeout  time.Duration // 0 disables the read deadline
}

// DefaultConfig returns the standard policy: 1s doubling to 30s, 10 attempts.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:     endpoint,
		BaseDelay:    infra.ReconnectBaseDelay,
		MaxDelay:     infra.ReconnectMaxDelay,
		MaxAttempts:  infra.MaxReconnectAttempts,
		PingInterval: 30 * time.Second,
		ReadTimeout:  90 * time.Second,
	}
}

// ReconnectDelay is the wait before reconnect attempt n (1-based):
// min(BaseDelay * 2^(n-1), MaxDelay).
func (c Config) ReconnectDelay(attempt int) time.Duration {
	return infra.CalculateBackoff(attempt-1, c.BaseDelay, c.MaxDelay)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithClock replaces the clock driving reconnect timers.
func WithClock(c infra.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(metrics *infra.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l.With(slog.String("module", "ledger_stream")) }
}

// WithAddress sets the initial wallet address.
func WithAddress(address string) Option {
	return func(m *Manager) { m.tracker = NewTracker(address) }
}

// Manager keeps one subscription channel open, reconnecting with backoff,
// and forwards classified events to a Publisher.
type Manager struct {
	cfg        Config
	url        string
	dial       DialFunc
	clock      infra.Clock
	classifier Classifier
	bus        Publisher
	metrics    *infra.Metrics
	logger     *slog.Logger

	// subMu orders subscription writes; it is taken before mu and held across the write.
	subMu sync.Mutex

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	state           domain.ConnectionState
	session         *session
	tracker         *Tracker
	attempts        int
	shouldReconnect bool
	exhausted       bool
	started         bool
	closed          bool
	reconnectTimer  infra.Timer

	live atomic.Bool
	wg   sync.WaitGroup
}

var _ domain.LiveStatus = (*Manager)(nil)

// NewManager creates a manager for cfg.Endpoint. Nothing is dialed until Start.
func NewManager(cfg Config, classifier Classifier, bus Publisher, opts ...Option) (*Manager, error) {
	wsURL, err := WebsocketURL(cfg.Endpoint)
	if err != nil {
		return nil, &domain.ConfigError{Field: "chain.rpc_url", Err: err}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = infra.MaxReconnectAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = infra.ReconnectBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	m := &Manager{
		cfg:        cfg,
		url:        wsURL,
		dial:       DefaultDialer(),
		clock:      infra.SystemClock,
		classifier: classifier,
		bus:        bus,
		logger:     slog.Default().With(slog.String("module", "ledger_stream")),
		tracker:    NewTracker(""),
		state:      domain.Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// WebsocketURL converts a node RPC URL into its websocket endpoint.
func WebsocketURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, "/websocket") {
		path += "/websocket"
	}
	u.Path = path
	return u.String(), nil
}

// DefaultDialer dials with gorilla/websocket.
func DefaultDialer() DialFunc {
	return func(ctx context.Context, target string) (Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := d.DialContext(ctx, target, nil)
		if err != nil {
			return nil, domain.NewNetworkError("dial", err)
		}
		return conn, nil
	}
}

// Start opens the channel in the background. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.shouldReconnect = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.connect()
	}()
	return nil
}

// connect performs one Disconnected -> Connecting -> Connected attempt.
func (m *Manager) connect() {
	m.mu.Lock()
	if !m.shouldReconnect || m.state != domain.Disconnected {
		m.mu.Unlock()
		return
	}
	old := m.session
	m.session = nil
	m.state = domain.Connecting
	ctx := m.ctx
	m.mu.Unlock()

	if old != nil {
		old.closeIntentional()
	}
	m.metrics.SetConnectionState(domain.Connecting, false)

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, err := m.dial(dialCtx, m.url)
	cancel()
	if err != nil {
		m.logger.Warn("Ledger stream dial failed", slog.String("url", m.url), slog.Any("error", err))
		m.handleClose(nil, err)
		return
	}

	s := newSession(conn)

	m.subMu.Lock()
	m.mu.Lock()
	if !m.shouldReconnect {
		m.mu.Unlock()
		m.subMu.Unlock()
		s.closeIntentional()
		return
	}
	m.session = s
	m.state = domain.Connected
	var frames frameQueue
	_ = m.tracker.OnOpen(frames.push)
	m.mu.Unlock()

	err = frames.flush(s.send)
	m.subMu.Unlock()
	if err != nil {
		m.logger.Warn("Ledger stream subscribe failed", slog.Any("error", err))
		m.handleClose(s, err)
		return
	}

	m.mu.Lock()
	if m.session != s {
		// closed while subscribing
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.exhausted = false
	m.live.Store(true)
	address := m.tracker.Address()
	m.wg.Add(1)
	if m.cfg.PingInterval > 0 {
		m.wg.Add(1)
		go m.pingLoop(s)
	}
	m.mu.Unlock()

	m.metrics.SetConnectionState(domain.Connected, true)
	m.logger.Info("🔌 Ledger stream connected", slog.String("url", m.url), slog.Bool("wallet", address != ""))

	go m.readLoop(s)
}

func (m *Manager) readLoop(s *session) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Ledger read loop panic recovered", slog.Any("panic", r))
			m.handleClose(s, fmt.Errorf("panic: %v", r))
		}
	}()

	for {
		if m.cfg.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout)); err != nil {
				m.handleClose(s, err)
				return
			}
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			m.handleClose(s, err)
			return
		}

		m.handleFrame(msg)
	}
}

func (m *Manager) pingLoop(s *session) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				m.logger.Warn("Ledger stream ping failed", slog.Any("error", err))
				s.close()
				return
			}
		}
	}
}

func (m *Manager) handleFrame(msg []byte) {
	frame, err := DecodeFrame(msg)
	if err != nil {
		m.metrics.RecordFrame(0, false)
		m.logger.Debug("Dropping undecodable frame", slog.Any("error", err))
		return
	}
	m.metrics.RecordFrame(len(frame.Events), true)

	if frame.Err != nil {
		m.logger.Warn("Ledger node returned an error", slog.String("id", string(frame.ID)), slog.Any("error", frame.Err))
		return
	}
	if len(frame.Events) == 0 {
		return
	}

	m.mu.Lock()
	watched := m.tracker.Address()
	m.mu.Unlock()

	for _, ev := range m.classifier.Classify(frame.Events, watched) {
		m.metrics.RecordDomainEvent(ev.Kind)
		m.bus.Emit(ev)
	}
}

// handleClose is the single close path for read errors, write errors and failed dials.
// s is nil for a failed dial.
func (m *Manager) handleClose(s *session, cause error) {
	if s != nil {
		s.close()
		if s.intentional.Load() {
			return
		}
	}

	m.mu.Lock()
	if m.closed || (s != nil && m.session != s) {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.state = domain.Disconnected
	m.live.Store(false)
	m.tracker.OnDisconnect()

	if !m.shouldReconnect {
		m.mu.Unlock()
		m.metrics.SetConnectionState(domain.Disconnected, false)
		return
	}

	m.attempts++
	attempt := m.attempts
	if attempt > m.cfg.MaxAttempts {
		m.exhausted = true
		m.mu.Unlock()
		m.metrics.SetConnectionState(domain.Disconnected, false)
		m.logger.Error("Ledger stream reconnect attempts exhausted",
			slog.Int("max_attempts", m.cfg.MaxAttempts),
			slog.Any("error", cause),
		)
		return
	}

	delay := m.cfg.ReconnectDelay(attempt)
	m.reconnectTimer = m.clock.AfterFunc(delay, m.onReconnectTimer)
	m.mu.Unlock()

	m.metrics.SetConnectionState(domain.Disconnected, false)
	m.metrics.RecordReconnectAttempt()
	m.logger.Warn("Ledger stream disconnected, reconnecting",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", cause),
	)
}

func (m *Manager) onReconnectTimer() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if !m.shouldReconnect {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()
	m.connect()
}

// SetAddress switches the watched wallet. While connected the tx subscriptions are moved
// immediately; after reconnect exhaustion the manager restarts.
func (m *Manager) SetAddress(address string) {
	m.subMu.Lock()
	m.mu.Lock()
	s := m.session
	connected := m.state == domain.Connected && s != nil
	changed := address != m.tracker.Address()
	var frames frameQueue
	_ = m.tracker.ChangeAddress(address, connected, frames.push)
	restart := changed && m.exhausted
	m.mu.Unlock()

	var err error
	if len(frames) > 0 {
		err = frames.flush(s.send)
	}
	m.subMu.Unlock()

	if err != nil {
		m.logger.Warn("Moving tx subscriptions failed", slog.Any("error", err))
		m.handleClose(s, err)
	}
	if restart {
		m.Restart()
	}
}

// Restart resets the attempt counter and reconnects if the channel is down.
func (m *Manager) Restart() {
	m.mu.Lock()
	if m.closed || !m.started {
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.attempts = 0
	m.exhausted = false
	m.shouldReconnect = true
	if m.state != domain.Disconnected {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Restarting ledger stream")
	go func() {
		defer m.wg.Done()
		m.connect()
	}()
}

// Close stops reconnecting and closes the channel. It blocks until background goroutines exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.shouldReconnect = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	s := m.session
	m.session = nil
	m.state = domain.Disconnected
	m.live.Store(false)
	m.tracker.OnDisconnect()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s != nil {
		s.closeIntentional()
	}
	m.wg.Wait()

	m.metrics.SetConnectionState(domain.Disconnected, false)
	m.logger.Info("Ledger stream closed")
	return nil
}

// IsLive reports whether the channel is open with its subscriptions sent.
func (m *Manager) IsLive() bool {
	return m.live.Load()
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnects since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Address returns the watched wallet address.
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Address()
}

// Subscriptions returns the tracker's view of live subscriptions.
func (m *Manager) Subscriptions() []domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Subscriptions()
}

// ======================================================================================
// Session
// ======================================================================================

// session is one open transport. intentional marks closes the manager asked for.
type session struct {
	conn        Conn
	writeMu     sync.Mutex
	intentional atomic.Bool
	done        chan struct{}
	closeOnce   sync.Once
}

func newSession(conn Conn) *session {
	return &session{conn: conn, done: make(chan struct{})}
}

func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return domain.ErrNotConnected
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *session) send(method string, id int, query string) error {
	payload, err := encodeRequest(method, id, query)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, payload)
}

func (s *session) closeIntentional() {
	s.intentional.Store(true)
	_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason))
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
