// Package transport owns the single websocket to the tracking server:
// connect with timeout, handshake, heartbeat, and bounded linear reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/bifrost-vtt/conduit/internal/schedule"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxReconnectAttempts = 5

	writeWait = 10 * time.Second

	intentionalReason = "Intentional disconnect"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrConnectFailed = errors.New("connect failed")
	ErrGaveUp        = errors.New("max reconnection attempts reached")
	errSuperseded    = errors.New("connection attempt superseded")
)

// Phase is the connection lifecycle state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Config holds transport settings. Zero values fall back to the defaults.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	Heartbeat            bool
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return c
}

// URLFor builds the websocket URL for a host and port.
func URLFor(host string, port int) string {
	return fmt.Sprintf("ws://%s:%d", host, port)
}

// ReconnectDelay is the wait before reconnection attempt n (1-based).
// The growth is linear: base, 2×base, 3×base, ...
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// Observer receives connection lifecycle notifications.
type Observer interface {
	Connected()
	Disconnected(code int, reason string)
	GaveUp(attempts int)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnConnected    func()
	OnDisconnected func(code int, reason string)
	OnGaveUp       func(attempts int)
}

func (o ObserverFuncs) Connected() {
	if o.OnConnected != nil {
		o.OnConnected()
	}
}

func (o ObserverFuncs) Disconnected(code int, reason string) {
	if o.OnDisconnected != nil {
		o.OnDisconnected(code, reason)
	}
}

func (o ObserverFuncs) GaveUp(attempts int) {
	if o.OnGaveUp != nil {
		o.OnGaveUp(attempts)
	}
}

// Status is a point-in-time view of the connection.
type Status struct {
	Connected         bool      `json:"connected"`
	Phase             string    `json:"phase"`
	URL               string    `json:"url"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastAttemptAt     time.Time `json:"last_attempt_at"`
	LastError         string    `json:"last_error,omitempty"`
}

// Manager owns at most one live websocket.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	tasks  *schedule.Tasks
	dialer *ws.Dialer
	now    func() time.Time

	dialMu sync.Mutex

	mu            sync.Mutex
	conn          *ws.Conn
	phase         Phase
	attempts      int
	lastAttemptAt time.Time
	lastErr       error
	session       uint64 // bumped per socket, stale read loops compare against it
	epoch         uint64 // bumped by explicit Connect/Disconnect, cancels reconnect chains
	pending       *attempt

	onFrame   func([]byte)
	handshake func() any
	teardown  func()
	observers []Observer

	writeMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTasks shares a task set with other components.
func WithTasks(t *schedule.Tasks) Option {
	return func(m *Manager) { m.tasks = t }
}

// WithClock overrides the time source for outbound timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a disconnected Manager.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		dialer: &ws.Dialer{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tasks == nil {
		m.tasks = schedule.New()
	}
	m.dialer.HandshakeTimeout = m.cfg.ConnectTimeout
	return m
}

// OnFrame sets the handler that receives every inbound frame in arrival order.
func (m *Manager) OnFrame(h func(data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = h
}

// OnHandshake sets the builder for the frame sent right after the socket opens.
func (m *Manager) OnHandshake(f func() any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshake = f
}

// OnTeardown sets the hook run by Disconnect after the socket is closed.
func (m *Manager) OnTeardown(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown = f
}

// Observe registers a lifecycle observer.
func (m *Manager) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Connect opens the socket, waiting at most the configured connect timeout.
// It returns nil immediately when already connected. A failed attempt
// starts the reconnection sequence.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == Connected {
		m.mu.Unlock()
		m.logger.Debug("Already connected to tracking server")
		return nil
	}
	if a := m.pending; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	m.pending = a
	m.epoch++
	epoch := m.epoch
	m.attempts = 0
	m.mu.Unlock()
	m.tasks.Cancel(schedule.Reconnect)

	m.logger.Info("Attempting to connect to tracking server", "url", m.cfg.URL)
	err := m.dial(ctx, epoch)
	if err != nil && !errors.Is(err, errSuperseded) {
		m.logger.Warn("Connection failed", "url", m.cfg.URL, "error", err)
		m.attemptReconnect(epoch)
	}

	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
	a.err = err
	close(a.done)
	return err
}

// attempt is an explicit Connect in flight. Callers arriving meanwhile wait
// for its outcome instead of dialing again.
type attempt struct {
	done chan struct{}
	err  error
}

// dial performs one connection attempt belonging to epoch.
func (m *Manager) dial(ctx context.Context, epoch uint64) error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return errSuperseded
	}
	if m.phase == Connected {
		m.mu.Unlock()
		return nil
	}
	if m.phase == Disconnected {
		m.phase = Connecting
	}
	m.lastAttemptAt = m.now()
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(dctx, m.cfg.URL, nil)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
		m.mu.Lock()
		if m.epoch == epoch {
			m.lastErr = err
			if m.phase == Connecting {
				m.phase = Disconnected
			}
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = conn.Close()
		return errSuperseded
	}
	m.mu.Unlock()

	m.open(conn)
	return nil
}

func (m *Manager) open(conn *ws.Conn) {
	m.mu.Lock()
	m.session++
	session := m.session
	m.conn = conn
	m.phase = Connected
	m.attempts = 0
	m.lastErr = nil
	handshake := m.handshake
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.logger.Info("Connected to tracking server", "url", m.cfg.URL)

	if handshake != nil {
		m.Send(handshake())
	}
	if m.cfg.Heartbeat {
		m.startHeartbeat()
	}

	go m.readLoop(conn, session)

	for _, o := range observers {
		o.Connected()
	}
}

// readLoop delivers frames until the socket fails or closes.
func (m *Manager) readLoop(conn *ws.Conn, session uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeCode(err)
			m.closed(session, code, reason)
			return
		}

		m.mu.Lock()
		h := m.onFrame
		m.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func closeCode(err error) (int, string) {
	var ce *ws.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return ws.CloseAbnormalClosure, err.Error()
}

// closed handles the end of a session that was not torn down locally.
func (m *Manager) closed(session uint64, code int, reason string) {
	m.mu.Lock()
	if session != m.session || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.phase = Disconnected
	attempts := m.attempts
	epoch := m.epoch
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	_ = conn.Close()
	m.tasks.Cancel(schedule.Heartbeat)

	m.logger.Warn("Connection closed", "code", code, "reason", reason)
	for _, o := range observers {
		o.Disconnected(code, reason)
	}

	if code != ws.CloseNormalClosure && attempts < m.cfg.MaxReconnectAttempts {
		m.attemptReconnect(epoch)
	}
}

// attemptReconnect schedules the next attempt of the sequence owned by epoch.
func (m *Manager) attemptReconnect(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	m.phase = Reconnecting
	m.mu.Unlock()

	delay := ReconnectDelay(m.cfg.ReconnectDelay, attempt)
	m.logger.Info("Attempting reconnection",
		"attempt", attempt,
		"maxAttempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
	)

	m.tasks.After(schedule.Reconnect, delay, func() {
		err := m.dial(context.Background(), epoch)
		if err == nil || errors.Is(err, errSuperseded) {
			return
		}
		m.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)

		if attempt < m.cfg.MaxReconnectAttempts {
			m.attemptReconnect(epoch)
			return
		}
		m.giveUp(epoch, attempt)
	})
}

func (m *Manager) giveUp(epoch uint64, attempts int) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.phase = Disconnected
	m.lastErr = fmt.Errorf("%w after %d attempts", ErrGaveUp, attempts)
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.logger.Error("Max reconnection attempts reached", "attempts", attempts)
	for _, o := range observers {
		o.GaveUp(attempts)
	}
}

// Disconnect closes the socket with a normal-closure code, cancels the
// heartbeat and any pending reconnection, and runs the teardown hook.
// It never triggers reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.session++
	conn := m.conn
	m.conn = nil
	m.phase = Disconnected
	teardown := m.teardown
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.tasks.Cancel(schedule.Heartbeat)
	m.tasks.Cancel(schedule.Reconnect)

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, intentionalReason),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
	}

	if teardown != nil {
		teardown()
	}
	m.logger.Info("Disconnected from tracking server")

	if conn != nil {
		for _, o := range observers {
			o.Disconnected(ws.CloseNormalClosure, intentionalReason)
		}
	}
}

// Send serialises msg and writes it. It returns false when not connected or
// when encoding or writing fails.
func (m *Manager) Send(msg any) bool {
	kind := protocol.KindOf(msg)

	m.mu.Lock()
	conn := m.conn
	connected := m.phase == Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Warn("Cannot send message: not connected", "type", kind)
		return false
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Error("Failed to encode message", "type", kind, "error", err)
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		m.logger.Error("Failed to set write deadline", "type", kind, "error", err)
		return false
	}
	if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
		m.logger.Error("Failed to send message", "type", kind, "error", err)
		return false
	}

	m.logger.Debug("Sent message", "type", kind)
	return true
}

func (m *Manager) startHeartbeat() {
	m.tasks.Every(schedule.Heartbeat, m.cfg.HeartbeatInterval, func() {
		m.Send(protocol.NewPing(m.now()))
	})
}

// Connected reports whether the socket is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == Connected
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Connected:         m.phase == Connected,
		Phase:             m.phase.String(),
		URL:               m.cfg.URL,
		ReconnectAttempts: m.attempts,
		LastAttemptAt:     m.lastAttemptAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Err returns the last connection failure, or nil after a successful open.
// Once reconnection is exhausted it wraps ErrGaveUp.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
