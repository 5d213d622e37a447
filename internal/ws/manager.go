package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/debounce"
	"marketchat/internal/events"
	"marketchat/internal/metrics"
	"marketchat/internal/models"
	"marketchat/internal/outbox"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrUnauthorized       = errors.New("connection rejected by server")
	ErrClosed             = errors.New("connection manager closed")
	ErrAborted            = errors.New("connect aborted")
)

// ServerError is an application error pushed by the server in an error frame.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

type Config struct {
	URL                  string
	Token                string
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	AutoReconnect        bool
}

// Handler receives the inbound frames the manager does not handle itself
// (everything except ping, pong and error).
type Handler func(models.Frame)

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithQueue(q *outbox.Queue) Option {
	return func(m *Manager) { m.queue = q }
}

func WithNotifier(n events.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithMetrics(mt *metrics.Client) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithHandler(h Handler) Option {
	return func(m *Manager) { m.handler = h }
}

type nopNotifier struct{}

func (nopNotifier) Publish(models.Event) {}

var allStatuses = []models.ConnectionStatus{
	models.StatusConnecting,
	models.StatusConnected,
	models.StatusDisconnected,
	models.StatusReconnecting,
	models.StatusError,
}

// Manager owns the single connection of a session.
//
//	disconnected --Connect--> connecting --open--> connected
//	connected --close/error--> disconnected --> reconnecting --timer--> connecting
//
// Reconnecting is bounded by MaxReconnectAttempts; once exhausted the
// manager stays disconnected with ErrReconnectExhausted in the error slot
// until Connect or Reconnect is called.
type Manager struct {
	cfg      Config
	dialer   Dialer
	clock    clockwork.Clock
	queue    *outbox.Queue
	notifier events.Notifier
	metrics  *metrics.Client
	handler  Handler
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	reconnect *debounce.Timer

	mu          sync.Mutex
	status      models.ConnectionStatus
	err         error
	conn        Conn
	gen         uint64 // bumped whenever the current conn is replaced or torn down
	dialSeq     uint64 // bumped whenever an in-flight dial must be discarded
	attempts    int
	manualClose bool
	closed      bool
	stopBeat    chan struct{}

	writeMu sync.Mutex
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if _, err := Endpoint(cfg.URL, cfg.Token); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		status: models.StatusDisconnected,
		logger: slog.Default().With("component", "ws"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.dialer == nil {
		m.dialer = NewGorillaDialer()
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.queue == nil {
		q, err := outbox.New()
		if err != nil {
			return nil, err
		}
		m.queue = q
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.metrics == nil {
		m.metrics = metrics.NewClient(nil)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.reconnect = debounce.New(m.clock, cfg.ReconnectInterval, m.retry)
	m.recordStatus(m.status)

	return m, nil
}

// Connect opens the connection. It is a no-op while connected or
// connecting. The returned error is the dial error; with auto-reconnect the
// manager keeps retrying in the background regardless.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status == models.StatusConnected || m.status == models.StatusConnecting {
		m.mu.Unlock()
		return nil
	}
	seq := m.beginLocked()
	m.mu.Unlock()

	return m.open(ctx, seq)
}

// Reconnect drops the current connection, if any, and connects again with
// a fresh attempt budget.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.teardownLocked()
	m.err = nil
	seq := m.beginLocked()
	m.mu.Unlock()

	return m.open(ctx, seq)
}

// Disconnect closes the connection on purpose: no reconnect follows until
// Connect or Reconnect is called.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.manualClose = true
	m.dialSeq++
	m.attempts = 0
	m.reconnect.Cancel()
	m.teardownLocked()
	m.setStatusLocked(models.StatusDisconnected)
}

// Close disconnects and releases the manager. It cannot be used afterwards.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
}

// Send writes a frame on the live connection. It fails with ErrNotConnected
// when there is none; callers decide whether to queue.
func (m *Manager) Send(f models.Frame) error {
	m.mu.Lock()
	if m.status != models.StatusConnected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.write(conn, f); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Deliver sends a chat message on the live connection, or queues it when
// there is none or the write fails. It reports whether the message was
// queued. Holding the state lock makes it atomic with the queue drain on
// open, so a message is never queued behind a drain that already ran.
// A failed write drops the connection, so later messages queue behind this
// one instead of overtaking it on the dead socket.
func (m *Manager) Deliver(msg models.Message) (queued bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != models.StatusConnected || m.conn == nil {
		m.queue.Enqueue(msg)
		return true
	}

	f, err := models.NewFrame(models.FrameMessage, msg)
	if err != nil {
		m.logger.Warn("failed to encode message, queueing", "message_id", msg.ID, "error", err)
		m.queue.Enqueue(msg)
		return true
	}
	if err := m.write(m.conn, f); err != nil {
		m.logger.Warn("failed to send message, queueing", "message_id", msg.ID, "error", err)
		m.queue.Enqueue(msg)
		m.teardownLocked()
		m.failLocked(err, false)
		return true
	}
	return false
}

func (m *Manager) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) IsConnected() bool {
	return m.Status() == models.StatusConnected
}

// Error returns the error surfaced to callers: a terminal transport error or
// the last application error pushed by the server.
func (m *Manager) Error() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Manager) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		return
	}
	m.err = nil
	m.notifier.Publish(models.Event{Kind: models.EventError})
}

// Attempts returns the number of consecutive failed opens since the last
// successful one.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) Queue() *outbox.Queue {
	return m.queue
}

func (m *Manager) beginLocked() uint64 {
	m.manualClose = false
	m.attempts = 0
	m.reconnect.Cancel()
	m.dialSeq++
	m.setStatusLocked(models.StatusConnecting)
	return m.dialSeq
}

func (m *Manager) open(ctx context.Context, seq uint64) error {
	endpoint, err := Endpoint(m.cfg.URL, m.cfg.Token)
	if err != nil {
		return err
	}

	conn, dialErr := m.dialer.Dial(ctx, endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.dialSeq || m.closed {
		// Disconnect or another connect happened while dialing.
		if conn != nil {
			_ = conn.Close()
		}
		return ErrAborted
	}

	if dialErr != nil {
		m.logger.Warn("failed to connect", "error", dialErr, "attempt", m.attempts)
		m.failLocked(dialErr, true)
		return dialErr
	}

	m.gen++
	m.conn = conn

	sent, err := m.queue.Drain(func(msg models.Message) error {
		f, err := models.NewFrame(models.FrameMessage, msg)
		if err != nil {
			return err
		}
		return m.write(conn, f)
	})
	if err != nil {
		m.logger.Warn("failed to flush outbound queue", "sent", sent, "error", err)
		m.teardownLocked()
		m.failLocked(err, true)
		return err
	}
	if sent > 0 {
		m.logger.Info("flushed outbound queue", "sent", sent)
	}

	m.attempts = 0
	m.err = nil
	m.setStatusLocked(models.StatusConnected)
	m.startHeartbeatLocked(conn)
	go m.readLoop(conn, m.gen)

	return nil
}

// failLocked moves the manager out of connecting/connected after a transport
// failure and schedules the next attempt if the budget allows. failedOpen
// counts the failure against MaxReconnectAttempts; losing an established
// connection does not.
func (m *Manager) failLocked(cause error, failedOpen bool) {
	if m.manualClose || m.closed {
		m.setStatusLocked(models.StatusDisconnected)
		return
	}

	if errors.Is(cause, ErrUnauthorized) {
		m.err = cause
		m.setStatusLocked(models.StatusError)
		m.notifier.Publish(models.Event{Kind: models.EventError, Err: cause})
		return
	}

	m.setStatusLocked(models.StatusDisconnected)

	if !m.cfg.AutoReconnect {
		m.err = cause
		m.notifier.Publish(models.Event{Kind: models.EventError, Err: cause})
		return
	}

	if failedOpen {
		m.attempts++
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.err = fmt.Errorf("%w after %d failed opens: %v", ErrReconnectExhausted, m.attempts, cause)
		m.logger.Error("giving up reconnecting", "attempts", m.attempts, "error", cause)
		m.notifier.Publish(models.Event{Kind: models.EventError, Err: m.err})
		return
	}

	delay := m.backoff(m.attempts)
	m.metrics.ReconnectAttempts.Inc()
	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)
	m.setStatusLocked(models.StatusReconnecting)
	m.reconnect.ArmAfter(delay)
}

// backoff returns the wait before the next open after the given number of
// failed ones. The first retry waits ReconnectInterval.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.ReconnectInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if m.cfg.MaxReconnectDelay > 0 && delay >= m.cfg.MaxReconnectDelay {
			return m.cfg.MaxReconnectDelay
		}
	}
	return delay
}

// retry runs when the reconnect timer fires.
func (m *Manager) retry() {
	m.mu.Lock()
	if m.closed || m.manualClose || m.status != models.StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.dialSeq++
	seq := m.dialSeq
	m.setStatusLocked(models.StatusConnecting)
	m.mu.Unlock()

	_ = m.open(m.ctx, seq)
}

func (m *Manager) teardownLocked() {
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("error closing websocket", "error", err)
		}
		m.conn = nil
	}
	m.gen++
}

func (m *Manager) startHeartbeatLocked(conn Conn) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.stopBeat = stop
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	ping := models.Frame{Type: models.FramePing}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				// A missing pong is not fatal; a dead socket is noticed by
				// the read loop.
				if err := m.write(conn, ping); err != nil {
					m.logger.Debug("heartbeat failed", "error", err)
				}
			}
		}
	}()
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		m.receive(data)
	}
}

func (m *Manager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.conn == nil {
		return
	}
	m.logger.Info("connection lost", "error", cause)
	m.teardownLocked()
	m.failLocked(cause, false)
}

func (m *Manager) receive(data []byte) {
	f, err := models.ParseFrame(data)
	if err != nil {
		reason := "bad_json"
		if errors.Is(err, models.ErrUnknownFrame) {
			reason = "unknown_type"
		}
		m.metrics.FramesDropped.WithLabelValues(reason).Inc()
		m.logger.Warn("discarding inbound frame", "error", err)
		return
	}
	m.metrics.FramesReceived.WithLabelValues(string(f.Type)).Inc()

	switch f.Type {
	case models.FramePing:
		if err := m.Send(models.Frame{Type: models.FramePong}); err != nil {
			m.logger.Debug("failed to answer ping", "error", err)
		}
	case models.FramePong:
	case models.FrameError:
		var payload models.ErrorPayload
		if err := f.Decode(&payload); err != nil || payload.Message == "" {
			payload.Message = "unspecified error"
		}
		serverErr := &ServerError{Message: payload.Message}
		m.mu.Lock()
		m.err = serverErr
		m.mu.Unlock()
		m.logger.Warn("server reported an error", "message", payload.Message)
		m.notifier.Publish(models.Event{Kind: models.EventError, Err: serverErr})
	default:
		if m.handler != nil {
			m.handler(f)
		}
	}
}

func (m *Manager) write(conn Conn, f models.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	m.metrics.FramesSent.WithLabelValues(string(f.Type)).Inc()
	return nil
}

func (m *Manager) setStatusLocked(s models.ConnectionStatus) {
	if m.status == s {
		return
	}
	m.logger.Debug("connection status changed", "from", m.status, "to", s)
	m.status = s
	m.recordStatus(s)
	m.notifier.Publish(models.Event{Kind: models.EventStatus, Status: s})
}

func (m *Manager) recordStatus(s models.ConnectionStatus) {
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		m.metrics.ConnectionStatus.WithLabelValues(string(st)).Set(v)
	}
}
