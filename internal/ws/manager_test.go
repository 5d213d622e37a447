package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"marketchat/internal/models"
	"marketchat/internal/outbox"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWS struct {
	readCh    chan []byte
	writeCh   chan models.Frame
	closeCh   chan struct{}
	closeOnce sync.Once
	writeErr  error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan models.Frame, 100),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.readCh:
		return 1, data, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockWS) WriteMessage(_ int, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	f, err := models.ParseFrame(data)
	if err != nil {
		return err
	}
	m.writeCh <- f
	return nil
}

func (m *mockWS) SetWriteDeadline(time.Time) error { return nil }

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) next(t *testing.T) models.Frame {
	t.Helper()
	select {
	case f := <-m.writeCh:
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame written")
		return models.Frame{}
	}
}

// mockDialer hands out the queued results in order and fails once they run
// out.
type mockDialer struct {
	mu      sync.Mutex
	results []any
	calls   int
	urls    []string
}

func (d *mockDialer) push(results ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

func (d *mockDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.urls = append(d.urls, url)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	switch v := r.(type) {
	case *mockWS:
		return v, nil
	case error:
		return nil, v
	}
	panic(fmt.Sprintf("unexpected dial result %T", r))
}

func (d *mockDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Publish(ev models.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) statuses() []models.ConnectionStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var result []models.ConnectionStatus
	for _, ev := range n.events {
		if ev.Kind == models.EventStatus {
			result = append(result, ev.Status)
		}
	}
	return result
}

func testConfig() Config {
	return Config{
		URL:                  "ws://relay.test/ws",
		Token:                "secret",
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    time.Second,
		MaxReconnectDelay:    10 * time.Second,
		MaxReconnectAttempts: 3,
		AutoReconnect:        true,
	}
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *mockDialer, clockwork.FakeClock) {
	t.Helper()
	dialer := &mockDialer{}
	clock := clockwork.NewFakeClock()
	opts = append([]Option{WithDialer(dialer), WithClock(clock)}, opts...)
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, dialer, clock
}

func waitStatus(t *testing.T, m *Manager, want models.ConnectionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status() == want
	}, time.Second, 5*time.Millisecond, "status never became %s", want)
}

func TestManager_ConnectAndSend(t *testing.T) {
	notifier := &recordingNotifier{}
	m, dialer, _ := newTestManager(t, testConfig(), WithNotifier(notifier))
	conn := newMockWS()
	dialer.push(conn)

	assert.Equal(t, models.StatusDisconnected, m.Status())
	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())
	assert.Contains(t, dialer.urls[0], "token=secret")

	f := models.MustFrame(models.FrameTyping, models.TypingIndicator{ConversationID: "c1", UserID: "u1", IsTyping: true})
	require.NoError(t, m.Send(f))
	assert.Equal(t, models.FrameTyping, conn.next(t).Type)

	// Connecting while connected is a no-op.
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, dialer.Calls())

	assert.Equal(t, []models.ConnectionStatus{models.StatusConnecting, models.StatusConnected}, notifier.statuses())
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())

	err := m.Send(models.Frame{Type: models.FramePing})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_Deliver(t *testing.T) {
	m, dialer, _ := newTestManager(t, testConfig())
	msg := models.Message{ID: "local_1", ConversationID: "c1", SenderID: "me", Content: "hi", Type: models.MessageTypeText}

	assert.True(t, m.Deliver(msg))
	assert.Equal(t, 1, m.Queue().Len())

	conn := newMockWS()
	dialer.push(conn)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 0, m.Queue().Len())
	assert.Equal(t, models.FrameMessage, conn.next(t).Type)

	assert.False(t, m.Deliver(msg))
	assert.Equal(t, models.FrameMessage, conn.next(t).Type)

	conn.writeErr = errors.New("broken pipe")
	assert.True(t, m.Deliver(msg))
	assert.Equal(t, 1, m.Queue().Len())
}

func TestManager_DeliverFailureKeepsOrder(t *testing.T) {
	m, dialer, clock := newTestManager(t, testConfig())
	broken := newMockWS()
	broken.writeErr = errors.New("broken pipe")
	dialer.push(broken)
	require.NoError(t, m.Connect(context.Background()))

	first := models.Message{ID: "local_1", ConversationID: "c1", SenderID: "me", Content: "first", Type: models.MessageTypeText}
	second := models.Message{ID: "local_2", ConversationID: "c1", SenderID: "me", Content: "second", Type: models.MessageTypeText}

	// The failed write drops the socket, so the next message cannot
	// overtake the queued one.
	assert.True(t, m.Deliver(first))
	assert.True(t, broken.isClosed())
	assert.Equal(t, models.StatusReconnecting, m.Status())
	assert.True(t, m.Deliver(second))
	assert.Equal(t, 2, m.Queue().Len())

	fresh := newMockWS()
	dialer.push(fresh)
	clock.Advance(time.Second)
	waitStatus(t, m, models.StatusConnected)

	for _, want := range []string{"first", "second"} {
		var got models.Message
		require.NoError(t, fresh.next(t).Decode(&got))
		assert.Equal(t, want, got.Content)
	}
	assert.Equal(t, 0, m.Queue().Len())
}

func TestManager_DrainsQueueOnOpen(t *testing.T) {
	q, err := outbox.New()
	require.NoError(t, err)
	q.Enqueue(models.Message{ID: "local_1", ConversationID: "c1", SenderID: "me", Content: "first", Type: models.MessageTypeText})
	q.Enqueue(models.Message{ID: "local_2", ConversationID: "c1", SenderID: "me", Content: "second", Type: models.MessageTypeText})

	m, dialer, _ := newTestManager(t, testConfig(), WithQueue(q))
	conn := newMockWS()
	dialer.push(conn)

	require.NoError(t, m.Connect(context.Background()))

	for _, want := range []string{"first", "second"} {
		f := conn.next(t)
		require.Equal(t, models.FrameMessage, f.Type)
		var msg models.Message
		require.NoError(t, f.Decode(&msg))
		assert.Equal(t, want, msg.Content)
	}
	assert.Equal(t, 0, q.Len())
}

func TestManager_DrainFailureKeepsQueue(t *testing.T) {
	q, err := outbox.New()
	require.NoError(t, err)
	q.Enqueue(models.Message{ID: "local_1", ConversationID: "c1", SenderID: "me", Content: "first", Type: models.MessageTypeText})

	m, dialer, _ := newTestManager(t, testConfig(), WithQueue(q))
	conn := newMockWS()
	conn.writeErr = errors.New("broken pipe")
	dialer.push(conn)

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, 1, q.Len())
	assert.True(t, conn.isClosed())
	assert.Equal(t, models.StatusReconnecting, m.Status())
}

func TestManager_ReconnectWithBackoff(t *testing.T) {
	m, dialer, clock := newTestManager(t, testConfig())
	dialer.push(errors.New("refused"), errors.New("refused"))
	conn := newMockWS()
	dialer.push(conn)

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, models.StatusReconnecting, m.Status())
	assert.Equal(t, 1, m.Attempts())

	// The first retry is due after the base interval.
	clock.Advance(999 * time.Millisecond)
	assert.Never(t, func() bool { return dialer.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		return dialer.Calls() == 2 && m.Status() == models.StatusReconnecting && m.Attempts() == 2
	}, time.Second, 5*time.Millisecond)

	// The second one after twice that.
	clock.Advance(2 * time.Second)
	waitStatus(t, m, models.StatusConnected)
	assert.Equal(t, 3, dialer.Calls())
	assert.Equal(t, 0, m.Attempts())
	assert.NoError(t, m.Error())
}

func TestManager_ReconnectExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	m, dialer, clock := newTestManager(t, cfg)

	// The failed Connect is the first of the two allowed opens.
	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, models.StatusReconnecting, m.Status())
	assert.Equal(t, 1, m.Attempts())
	clock.Advance(time.Second)

	waitStatus(t, m, models.StatusDisconnected)
	require.Eventually(t, func() bool { return m.Error() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Error(), ErrReconnectExhausted)
	assert.Equal(t, 2, dialer.Calls())
	assert.Equal(t, 2, m.Attempts())

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return dialer.Calls() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManager_LostConnectionExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	m, dialer, clock := newTestManager(t, cfg)
	conn := newMockWS()
	dialer.push(conn)

	require.NoError(t, m.Connect(context.Background()))
	conn.Close()

	// Losing the open connection is not a failed open; the two reopens are.
	waitStatus(t, m, models.StatusReconnecting)
	assert.Equal(t, 0, m.Attempts())
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return dialer.Calls() == 2 && m.Attempts() == 1 && m.Status() == models.StatusReconnecting
	}, time.Second, 5*time.Millisecond)
	clock.Advance(time.Second)

	waitStatus(t, m, models.StatusDisconnected)
	require.Eventually(t, func() bool { return m.Error() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Error(), ErrReconnectExhausted)
	assert.Equal(t, 3, dialer.Calls())
}

func TestManager_Unauthorized(t *testing.T) {
	m, dialer, clock := newTestManager(t, testConfig())
	dialer.push(fmt.Errorf("%w: 401 Unauthorized", ErrUnauthorized))

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, models.StatusError, m.Status())
	assert.ErrorIs(t, m.Error(), ErrUnauthorized)

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return dialer.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManager_NoAutoReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	m, dialer, clock := newTestManager(t, cfg)

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, models.StatusDisconnected, m.Status())
	assert.Error(t, m.Error())

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return dialer.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManager_ConnectionLost(t *testing.T) {
	m, dialer, clock := newTestManager(t, testConfig())
	first, second := newMockWS(), newMockWS()
	dialer.push(first, second)

	require.NoError(t, m.Connect(context.Background()))
	first.Close()

	waitStatus(t, m, models.StatusReconnecting)
	clock.Advance(time.Second)
	waitStatus(t, m, models.StatusConnected)

	require.NoError(t, m.Send(models.Frame{Type: models.FramePing}))
	assert.Equal(t, models.FramePing, second.next(t).Type)
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	m, dialer, clock := newTestManager(t, testConfig())

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, models.StatusReconnecting, m.Status())

	m.Disconnect()
	assert.Equal(t, models.StatusDisconnected, m.Status())

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return dialer.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManager_DisconnectClosesSocket(t *testing.T) {
	m, dialer, clock := newTestManager(t, testConfig())
	conn := newMockWS()
	dialer.push(conn)

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.True(t, conn.isClosed())
	assert.Equal(t, models.StatusDisconnected, m.Status())
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return dialer.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManager_ReconnectResetsBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	m, dialer, _ := newTestManager(t, cfg)

	require.Error(t, m.Connect(context.Background()))
	assert.ErrorIs(t, m.Error(), ErrReconnectExhausted)

	conn := newMockWS()
	dialer.push(conn)
	require.NoError(t, m.Reconnect(context.Background()))
	assert.True(t, m.IsConnected())
	assert.NoError(t, m.Error())
}

func TestManager_Heartbeat(t *testing.T) {
	m, dialer, clock := newTestManager(t, testConfig())
	conn := newMockWS()
	dialer.push(conn)

	require.NoError(t, m.Connect(context.Background()))
	clock.Advance(30 * time.Second)

	assert.Equal(t, models.FramePing, conn.next(t).Type)
}

func TestManager_InboundFrames(t *testing.T) {
	var (
		mu       sync.Mutex
		received []models.Frame
	)
	handler := func(f models.Frame) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, f)
	}
	notifier := &recordingNotifier{}
	m, dialer, _ := newTestManager(t, testConfig(), WithHandler(handler), WithNotifier(notifier))
	conn := newMockWS()
	dialer.push(conn)
	require.NoError(t, m.Connect(context.Background()))

	t.Run("PingIsAnswered", func(t *testing.T) {
		conn.readCh <- []byte(`{"type":"ping"}`)
		assert.Equal(t, models.FramePong, conn.next(t).Type)
	})

	t.Run("ErrorFrameSetsError", func(t *testing.T) {
		conn.readCh <- []byte(`{"type":"error","data":{"message":"rate limited"}}`)
		require.Eventually(t, func() bool { return m.Error() != nil }, time.Second, 5*time.Millisecond)

		var serverErr *ServerError
		require.ErrorAs(t, m.Error(), &serverErr)
		assert.Equal(t, "rate limited", serverErr.Message)
		assert.True(t, m.IsConnected())

		m.ClearError()
		assert.NoError(t, m.Error())
	})

	t.Run("MalformedFramesAreDropped", func(t *testing.T) {
		conn.readCh <- []byte(`not json`)
		conn.readCh <- []byte(`{"type":"bogus"}`)
		conn.readCh <- []byte(`{"type":"presence","data":{"userId":"u2","isOnline":true}}`)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(received) == 1
		}, time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, models.FramePresence, received[0].Type)
		assert.True(t, m.IsConnected())
	})
}

func TestManager_Backoff(t *testing.T) {
	m, _, _ := newTestManager(t, Config{
		URL:               "ws://relay.test/ws",
		ReconnectInterval: time.Second,
		MaxReconnectDelay: 5 * time.Second,
	})

	assert.Equal(t, time.Second, m.backoff(0))
	assert.Equal(t, time.Second, m.backoff(1))
	assert.Equal(t, 2*time.Second, m.backoff(2))
	assert.Equal(t, 4*time.Second, m.backoff(3))
	assert.Equal(t, 5*time.Second, m.backoff(4))
	assert.Equal(t, 5*time.Second, m.backoff(10))
}

func TestEndpoint(t *testing.T) {
	u, err := Endpoint("ws://relay.test/ws?room=1", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.test/ws?room=1&token=a+b", u)

	u, err = Endpoint("ws://relay.test/ws", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.test/ws", u)

	assert.Equal(t, "ws://relay.test/ws?token=REDACTED", redact("ws://relay.test/ws?token=secret"))
}
