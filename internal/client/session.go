// Package client assembles the messaging components into the session API
// used by the UI.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marketchat/internal/chat"
	"marketchat/internal/config"
	"marketchat/internal/events"
	"marketchat/internal/metrics"
	"marketchat/internal/models"
	"marketchat/internal/outbox"
	"marketchat/internal/presence"
	"marketchat/internal/storage"
	"marketchat/internal/typing"
	"marketchat/internal/ws"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(*options)

type options struct {
	dialer     ws.Dialer
	clock      clockwork.Clock
	registerer prometheus.Registerer
	storage    *storage.BboltStorage
}

func WithDialer(d ws.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer registers the session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithStorage uses an already open cache instead of opening CacheDB. The
// caller keeps ownership of it.
func WithStorage(s *storage.BboltStorage) Option {
	return func(o *options) { o.storage = s }
}

// Session is one logged-in user's messaging client. Create it on login and
// Close it on logout.
type Session struct {
	userID string

	events   *events.Broadcaster
	metrics  *metrics.Client
	conn     *ws.Manager
	store    *chat.Store
	typing   *typing.Coordinator
	presence *presence.Tracker

	storage     *storage.BboltStorage
	ownsStorage bool
	logger      *slog.Logger
}

func New(cfg *config.Config, opts ...Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	s := &Session{
		userID:  cfg.UserID,
		events:  events.NewBroadcaster(),
		metrics: metrics.NewClient(o.registerer),
		storage: o.storage,
		logger:  slog.Default().With("component", "session", "user_id", cfg.UserID),
	}

	if s.storage == nil && cfg.CacheDB != "" {
		db, err := storage.NewBboltStorage(cfg.CacheDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		s.storage = db
		s.ownsStorage = true
	}

	queueOpts := []outbox.Option{
		outbox.WithLengthObserver(func(n int) { s.metrics.QueueDepth.Set(float64(n)) }),
	}
	if s.storage != nil {
		queueOpts = append(queueOpts, outbox.WithJournal(s.storage))
	}
	queue, err := outbox.New(queueOpts...)
	if err != nil {
		s.closeStorage()
		return nil, err
	}

	managerOpts := []ws.Option{
		ws.WithClock(o.clock),
		ws.WithQueue(queue),
		ws.WithNotifier(s.events),
		ws.WithMetrics(s.metrics),
		ws.WithHandler(s.dispatch),
	}
	if o.dialer != nil {
		managerOpts = append(managerOpts, ws.WithDialer(o.dialer))
	}
	s.conn, err = ws.NewManager(ws.Config{
		URL:                  cfg.ServerURL,
		Token:                cfg.Token,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectDelay:    cfg.MaxReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		AutoReconnect:        cfg.AutoReconnect,
	}, managerOpts...)
	if err != nil {
		s.closeStorage()
		return nil, err
	}

	storeConfig := chat.Config{
		UserID:    cfg.UserID,
		Transport: s.conn,
		Notifier:  s.events,
		Clock:     o.clock,
	}
	if s.storage != nil {
		storeConfig.Persister = s.storage
	}
	s.store = chat.New(storeConfig)

	s.typing = typing.New(typing.Config{
		UserID:    cfg.UserID,
		Transport: s.conn,
		State:     s.store,
		Clock:     o.clock,
		Timeout:   cfg.TypingTimeout,
	})
	s.presence = presence.New(s.store, s.events, o.clock)
	s.store.SetPresenceSource(s.presence)

	if err := s.store.Load(); err != nil {
		s.logger.Warn("failed to load cached conversations", "error", err)
	}

	return s, nil
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) ConnectionStatus() models.ConnectionStatus {
	return s.conn.Status()
}

func (s *Session) IsConnected() bool {
	return s.conn.IsConnected()
}

func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

func (s *Session) Reconnect(ctx context.Context) error {
	return s.conn.Reconnect(ctx)
}

func (s *Session) Disconnect() {
	s.conn.Disconnect()
}

func (s *Session) Error() error {
	return s.conn.Error()
}

func (s *Session) ClearError() {
	s.conn.ClearError()
}

func (s *Session) Messages(conversationID string) []models.Message {
	return s.store.Messages(conversationID)
}

func (s *Session) Message(id string) (models.Message, error) {
	return s.store.Message(id)
}

// SendMessage sends a message in the conversation. It succeeds while
// offline; the message is delivered once the connection is back.
func (s *Session) SendMessage(conversationID, content string, msgType models.MessageType, attachments ...models.Attachment) (models.Message, error) {
	msg, err := s.store.SendMessage(conversationID, content, msgType, attachments...)
	if err != nil {
		return msg, err
	}
	// Sending ends the typing burst.
	s.typing.EndBurst(conversationID)
	return msg, nil
}

func (s *Session) MarkAsRead(conversationID, messageID string) error {
	return s.store.MarkAsRead(conversationID, messageID)
}

func (s *Session) MarkConversationAsRead(conversationID string) error {
	return s.store.MarkConversationAsRead(conversationID)
}

func (s *Session) Conversations() []models.Conversation {
	return s.store.Conversations()
}

func (s *Session) Conversation(id string) (models.Conversation, error) {
	return s.store.Conversation(id)
}

// Open returns the direct conversation with peer, creating it locally if
// there was none.
func (s *Session) Open(peer models.Participant) models.Conversation {
	return s.store.Open(peer)
}

// Seed adds conversations and messages fetched from the REST backend.
func (s *Session) Seed(conversations []models.Conversation, messages []models.Message) {
	s.store.Seed(conversations, messages)
}

func (s *Session) ActiveConversationID() string {
	return s.store.ActiveConversationID()
}

func (s *Session) SetActiveConversation(id string) error {
	return s.store.SetActiveConversation(id)
}

func (s *Session) SendTypingIndicator(conversationID string, isTyping bool) {
	s.typing.NotifyTyping(conversationID, isTyping)
}

func (s *Session) TypingUsers(conversationID string) []string {
	return s.typing.TypingUsers(conversationID)
}

func (s *Session) Presence(userID string) (models.Presence, bool) {
	return s.presence.Lookup(userID)
}

func (s *Session) QueueLength() int {
	return s.conn.Queue().Len()
}

// Subscribe returns a channel of change events and a function that ends the
// subscription. Slow subscribers miss events rather than block the session.
func (s *Session) Subscribe(buffer int) (<-chan models.Event, func()) {
	return s.events.Subscribe(buffer)
}

// Close tears the session down: timers stop, the connection closes and
// subscriptions end.
func (s *Session) Close() error {
	s.typing.Stop()
	s.conn.Close()
	s.events.Close()
	return s.closeStorage()
}

func (s *Session) closeStorage() error {
	if s.storage == nil || !s.ownsStorage {
		return nil
	}
	return s.storage.Close()
}

// dispatch routes inbound frames to the component that owns their state.
func (s *Session) dispatch(f models.Frame) {
	var err error
	switch f.Type {
	case models.FrameMessage:
		var msg models.Message
		if err = f.Decode(&msg); err == nil {
			s.store.ApplyMessage(msg)
		}
	case models.FrameTyping:
		var ind models.TypingIndicator
		if err = f.Decode(&ind); err == nil {
			s.typing.HandleRemote(ind)
		}
	case models.FrameRead:
		var receipt models.ReadPayload
		if err = f.Decode(&receipt); err == nil {
			s.store.ApplyRead(receipt)
		}
	case models.FramePresence:
		var p models.PresencePayload
		if err = f.Decode(&p); err == nil {
			s.presence.Apply(p)
		}
	default:
		err = fmt.Errorf("%w: no handler for %s", models.ErrUnknownFrame, f.Type)
	}

	if err != nil {
		reason := "invalid_payload"
		if errors.Is(err, models.ErrUnknownFrame) {
			reason = "unknown_type"
		}
		s.metrics.FramesDropped.WithLabelValues(reason).Inc()
		s.logger.Warn("discarding inbound frame", "type", f.Type, "error", err)
	}
}
