package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"marketchat/internal/chat"
	"marketchat/internal/content"
	"marketchat/internal/metrics"
	"marketchat/internal/models"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const (
	// ServerIDPrefix starts every id the relay assigns to a message.
	ServerIDPrefix = "msg_"

	topicPrefix = "user."
	frameBuffer = 100
)

var (
	ErrForbidden   = errors.New("not a member of the conversation")
	ErrUnsupported = errors.New("frame type not accepted from clients")
	ErrClosed      = errors.New("hub is closed")
)

// Hub routes frames between connected users. Every user has a topic on an
// in-process pub/sub; all connections of the user subscribe to it.
type Hub struct {
	pubsub  *gochannel.GoChannel
	metrics *metrics.Relay
	now     func() time.Time

	// conversation id -> member ids
	members *geche.Locker[string, []string]
	// user id -> open connections
	online *geche.Locker[string, int]

	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

func NewHub(m *metrics.Relay) *Hub {
	if m == nil {
		m = metrics.NewRelay(nil)
	}
	return &Hub{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            frameBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NewStdLogger(false, false)),
		metrics: m,
		now:     time.Now,
		members: geche.NewLocker[string, []string](geche.NewMapCache[string, []string]()),
		online:  geche.NewLocker[string, int](geche.NewMapCache[string, int]()),
		logger:  slog.Default().With("component", "hub"),
	}
}

// Join subscribes a new connection of userID. The returned channel yields the
// frames addressed to the user and is closed by leave or by Close.
// The first connection of a user makes them online for everybody else.
func (h *Hub) Join(userID string) (<-chan models.Frame, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := h.pubsub.Subscribe(ctx, topic(userID))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to subscribe %s: %w", userID, err)
	}

	out := make(chan models.Frame, frameBuffer)
	go h.forward(userID, msgs, out)

	// Peers already online, before announcing the new one.
	for _, id := range h.Online() {
		if id == userID {
			continue
		}
		h.publish(userID, models.MustFrame(models.FramePresence, models.PresencePayload{UserID: id, IsOnline: true}))
	}

	if h.changeOnline(userID, 1) == 1 {
		h.broadcastPresence(userID, true)
	}
	h.logger.Info("user joined", "user_id", userID)

	var once sync.Once
	leave := func() {
		once.Do(func() {
			cancel()
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.changeOnline(userID, -1) == 0 && !h.closed {
				h.broadcastPresence(userID, false)
			}
			h.logger.Info("user left", "user_id", userID)
		})
	}
	return out, leave, nil
}

func (h *Hub) forward(userID string, msgs <-chan *message.Message, out chan<- models.Frame) {
	defer close(out)
	for msg := range msgs {
		f, err := models.ParseFrame(msg.Payload)
		if err != nil {
			h.logger.Error("failed to parse routed frame", "user_id", userID, "error", err)
			msg.Ack()
			continue
		}
		select {
		case out <- f:
		default:
			h.logger.Warn("connection is too slow, dropping frame", "user_id", userID, "type", f.Type)
		}
		msg.Ack()
	}
}

// Dispatch handles a frame received from userID.
//
// Messages get a relay id, keep the sender's id as clientId and go to every
// member of the conversation including the sender. Typing indicators go to
// the other members, read receipts to all of them.
func (h *Hub) Dispatch(userID string, f models.Frame) error {
	switch f.Type {
	case models.FrameMessage:
		var msg models.Message
		if err := f.Decode(&msg); err != nil {
			return err
		}
		return h.dispatchMessage(userID, msg)
	case models.FrameTyping:
		var ind models.TypingIndicator
		if err := f.Decode(&ind); err != nil {
			return err
		}
		ind.UserID = userID
		members, err := h.memberOf(userID, ind.ConversationID)
		if err != nil {
			return err
		}
		h.route(models.FrameTyping, ind, without(members, userID))
		return nil
	case models.FrameRead:
		var p models.ReadPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		p.UserID = userID
		if p.ReadAt.IsZero() {
			p.ReadAt = h.now().UTC()
		}
		members, err := h.memberOf(userID, p.ConversationID)
		if err != nil {
			return err
		}
		h.route(models.FrameRead, p, members)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, f.Type)
	}
}

func (h *Hub) dispatchMessage(userID string, msg models.Message) error {
	if msg.SenderID != userID {
		return fmt.Errorf("%w: sender %q", ErrForbidden, msg.SenderID)
	}
	if u1, u2, ok := chat.DirectMembers(msg.ConversationID); ok {
		if userID != u1 && userID != u2 {
			return ErrForbidden
		}
		if msg.ReceiverID == "" {
			msg.ReceiverID = u1
			if u1 == userID {
				msg.ReceiverID = u2
			}
		}
	}

	msg.Content = content.Sanitize(msg.Content)
	if msg.ClientID == "" {
		msg.ClientID = msg.ID
	}
	msg.ID = ServerIDPrefix + uuid.NewString()
	now := h.now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.DeliveredAt = &now
	msg.ReadAt = nil

	members := h.learn(msg.ConversationID, userID, msg.ReceiverID)
	h.route(models.FrameMessage, msg, members)
	return nil
}

// learn records the given users as members of the conversation and returns
// the updated member list.
func (h *Hub) learn(conversationID string, userIDs ...string) []string {
	tx := h.members.Lock()
	defer tx.Unlock()

	members, _ := tx.Get(conversationID)
	members = slices.Clone(members)
	for _, id := range userIDs {
		if id != "" && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	tx.Set(conversationID, members)
	return members
}

// memberOf returns the members of a conversation userID takes part in.
// Direct conversations are known from their id alone.
func (h *Hub) memberOf(userID, conversationID string) ([]string, error) {
	if u1, u2, ok := chat.DirectMembers(conversationID); ok {
		if userID != u1 && userID != u2 {
			return nil, ErrForbidden
		}
		return []string{u1, u2}, nil
	}

	tx := h.members.RLock()
	defer tx.Unlock()
	members, err := tx.Get(conversationID)
	if err != nil {
		// Nobody has written there yet, there is nobody to tell.
		return nil, nil
	}
	if !slices.Contains(members, userID) {
		return nil, ErrForbidden
	}
	return slices.Clone(members), nil
}

func (h *Hub) route(t models.FrameType, payload any, to []string) {
	f, err := models.NewFrame(t, payload)
	if err != nil {
		h.logger.Error("failed to build frame", "type", t, "error", err)
		return
	}
	for _, userID := range to {
		h.publish(userID, f)
	}
	h.metrics.FramesRouted.WithLabelValues(string(t)).Inc()
}

func (h *Hub) publish(userID string, f models.Frame) {
	payload, err := f.Encode()
	if err != nil {
		h.logger.Error("failed to encode frame", "type", f.Type, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(f.Type))
	if err := h.pubsub.Publish(topic(userID), msg); err != nil {
		h.logger.Error("failed to publish frame", "user_id", userID, "type", f.Type, "error", err)
	}
}

func (h *Hub) broadcastPresence(userID string, online bool) {
	p := models.PresencePayload{UserID: userID, IsOnline: online}
	if !online {
		now := h.now().UTC()
		p.LastSeen = &now
	}
	f := models.MustFrame(models.FramePresence, p)
	for _, id := range h.Online() {
		if id != userID {
			h.publish(id, f)
		}
	}
}

// changeOnline adjusts the connection count of a user and returns the new one.
func (h *Hub) changeOnline(userID string, delta int) int {
	tx := h.online.Lock()
	defer tx.Unlock()

	n, _ := tx.Get(userID)
	n += delta
	if n <= 0 {
		_ = tx.Del(userID)
		return 0
	}
	tx.Set(userID, n)
	return n
}

// Online returns the sorted ids of users with at least one open connection.
func (h *Hub) Online() []string {
	tx := h.online.RLock()
	snapshot := tx.Snapshot()
	tx.Unlock()

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops routing. Channels returned by Join are closed.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.pubsub.Close()
}

func topic(userID string) string {
	return topicPrefix + userID
}

func without(ids []string, userID string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}
