package chat

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"marketchat/internal/attachment"
	"marketchat/internal/content"
	"marketchat/internal/events"
	"marketchat/internal/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// LocalIDPrefix marks ids generated on this client. Server ids never carry
// it, so a locally created message cannot collide with a confirmed one.
const LocalIDPrefix = "local_"

// Transport is the connection side the store needs.
type Transport interface {
	// Deliver sends a chat message or queues it for later. It never fails.
	Deliver(msg models.Message) (queued bool)
	Send(f models.Frame) error
	IsConnected() bool
}

// Persister is a local cache of conversations and messages.
type Persister interface {
	UpsertConversation(conv models.Conversation) error
	UpsertMessage(msg models.Message) error
	ListConversations() ([]models.Conversation, error)
	ListMessages(conversationID string) ([]models.Message, error)
}

// PresenceSource reports the last known presence of a user.
type PresenceSource interface {
	Lookup(userID string) (models.Presence, bool)
}

type Config struct {
	UserID    string
	Transport Transport
	Notifier  events.Notifier
	Persister Persister
	Clock     clockwork.Clock
}

// Store owns the conversations and messages of a session. Everything it
// returns is a copy.
type Store struct {
	userID    string
	transport Transport
	notifier  events.Notifier
	persister Persister
	presence  PresenceSource
	clock     clockwork.Clock
	logger    *slog.Logger

	conversations map[string]*models.Conversation
	// messages of each conversation, ordered by CreatedAt
	messages map[string][]models.Message
	// message id, and server id of annotated messages, -> conversation id
	index map[string]string
	// server id -> local id
	aliases map[string]string
	active  string

	mux sync.RWMutex
}

type nopNotifier struct{}

func (nopNotifier) Publish(models.Event) {}

func New(config Config) *Store {
	s := &Store{
		userID:        config.UserID,
		transport:     config.Transport,
		notifier:      config.Notifier,
		persister:     config.Persister,
		clock:         config.Clock,
		logger:        slog.Default().With("component", "chat"),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		index:         make(map[string]string),
		aliases:       make(map[string]string),
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

func (s *Store) UserID() string {
	return s.userID
}

// SetPresenceSource makes participants added from now on start with the
// presence src already knows about.
func (s *Store) SetPresenceSource(src PresenceSource) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.presence = src
}

// DirectID returns the id of the one-to-one conversation between two users.
// It does not depend on the argument order. User ids never contain ':'.
func DirectID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm:%s:%s", ids[0], ids[1])
}

// DirectMembers returns the two users of a direct conversation id.
func DirectMembers(id string) (string, string, bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "dm" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Open returns the direct conversation with peer, creating it if needed.
func (s *Store) Open(peer models.Participant) models.Conversation {
	id := DirectID(s.userID, peer.ID)

	s.mux.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		conv = s.createLocked(id, peer)
	}
	snapshot := conv.Clone()
	s.mux.Unlock()

	if !ok {
		s.persistConversation(snapshot)
		s.notifier.Publish(models.Event{Kind: models.EventConversation, ConversationID: id})
	}
	return snapshot
}

// SendMessage adds a message from the current user to the conversation and
// hands it to the transport, which sends it right away or queues it. The
// message is visible in the store before the call returns, in pending
// state, whether or not it could be sent. An empty msgType is derived from
// the content and attachments.
func (s *Store) SendMessage(conversationID, body string, msgType models.MessageType, attachments ...models.Attachment) (models.Message, error) {
	body, err := content.Message(body, len(attachments) > 0)
	if err != nil {
		return models.Message{}, err
	}
	if msgType == "" {
		msgType = attachment.MessageType(body, attachments)
	}

	id := LocalIDPrefix + uuid.NewString()
	msg := models.Message{
		ID:             id,
		ClientID:       id,
		ConversationID: conversationID,
		SenderID:       s.userID,
		Content:        body,
		Type:           msgType,
		CreatedAt:      s.clock.Now().UTC(),
		State:          models.StatePending,
	}
	if len(attachments) > 0 {
		msg.Attachments = append([]models.Attachment(nil), attachments...)
	}

	s.mux.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = s.createLocked(conversationID)
	}
	msg.ReceiverID = s.peerLocked(conv)
	s.insertLocked(msg)
	convSnapshot := conv.Clone()
	s.mux.Unlock()

	s.persistMessage(msg)
	s.persistConversation(convSnapshot)
	s.notifier.Publish(models.Event{Kind: models.EventMessage, ConversationID: conversationID, MessageID: id})

	if queued := s.transport.Deliver(msg); queued {
		s.logger.Debug("message queued", "message_id", id, "conversation_id", conversationID)
	}

	return msg.Clone(), nil
}

// ApplyMessage merges a message pushed by the server. It reports whether
// the store changed.
//
// A message matches an existing entry by id, by client id, or, for servers
// that assign their own ids without echoing the client id, by being the
// oldest pending message of the current user in the conversation with the
// same content. A match confirms the pending entry in place and records the
// server id as an annotation; the local id is kept. Anything already
// confirmed is a duplicate and ignored.
func (s *Store) ApplyMessage(msg models.Message) bool {
	msg.Content = content.Sanitize(msg.Content)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now().UTC()
	}

	s.mux.Lock()

	if target, ok := s.matchLocked(msg); ok {
		confirmed := s.confirmLocked(target, msg)
		if !confirmed {
			s.mux.Unlock()
			s.logger.Debug("ignoring duplicate message", "message_id", msg.ID)
			return false
		}
		stored, _ := s.lookupLocked(target)
		s.mux.Unlock()

		s.persistMessage(stored)
		s.notifier.Publish(models.Event{Kind: models.EventMessage, ConversationID: stored.ConversationID, MessageID: stored.ID})
		return true
	}

	msg.State = models.StateConfirmed
	if msg.ClientID == msg.ID {
		msg.ClientID = ""
	}
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		conv = s.createLocked(msg.ConversationID, models.Participant{ID: msg.SenderID}, models.Participant{ID: msg.ReceiverID})
	}
	s.insertLocked(msg)
	convSnapshot := conv.Clone()
	s.mux.Unlock()

	s.persistMessage(msg)
	s.persistConversation(convSnapshot)
	s.notifier.Publish(models.Event{Kind: models.EventMessage, ConversationID: msg.ConversationID, MessageID: msg.ID})
	return true
}

// MarkAsRead marks an incoming message as read, or every incoming message
// of the conversation when messageID is empty, and recomputes the unread
// counter. A read receipt is sent if connected; receipts are not queued.
func (s *Store) MarkAsRead(conversationID, messageID string) error {
	now := s.clock.Now().UTC()

	s.mux.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mux.Unlock()
		return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}

	wireID := ""
	if messageID != "" {
		local := s.resolveLocked(messageID)
		if s.index[local] != conversationID {
			s.mux.Unlock()
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		messageID = local
		stored, _ := s.lookupLocked(local)
		wireID = stored.ID
		if stored.ServerID != "" {
			wireID = stored.ServerID
		}
	}

	changed := s.markLocked(conversationID, messageID, now, func(m models.Message) bool {
		return m.SenderID != s.userID
	})
	convSnapshot := conv.Clone()
	s.mux.Unlock()

	for _, m := range changed {
		s.persistMessage(m)
	}
	if len(changed) > 0 {
		s.persistConversation(convSnapshot)
		s.notifier.Publish(models.Event{Kind: models.EventConversation, ConversationID: conversationID})
	}

	if !s.transport.IsConnected() {
		return nil
	}
	receipt := models.ReadPayload{
		ConversationID: conversationID,
		MessageID:      wireID,
		UserID:         s.userID,
		ReadAt:         now,
	}
	f, err := models.NewFrame(models.FrameRead, receipt)
	if err != nil {
		return err
	}
	if err := s.transport.Send(f); err != nil {
		s.logger.Warn("failed to send read receipt", "conversation_id", conversationID, "error", err)
	}
	return nil
}

func (s *Store) MarkConversationAsRead(conversationID string) error {
	return s.MarkAsRead(conversationID, "")
}

// ApplyRead merges a read receipt pushed by the server. A receipt from the
// other side marks the current user's messages as read; a receipt of the
// current user, sent from another device, marks incoming messages read.
func (s *Store) ApplyRead(receipt models.ReadPayload) bool {
	readAt := receipt.ReadAt
	if readAt.IsZero() {
		readAt = s.clock.Now().UTC()
	}
	mine := receipt.UserID == s.userID

	s.mux.Lock()
	conv, ok := s.conversations[receipt.ConversationID]
	if !ok {
		s.mux.Unlock()
		return false
	}
	messageID := ""
	if receipt.MessageID != "" {
		messageID = s.resolveLocked(receipt.MessageID)
		if s.index[messageID] != receipt.ConversationID {
			s.mux.Unlock()
			return false
		}
	}
	changed := s.markLocked(receipt.ConversationID, messageID, readAt, func(m models.Message) bool {
		// A conversation-wide receipt covers what existed when it was made.
		if messageID == "" && m.CreatedAt.After(readAt) {
			return false
		}
		if mine {
			return m.SenderID != s.userID
		}
		return m.SenderID == s.userID
	})
	convSnapshot := conv.Clone()
	s.mux.Unlock()

	if len(changed) == 0 {
		return false
	}
	for _, m := range changed {
		s.persistMessage(m)
	}
	s.persistConversation(convSnapshot)
	s.notifier.Publish(models.Event{Kind: models.EventConversation, ConversationID: receipt.ConversationID})
	return true
}

// SetTyping records whether userID is typing in the conversation. It
// reports whether the typing set changed.
func (s *Store) SetTyping(conversationID, userID string, isTyping bool) bool {
	s.mux.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mux.Unlock()
		return false
	}

	idx := -1
	for i, id := range conv.TypingUserIDs {
		if id == userID {
			idx = i
			break
		}
	}
	changed := false
	switch {
	case isTyping && idx < 0:
		conv.TypingUserIDs = append(conv.TypingUserIDs, userID)
		changed = true
	case !isTyping && idx >= 0:
		conv.TypingUserIDs = append(conv.TypingUserIDs[:idx], conv.TypingUserIDs[idx+1:]...)
		changed = true
	}
	s.mux.Unlock()

	if changed {
		s.notifier.Publish(models.Event{Kind: models.EventTyping, ConversationID: conversationID, UserID: userID})
	}
	return changed
}

func (s *Store) TypingUsers(conversationID string) []string {
	s.mux.RLock()
	defer s.mux.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || len(conv.TypingUserIDs) == 0 {
		return nil
	}
	return append([]string(nil), conv.TypingUserIDs...)
}

// ApplyPresence updates the participant userID in every conversation. It
// returns the number of conversations that changed.
func (s *Store) ApplyPresence(userID string, online bool, lastSeen *time.Time) int {
	s.mux.Lock()
	var changed []models.Conversation
	for _, conv := range s.conversations {
		updated := false
		for i := range conv.Participants {
			p := &conv.Participants[i]
			if p.ID != userID {
				continue
			}
			p.Online = online
			if lastSeen != nil {
				t := *lastSeen
				p.LastSeen = &t
			}
			updated = true
		}
		if updated {
			changed = append(changed, conv.Clone())
		}
	}
	s.mux.Unlock()

	for _, conv := range changed {
		s.persistConversation(conv)
		s.notifier.Publish(models.Event{Kind: models.EventConversation, ConversationID: conv.ID, UserID: userID})
	}
	return len(changed)
}

// Seed adds conversations and messages fetched from the REST backend.
// Seeded messages are confirmed. Known conversations keep their messages
// and typing state; their participants are replaced.
func (s *Store) Seed(conversations []models.Conversation, messages []models.Message) {
	s.mux.Lock()
	for _, c := range conversations {
		if existing, ok := s.conversations[c.ID]; ok {
			existing.Participants = append([]models.Participant(nil), c.Participants...)
			s.knownPresenceLocked(existing.Participants)
			if c.CreatedAt.Before(existing.CreatedAt) {
				existing.CreatedAt = c.CreatedAt
			}
			continue
		}
		conv := c.Clone()
		conv.TypingUserIDs = nil
		conv.LastMessageID = ""
		conv.UnreadCount = 0
		s.knownPresenceLocked(conv.Participants)
		s.conversations[conv.ID] = &conv
		s.recomputeLocked(conv.ID)
	}
	for _, m := range messages {
		if _, ok := s.lookupLocked(s.resolveLocked(m.ID)); ok {
			continue
		}
		if _, ok := s.conversations[m.ConversationID]; !ok {
			s.createLocked(m.ConversationID, models.Participant{ID: m.SenderID}, models.Participant{ID: m.ReceiverID})
		}
		m = m.Clone()
		m.Content = content.Sanitize(m.Content)
		m.State = models.StateConfirmed
		s.insertLocked(m)
	}
	s.mux.Unlock()

	s.notifier.Publish(models.Event{Kind: models.EventConversation})
}

// Load hydrates the store from the persister, if there is one.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}

	conversations, err := s.persister.ListConversations()
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	for _, c := range conversations {
		msgs, err := s.persister.ListMessages(c.ID)
		if err != nil {
			return fmt.Errorf("failed to load messages of %s: %w", c.ID, err)
		}

		if _, ok := s.conversations[c.ID]; !ok {
			conv := c.Clone()
			conv.TypingUserIDs = nil
			s.conversations[c.ID] = &conv
		}
		for _, m := range msgs {
			if _, ok := s.lookupLocked(m.ID); ok {
				continue
			}
			if m.State == "" {
				m.State = models.StateConfirmed
			}
			s.insertLocked(m)
		}
		s.recomputeLocked(c.ID)
	}

	s.logger.Info("loaded cached conversations", "count", len(conversations))
	return nil
}

// Messages returns the messages of a conversation in display order.
func (s *Store) Messages(conversationID string) []models.Message {
	s.mux.RLock()
	defer s.mux.RUnlock()

	msgs := s.messages[conversationID]
	result := make([]models.Message, len(msgs))
	for i, m := range msgs {
		result[i] = m.Clone()
	}
	return result
}

// Message looks a message up by its id or by the server id it was confirmed
// under.
func (s *Store) Message(id string) (models.Message, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	m, ok := s.lookupLocked(s.resolveLocked(id))
	if !ok {
		return models.Message{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return m.Clone(), nil
}

// Conversations returns all conversations, most recently updated first.
func (s *Store) Conversations() []models.Conversation {
	s.mux.RLock()
	result := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		result = append(result, c.Clone())
	}
	s.mux.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) Conversation(id string) (models.Conversation, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	return conv.Clone(), nil
}

func (s *Store) ActiveConversationID() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.active
}

// SetActiveConversation selects the conversation the user is looking at.
// An empty id clears the selection.
func (s *Store) SetActiveConversation(id string) error {
	s.mux.Lock()
	if id != "" {
		if _, ok := s.conversations[id]; !ok {
			s.mux.Unlock()
			return fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
		}
	}
	s.active = id
	s.mux.Unlock()

	s.notifier.Publish(models.Event{Kind: models.EventConversation, ConversationID: id})
	return nil
}

// createLocked adds an empty conversation with the current user and the
// given participants.
func (s *Store) createLocked(id string, participants ...models.Participant) *models.Conversation {
	now := s.clock.Now().UTC()
	conv := &models.Conversation{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	seen := make(map[string]bool)
	add := func(p models.Participant) {
		if p.ID == "" || seen[p.ID] {
			return
		}
		seen[p.ID] = true
		conv.Participants = append(conv.Participants, p)
	}
	add(models.Participant{ID: s.userID})
	for _, p := range participants {
		add(p)
	}
	s.knownPresenceLocked(conv.Participants)
	s.conversations[id] = conv
	return conv
}

// knownPresenceLocked overwrites the presence of participants the presence
// source has seen.
func (s *Store) knownPresenceLocked(participants []models.Participant) {
	if s.presence == nil {
		return
	}
	for i := range participants {
		p := &participants[i]
		known, ok := s.presence.Lookup(p.ID)
		if !ok {
			continue
		}
		p.Online = known.Online
		if known.LastSeen != nil {
			t := *known.LastSeen
			p.LastSeen = &t
		}
	}
}

func (s *Store) peerLocked(conv *models.Conversation) string {
	for _, p := range conv.Participants {
		if p.ID != s.userID {
			return p.ID
		}
	}
	return ""
}

// insertLocked adds msg keeping the conversation ordered by CreatedAt.
// Messages with equal timestamps keep their arrival order.
func (s *Store) insertLocked(msg models.Message) {
	msgs := s.messages[msg.ConversationID]
	pos := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(msg.CreatedAt)
	})
	msgs = append(msgs, models.Message{})
	copy(msgs[pos+1:], msgs[pos:])
	msgs[pos] = msg
	s.messages[msg.ConversationID] = msgs

	s.index[msg.ID] = msg.ConversationID
	if msg.ServerID != "" && msg.ServerID != msg.ID {
		s.index[msg.ServerID] = msg.ConversationID
		s.aliases[msg.ServerID] = msg.ID
	}

	conv := s.conversations[msg.ConversationID]
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	s.recomputeLocked(msg.ConversationID)
}

// recomputeLocked derives the last message and unread counter of a
// conversation from its messages.
func (s *Store) recomputeLocked(conversationID string) {
	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	msgs := s.messages[conversationID]

	conv.LastMessageID = ""
	if len(msgs) > 0 {
		conv.LastMessageID = msgs[len(msgs)-1].ID
	}
	unread := 0
	for _, m := range msgs {
		if m.SenderID != s.userID && m.ReadAt == nil {
			unread++
		}
	}
	conv.UnreadCount = unread
}

// markLocked sets ReadAt on unread messages accepted by match: only
// messageID when given, else the whole conversation. It returns the changed
// messages.
func (s *Store) markLocked(conversationID, messageID string, readAt time.Time, match func(models.Message) bool) []models.Message {
	var changed []models.Message
	msgs := s.messages[conversationID]
	for i := range msgs {
		m := &msgs[i]
		if messageID != "" && m.ID != messageID {
			continue
		}
		if m.ReadAt != nil || !match(*m) {
			continue
		}
		t := readAt
		m.ReadAt = &t
		changed = append(changed, m.Clone())
	}
	s.recomputeLocked(conversationID)
	return changed
}

// matchLocked finds the stored message an inbound message refers to.
func (s *Store) matchLocked(msg models.Message) (string, bool) {
	if id := s.resolveLocked(msg.ID); s.index[id] != "" {
		return id, true
	}
	if msg.ClientID != "" {
		if _, ok := s.index[msg.ClientID]; ok {
			return msg.ClientID, true
		}
	}
	if msg.SenderID != s.userID || strings.HasPrefix(msg.ID, LocalIDPrefix) {
		return "", false
	}
	for _, m := range s.messages[msg.ConversationID] {
		if m.Pending() && m.SenderID == s.userID && m.Content == msg.Content {
			return m.ID, true
		}
	}
	return "", false
}

// confirmLocked moves the pending message id to confirmed with the data the
// server sent. It reports false when the message was already confirmed.
func (s *Store) confirmLocked(id string, inbound models.Message) bool {
	convID := s.index[id]
	msgs := s.messages[convID]
	for i := range msgs {
		m := &msgs[i]
		if m.ID != id {
			continue
		}
		if !m.Pending() {
			return false
		}
		m.State = models.StateConfirmed
		if inbound.ID != m.ID {
			m.ServerID = inbound.ID
			s.index[inbound.ID] = convID
			s.aliases[inbound.ID] = m.ID
		}
		if inbound.DeliveredAt != nil {
			t := *inbound.DeliveredAt
			m.DeliveredAt = &t
		} else {
			t := s.clock.Now().UTC()
			m.DeliveredAt = &t
		}
		if len(m.Attachments) == 0 && len(inbound.Attachments) > 0 {
			m.Attachments = append([]models.Attachment(nil), inbound.Attachments...)
		}
		return true
	}
	return false
}

func (s *Store) resolveLocked(id string) string {
	if local, ok := s.aliases[id]; ok {
		return local
	}
	return id
}

func (s *Store) lookupLocked(id string) (models.Message, bool) {
	convID, ok := s.index[id]
	if !ok {
		return models.Message{}, false
	}
	for _, m := range s.messages[convID] {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return models.Message{}, false
}

func (s *Store) persistMessage(msg models.Message) {
	if s.persister == nil {
		return
	}
	if err := s.persister.UpsertMessage(msg); err != nil {
		s.logger.Warn("failed to cache message", "message_id", msg.ID, "error", err)
	}
}

func (s *Store) persistConversation(conv models.Conversation) {
	if s.persister == nil {
		return
	}
	if err := s.persister.UpsertConversation(conv); err != nil {
		s.logger.Warn("failed to cache conversation", "conversation_id", conv.ID, "error", err)
	}
}
