package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeVideo  MessageType = "video"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
	MessageTypeTyping MessageType = "typing"
	MessageTypeRead   MessageType = "read"
)

// DeliveryState tells whether a message has been confirmed by the server.
// It is local bookkeeping and never sent over the wire.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
)

// ConnectionStatus is the state of the single live connection of a session.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeVideo AttachmentType = "video"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	ID       string         `json:"id" validate:"required"`
	Type     AttachmentType `json:"type" validate:"oneof=image video file"`
	URL      string         `json:"url" validate:"required"`
	Size     int64          `json:"size"`
	MimeType string         `json:"mime"`
}

// Message represents a chat message.
//
// ID is generated by the client that created the message and is never
// reassigned. ClientID carries the same value to the server so that echoes
// can be correlated even when the server issues its own id (kept in ServerID).
type Message struct {
	ID             string        `json:"id" validate:"required"`
	ClientID       string        `json:"clientId,omitempty"`
	ServerID       string        `json:"-"`
	ConversationID string        `json:"conversationId" validate:"required"`
	SenderID       string        `json:"senderId" validate:"required"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type" validate:"omitempty,oneof=text image video file system typing read"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty" validate:"dive"`
	State          DeliveryState `json:"-"`
}

// Pending reports whether the message still waits for server confirmation.
func (m Message) Pending() bool {
	return m.State == StatePending
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	c := m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return c
}

type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Participant is a member of a conversation.
type Participant struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Role        Role       `json:"role,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// Conversation represents a chat conversation as seen by the current user.
type Conversation struct {
	ID            string        `json:"id"`
	Participants  []Participant `json:"participants"`
	LastMessageID string        `json:"lastMessageId,omitempty"`
	UnreadCount   int           `json:"unreadCount"`
	TypingUserIDs []string      `json:"typingUserIds,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	cc := c
	if c.Participants != nil {
		cc.Participants = make([]Participant, len(c.Participants))
		for i, p := range c.Participants {
			if p.LastSeen != nil {
				t := *p.LastSeen
				p.LastSeen = &t
			}
			cc.Participants[i] = p
		}
	}
	if c.TypingUserIDs != nil {
		cc.TypingUserIDs = append([]string(nil), c.TypingUserIDs...)
	}
	return cc
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Presence represents the online status of a user.
type Presence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// TypingIndicator is an ephemeral "is typing" signal.
type TypingIndicator struct {
	ConversationID string `json:"conversationId" validate:"required"`
	UserID         string `json:"userId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}
