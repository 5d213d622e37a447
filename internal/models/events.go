package models

type EventKind string

const (
	EventStatus       EventKind = "status"
	EventMessage      EventKind = "message"
	EventConversation EventKind = "conversation"
	EventTyping       EventKind = "typing"
	EventPresence     EventKind = "presence"
	EventError        EventKind = "error"
)

// Event notifies observers that a part of the session state changed.
// Observers re-read the state they care about; the event only names what
// changed.
type Event struct {
	Kind           EventKind        `json:"kind"`
	ConversationID string           `json:"conversationId,omitempty"`
	MessageID      string           `json:"messageId,omitempty"`
	UserID         string           `json:"userId,omitempty"`
	Status         ConnectionStatus `json:"status,omitempty"`
	Err            error            `json:"-"`
}
