package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownFrame = errors.New("unknown frame type")
	ErrBadFrame     = errors.New("malformed frame")
)

var validate = validator.New()

type FrameType string

const (
	FrameMessage  FrameType = "message"
	FrameTyping   FrameType = "typing"
	FrameRead     FrameType = "read"
	FramePresence FrameType = "presence"
	FrameError    FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Known reports whether t is one of the envelope types of the protocol.
func (t FrameType) Known() bool {
	switch t {
	case FrameMessage, FrameTyping, FrameRead, FramePresence, FrameError, FramePing, FramePong:
		return true
	}
	return false
}

// Frame is the envelope of everything exchanged over the connection.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReadPayload is the data of a read receipt. An empty MessageID marks the
// whole conversation read up to ReadAt.
type ReadPayload struct {
	ConversationID string    `json:"conversationId" validate:"required"`
	MessageID      string    `json:"messageId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

type PresencePayload struct {
	UserID   string     `json:"userId" validate:"required"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewFrame wraps payload into an envelope of type t. A nil payload produces
// a frame without data (ping/pong).
func NewFrame(t FrameType, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Frame{Type: t, Data: data}, nil
}

// MustFrame is NewFrame for payloads that always marshal.
func MustFrame(t FrameType, payload any) Frame {
	f, err := NewFrame(t, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// ParseFrame decodes a raw envelope. Unknown types are reported with
// ErrUnknownFrame, undecodable input with ErrBadFrame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if !f.Type.Known() {
		return f, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	return f, nil
}

// Decode unmarshals the frame data into v and validates it.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame without data", ErrBadFrame, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadFrame, f.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadFrame, f.Type, err)
	}
	return nil
}

// Encode returns the wire representation of the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
