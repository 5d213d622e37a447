package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	t.Run("Message", func(t *testing.T) {
		raw := []byte(`{"type":"message","data":{"id":"m1","conversationId":"c1","senderId":"u1","content":"hi","type":"text","createdAt":"2024-01-01T10:00:00Z"}}`)
		f, err := ParseFrame(raw)
		require.NoError(t, err)
		require.Equal(t, FrameMessage, f.Type)

		var msg Message
		require.NoError(t, f.Decode(&msg))
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "c1", msg.ConversationID)
		assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), msg.CreatedAt.UTC())
		assert.Empty(t, msg.State)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := ParseFrame([]byte(`{not json`))
		require.ErrorIs(t, err, ErrBadFrame)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := ParseFrame([]byte(`{"type":"teleport"}`))
		require.ErrorIs(t, err, ErrUnknownFrame)
	})

	t.Run("PingWithoutData", func(t *testing.T) {
		f, err := ParseFrame([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		assert.Equal(t, FramePing, f.Type)
		assert.Empty(t, f.Data)
	})
}

func TestFrame_DecodeValidation(t *testing.T) {
	f := MustFrame(FrameTyping, map[string]any{"conversationId": "c1", "isTyping": true})

	var ind TypingIndicator
	err := f.Decode(&ind)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadFrame))

	f = MustFrame(FrameMessage, Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Type: "sticker"})
	var msg Message
	require.ErrorIs(t, f.Decode(&msg), ErrBadFrame)

	var empty PresencePayload
	require.ErrorIs(t, Frame{Type: FramePresence}.Decode(&empty), ErrBadFrame)
}

func TestFrame_WireShape(t *testing.T) {
	f := MustFrame(FrameRead, ReadPayload{ConversationID: "c1", ReadAt: time.Unix(0, 0).UTC()})
	raw, err := f.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"read","data":{"conversationId":"c1","readAt":"1970-01-01T00:00:00Z"}}`, string(raw))

	raw, err = MustFrame(FramePing, nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(raw))

	msg := Message{ID: "local_1", ClientID: "local_1", ConversationID: "c1", SenderID: "u1", State: StatePending, ServerID: "s1"}
	raw, err = MustFrame(FrameMessage, msg).Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "pending")
	assert.NotContains(t, string(raw), "s1")
}

func TestMessage_Clone(t *testing.T) {
	now := time.Now()
	m := Message{ID: "m1", ReadAt: &now, Attachments: []Attachment{{ID: "a1"}}}
	c := m.Clone()

	later := now.Add(time.Hour)
	*c.ReadAt = later
	c.Attachments[0].ID = "changed"

	assert.Equal(t, now, *m.ReadAt)
	assert.Equal(t, "a1", m.Attachments[0].ID)
}
