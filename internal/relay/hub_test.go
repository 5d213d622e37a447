package relay

import (
	"strings"
	"testing"
	"time"

	"marketchat/internal/chat"
	"marketchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func join(t *testing.T, h *Hub, userID string) (<-chan models.Frame, func()) {
	t.Helper()
	frames, leave, err := h.Join(userID)
	require.NoError(t, err)
	return frames, leave
}

func next(t *testing.T, frames <-chan models.Frame, want models.FrameType) models.Frame {
	t.Helper()
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "channel closed while waiting for %s", want)
			if f.Type == want {
				return f
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s frame received", want)
		}
	}
}

func quiet(t *testing.T, frames <-chan models.Frame, unwanted models.FrameType) {
	t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case f := <-frames:
			require.NotEqual(t, unwanted, f.Type, "unexpected frame %s", f.Data)
		case <-deadline:
			return
		}
	}
}

func TestHub_PresenceOnJoinAndLeave(t *testing.T) {
	h := newTestHub(t)

	alice, _ := join(t, h, "alice")
	bob, leaveBob := join(t, h, "bob")

	var p models.PresencePayload
	require.NoError(t, next(t, alice, models.FramePresence).Decode(&p))
	assert.Equal(t, "bob", p.UserID)
	assert.True(t, p.IsOnline)

	// The newcomer learns who is already there.
	require.NoError(t, next(t, bob, models.FramePresence).Decode(&p))
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.IsOnline)

	assert.Equal(t, []string{"alice", "bob"}, h.Online())

	leaveBob()
	leaveBob()
	require.NoError(t, next(t, alice, models.FramePresence).Decode(&p))
	assert.Equal(t, "bob", p.UserID)
	assert.False(t, p.IsOnline)
	assert.NotNil(t, p.LastSeen)
	assert.Equal(t, []string{"alice"}, h.Online())
}

func TestHub_SecondConnectionKeepsUserOnline(t *testing.T) {
	h := newTestHub(t)

	alice, _ := join(t, h, "alice")
	_, leave1 := join(t, h, "bob")
	next(t, alice, models.FramePresence)

	_, leave2 := join(t, h, "bob")
	quiet(t, alice, models.FramePresence)

	leave1()
	quiet(t, alice, models.FramePresence)
	assert.Contains(t, h.Online(), "bob")

	leave2()
	next(t, alice, models.FramePresence)
	assert.NotContains(t, h.Online(), "bob")
}

func TestHub_DispatchMessage(t *testing.T) {
	h := newTestHub(t)
	convID := chat.DirectID("alice", "bob")

	alice, _ := join(t, h, "alice")
	bob, _ := join(t, h, "bob")

	f := models.MustFrame(models.FrameMessage, models.Message{
		ID:             "local_1",
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "<b>hi</b> bob",
		Type:           models.MessageTypeText,
	})
	require.NoError(t, h.Dispatch("alice", f))

	for _, frames := range []<-chan models.Frame{alice, bob} {
		var got models.Message
		require.NoError(t, next(t, frames, models.FrameMessage).Decode(&got))
		assert.True(t, strings.HasPrefix(got.ID, ServerIDPrefix))
		assert.Equal(t, "local_1", got.ClientID)
		assert.Equal(t, "bob", got.ReceiverID)
		assert.Equal(t, "<b>hi</b> bob", got.Content)
		assert.False(t, got.CreatedAt.IsZero())
		assert.NotNil(t, got.DeliveredAt)
	}
}

func TestHub_DispatchRejects(t *testing.T) {
	h := newTestHub(t)
	convID := chat.DirectID("alice", "bob")

	tests := []struct {
		name  string
		user  string
		frame models.Frame
		err   error
	}{
		{
			name: "spoofed sender",
			user: "mallory",
			frame: models.MustFrame(models.FrameMessage, models.Message{
				ID: "local_1", ConversationID: "c1", SenderID: "alice",
			}),
			err: ErrForbidden,
		},
		{
			name: "foreign direct conversation",
			user: "mallory",
			frame: models.MustFrame(models.FrameMessage, models.Message{
				ID: "local_1", ConversationID: convID, SenderID: "mallory",
			}),
			err: ErrForbidden,
		},
		{
			name:  "typing in foreign direct conversation",
			user:  "mallory",
			frame: models.MustFrame(models.FrameTyping, models.TypingIndicator{ConversationID: convID, UserID: "mallory", IsTyping: true}),
			err:   ErrForbidden,
		},
		{
			name:  "presence from client",
			user:  "alice",
			frame: models.MustFrame(models.FramePresence, models.PresencePayload{UserID: "alice", IsOnline: true}),
			err:   ErrUnsupported,
		},
		{
			name:  "message without id",
			user:  "alice",
			frame: models.MustFrame(models.FrameMessage, map[string]string{"conversationId": convID, "senderId": "alice"}),
			err:   models.ErrBadFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, h.Dispatch(tt.user, tt.frame), tt.err)
		})
	}
}

func TestHub_TypingGoesToOthers(t *testing.T) {
	h := newTestHub(t)
	convID := chat.DirectID("alice", "bob")

	alice, _ := join(t, h, "alice")
	bob, _ := join(t, h, "bob")

	// The user id is taken from the connection, not from the frame.
	f := models.MustFrame(models.FrameTyping, models.TypingIndicator{ConversationID: convID, UserID: "someone", IsTyping: true})
	require.NoError(t, h.Dispatch("alice", f))

	var ind models.TypingIndicator
	require.NoError(t, next(t, bob, models.FrameTyping).Decode(&ind))
	assert.Equal(t, "alice", ind.UserID)
	assert.True(t, ind.IsTyping)
	quiet(t, alice, models.FrameTyping)
}

func TestHub_ReadGoesToAllMembers(t *testing.T) {
	h := newTestHub(t)

	alice, _ := join(t, h, "alice")
	bob, _ := join(t, h, "bob")

	// A group conversation is learned from its first message.
	msg := models.MustFrame(models.FrameMessage, models.Message{
		ID: "local_1", ConversationID: "order-7", SenderID: "alice", ReceiverID: "bob", Content: "ready",
	})
	require.NoError(t, h.Dispatch("alice", msg))

	read := models.MustFrame(models.FrameRead, models.ReadPayload{ConversationID: "order-7"})
	require.NoError(t, h.Dispatch("bob", read))

	for _, frames := range []<-chan models.Frame{alice, bob} {
		var p models.ReadPayload
		require.NoError(t, next(t, frames, models.FrameRead).Decode(&p))
		assert.Equal(t, "bob", p.UserID)
		assert.False(t, p.ReadAt.IsZero())
	}

	assert.ErrorIs(t, h.Dispatch("carol", read), ErrForbidden)
}

func TestHub_Close(t *testing.T) {
	h := NewHub(nil)
	frames, _, err := h.Join("alice")
	require.NoError(t, err)

	require.NoError(t, h.Close())

	select {
	case _, ok := <-frames:
		for ok {
			_, ok = <-frames
		}
	case <-time.After(time.Second):
		t.Fatal("frames channel not closed")
	}

	_, _, err = h.Join("bob")
	assert.ErrorIs(t, err, ErrClosed)
}
