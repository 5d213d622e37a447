package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBParticipant struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	Role        string `msgpack:"role"`
	Online      bool   `msgpack:"online"`
	LastSeen    int64  `msgpack:"lastSeen"` // Unix nanoseconds, 0 when unknown
}

type DBConversation struct {
	ID            string          `msgpack:"id"`
	Participants  []DBParticipant `msgpack:"participants"`
	LastMessageID string          `msgpack:"lastMessageId"`
	UnreadCount   int             `msgpack:"unreadCount"`
	CreatedAt     int64           `msgpack:"createdAt"`
	UpdatedAt     int64           `msgpack:"updatedAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string         `msgpack:"id"`
	ClientID       string         `msgpack:"clientId"`
	ServerID       string         `msgpack:"serverId"`
	ConversationID string         `msgpack:"conversationId"`
	SenderID       string         `msgpack:"senderId"`
	ReceiverID     string         `msgpack:"receiverId"`
	Content        string         `msgpack:"content"`
	Type           string         `msgpack:"type"`
	CreatedAt      int64          `msgpack:"createdAt"`
	DeliveredAt    int64          `msgpack:"deliveredAt"`
	ReadAt         int64          `msgpack:"readAt"`
	State          string         `msgpack:"state"`
	Attachments    []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	ID       string `msgpack:"id"`
	Type     string `msgpack:"type"`
	URL      string `msgpack:"url"`
	Size     int64  `msgpack:"size"`
	MimeType string `msgpack:"mimeType"`
}

// Key orders messages of a conversation by creation time. The id suffix
// keeps keys unique for messages created in the same nanosecond.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBOutboxEntry struct {
	Seq     uint64    `msgpack:"seq"`
	Message DBMessage `msgpack:"message"`
}

func (e *DBOutboxEntry) Key() []byte {
	return seqKey(e.Seq)
}

func (e *DBOutboxEntry) MarshalBinary() (data []byte, err error) {
	type alias DBOutboxEntry
	return msgpack.Marshal((*alias)(e))
}

func (e *DBOutboxEntry) UnmarshalBinary(data []byte) error {
	type alias DBOutboxEntry
	return msgpack.Unmarshal(data, (*alias)(e))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func toUnix(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
