package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"marketchat/internal/models"
	"marketchat/internal/outbox"

	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketOutbox        = []byte("outbox")
)

// BboltStorage is the local cache of a client session: conversations,
// their messages and the outbound queue journal.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketMessageIndex, bucketOutbox} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertConversation saves the conversation. Typing state is ephemeral and
// is not stored.
func (s *BboltStorage) UpsertConversation(conv models.Conversation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		dbConv := DBConversation{
			ID:            conv.ID,
			LastMessageID: conv.LastMessageID,
			UnreadCount:   conv.UnreadCount,
			CreatedAt:     toUnix(&conv.CreatedAt),
			UpdatedAt:     toUnix(&conv.UpdatedAt),
		}
		for _, p := range conv.Participants {
			dbConv.Participants = append(dbConv.Participants, DBParticipant{
				ID:          p.ID,
				DisplayName: p.DisplayName,
				Role:        string(p.Role),
				Online:      p.Online,
				LastSeen:    toUnix(p.LastSeen),
			})
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbConv.Key(), data)
	})
}

// ListConversations returns all stored conversations.
func (s *BboltStorage) ListConversations() ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		return b.ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			conv := models.Conversation{
				ID:            dbConv.ID,
				LastMessageID: dbConv.LastMessageID,
				UnreadCount:   dbConv.UnreadCount,
			}
			if t := fromUnix(dbConv.CreatedAt); t != nil {
				conv.CreatedAt = *t
			}
			if t := fromUnix(dbConv.UpdatedAt); t != nil {
				conv.UpdatedAt = *t
			}
			for _, p := range dbConv.Participants {
				conv.Participants = append(conv.Participants, models.Participant{
					ID:          p.ID,
					DisplayName: p.DisplayName,
					Role:        models.Role(p.Role),
					Online:      p.Online,
					LastSeen:    fromUnix(p.LastSeen),
				})
			}
			conversations = append(conversations, conv)
			return nil
		})
	})
	return conversations, err
}

// UpsertMessage saves a message under its conversation. Messages are keyed
// by creation time so ListMessages returns them in display order.
func (s *BboltStorage) UpsertMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if message.ConversationID == "" {
			return errors.New("message missing conversationID")
		}

		mainMsgBucket := tx.Bucket(bucketMessages)
		convBucket, err := mainMsgBucket.CreateBucketIfNotExists([]byte(message.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage := toDBMessage(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		// The creation time never changes, but guard against a stale key
		// left by an earlier write with a different timestamp.
		index := tx.Bucket(bucketMessageIndex)
		key := dbMessage.Key()
		if old := index.Get([]byte(message.ID)); old != nil && !bytes.Equal(old, key) {
			if err := convBucket.Delete(old); err != nil {
				return fmt.Errorf("failed to delete stale message: %w", err)
			}
		}

		if err := convBucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return index.Put([]byte(message.ID), key)
	})
}

// ListMessages returns the stored messages of a conversation ordered by
// creation time.
func (s *BboltStorage) ListMessages(conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		mainMsgBucket := tx.Bucket(bucketMessages)
		convBucket := mainMsgBucket.Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // No messages for this conversation
		}

		c := convBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, fromDBMessage(dbMsg))
		}
		return nil
	})
	return messages, err
}

func (s *BboltStorage) AppendOutbox(entry outbox.Entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		dbEntry := DBOutboxEntry{
			Seq:     entry.Seq,
			Message: toDBMessage(entry.Message),
		}
		data, err := dbEntry.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbEntry.Key(), data)
	})
}

func (s *BboltStorage) DeleteOutbox(seq uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete(seqKey(seq))
	})
}

// ListOutbox returns the journaled queue in enqueue order.
func (s *BboltStorage) ListOutbox() ([]outbox.Entry, error) {
	var entries []outbox.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		return b.ForEach(func(k, v []byte) error {
			var dbEntry DBOutboxEntry
			if err := dbEntry.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt outbox entry %x: %w", k, err)
			}
			entries = append(entries, outbox.Entry{
				Seq:     dbEntry.Seq,
				Message: fromDBMessage(dbEntry.Message),
			})
			return nil
		})
	})
	return entries, err
}

func toDBMessage(m models.Message) DBMessage {
	dbMessage := DBMessage{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ServerID:       m.ServerID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Type:           string(m.Type),
		CreatedAt:      toUnix(&m.CreatedAt),
		DeliveredAt:    toUnix(m.DeliveredAt),
		ReadAt:         toUnix(m.ReadAt),
		State:          string(m.State),
	}

	if len(m.Attachments) > 0 {
		dbMessage.Attachments = make([]DBAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			dbMessage.Attachments[i] = DBAttachment{
				ID:       a.ID,
				Type:     string(a.Type),
				URL:      a.URL,
				Size:     a.Size,
				MimeType: a.MimeType,
			}
		}
	}
	return dbMessage
}

func fromDBMessage(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:             dbMsg.ID,
		ClientID:       dbMsg.ClientID,
		ServerID:       dbMsg.ServerID,
		ConversationID: dbMsg.ConversationID,
		SenderID:       dbMsg.SenderID,
		ReceiverID:     dbMsg.ReceiverID,
		Content:        dbMsg.Content,
		Type:           models.MessageType(dbMsg.Type),
		DeliveredAt:    fromUnix(dbMsg.DeliveredAt),
		ReadAt:         fromUnix(dbMsg.ReadAt),
		State:          models.DeliveryState(dbMsg.State),
	}
	if t := fromUnix(dbMsg.CreatedAt); t != nil {
		msg.CreatedAt = *t
	}
	if len(dbMsg.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(dbMsg.Attachments))
		for i, a := range dbMsg.Attachments {
			msg.Attachments[i] = models.Attachment{
				ID:       a.ID,
				Type:     models.AttachmentType(a.Type),
				URL:      a.URL,
				Size:     a.Size,
				MimeType: a.MimeType,
			}
		}
	}
	return msg
}
