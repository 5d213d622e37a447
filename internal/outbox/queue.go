package outbox

import (
	"fmt"
	"log/slog"
	"sync"

	"marketchat/internal/models"
)

// Entry is a queued message together with its position in the queue.
type Entry struct {
	Seq     uint64
	Message models.Message
}

// Journal persists the queue so that messages survive a restart.
type Journal interface {
	AppendOutbox(entry Entry) error
	DeleteOutbox(seq uint64) error
	ListOutbox() ([]Entry, error)
}

// Queue is a FIFO of messages that could not be sent right away.
//
// Delivery is at-least-once: an item is removed only after its send
// succeeded, so a message whose acknowledgement got lost with the
// connection may be sent again. Receivers deduplicate by message id.
type Queue struct {
	items   []Entry
	nextSeq uint64
	journal Journal
	onLen   func(int)
	mu      sync.Mutex
}

type Option func(*Queue)

// WithJournal makes the queue durable.
func WithJournal(j Journal) Option {
	return func(q *Queue) {
		q.journal = j
	}
}

// WithLengthObserver registers a callback invoked with the queue length
// after every change.
func WithLengthObserver(fn func(int)) Option {
	return func(q *Queue) {
		q.onLen = fn
	}
}

// New creates a queue. With a journal the queue starts with the entries
// persisted earlier, in their original order.
func New(opts ...Option) (*Queue, error) {
	q := &Queue{nextSeq: 1}
	for _, opt := range opts {
		opt(q)
	}

	if q.journal != nil {
		entries, err := q.journal.ListOutbox()
		if err != nil {
			return nil, fmt.Errorf("failed to load outbox: %w", err)
		}
		q.items = entries
		for _, e := range entries {
			if e.Seq >= q.nextSeq {
				q.nextSeq = e.Seq + 1
			}
		}
	}
	q.observe()

	return q, nil
}

// Enqueue appends msg to the tail. It never fails: a journal error only
// costs durability and is logged.
func (q *Queue) Enqueue(msg models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := Entry{Seq: q.nextSeq, Message: msg.Clone()}
	q.nextSeq++
	q.items = append(q.items, entry)

	if q.journal != nil {
		if err := q.journal.AppendOutbox(entry); err != nil {
			slog.Warn("failed to persist queued message", "message_id", msg.ID, "error", err)
		}
	}
	q.observe()
}

// Drain sends queued messages in order. It stops at the first failed send
// and leaves that message and everything after it queued. It returns the
// number of messages sent.
func (q *Queue) Drain(send func(models.Message) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sent := 0
	for len(q.items) > 0 {
		head := q.items[0]
		if err := send(head.Message.Clone()); err != nil {
			q.observe()
			return sent, fmt.Errorf("failed to send queued message %s: %w", head.Message.ID, err)
		}
		q.items[0] = Entry{}
		q.items = q.items[1:]
		sent++

		if q.journal != nil {
			if err := q.journal.DeleteOutbox(head.Seq); err != nil {
				slog.Warn("failed to remove sent message from journal", "message_id", head.Message.ID, "error", err)
			}
		}
	}
	q.items = nil
	q.observe()

	return sent, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns copies of the queued messages in send order.
func (q *Queue) Pending() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]models.Message, len(q.items))
	for i, e := range q.items {
		result[i] = e.Message.Clone()
	}
	return result
}

func (q *Queue) observe() {
	if q.onLen != nil {
		q.onLen(len(q.items))
	}
}
