package typing

import (
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/debounce"
	"marketchat/internal/models"

	"github.com/jonboulle/clockwork"
)

const DefaultTimeout = 3 * time.Second

type Transport interface {
	Send(f models.Frame) error
	IsConnected() bool
}

// State is where remote typing users are kept.
type State interface {
	SetTyping(conversationID, userID string, isTyping bool) bool
	TypingUsers(conversationID string) []string
}

type Config struct {
	UserID    string
	Transport Transport
	State     State
	Clock     clockwork.Clock
	Timeout   time.Duration
}

// Coordinator turns keystroke notifications into typing frames and applies
// typing frames of other users.
//
// Locally, the first notification of a burst sends isTyping=true and every
// notification restarts the timeout; when the timeout passes without a
// new notification a single isTyping=false is sent. Typing frames are only
// sent while connected and are never queued.
type Coordinator struct {
	userID    string
	transport Transport
	state     State
	clock     clockwork.Clock
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*debounce.Timer
}

func New(config Config) *Coordinator {
	c := &Coordinator{
		userID:    config.UserID,
		transport: config.Transport,
		state:     config.State,
		clock:     config.Clock,
		timeout:   config.Timeout,
		logger:    slog.Default().With("component", "typing"),
		timers:    make(map[string]*debounce.Timer),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c
}

// NotifyTyping reports local typing activity in a conversation.
func (c *Coordinator) NotifyTyping(conversationID string, isTyping bool) {
	c.mu.Lock()
	t, ok := c.timers[conversationID]
	if !ok {
		t = debounce.New(c.clock, c.timeout, func() { c.expire(conversationID) })
		c.timers[conversationID] = t
	}

	if isTyping {
		started := !t.Armed()
		t.Arm()
		c.mu.Unlock()
		if started {
			c.send(conversationID, true)
		}
		return
	}

	t.Cancel()
	c.mu.Unlock()
	c.send(conversationID, false)
}

// EndBurst stops a running typing burst, sending isTyping=false. It does
// nothing when the user was not typing.
func (c *Coordinator) EndBurst(conversationID string) {
	c.mu.Lock()
	t, ok := c.timers[conversationID]
	active := ok && t.Cancel()
	c.mu.Unlock()

	if active {
		c.send(conversationID, false)
	}
}

// HandleRemote applies a typing frame received from the server.
func (c *Coordinator) HandleRemote(ind models.TypingIndicator) {
	if ind.UserID == c.userID {
		return
	}
	c.state.SetTyping(ind.ConversationID, ind.UserID, ind.IsTyping)
}

// TypingUsers returns the other users typing in the conversation.
func (c *Coordinator) TypingUsers(conversationID string) []string {
	return c.state.TypingUsers(conversationID)
}

// Stop cancels all pending timeouts without sending anything.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, t := range c.timers {
		t.Cancel()
		delete(c.timers, id)
	}
}

func (c *Coordinator) expire(conversationID string) {
	c.mu.Lock()
	t, ok := c.timers[conversationID]
	// Re-armed between firing and here, or stopped.
	if !ok || t.Armed() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.send(conversationID, false)
}

func (c *Coordinator) send(conversationID string, isTyping bool) {
	if !c.transport.IsConnected() {
		return
	}
	f, err := models.NewFrame(models.FrameTyping, models.TypingIndicator{
		ConversationID: conversationID,
		UserID:         c.userID,
		IsTyping:       isTyping,
	})
	if err != nil {
		c.logger.Error("failed to build typing frame", "error", err)
		return
	}
	if err := c.transport.Send(f); err != nil {
		c.logger.Debug("failed to send typing frame", "conversation_id", conversationID, "error", err)
	}
}
