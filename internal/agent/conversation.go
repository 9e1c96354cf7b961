package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit is the number of messages a conversation retains.
const DefaultHistoryLimit = 20

// Conversation is the bounded message history of one chat with one device.
// When the limit is reached the oldest messages are dropped first.
type Conversation struct {
	ID        string
	DeviceID  string
	CreatedAt time.Time

	mu       sync.Mutex
	limit    int
	messages []CompletionMessage
	updated  time.Time
}

// NewConversation creates an empty conversation. An empty id is replaced
// with a fresh UUID and a non-positive limit uses DefaultHistoryLimit.
func NewConversation(id, deviceID string, limit int) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	now := time.Now()
	return &Conversation{
		ID:        id,
		DeviceID:  deviceID,
		CreatedAt: now,
		limit:     limit,
		updated:   now,
	}
}

// Append adds messages, evicting the oldest beyond the limit.
func (c *Conversation) Append(msgs ...CompletionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
	if over := len(c.messages) - c.limit; over > 0 {
		c.messages = append([]CompletionMessage(nil), c.messages[over:]...)
	}
	c.updated = time.Now()
}

// Messages returns a copy of the retained history.
func (c *Conversation) Messages() []CompletionMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompletionMessage(nil), c.messages...)
}

// Len returns the number of retained messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// UpdatedAt returns the time of the last append.
func (c *Conversation) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updated
}
