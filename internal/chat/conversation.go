// Package chat drives one agent conversation: the streamed assistant turn,
// the message log it writes into, and the tool invocations surfaced by it.
package chat

import (
	"sync"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// Conversation is an append-only message log with an id index. Messages keep
// their position once appended.
type Conversation struct {
	mu       sync.RWMutex
	messages []domain.Message
	index    map[string]int
	err      string
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{index: make(map[string]int)}
}

// Append adds m at the end of the log. It reports false when a message with
// the same id is already present.
func (c *Conversation) Append(m domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[m.ID]; ok {
		return false
	}
	c.index[m.ID] = len(c.messages)
	c.messages = append(c.messages, m)
	return true
}

// Update patches the message with id in place.
func (c *Conversation) Update(id string, fn func(m *domain.Message)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[id]
	if !ok {
		return false
	}
	fn(&c.messages[i])
	return true
}

// Upsert replaces the message with m.ID, or appends m when it is new.
func (c *Conversation) Upsert(m domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[m.ID]; ok {
		c.messages[i] = m
		return
	}
	c.index[m.ID] = len(c.messages)
	c.messages = append(c.messages, m)
}

// Get returns a copy of the message with id.
func (c *Conversation) Get(id string) (domain.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[id]
	if !ok {
		return domain.Message{}, false
	}
	return c.messages[i], true
}

// Messages returns a snapshot of the whole log.
func (c *Conversation) Messages() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Message(nil), c.messages...)
}

// History returns the finished messages, the context sent with a new turn.
func (c *Conversation) History() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if !m.IsStreaming {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// SetError records a conversation-level error. An empty string clears it.
func (c *Conversation) SetError(msg string) {
	c.mu.Lock()
	c.err = msg
	c.mu.Unlock()
}

// Err returns the conversation-level error, if any.
func (c *Conversation) Err() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Clear drops every message and the error.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = nil
	c.index = make(map[string]int)
	c.err = ""
}
