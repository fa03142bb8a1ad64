// Package session implements the per-session actor: a goroutine owning the
// conversation, the streaming turn state machine, tool dispatch, subscriber
// fan-out, and overflow recovery.
package session

import (
	"sync"
	"time"

	"github.com/lemonhq/lemon/internal/providers"
	"github.com/lemonhq/lemon/internal/store"
)

// Conversation entry types.
const (
	EntryMessage     = "message"
	EntryToolCall    = "tool_call"
	EntryToolResult  = "tool_result"
	EntrySystemEvent = "system_event"
)

// Entry is one append-only conversation record. ParentID links entries into
// a chain; LeafID on the conversation marks the head of the active branch.
type Entry struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	ParentID string            `json:"parent_id,omitempty"`
	Message  providers.Message `json:"message"`
	At       time.Time         `json:"at"`
}

// Conversation holds the entries and the leaf pointer. Entries are never
// mutated after append; compaction swaps the whole set.
type Conversation struct {
	mu      sync.RWMutex
	entries []Entry
	leafID  string
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds an entry chained to the current leaf and moves the leaf.
func (c *Conversation) Append(entryType string, msg providers.Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	e := Entry{
		ID:       store.GenID(),
		Type:     entryType,
		ParentID: c.leafID,
		Message:  msg,
		At:       time.Now().UTC(),
	}
	c.entries = append(c.entries, e)
	c.leafID = e.ID
	return e.ID
}

// Leaf returns the ID of the active branch head.
func (c *Conversation) Leaf() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leafID
}

// Len returns the entry count.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy of all entries in append order.
func (c *Conversation) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Messages returns the active branch's messages, root first, skipping
// system events that carry no content.
func (c *Conversation) Messages() []providers.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byID := make(map[string]*Entry, len(c.entries))
	for i := range c.entries {
		byID[c.entries[i].ID] = &c.entries[i]
	}

	var chain []providers.Message
	for id := c.leafID; id != ""; {
		e, ok := byID[id]
		if !ok {
			break
		}
		if e.Type != EntrySystemEvent || e.Message.Text() != "" {
			chain = append(chain, e.Message)
		}
		id = e.ParentID
	}
	// Reverse into chronological order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Replace swaps the whole entry set, as after compaction.
func (c *Conversation) Replace(entries []Entry, leafID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.leafID = leafID
}
