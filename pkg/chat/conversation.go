package chat

import (
	"fmt"
	"iter"
)

// Conversation is an ordered, append-only sequence of messages. Insertion
// order is temporal order; messages are never edited or reordered once
// appended.
//
// Conversation is not safe for concurrent mutation. Callers that share one
// conversation across goroutines (one loop per thread ID) must serialize
// access; see the loop package.
type Conversation struct {
	msgs []*Message
}

// NewConversation creates a conversation seeded with the given messages.
func NewConversation(msgs ...*Message) *Conversation {
	c := &Conversation{}
	c.Append(msgs...)
	return c
}

// Append adds messages to the end of the conversation.
func (c *Conversation) Append(msgs ...*Message) {
	c.msgs = append(c.msgs, msgs...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	if c == nil {
		return 0
	}
	return len(c.msgs)
}

// Last returns the most recent message, or nil if the conversation is empty.
func (c *Conversation) Last() *Message {
	if c == nil || len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

// All iterates over messages in insertion order.
func (c *Conversation) All() iter.Seq[*Message] {
	return func(yield func(*Message) bool) {
		if c == nil {
			return
		}
		for _, m := range c.msgs {
			if !yield(m) {
				return
			}
		}
	}
}

// Messages returns a copy of the message slice in insertion order.
// The messages themselves are shared, not cloned.
func (c *Conversation) Messages() []*Message {
	if c == nil {
		return nil
	}
	out := make([]*Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	cp := &Conversation{msgs: make([]*Message, len(c.msgs))}
	for i, m := range c.msgs {
		cp.msgs[i] = m.Clone()
	}
	return cp
}

// LastText returns the text of the most recent message, or "" if empty.
func (c *Conversation) LastText() string {
	if m := c.Last(); m != nil {
		return m.Text()
	}
	return ""
}

// Validate checks the structural invariants of the conversation:
//
//   - it is non-empty;
//   - every role is one of system, user, assistant, tool;
//   - only assistant messages carry tool calls;
//   - every tool message carries a result whose call ID matches a tool
//     call of the assistant message that introduced it, with no other
//     assistant message in between.
//
// A violation is reported wrapped in ErrInvalidInput.
func (c *Conversation) Validate() error {
	if c.Len() == 0 {
		return fmt.Errorf("%w: empty conversation", ErrInvalidInput)
	}

	// pending holds the unanswered call IDs of the latest assistant
	// message that requested tools.
	pending := map[string]bool{}

	for i, m := range c.msgs {
		if !m.Role.valid() {
			return fmt.Errorf("%w: message %d: unknown role %q", ErrInvalidInput, i, m.Role)
		}
		if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
			return fmt.Errorf("%w: message %d: tool calls on %s message", ErrInvalidInput, i, m.Role)
		}
		if m.ToolResult != nil && m.Role != RoleTool {
			return fmt.Errorf("%w: message %d: tool result on %s message", ErrInvalidInput, i, m.Role)
		}

		switch m.Role {
		case RoleAssistant:
			pending = map[string]bool{}
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("%w: message %d: tool call without ID", ErrInvalidInput, i)
				}
				pending[tc.ID] = true
			}
		case RoleTool:
			if m.ToolResult == nil {
				return fmt.Errorf("%w: message %d: tool message without result", ErrInvalidInput, i)
			}
			if !pending[m.ToolResult.ID] {
				return fmt.Errorf("%w: message %d: tool result %q answers no pending call",
					ErrInvalidInput, i, m.ToolResult.ID)
			}
			delete(pending, m.ToolResult.ID)
		}
	}
	return nil
}
