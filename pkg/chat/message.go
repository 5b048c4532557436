package chat

import (
	"slices"
	"strings"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) String() string {
	return string(r)
}

// valid reports whether r is one of the four known roles.
func (r Role) valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

var (
	_ Part = (Text)("")
	_ Part = (*ImageRef)(nil)
	_ Part = (*Blob)(nil)
)

// Message is a single conversation turn.
//
// Content holds the ordered content parts. ToolCalls is set only on
// assistant messages that request tool invocations. ToolResult is set only
// on tool messages and identifies, by call ID, which request it answers.
type Message struct {
	ID   string
	Role Role
	Name string

	Content    Contents
	ToolCalls  []*ToolCall
	ToolResult *ToolResult

	// Usage holds the token accounting of the round-trip that produced
	// this message. Zero on messages built by the caller.
	Usage Usage
}

// Text returns the concatenation of all text parts in Content.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if t, ok := p.(Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := &Message{
		ID:    m.ID,
		Role:  m.Role,
		Name:  m.Name,
		Usage: m.Usage,
	}
	if m.Content != nil {
		cp.Content = make(Contents, len(m.Content))
		for i, p := range m.Content {
			cp.Content[i] = p.clone()
		}
	}
	if m.ToolCalls != nil {
		cp.ToolCalls = make([]*ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			c := *tc
			cp.ToolCalls[i] = &c
		}
	}
	if m.ToolResult != nil {
		r := *m.ToolResult
		cp.ToolResult = &r
	}
	return cp
}

// SystemText builds a system message with a single text part.
func SystemText(text string) *Message {
	return &Message{Role: RoleSystem, Content: Contents{Text(text)}}
}

// UserText builds a user message with a single text part.
func UserText(text string) *Message {
	return &Message{Role: RoleUser, Content: Contents{Text(text)}}
}

// AssistantText builds an assistant message with a single text part.
func AssistantText(text string) *Message {
	return &Message{Role: RoleAssistant, Content: Contents{Text(text)}}
}

// ToolMessage builds a tool message answering the call with the given ID.
func ToolMessage(callID, content string) *Message {
	return &Message{
		Role:       RoleTool,
		ToolResult: &ToolResult{ID: callID, Content: content},
	}
}

// Contents is an ordered sequence of content parts.
type Contents []Part

// Part is one typed block of message content.
type Part interface {
	isPart()
	clone() Part
}

// Text is a plain text content part.
type Text string

func (Text) isPart() {}

func (t Text) clone() Part { return t }

// ImageRef is a content part referencing an image by URL.
type ImageRef struct {
	URL string
}

func (*ImageRef) isPart() {}

func (r *ImageRef) clone() Part {
	cp := *r
	return &cp
}

// Blob is an inline binary content part.
type Blob struct {
	MIMEType string
	Data     []byte
}

func (*Blob) isPart() {}

func (b *Blob) clone() Part {
	return &Blob{
		MIMEType: b.MIMEType,
		Data:     slices.Clone(b.Data),
	}
}

// ToolCall is a model-issued request to execute a named tool.
// Arguments is the raw JSON argument object as emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult is the answer to a ToolCall, paired by ID. Results must never
// be matched by position. IsError marks results that carry an error report
// instead of a return value.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}
