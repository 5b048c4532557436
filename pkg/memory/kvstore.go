package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cogentx/chatloop/pkg/chat"
	"github.com/cogentx/chatloop/pkg/kv"
)

// KV is a durable Store persisting each thread's conversation as one
// msgpack-encoded value in a kv.Store. The backend's per-key write
// atomicity gives the per-thread overwrite guarantee.
type KV struct {
	store kv.Store
}

// NewKV creates a Store over the given kv backend. The KV store takes
// ownership of the backend: Close closes it.
func NewKV(store kv.Store) *KV {
	return &KV{store: store}
}

// threadKey is the kv key for a thread's conversation.
func threadKey(threadID string) kv.Key {
	return kv.Key{"thread", threadID}
}

func (s *KV) Load(ctx context.Context, threadID string) (*chat.Conversation, error) {
	if threadID == "" {
		return nil, ErrInvalidThreadID
	}
	data, err := s.store.Get(ctx, threadKey(threadID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return chat.NewConversation(), nil
		}
		return nil, fmt.Errorf("memory: load thread %q: %w", threadID, err)
	}
	conv, err := decodeConversation(data)
	if err != nil {
		return nil, fmt.Errorf("memory: decode thread %q: %w", threadID, err)
	}
	return conv, nil
}

func (s *KV) Save(ctx context.Context, threadID string, conv *chat.Conversation) error {
	if threadID == "" {
		return ErrInvalidThreadID
	}
	data, err := encodeConversation(conv)
	if err != nil {
		return fmt.Errorf("memory: encode thread %q: %w", threadID, err)
	}
	if err := s.store.Set(ctx, threadKey(threadID), data); err != nil {
		return fmt.Errorf("memory: save thread %q: %w", threadID, err)
	}
	return nil
}

func (s *KV) Threads(ctx context.Context) ([]string, error) {
	var ids []string
	for entry, err := range s.store.List(ctx, kv.Key{"thread"}) {
		if err != nil {
			return nil, fmt.Errorf("memory: list threads: %w", err)
		}
		if len(entry.Key) == 2 {
			ids = append(ids, entry.Key[1])
		}
	}
	return ids, nil
}

func (s *KV) Delete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrInvalidThreadID
	}
	return s.store.Delete(ctx, threadKey(threadID))
}

func (s *KV) Close() error {
	return s.store.Close()
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------
//
// Messages are flattened into plain structs for msgpack: the chat.Part union
// becomes a tagged record. Unknown part types decode to nothing rather than
// failing, so older readers skip newer content kinds.

const (
	partText  = "text"
	partImage = "image"
	partBlob  = "blob"
)

type wireConversation struct {
	Messages []wireMessage `msgpack:"msgs"`
}

type wireMessage struct {
	ID         string          `msgpack:"id,omitempty"`
	Role       string          `msgpack:"role"`
	Name       string          `msgpack:"name,omitempty"`
	Parts      []wirePart      `msgpack:"parts,omitempty"`
	ToolCalls  []wireToolCall  `msgpack:"tcs,omitempty"`
	ToolResult *wireToolResult `msgpack:"tr,omitempty"`
}

type wirePart struct {
	Type string `msgpack:"type"`
	Text string `msgpack:"text,omitempty"`
	URL  string `msgpack:"url,omitempty"`
	MIME string `msgpack:"mime,omitempty"`
	Data []byte `msgpack:"data,omitempty"`
}

type wireToolCall struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	Arguments string `msgpack:"args,omitempty"`
}

type wireToolResult struct {
	ID      string `msgpack:"id"`
	Content string `msgpack:"content,omitempty"`
	IsError bool   `msgpack:"is_error,omitempty"`
}

func encodeConversation(conv *chat.Conversation) ([]byte, error) {
	wire := wireConversation{Messages: make([]wireMessage, 0, conv.Len())}
	for msg := range conv.All() {
		wire.Messages = append(wire.Messages, encodeMessage(msg))
	}
	return msgpack.Marshal(&wire)
}

func decodeConversation(data []byte) (*chat.Conversation, error) {
	var wire wireConversation
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	conv := chat.NewConversation()
	for i := range wire.Messages {
		conv.Append(decodeMessage(&wire.Messages[i]))
	}
	return conv, nil
}

func encodeMessage(msg *chat.Message) wireMessage {
	w := wireMessage{
		ID:   msg.ID,
		Role: string(msg.Role),
		Name: msg.Name,
	}
	for _, p := range msg.Content {
		switch t := p.(type) {
		case chat.Text:
			w.Parts = append(w.Parts, wirePart{Type: partText, Text: string(t)})
		case *chat.ImageRef:
			w.Parts = append(w.Parts, wirePart{Type: partImage, URL: t.URL})
		case *chat.Blob:
			w.Parts = append(w.Parts, wirePart{Type: partBlob, MIME: t.MIMEType, Data: t.Data})
		}
	}
	for _, tc := range msg.ToolCalls {
		w.ToolCalls = append(w.ToolCalls, wireToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	if msg.ToolResult != nil {
		w.ToolResult = &wireToolResult{
			ID:      msg.ToolResult.ID,
			Content: msg.ToolResult.Content,
			IsError: msg.ToolResult.IsError,
		}
	}
	return w
}

func decodeMessage(w *wireMessage) *chat.Message {
	msg := &chat.Message{
		ID:   w.ID,
		Role: chat.Role(w.Role),
		Name: w.Name,
	}
	for _, p := range w.Parts {
		switch p.Type {
		case partText:
			msg.Content = append(msg.Content, chat.Text(p.Text))
		case partImage:
			msg.Content = append(msg.Content, &chat.ImageRef{URL: p.URL})
		case partBlob:
			msg.Content = append(msg.Content, &chat.Blob{MIMEType: p.MIME, Data: p.Data})
		}
	}
	for _, tc := range w.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, &chat.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	if w.ToolResult != nil {
		msg.ToolResult = &chat.ToolResult{
			ID:      w.ToolResult.ID,
			Content: w.ToolResult.Content,
			IsError: w.ToolResult.IsError,
		}
	}
	return msg
}
