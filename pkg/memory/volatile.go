package memory

import (
	"context"
	"sync"

	"github.com/cogentx/chatloop/pkg/chat"
)

// Volatile is a Store held only for the lifetime of the process.
// It is safe for concurrent use.
type Volatile struct {
	mu      sync.RWMutex
	threads map[string]*chat.Conversation
}

// NewVolatile creates an empty in-process Store.
func NewVolatile() *Volatile {
	return &Volatile{threads: make(map[string]*chat.Conversation)}
}

func (v *Volatile) Load(_ context.Context, threadID string) (*chat.Conversation, error) {
	if threadID == "" {
		return nil, ErrInvalidThreadID
	}
	v.mu.RLock()
	conv, ok := v.threads[threadID]
	v.mu.RUnlock()
	if !ok {
		return chat.NewConversation(), nil
	}
	// Clone so callers can mutate the loaded conversation freely and a
	// later Save stays the only way to publish changes.
	return conv.Clone(), nil
}

func (v *Volatile) Save(_ context.Context, threadID string, conv *chat.Conversation) error {
	if threadID == "" {
		return ErrInvalidThreadID
	}
	cp := conv.Clone()
	v.mu.Lock()
	v.threads[threadID] = cp
	v.mu.Unlock()
	return nil
}

func (v *Volatile) Threads(_ context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.threads))
	for id := range v.threads {
		ids = append(ids, id)
	}
	return ids, nil
}

func (v *Volatile) Delete(_ context.Context, threadID string) error {
	v.mu.Lock()
	delete(v.threads, threadID)
	v.mu.Unlock()
	return nil
}

func (v *Volatile) Close() error {
	return nil
}
