// Package memory persists conversation state keyed by a thread identifier.
//
// A thread is a named, ordered conversation history. It is created on first
// use of an unseen identifier, mutated by each completed loop run, and never
// auto-deleted — retention is the backend's concern.
//
// Two backends implement the same [Store] interface: [Volatile] keeps
// threads in process memory, [KV] persists them through a [kv.Store]
// (BadgerDB or any other backend with atomic per-key overwrite).
package memory

import (
	"context"
	"errors"

	"github.com/cogentx/chatloop/pkg/chat"
)

// ErrInvalidThreadID is returned for an empty thread identifier.
var ErrInvalidThreadID = errors.New("memory: invalid thread id")

// Store maps thread identifiers to conversations.
//
// Load of an unseen identifier returns an empty conversation, never an
// error. Save overwrites the stored conversation atomically per thread:
// concurrent saves to different threads do not block one another, and a
// reader never observes a partially written conversation. Saving the same
// conversation twice loads the same result.
type Store interface {
	Load(ctx context.Context, threadID string) (*chat.Conversation, error)
	Save(ctx context.Context, threadID string, conv *chat.Conversation) error

	// Threads lists all known thread identifiers in unspecified order.
	Threads(ctx context.Context) ([]string, error)

	// Delete removes a thread. Deleting an unknown thread is not an error.
	Delete(ctx context.Context, threadID string) error

	Close() error
}
