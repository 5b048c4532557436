// Package chat defines the conversation data model and the contract for
// chat-completion model clients.
//
// # Core Types
//
// Message is a single conversation turn. Its Role identifies the producer
// (system, user, assistant, or tool), Content carries ordered parts (text,
// image references, inline blobs), and assistant messages may additionally
// request tool calls. A tool message answers exactly one of those calls,
// paired by call ID.
//
// Conversation is an ordered, append-only message log. It is the unit of
// context sent to a model and the unit of state persisted per thread.
//
// Client is the model boundary:
//
//	type Client interface {
//	    Complete(ctx context.Context, conv *Conversation, tools []*ToolDef) (*Message, error)
//	    Stream(ctx context.Context, conv *Conversation, tools []*ToolDef) (Stream, error)
//	}
//
// Stream yields the same content as Complete, fragment by fragment, in
// arrival order. A consumer may stop early via Close without corrupting the
// client for later calls.
//
// Subpackages provide concrete clients: chat/openai speaks to any
// OpenAI-compatible endpoint (a local Ollama server, for instance), and
// chat/router dispatches between clients based on conversation content.
package chat
