package chat

import (
	"context"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrUnavailable reports that the backing inference service could not be
// reached. The caller may retry the whole operation; no retry happens at
// this layer.
var ErrUnavailable = errors.New("chat: model endpoint unavailable")

// ErrInvalidInput reports a malformed conversation, such as an empty one or
// a tool message answering no prior call.
var ErrInvalidInput = errors.New("chat: invalid input")

// ToolDef describes a callable tool bound to a completion request, so the
// model may ask for its invocation. Executing requested calls is the tool
// package's concern; clients only advertise the contract.
type ToolDef struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Client is a chat-completion model client.
//
// Implementations must be safe for concurrent use: independent conversations
// may be in flight at the same time.
type Client interface {
	// Complete sends the conversation and returns exactly one new
	// assistant message, which may request zero or more tool calls.
	Complete(ctx context.Context, conv *Conversation, tools []*ToolDef) (*Message, error)

	// Stream behaves like Complete but yields the response incrementally.
	// Concatenating the fragments of a finished stream reproduces the
	// Complete result. Fragments arrive in strict emission order.
	Stream(ctx context.Context, conv *Conversation, tools []*ToolDef) (Stream, error)
}

// Usage holds token accounting for one model round-trip.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}
