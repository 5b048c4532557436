package tool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cogentx/chatloop/pkg/chat"
)

// Sentinel errors.
var (
	// ErrDuplicateName is returned when registering a name twice.
	ErrDuplicateName = errors.New("tool: duplicate name")

	// ErrUnknownTool is returned when executing an unregistered name.
	ErrUnknownTool = errors.New("tool: unknown tool")

	// ErrInvalidArguments is returned when a call's arguments do not
	// satisfy the tool's schema.
	ErrInvalidArguments = errors.New("tool: invalid arguments")
)

// Registry maps tool names to descriptors and executes requested calls.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	order  []*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds a descriptor. The name must be unique within the registry.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("tool: register: descriptor without name")
	}
	if d.fn == nil {
		return fmt.Errorf("tool: register %s: function is nil", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d)
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

// Defs returns the tool definitions to bind to a model request, in
// registration order.
func (r *Registry) Defs() []*chat.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*chat.ToolDef, len(r.order))
	for i, d := range r.order {
		out[i] = d.Def()
	}
	return out
}

// Execute runs the tool named by call and returns its result paired with
// the call ID.
//
// Contract violations — an unregistered name (ErrUnknownTool) or arguments
// rejected by the schema (ErrInvalidArguments) — are returned as errors for
// the caller to handle. Faults inside the tool itself, including panics,
// are never propagated: they come back as a result with IsError set, so a
// single failing tool cannot crash a conversation loop.
func (r *Registry) Execute(ctx context.Context, call *chat.ToolCall) (*chat.ToolResult, error) {
	d, ok := r.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	if err := d.validateArgs(call.Arguments); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
	}

	out, err := d.invoke(ctx, call)
	if err != nil {
		return &chat.ToolResult{ID: call.ID, Content: err.Error(), IsError: true}, nil
	}
	content, err := formatResult(out)
	if err != nil {
		return &chat.ToolResult{ID: call.ID, Content: err.Error(), IsError: true}, nil
	}
	return &chat.ToolResult{ID: call.ID, Content: content}, nil
}

// invoke runs the bound function, converting panics into errors.
func (d *Descriptor) invoke(ctx context.Context, call *chat.ToolCall) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v\n%s", d.Name, rec, debug.Stack())
		}
	}()
	return d.fn(ctx, call, call.Arguments)
}
