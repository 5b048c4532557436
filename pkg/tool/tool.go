// Package tool defines callable tool descriptors and a registry that
// validates and executes model-requested tool calls.
//
// A Descriptor binds a unique name, a human-readable description, a JSON
// schema for the argument object, and the Go function to run. Schemas are
// derived from the argument type with github.com/google/jsonschema-go, so a
// tool is declared with one generic call:
//
//	type MultiplyArgs struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//
//	multiply := tool.Must(tool.New("multiply", "Multiplies two numbers.",
//	    func(ctx context.Context, call *chat.ToolCall, arg MultiplyArgs) (any, error) {
//	        return arg.A * arg.B, nil
//	    }))
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/cogentx/chatloop/pkg/chat"
)

// Func executes a tool call with raw JSON arguments. Descriptors built via
// New wrap a typed function into this form.
type Func func(ctx context.Context, call *chat.ToolCall, args string) (any, error)

// Descriptor describes one callable tool.
type Descriptor struct {
	// Name is unique within a Registry.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Schema describes the argument object.
	Schema *jsonschema.Schema

	resolved *jsonschema.Resolved
	fn       Func
}

// New builds a descriptor whose argument schema is derived from Arg.
// The wrapped function receives arguments already unmarshalled into Arg.
func New[Arg any](name, description string, fn func(ctx context.Context, call *chat.ToolCall, arg Arg) (any, error)) (*Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("tool: name is empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool: function is nil: name=%s", name)
	}
	schema, err := jsonschema.For[Arg](nil)
	if err != nil {
		return nil, fmt.Errorf("tool: derive schema for %s: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool: resolve schema for %s: %w", name, err)
	}
	return &Descriptor{
		Name:        name,
		Description: description,
		Schema:      schema,
		resolved:    resolved,
		fn: func(ctx context.Context, call *chat.ToolCall, args string) (any, error) {
			var arg Arg
			if err := unmarshalJSON([]byte(args), &arg); err != nil {
				return nil, fmt.Errorf("unmarshal %q: %w", args, err)
			}
			return fn(ctx, call, arg)
		},
	}, nil
}

// Must is New, panicking on error. Intended for registration at startup.
func Must[Arg any](name, description string, fn func(ctx context.Context, call *chat.ToolCall, arg Arg) (any, error)) *Descriptor {
	d, err := New(name, description, fn)
	if err != nil {
		panic(err)
	}
	return d
}

// Def returns the binding definition advertised to model clients.
func (d *Descriptor) Def() *chat.ToolDef {
	return &chat.ToolDef{
		Name:        d.Name,
		Description: d.Description,
		Schema:      d.Schema,
	}
}

// validateArgs checks the raw argument JSON against the descriptor schema.
func (d *Descriptor) validateArgs(args string) error {
	if d.resolved == nil {
		return nil
	}
	if args == "" {
		args = "{}"
	}
	var v any
	if err := unmarshalJSON([]byte(args), &v); err != nil {
		return err
	}
	return d.resolved.Validate(v)
}

// unmarshalJSON unmarshals data into v, repairing malformed JSON on syntax
// errors before giving up. Models occasionally emit slightly broken argument
// objects; repairing keeps a recoverable call recoverable.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return rerr
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}

// formatResult renders a tool return value as the string fed back to the
// model. Strings pass through; everything else is JSON.
func formatResult(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}
