package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogentx/chatloop/pkg/chat"
	"github.com/cogentx/chatloop/pkg/memory"
	"github.com/cogentx/chatloop/pkg/tool"
)

// DefaultMaxIterations bounds the number of model round-trips per run.
// A model could request tools indefinitely; exceeding the bound fails the
// run with CodeMaxIterations instead of looping forever.
const DefaultMaxIterations = 10

// State names one phase of the run state machine.
type State string

const (
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Loop orchestrates tool-augmented chat completion with persistent,
// thread-keyed conversation state. The zero value is not usable; populate
// Client, Tools, and Memory.
type Loop struct {
	// Client is the model boundary. Required.
	Client chat.Client

	// Tools executes model-requested calls. Optional: without a registry
	// every requested call is answered with an error result.
	Tools *tool.Registry

	// Memory persists conversations per thread. Required.
	Memory memory.Store

	// MaxIterations caps model round-trips per run.
	// Zero means DefaultMaxIterations.
	MaxIterations int

	// Timeout bounds each individual model round-trip. Zero disables it.
	Timeout time.Duration

	// Parallel executes independent tool calls of one assistant message
	// concurrently. Results are appended in request order regardless.
	Parallel bool

	// threadLocks serializes runs per thread identifier.
	threadLocks sync.Map // threadID → *sync.Mutex
}

// Result is the outcome of a successful run.
type Result struct {
	// Reply is the final assistant message.
	Reply *chat.Message

	// Iterations is the number of model round-trips taken.
	Iterations int

	// SaveErr reports a persistence failure. Persistence is best-effort:
	// a failed save never retracts the answer already produced, so Reply
	// is valid even when SaveErr is non-nil.
	SaveErr error
}

// Run processes one new user message on the given thread and returns the
// final assistant message. Concurrent runs on the same thread are
// serialized; each run sees the conversation as the previous one left it.
func (l *Loop) Run(ctx context.Context, threadID string, msg *chat.Message) (*Result, error) {
	if msg == nil {
		return nil, failf(CodeInvalidInput, nil, "nil user message")
	}
	unlock := l.lockThread(threadID)
	defer unlock()

	conv, err := l.Memory.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loop: load thread %q: %w", threadID, err)
	}
	appendUserMessage(conv, msg)

	var (
		iterations int
		pending    []*chat.ToolCall
	)
	for state := StateAwaitingModel; state != StateDone; {
		switch state {
		case StateAwaitingModel:
			if iterations >= l.maxIterations() {
				return nil, failf(CodeMaxIterations, nil,
					"model still requesting tools after %d iterations", iterations)
			}
			iterations++

			reply, ferr := l.complete(ctx, conv)
			if ferr != nil {
				return nil, ferr
			}
			conv.Append(reply)

			if len(reply.ToolCalls) == 0 {
				state = StateDone
				break
			}
			pending = reply.ToolCalls
			state = StateExecutingTools

		case StateExecutingTools:
			for _, res := range l.executeTools(ctx, pending) {
				conv.Append(&chat.Message{Role: chat.RoleTool, ToolResult: res})
			}
			state = StateAwaitingModel
		}
	}

	result := &Result{Reply: conv.Last(), Iterations: iterations}
	if err := l.Memory.Save(ctx, threadID, conv); err != nil {
		slog.Warn("loop: save thread failed", "thread", threadID, "err", err)
		result.SaveErr = err
	}
	return result, nil
}

// complete performs one model round-trip with the configured timeout and
// classifies any error into a Failure.
func (l *Loop) complete(ctx context.Context, conv *chat.Conversation) (*chat.Message, error) {
	if err := conv.Validate(); err != nil {
		return nil, classify(err)
	}

	cctx := ctx
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	reply, err := l.Client.Complete(cctx, conv, l.toolDefs())
	if err != nil {
		return nil, classify(err)
	}
	if reply == nil {
		return nil, failf(CodeInternal, nil, "model returned no message")
	}
	if reply.Role == "" {
		reply.Role = chat.RoleAssistant
	}
	return reply, nil
}

// executeTools runs the requested calls and returns their results in
// request order. With Parallel set, calls run concurrently; ordering of the
// returned slice — and therefore of the conversation log — is unaffected.
func (l *Loop) executeTools(ctx context.Context, calls []*chat.ToolCall) []*chat.ToolResult {
	results := make([]*chat.ToolResult, len(calls))

	run := func(i int, call *chat.ToolCall) {
		results[i] = l.executeTool(ctx, call)
	}

	if l.Parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run(i, call)
			}()
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			run(i, call)
		}
	}
	return results
}

// executeTool resolves one call to a result. Registry contract violations
// (unknown tool, invalid arguments) become error results fed back to the
// model rather than failing the run.
func (l *Loop) executeTool(ctx context.Context, call *chat.ToolCall) *chat.ToolResult {
	if l.Tools == nil {
		return &chat.ToolResult{ID: call.ID, Content: "no tools registered", IsError: true}
	}
	res, err := l.Tools.Execute(ctx, call)
	if err != nil {
		return &chat.ToolResult{ID: call.ID, Content: err.Error(), IsError: true}
	}
	return res
}

func (l *Loop) toolDefs() []*chat.ToolDef {
	if l.Tools == nil {
		return nil
	}
	return l.Tools.Defs()
}

func (l *Loop) maxIterations() int {
	if l.MaxIterations > 0 {
		return l.MaxIterations
	}
	return DefaultMaxIterations
}

// lockThread serializes runs per thread identifier. Locks are never
// removed; a thread that has been seen once keeps its mutex for the
// lifetime of the Loop.
func (l *Loop) lockThread(threadID string) (unlock func()) {
	v, _ := l.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// appendUserMessage normalizes and appends the caller's new message.
func appendUserMessage(conv *chat.Conversation, msg *chat.Message) {
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	conv.Append(msg)
}
