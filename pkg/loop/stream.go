package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cogentx/chatloop/pkg/chat"
)

// RunStream behaves like Run but yields the model's responses to the caller
// fragment by fragment. Tool rounds proceed exactly as in Run; the text the
// model produces in every round is forwarded as it arrives, and the stream
// finishes when a round ends without tool calls.
//
// Assistant messages are committed to the conversation only when their
// round completes, so an abandoned or failed stream never persists a
// partial response. The conversation is saved best-effort once the stream
// finishes; save failures are logged, not surfaced, because the answer has
// already been delivered.
//
// The per-thread lock is held until the returned stream terminates. Close
// the stream promptly.
func (l *Loop) RunStream(ctx context.Context, threadID string, msg *chat.Message) (chat.Stream, error) {
	if msg == nil {
		return nil, failf(CodeInvalidInput, nil, "nil user message")
	}
	unlock := l.lockThread(threadID)

	conv, err := l.Memory.Load(ctx, threadID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("loop: load thread %q: %w", threadID, err)
	}
	appendUserMessage(conv, msg)

	out := chat.NewStreamBuilder(32)
	go func() {
		defer unlock()
		l.streamRounds(ctx, threadID, conv, out)
	}()
	return out.Stream(), nil
}

// streamRounds drives the state machine, forwarding fragments to out.
func (l *Loop) streamRounds(ctx context.Context, threadID string, conv *chat.Conversation, out *chat.StreamBuilder) {
	iterations := 0
	for {
		if iterations >= l.maxIterations() {
			out.Abort(failf(CodeMaxIterations, nil,
				"model still requesting tools after %d iterations", iterations))
			return
		}
		iterations++

		reply, err := l.streamRound(ctx, conv, out)
		if err != nil {
			// Completed rounds stay; the in-flight one is dropped.
			out.Abort(err)
			return
		}
		conv.Append(reply)

		if len(reply.ToolCalls) == 0 {
			if err := l.Memory.Save(ctx, threadID, conv); err != nil {
				slog.Warn("loop: save thread failed", "thread", threadID, "err", err)
			}
			out.Done(chat.Usage{})
			return
		}
		for _, res := range l.executeTools(ctx, reply.ToolCalls) {
			conv.Append(&chat.Message{Role: chat.RoleTool, ToolResult: res})
		}
	}
}

// streamRound performs one streamed model round-trip, forwarding fragments
// to out and assembling the full assistant message for the log.
func (l *Loop) streamRound(ctx context.Context, conv *chat.Conversation, out *chat.StreamBuilder) (*chat.Message, error) {
	if err := conv.Validate(); err != nil {
		return nil, classify(err)
	}

	cctx := ctx
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	stream, err := l.Client.Stream(cctx, conv, l.toolDefs())
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	var (
		text  strings.Builder
		calls []*chat.ToolCall
	)
	for {
		frag, err := stream.Next()
		if err != nil {
			if errors.Is(err, chat.ErrDone) {
				break
			}
			return nil, classify(err)
		}
		if frag.Text != "" {
			text.WriteString(frag.Text)
		}
		if frag.ToolCall != nil {
			calls = append(calls, frag.ToolCall)
		}
		if err := out.Add(frag); err != nil {
			// Consumer walked away; stop generating.
			return nil, classify(err)
		}
	}

	reply := &chat.Message{Role: chat.RoleAssistant, ToolCalls: calls}
	if text.Len() > 0 {
		reply.Content = chat.Contents{chat.Text(text.String())}
	}
	return reply, nil
}
