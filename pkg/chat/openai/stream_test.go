package openai

import (
	"errors"
	"testing"

	"github.com/openai/openai-go"

	"github.com/cogentx/chatloop/pkg/chat"
)

// chunkStream replays canned completion chunks through the puller.
type chunkStream struct {
	chunks []openai.ChatCompletionChunk
	pos    int
	err    error
}

func (s *chunkStream) Next() bool {
	if s.pos >= len(s.chunks) {
		return false
	}
	s.pos++
	return true
}

func (s *chunkStream) Current() openai.ChatCompletionChunk {
	return s.chunks[s.pos-1]
}

func (s *chunkStream) Err() error { return s.err }

func textChunk(text string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{
			{Delta: openai.ChatCompletionChunkChoiceDelta{Content: text}},
		},
	}
}

func toolChunk(id, name, args string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{
			{Delta: openai.ChatCompletionChunkChoiceDelta{
				ToolCalls: []openai.ChatCompletionChunkChoiceDeltaToolCall{
					{
						ID: id,
						Function: openai.ChatCompletionChunkChoiceDeltaToolCallFunction{
							Name:      name,
							Arguments: args,
						},
					},
				},
			}},
		},
	}
}

func finishChunk(reason string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{{FinishReason: reason}},
	}
}

func pullAll(t *testing.T, chunks ...openai.ChatCompletionChunk) (*chat.Message, error) {
	t.Helper()
	sb := chat.NewStreamBuilder(16)
	go func() {
		if err := (&puller{}).pull(sb, &chunkStream{chunks: chunks}); err != nil {
			sb.Abort(err)
		}
	}()
	return chat.Collect(sb.Stream())
}

func TestPuller_Text(t *testing.T) {
	msg, err := pullAll(t,
		textChunk("The answer "),
		textChunk("is 42."),
		finishChunk(finishReasonStop),
	)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := msg.Text(); got != "The answer is 42." {
		t.Errorf("text = %q", got)
	}
	if len(msg.ToolCalls) != 0 {
		t.Errorf("tool calls = %v", msg.ToolCalls)
	}
}

func TestPuller_SplitToolCall(t *testing.T) {
	// Tool call arguments arrive split across chunks; continuation chunks
	// omit the call ID.
	msg, err := pullAll(t,
		toolChunk("c1", "multi", ""),
		toolChunk("", "ply", `{"a":6,`),
		toolChunk("", "", `"b":7}`),
		finishChunk(finishReasonToolCalls),
	)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "c1" || tc.Name != "multiply" || tc.Arguments != `{"a":6,"b":7}` {
		t.Errorf("accumulated call = %+v", tc)
	}
}

func TestPuller_MultipleToolCalls(t *testing.T) {
	msg, err := pullAll(t,
		toolChunk("c1", "multiply", `{"a":6,"b":7}`),
		toolChunk("c2", "get_weather", `{"city":"Paris"}`),
		finishChunk(finishReasonToolCalls),
	)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].Name != "multiply" || msg.ToolCalls[1].Name != "get_weather" {
		t.Errorf("calls = %+v", msg.ToolCalls)
	}
}

func TestPuller_NoFinishReason(t *testing.T) {
	// Some local servers end the stream without a finish chunk.
	msg, err := pullAll(t, textChunk("hello"))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if msg.Text() != "hello" {
		t.Errorf("text = %q", msg.Text())
	}
}

func TestPuller_Truncated(t *testing.T) {
	_, err := pullAll(t, textChunk("partial"), finishChunk(finishReasonLength))
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestPuller_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	sb := chat.NewStreamBuilder(4)
	go func() {
		if err := (&puller{}).pull(sb, &chunkStream{err: boom}); err != nil {
			sb.Abort(err)
		}
	}()
	_, err := chat.Collect(sb.Stream())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
