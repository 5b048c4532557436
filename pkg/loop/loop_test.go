package loop_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cogentx/chatloop/pkg/chat"
	"github.com/cogentx/chatloop/pkg/loop"
	"github.com/cogentx/chatloop/pkg/memory"
	"github.com/cogentx/chatloop/pkg/tool"
)

// stubClient is a scripted chat.Client. Each Complete call pops the next
// scripted reply; with repeatLast set, the final script repeats forever.
type stubClient struct {
	mu         sync.Mutex
	scripts    []*chat.Message
	errs       []error
	repeatLast bool
	delay      time.Duration

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (c *stubClient) withReply(msg *chat.Message) *stubClient {
	c.scripts = append(c.scripts, msg)
	c.errs = append(c.errs, nil)
	return c
}

func (c *stubClient) withError(err error) *stubClient {
	c.scripts = append(c.scripts, nil)
	c.errs = append(c.errs, err)
	return c
}

func (c *stubClient) Complete(ctx context.Context, conv *chat.Conversation, tools []*chat.ToolDef) (*chat.Message, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		max := c.maxInFlight.Load()
		if n <= max || c.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	c.calls.Add(1)

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.scripts) == 0 {
		return nil, errors.New("stub: script exhausted")
	}
	msg, err := c.scripts[0], c.errs[0]
	if !(c.repeatLast && len(c.scripts) == 1) {
		c.scripts = c.scripts[1:]
		c.errs = c.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

func (c *stubClient) Stream(ctx context.Context, conv *chat.Conversation, tools []*chat.ToolDef) (chat.Stream, error) {
	msg, err := c.Complete(ctx, conv, tools)
	if err != nil {
		return nil, err
	}
	sb := chat.NewStreamBuilder(8)
	go func() {
		// Split the text so the consumer sees real fragmentation.
		text := msg.Text()
		for len(text) > 0 {
			n := min(5, len(text))
			if err := sb.Add(&chat.Fragment{Text: text[:n]}); err != nil {
				return
			}
			text = text[n:]
		}
		for _, tc := range msg.ToolCalls {
			if err := sb.Add(&chat.Fragment{ToolCall: tc}); err != nil {
				return
			}
		}
		sb.Done(chat.Usage{})
	}()
	return sb.Stream(), nil
}

type multiplyArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func multiplyRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	err := r.Register(tool.Must("multiply", "Multiplies two numbers.",
		func(ctx context.Context, call *chat.ToolCall, arg multiplyArgs) (any, error) {
			return arg.A * arg.B, nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func assistantCalling(id, name, args string) *chat.Message {
	return &chat.Message{
		Role:      chat.RoleAssistant,
		ToolCalls: []*chat.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

func failureCode(t *testing.T, err error) loop.Code {
	t.Helper()
	var f *loop.Failure
	if !errors.As(err, &f) {
		t.Fatalf("error %v (%T) is not a *loop.Failure", err, err)
	}
	return f.Code
}

func roles(conv *chat.Conversation) []chat.Role {
	var out []chat.Role
	for m := range conv.All() {
		out = append(out, m.Role)
	}
	return out
}

func TestRun_PlainAnswerSingleRoundTrip(t *testing.T) {
	client := (&stubClient{}).withReply(chat.AssistantText("Hi Bob, nice to meet you."))
	store := memory.NewVolatile()
	l := &loop.Loop{Client: client, Memory: store}

	res, err := l.Run(context.Background(), "t1", chat.UserText("My name is Bob."))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.SaveErr != nil {
		t.Errorf("SaveErr = %v", res.SaveErr)
	}
	if got := res.Reply.Text(); !strings.Contains(got, "Bob") {
		t.Errorf("Reply = %q", got)
	}

	conv, err := store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	got := roles(conv)
	want := []chat.Role{chat.RoleUser, chat.RoleAssistant}
	if len(got) != len(want) {
		t.Fatalf("stored roles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stored role %d = %s, want %s", i, got[i], want[i])
		}
	}
	if conv.Messages()[0].Text() != "My name is Bob." {
		t.Errorf("stored user message = %q", conv.Messages()[0].Text())
	}
	if conv.Messages()[0].ID == "" {
		t.Error("user message should get an ID")
	}
}

func TestRun_MemoryAcrossRuns(t *testing.T) {
	client := (&stubClient{}).
		withReply(chat.AssistantText("Hi Bob.")).
		withReply(chat.AssistantText("Your name is Bob."))
	store := memory.NewVolatile()
	l := &loop.Loop{Client: client, Memory: store}

	ctx := context.Background()
	if _, err := l.Run(ctx, "t1", chat.UserText("My name is Bob.")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(ctx, "t1", chat.UserText("What is my name?")); err != nil {
		t.Fatal(err)
	}

	conv, _ := store.Load(ctx, "t1")
	if conv.Len() != 4 {
		t.Errorf("stored conversation length = %d, want 4", conv.Len())
	}

	// A different thread starts clean.
	other, _ := store.Load(ctx, "t2")
	if other.Len() != 0 {
		t.Errorf("thread t2 should be empty, got %d messages", other.Len())
	}
}

func TestRun_ToolCycle(t *testing.T) {
	client := (&stubClient{}).
		withReply(assistantCalling("c1", "multiply", `{"a":6,"b":7}`)).
		withReply(chat.AssistantText("6 times 7 is 42."))
	store := memory.NewVolatile()
	l := &loop.Loop{Client: client, Tools: multiplyRegistry(t), Memory: store}

	res, err := l.Run(context.Background(), "t1", chat.UserText("What is 6 times 7?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Reply.Text(), "42") {
		t.Errorf("Reply = %q, want it to contain 42", res.Reply.Text())
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}

	conv, _ := store.Load(context.Background(), "t1")
	got := roles(conv)
	want := []chat.Role{chat.RoleUser, chat.RoleAssistant, chat.RoleTool, chat.RoleAssistant}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("stored roles = %v, want %v", got, want)
	}

	toolMsg := conv.Messages()[2]
	if toolMsg.ToolResult.ID != "c1" {
		t.Errorf("tool result answers %q, want c1", toolMsg.ToolResult.ID)
	}
	if toolMsg.ToolResult.Content != "42" {
		t.Errorf("tool result = %q, want 42", toolMsg.ToolResult.Content)
	}
	if err := conv.Validate(); err != nil {
		t.Errorf("stored conversation invalid: %v", err)
	}
}

func TestRun_UnknownToolFedBack(t *testing.T) {
	client := (&stubClient{}).
		withReply(assistantCalling("c1", "divide", `{}`)).
		withReply(chat.AssistantText("I cannot divide."))
	l := &loop.Loop{Client: client, Tools: multiplyRegistry(t), Memory: memory.NewVolatile()}

	res, err := l.Run(context.Background(), "t1", chat.UserText("Divide 1 by 0."))
	if err != nil {
		t.Fatalf("an unknown tool must not fail the run: %v", err)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}

	conv, _ := l.Memory.Load(context.Background(), "t1")
	toolMsg := conv.Messages()[2]
	if !toolMsg.ToolResult.IsError {
		t.Error("tool result should be marked as error")
	}
	if !strings.Contains(toolMsg.ToolResult.Content, "divide") {
		t.Errorf("tool result = %q", toolMsg.ToolResult.Content)
	}
}

func TestRun_NoRegistry(t *testing.T) {
	client := (&stubClient{}).
		withReply(assistantCalling("c1", "multiply", `{}`)).
		withReply(chat.AssistantText("Never mind."))
	l := &loop.Loop{Client: client, Memory: memory.NewVolatile()}

	if _, err := l.Run(context.Background(), "t1", chat.UserText("hi")); err != nil {
		t.Fatalf("Run without registry: %v", err)
	}
	conv, _ := l.Memory.Load(context.Background(), "t1")
	if res := conv.Messages()[2].ToolResult; !res.IsError {
		t.Errorf("result = %+v, want error result", res)
	}
}

func TestRun_MaxIterationsExact(t *testing.T) {
	client := &stubClient{repeatLast: true}
	client.withReply(assistantCalling("c1", "multiply", `{"a":1,"b":1}`))
	l := &loop.Loop{
		Client:        client,
		Tools:         multiplyRegistry(t),
		Memory:        memory.NewVolatile(),
		MaxIterations: 3,
	}

	_, err := l.Run(context.Background(), "t1", chat.UserText("loop forever"))
	if err == nil {
		t.Fatal("Run should fail")
	}
	if code := failureCode(t, err); code != loop.CodeMaxIterations {
		t.Errorf("code = %s, want %s", code, loop.CodeMaxIterations)
	}
	if got := client.calls.Load(); got != 3 {
		t.Errorf("model round-trips = %d, want exactly 3", got)
	}
}

func TestRun_NilMessage(t *testing.T) {
	client := (&stubClient{}).withReply(chat.AssistantText("unused"))
	store := memory.NewVolatile()
	l := &loop.Loop{Client: client, Memory: store}

	_, err := l.Run(context.Background(), "t1", nil)
	if code := failureCode(t, err); code != loop.CodeInvalidInput {
		t.Errorf("Run code = %s, want %s", code, loop.CodeInvalidInput)
	}
	if _, err := l.RunStream(context.Background(), "t1", nil); err == nil {
		t.Error("RunStream with a nil message should fail")
	} else if code := failureCode(t, err); code != loop.CodeInvalidInput {
		t.Errorf("RunStream code = %s, want %s", code, loop.CodeInvalidInput)
	}

	if got := client.calls.Load(); got != 0 {
		t.Errorf("model was called %d times for a rejected message", got)
	}
	conv, _ := store.Load(context.Background(), "t1")
	if conv.Len() != 0 {
		t.Errorf("rejected message persisted %d messages", conv.Len())
	}
}

func TestRun_Unavailable(t *testing.T) {
	client := (&stubClient{}).withError(fmt.Errorf("%w: connect refused", chat.ErrUnavailable))
	store := memory.NewVolatile()
	l := &loop.Loop{Client: client, Memory: store}

	_, err := l.Run(context.Background(), "t1", chat.UserText("hello"))
	if code := failureCode(t, err); code != loop.CodeUnavailable {
		t.Errorf("code = %s, want %s", code, loop.CodeUnavailable)
	}
	if !errors.Is(err, chat.ErrUnavailable) {
		t.Errorf("failure should unwrap to chat.ErrUnavailable: %v", err)
	}

	// Nothing was persisted for the failed run.
	conv, _ := store.Load(context.Background(), "t1")
	if conv.Len() != 0 {
		t.Errorf("failed run persisted %d messages", conv.Len())
	}
}

func TestRun_Timeout(t *testing.T) {
	client := &stubClient{delay: time.Second}
	client.withReply(chat.AssistantText("too late"))
	store := memory.NewVolatile()
	l := &loop.Loop{Client: client, Memory: store, Timeout: 10 * time.Millisecond}

	_, err := l.Run(context.Background(), "t1", chat.UserText("hello"))
	if code := failureCode(t, err); code != loop.CodeTimeout {
		t.Errorf("code = %s, want %s", code, loop.CodeTimeout)
	}

	// No partial assistant message is committed.
	conv, _ := store.Load(context.Background(), "t1")
	if conv.Len() != 0 {
		t.Errorf("timed-out run persisted %d messages", conv.Len())
	}
}

func TestRun_Canceled(t *testing.T) {
	client := &stubClient{delay: time.Second}
	client.withReply(chat.AssistantText("too late"))
	l := &loop.Loop{Client: client, Memory: memory.NewVolatile()}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := l.Run(ctx, "t1", chat.UserText("hello"))
	if code := failureCode(t, err); code != loop.CodeCanceled {
		t.Errorf("code = %s, want %s", code, loop.CodeCanceled)
	}
}

// failingSaveStore wraps a Store whose Save always fails.
type failingSaveStore struct {
	memory.Store
}

func (failingSaveStore) Save(context.Context, string, *chat.Conversation) error {
	return errors.New("disk full")
}

func TestRun_SaveFailureIsSoft(t *testing.T) {
	client := (&stubClient{}).withReply(chat.AssistantText("kept answer"))
	l := &loop.Loop{
		Client: client,
		Memory: failingSaveStore{memory.NewVolatile()},
	}

	res, err := l.Run(context.Background(), "t1", chat.UserText("hello"))
	if err != nil {
		t.Fatalf("a save failure must not fail the run: %v", err)
	}
	if res.Reply == nil || res.Reply.Text() != "kept answer" {
		t.Errorf("Reply = %+v", res.Reply)
	}
	if res.SaveErr == nil {
		t.Error("SaveErr should report the persistence failure")
	}
}

func TestRun_SameThreadSerialized(t *testing.T) {
	client := &stubClient{repeatLast: true, delay: 20 * time.Millisecond}
	client.withReply(chat.AssistantText("ok"))
	store := memory.NewVolatile()
	l := &loop.Loop{Client: client, Memory: store}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Run(context.Background(), "t1", chat.UserText(fmt.Sprintf("msg %d", i))); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := client.maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent model calls on one thread = %d, want 1", got)
	}
	conv, _ := store.Load(context.Background(), "t1")
	if conv.Len() != 8 {
		t.Errorf("stored length = %d, want 8", conv.Len())
	}
	if err := conv.Validate(); err != nil {
		t.Errorf("interleaved appends corrupted the log: %v", err)
	}
}

func TestRun_DifferentThreadsConcurrent(t *testing.T) {
	client := &stubClient{repeatLast: true, delay: 30 * time.Millisecond}
	client.withReply(chat.AssistantText("ok"))
	l := &loop.Loop{Client: client, Memory: memory.NewVolatile()}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			threadID := fmt.Sprintf("t%d", i)
			if _, err := l.Run(context.Background(), threadID, chat.UserText("hello")); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := client.maxInFlight.Load(); got < 2 {
		t.Errorf("max concurrent model calls across threads = %d, want at least 2", got)
	}
}

func TestRun_ParallelToolsKeepOrder(t *testing.T) {
	r := tool.NewRegistry()
	err := r.Register(tool.Must("sleepy", "Sleeps then echoes.",
		func(ctx context.Context, call *chat.ToolCall, arg struct {
			N int `json:"n"`
		}) (any, error) {
			// Later requests finish first.
			time.Sleep(time.Duration(50-10*arg.N) * time.Millisecond)
			return arg.N, nil
		}))
	if err != nil {
		t.Fatal(err)
	}

	reply := &chat.Message{Role: chat.RoleAssistant}
	for i := 1; i <= 3; i++ {
		reply.ToolCalls = append(reply.ToolCalls, &chat.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      "sleepy",
			Arguments: fmt.Sprintf(`{"n":%d}`, i),
		})
	}
	client := (&stubClient{}).withReply(reply).withReply(chat.AssistantText("done"))
	store := memory.NewVolatile()
	l := &loop.Loop{Client: client, Tools: r, Memory: store, Parallel: true}

	if _, err := l.Run(context.Background(), "t1", chat.UserText("go")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	conv, _ := store.Load(context.Background(), "t1")
	msgs := conv.Messages()
	// user, assistant, tool x3, assistant
	for i := 0; i < 3; i++ {
		res := msgs[2+i].ToolResult
		wantID := fmt.Sprintf("c%d", i+1)
		if res.ID != wantID {
			t.Errorf("tool message %d answers %q, want %q", i, res.ID, wantID)
		}
		if res.Content != fmt.Sprint(i+1) {
			t.Errorf("tool message %d content = %q, want %d", i, res.Content, i+1)
		}
	}
	if err := conv.Validate(); err != nil {
		t.Errorf("parallel execution corrupted the log: %v", err)
	}
}
