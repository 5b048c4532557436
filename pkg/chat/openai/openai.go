// Package openai implements chat.Client against any endpoint speaking the
// OpenAI chat-completion protocol. Local inference servers (Ollama,
// llama.cpp, vLLM) expose this protocol, so the same client covers hosted
// and self-hosted models.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/cogentx/chatloop/pkg/chat"
)

var _ chat.Client = (*Client)(nil)

// Response boundary errors beyond the chat package taxonomy.
var (
	// ErrTruncated: the model stopped at its token limit mid-answer.
	ErrTruncated = errors.New("openai: response truncated")

	// ErrBlocked: the provider refused to answer (content filter).
	ErrBlocked = errors.New("openai: response blocked")
)

const (
	finishReasonStop          = "stop"
	finishReasonToolCalls     = "tool_calls"
	finishReasonFunctionCall  = "function_call"
	finishReasonLength        = "length"
	finishReasonContentFilter = "content_filter"
)

// Params tunes per-request sampling.
type Params struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Client is a chat.Client over an OpenAI-compatible endpoint.
type Client struct {
	api   openai.Client
	model string

	// Params applies to every request. Nil leaves server defaults.
	Params *Params

	// UseDeveloperRole sends system prompts with the "developer" role
	// newer OpenAI models expect. Local servers generally want the
	// classic "system" role, the default.
	UseDeveloperRole bool
}

// New creates a client for the given base URL and model. An empty baseURL
// targets the official API; local servers take something like
// "http://localhost:11434/v1". apiKey may be empty for servers that do not
// authenticate.
func New(baseURL, apiKey, model string) *Client {
	var opts []option.RequestOption
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithAPIKey(apiKey))
	return &Client{
		api:   openai.NewClient(opts...),
		model: model,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

func (c *Client) Complete(ctx context.Context, conv *chat.Conversation, tools []*chat.ToolDef) (*chat.Message, error) {
	params, err := c.requestParams(conv, tools)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapTransport(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices in response")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, choice.Message.Refusal)
	}
	if choice.FinishReason == finishReasonLength {
		return nil, ErrTruncated
	}
	msg := convChoice(&choice)
	msg.Usage = chat.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	return msg, nil
}

func (c *Client) Stream(ctx context.Context, conv *chat.Conversation, tools []*chat.ToolDef) (chat.Stream, error) {
	params, err := c.requestParams(conv, tools)
	if err != nil {
		return nil, err
	}
	sb := chat.NewStreamBuilder(32)
	go func() {
		p := &puller{}
		if err := p.pull(sb, c.api.Chat.Completions.NewStreaming(ctx, params)); err != nil {
			if !errors.Is(err, ErrTruncated) && !errors.Is(err, ErrBlocked) {
				err = wrapTransport(err)
			}
			sb.Abort(err)
		}
	}()
	return sb.Stream(), nil
}

// requestParams validates the conversation and converts it, with the bound
// tools, into the wire request.
func (c *Client) requestParams(conv *chat.Conversation, tools []*chat.ToolDef) (openai.ChatCompletionNewParams, error) {
	if err := conv.Validate(); err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	msgs, err := c.convConversation(conv)
	if err != nil {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    c.model,
	}
	if p := c.Params; p != nil {
		if p.MaxTokens > 0 {
			params.MaxCompletionTokens = param.NewOpt(int64(p.MaxTokens))
		}
		if p.Temperature > 0 {
			params.Temperature = param.NewOpt(float64(p.Temperature))
		}
		if p.TopP > 0 {
			params.TopP = param.NewOpt(float64(p.TopP))
		}
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  schemaToFunctionParameters(t.Schema),
			},
		})
	}
	return params, nil
}

// wrapTransport maps request errors to the chat taxonomy. Context errors
// pass through so callers can distinguish timeout from outage.
func wrapTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	return fmt.Errorf("%w: %v", chat.ErrUnavailable, err)
}

// convChoice converts a completion choice to a chat message.
func convChoice(choice *openai.ChatCompletionChoice) *chat.Message {
	msg := &chat.Message{Role: chat.RoleAssistant}
	if choice.Message.Content != "" {
		msg.Content = chat.Contents{chat.Text(choice.Message.Content)}
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, &chat.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}

// puller drains a completion SSE stream into a chat.StreamBuilder,
// accumulating tool-call deltas until each call is complete.
type puller struct {
	running *openai.ChatCompletionChunkChoiceDeltaToolCall
	usage   chat.Usage
}

func (p *puller) commitTool(sb *chat.StreamBuilder) error {
	if p.running == nil {
		return nil
	}
	defer func() { p.running = nil }()
	return sb.Add(&chat.Fragment{
		ToolCall: &chat.ToolCall{
			ID:        p.running.ID,
			Name:      p.running.Function.Name,
			Arguments: p.running.Function.Arguments,
		},
	})
}

func (p *puller) pull(sb *chat.StreamBuilder, stream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
}) error {
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			p.usage = chat.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		sel := chunk.Choices[0]

		if s := sel.Delta.Content; s != "" {
			if err := sb.Add(&chat.Fragment{Text: s}); err != nil {
				return err
			}
		}
		for _, t := range sel.Delta.ToolCalls {
			switch {
			case p.running == nil:
				if t.ID != "" {
					tc := t
					p.running = &tc
				}
			case t.ID == "" || t.ID == p.running.ID:
				p.running.Function.Name += t.Function.Name
				p.running.Function.Arguments += t.Function.Arguments
			default:
				if err := p.commitTool(sb); err != nil {
					return err
				}
				tc := t
				p.running = &tc
			}
		}

		switch sel.FinishReason {
		case finishReasonToolCalls, finishReasonFunctionCall:
			if err := p.commitTool(sb); err != nil {
				return err
			}
			return sb.Done(p.usage)
		case finishReasonStop:
			return sb.Done(p.usage)
		case finishReasonLength:
			return ErrTruncated
		case finishReasonContentFilter:
			return fmt.Errorf("%w: %s", ErrBlocked, sel.Delta.Refusal)
		}
		if s := sel.Delta.Refusal; s != "" {
			return fmt.Errorf("%w: %s", ErrBlocked, s)
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	// Some servers end the stream without a finish reason.
	if err := p.commitTool(sb); err != nil {
		return err
	}
	return sb.Done(p.usage)
}
