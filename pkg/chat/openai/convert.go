package openai

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/cogentx/chatloop/pkg/chat"
)

// convConversation converts the whole conversation to wire messages.
func (c *Client) convConversation(conv *chat.Conversation) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	for msg := range conv.All() {
		mp, err := c.convMessage(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, mp...)
	}
	return out, nil
}

func (c *Client) convMessage(msg *chat.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case chat.RoleSystem:
		return []openai.ChatCompletionMessageParamUnion{c.convSystemMessage(msg)}, nil
	case chat.RoleUser:
		mp, err := convUserMessage(msg)
		if err != nil {
			return nil, err
		}
		return []openai.ChatCompletionMessageParamUnion{mp}, nil
	case chat.RoleAssistant:
		return []openai.ChatCompletionMessageParamUnion{convAssistantMessage(msg)}, nil
	case chat.RoleTool:
		return []openai.ChatCompletionMessageParamUnion{
			openai.ToolMessage(msg.ToolResult.Content, msg.ToolResult.ID),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported role: %s", msg.Role)
	}
}

func (c *Client) convSystemMessage(msg *chat.Message) openai.ChatCompletionMessageParamUnion {
	text := msg.Text()
	if c.UseDeveloperRole {
		mp := openai.ChatCompletionMessageParamUnion{
			OfDeveloper: &openai.ChatCompletionDeveloperMessageParam{
				Content: openai.ChatCompletionDeveloperMessageParamContentUnion{
					OfString: param.NewOpt(text),
				},
			},
		}
		if msg.Name != "" {
			mp.OfDeveloper.Name = param.NewOpt(msg.Name)
		}
		return mp
	}
	mp := openai.ChatCompletionMessageParamUnion{
		OfSystem: &openai.ChatCompletionSystemMessageParam{
			Content: openai.ChatCompletionSystemMessageParamContentUnion{
				OfString: param.NewOpt(text),
			},
		},
	}
	if msg.Name != "" {
		mp.OfSystem.Name = param.NewOpt(msg.Name)
	}
	return mp
}

func convUserMessage(msg *chat.Message) (openai.ChatCompletionMessageParamUnion, error) {
	var (
		text     strings.Builder
		contents []openai.ChatCompletionContentPartUnionParam
		richPart bool
	)
	for _, p := range msg.Content {
		switch v := p.(type) {
		case chat.Text:
			text.WriteString(string(v))
		case *chat.ImageRef:
			richPart = true
			contents = append(contents, openai.ImageContentPart(
				openai.ChatCompletionContentPartImageImageURLParam{URL: v.URL},
			))
		case *chat.Blob:
			richPart = true
			switch v.MIMEType {
			case "audio/mp3", "audio/mpeg":
				contents = append(contents, openai.InputAudioContentPart(
					openai.ChatCompletionContentPartInputAudioInputAudioParam{
						Data:   base64.StdEncoding.EncodeToString(v.Data),
						Format: "mp3",
					}))
			case "audio/wav":
				contents = append(contents, openai.InputAudioContentPart(
					openai.ChatCompletionContentPartInputAudioInputAudioParam{
						Data:   base64.StdEncoding.EncodeToString(v.Data),
						Format: "wav",
					}))
			default:
				return openai.ChatCompletionMessageParamUnion{},
					fmt.Errorf("unsupported blob type: %s", v.MIMEType)
			}
		}
	}

	mp := openai.ChatCompletionUserMessageParam{}
	if msg.Name != "" {
		mp.Name = param.NewOpt(msg.Name)
	}

	if !richPart {
		if text.Len() == 0 {
			return openai.ChatCompletionMessageParamUnion{},
				fmt.Errorf("user message must contain content")
		}
		mp.Content = openai.ChatCompletionUserMessageParamContentUnion{
			OfString: param.NewOpt(text.String()),
		}
		return openai.ChatCompletionMessageParamUnion{OfUser: &mp}, nil
	}

	if text.Len() > 0 {
		contents = append([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(text.String()),
		}, contents...)
	}
	mp.Content = openai.ChatCompletionUserMessageParamContentUnion{
		OfArrayOfContentParts: contents,
	}
	return openai.ChatCompletionMessageParamUnion{OfUser: &mp}, nil
}

func convAssistantMessage(msg *chat.Message) openai.ChatCompletionMessageParamUnion {
	mp := openai.ChatCompletionAssistantMessageParam{}
	if text := msg.Text(); text != "" {
		mp.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(text),
		}
	}
	for _, tc := range msg.ToolCalls {
		mp.ToolCalls = append(mp.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	if msg.Name != "" {
		mp.Name = param.NewOpt(msg.Name)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &mp}
}
