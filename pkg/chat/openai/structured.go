package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/cogentx/chatloop/pkg/chat"
)

// Structured asks the model to answer the conversation with a JSON object
// conforming to def's schema and returns the raw JSON text. The schema is
// formatted for strict structured output before sending.
func (c *Client) Structured(ctx context.Context, conv *chat.Conversation, def *chat.ToolDef) (string, error) {
	params, err := c.requestParams(conv, nil)
	if err != nil {
		return "", err
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:        def.Name,
				Description: param.NewOpt(def.Description),
				Schema:      schemaForOutput(def.Schema),
				Strict:      param.NewOpt(true),
			},
		},
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", wrapTransport(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("%w: %s", ErrBlocked, choice.Message.Refusal)
	}
	if choice.FinishReason != finishReasonStop {
		return "", fmt.Errorf("openai: unexpected finish reason: %s", choice.FinishReason)
	}
	if choice.Message.Content == "" {
		return "", fmt.Errorf("openai: empty structured response")
	}
	return choice.Message.Content, nil
}

func schemaForOutput(s *jsonschema.Schema) any {
	if s == nil {
		return nil
	}
	return any(FormatStrictSchema(s.CloneSchemas()))
}

// schemaToFunctionParameters converts a schema into the loose map the
// function-calling API expects.
func schemaToFunctionParameters(s *jsonschema.Schema) openai.FunctionParameters {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m openai.FunctionParameters
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// FormatStrictSchema rewrites a schema in place to satisfy OpenAI strict
// structured-output rules: every object forbids additional properties and
// lists all its properties as required, with formerly optional properties
// made nullable.
//
// See https://platform.openai.com/docs/guides/structured-outputs
func FormatStrictSchema(m *jsonschema.Schema) *jsonschema.Schema {
	if m == nil {
		return nil
	}

	// The jsonschema library may set Types (e.g. ["null", "array"]) with an
	// empty Type for nullable fields; consolidate before dispatching.
	if m.Type != "" && len(m.Types) > 0 {
		m.Types = append(m.Types, m.Type)
		m.Type = ""
	}
	typ := m.Type
	if typ == "" {
		for _, t := range m.Types {
			if t != "null" && t != "" {
				typ = t
				break
			}
		}
	}

	switch typ {
	case "array":
		m.Items = FormatStrictSchema(m.Items)
	case "object":
		m.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}} // false schema

		required := make(map[string]struct{}, len(m.Properties))
		for _, v := range m.Required {
			required[v] = struct{}{}
		}
		for k, v := range m.Properties {
			if _, ok := required[k]; !ok {
				required[k] = struct{}{}
				if !slices.Contains(v.Types, "null") {
					v.Types = append(v.Types, "null")
				}
			}
			m.Properties[k] = FormatStrictSchema(v)
		}
		m.Required = slices.Collect(maps.Keys(required))
	}
	return m
}
