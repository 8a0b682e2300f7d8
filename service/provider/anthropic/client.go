// Package anthropic implements provider.Conversation on top of the Anthropic
// Messages streaming API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/viant/taskstream/service/provider"
)

const defaultMaxTokens = 4096

type (
	// MessagesClient is the subset of the SDK used by the adapter; it is
	// satisfied by &client.Messages.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Client streams conversation turns from Claude
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int
	}
)

var _ provider.Conversation = (*Client)(nil)

// New creates a conversation client
func New(msg MessagesClient, model string, maxTokens int) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey creates a client using the default Anthropic HTTP client
func NewFromAPIKey(apiKey, model string, maxTokens int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, model, maxTokens)
}

// Stream starts a streaming turn
func (c *Client) Stream(ctx context.Context, request *provider.Request) (provider.Stream, error) {
	params, err := c.prepareRequest(request)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newStreamer(stream), nil
}

func (c *Client) prepareRequest(request *provider.Request) (*sdk.MessageNewParams, error) {
	if request == nil || len(request.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	messages, err := encodeMessages(request.Messages)
	if err != nil {
		return nil, err
	}
	modelID := request.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Model:     sdk.Model(modelID),
	}
	if request.System != "" {
		params.System = []sdk.TextBlockParam{{Text: request.System}}
	}
	if tools := encodeTools(request.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return &params, nil
}

func encodeMessages(messages []*provider.Message) ([]sdk.MessageParam, error) {
	ret := make([]sdk.MessageParam, 0, len(messages))
	for _, message := range messages {
		if message == nil {
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(message.ToolCalls)+len(message.ToolResults))
		if message.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(message.Text))
		}
		for _, call := range message.ToolCalls {
			blocks = append(blocks, sdk.NewToolUseBlock(call.ID, toolInput(call.Input), call.Name))
		}
		for _, result := range message.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(result.CallID, result.Content, result.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		switch message.Role {
		case provider.RoleUser:
			ret = append(ret, sdk.NewUserMessage(blocks...))
		case provider.RoleAssistant:
			ret = append(ret, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", message.Role)
		}
	}
	if len(ret) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return ret, nil
}

func toolInput(raw json.RawMessage) interface{} {
	var input map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &input)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return input
}

func encodeTools(defs []*provider.ToolDefinition) []sdk.ToolUnionParam {
	ret := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema := sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}
		tool := sdk.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil && def.Description != "" {
			tool.OfTool.Description = sdk.String(def.Description)
		}
		ret = append(ret, tool)
	}
	return ret
}
