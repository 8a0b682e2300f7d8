// Package provider defines the contracts of the external model providers: a
// streaming, tool-calling conversation and a submit/poll/cancel API for
// long-running single-shot tasks.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

// Role identifies a conversation participant
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Chunk types emitted by a Stream
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	// ChunkTypeDone is the structured completion signal: the model declared
	// the task finished.
	ChunkTypeDone = "done"
	ChunkTypeStop = "stop"
)

// DoneToolName is the reserved tool a model calls to signal completion
const DoneToolName = "complete_task"

// ErrStreamingUnsupported indicates the provider cannot stream
var ErrStreamingUnsupported = errors.New("provider: streaming not supported")

type (
	// Message is one turn of the conversation history
	Message struct {
		Role        Role
		Text        string
		ToolCalls   []*ToolCall
		ToolResults []*ToolResult
	}

	// ToolCall is a tool invocation requested by the model
	ToolCall struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResult is the outcome of a tool call fed back to the model
	ToolResult struct {
		CallID  string
		Content string
		IsError bool
	}

	// ToolDefinition advertises a tool to the model
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema map[string]interface{}
	}

	// Request is one streaming conversation turn
	Request struct {
		Model     string
		System    string
		Messages  []*Message
		Tools     []*ToolDefinition
		MaxTokens int
	}

	// Chunk is a streaming event; Type tells which fields are set.
	//   - "text":      Text holds a delta.
	//   - "tool_call": ToolCall holds a complete invocation.
	//   - "done":      Summary optionally holds the model's final summary.
	//   - "stop":      StopReason explains why the turn ended.
	Chunk struct {
		Type       string
		Text       string
		ToolCall   *ToolCall
		Summary    string
		StopReason string
	}

	// Stream delivers chunks until io.EOF
	Stream interface {
		Recv() (*Chunk, error)
		Close() error
	}

	// Conversation starts a streaming turn
	Conversation interface {
		Stream(ctx context.Context, request *Request) (Stream, error)
	}
)

// AssistantText returns a message authored by the model
func AssistantText(text string, calls ...*ToolCall) *Message {
	return &Message{Role: RoleAssistant, Text: text, ToolCalls: calls}
}

// UserText returns a user message
func UserText(text string) *Message {
	return &Message{Role: RoleUser, Text: text}
}

// DoneTool returns the definition of the completion tool
func DoneTool() *ToolDefinition {
	return &ToolDefinition{
		Name:        DoneToolName,
		Description: "Call when the task is fully complete. Provide a short summary of the outcome.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{"type": "string"},
			},
		},
	}
}
