// Package event defines the payloads pushed to live session connections.
package event

import (
	"time"

	"github.com/viant/taskstream/internal/clock"
	"github.com/viant/taskstream/model/session"
)

// Type identifies event payload
type Type string

const (
	TypeStatus     Type = "status"
	TypeDelta      Type = "delta"
	TypeToolCall   Type = "tool_call"
	TypeToolResult Type = "tool_result"
	TypeProgress   Type = "progress"
	TypeDone       Type = "done"
	TypeError      Type = "error"
	TypeSnapshot   Type = "snapshot"
)

// Event is a single streamed message; only the fields relevant to Type are set.
type Event struct {
	Type      Type                   `json:"type"`
	SessionID string                 `json:"sessionId"`
	CreatedAt time.Time              `json:"createdAt"`
	Status    session.Status         `json:"status,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Tool      *ToolCall              `json:"tool,omitempty"`
	Iteration int                    `json:"iteration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
	Session   *session.Session       `json:"session,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall describes a tool invocation or its result
type ToolCall struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Output string                 `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(sessionID string, eventType Type) *Event {
	return &Event{Type: eventType, SessionID: sessionID, CreatedAt: clock.Now()}
}

// NewStatus creates a status change event
func NewStatus(sessionID string, status session.Status) *Event {
	ret := NewEvent(sessionID, TypeStatus)
	ret.Status = status
	return ret
}

// NewDelta creates an incremental text event
func NewDelta(sessionID, text string) *Event {
	ret := NewEvent(sessionID, TypeDelta)
	ret.Text = text
	return ret
}

// NewToolCall creates a tool invocation event
func NewToolCall(sessionID string, call *ToolCall) *Event {
	ret := NewEvent(sessionID, TypeToolCall)
	ret.Tool = call
	return ret
}

// NewToolResult creates a tool result event
func NewToolResult(sessionID string, result *ToolCall) *Event {
	ret := NewEvent(sessionID, TypeToolResult)
	ret.Tool = result
	return ret
}

// NewProgress creates an iteration/poll progress event
func NewProgress(sessionID string, iteration int) *Event {
	ret := NewEvent(sessionID, TypeProgress)
	ret.Iteration = iteration
	return ret
}

// NewDone creates a terminal success event
func NewDone(sessionID string, result interface{}, metadata map[string]interface{}) *Event {
	ret := NewEvent(sessionID, TypeDone)
	ret.Status = session.StatusCompleted
	ret.Result = result
	ret.Metadata = metadata
	return ret
}

// NewError creates a terminal failure event
func NewError(sessionID string, err error) *Event {
	ret := NewEvent(sessionID, TypeError)
	ret.Status = session.StatusFailed
	if err != nil {
		ret.Error = err.Error()
	}
	return ret
}

// NewSnapshot creates a resynchronisation event carrying the stored session
func NewSnapshot(aSession *session.Session) *Event {
	ret := NewEvent(aSession.ID, TypeSnapshot)
	ret.Status = aSession.Status
	ret.Session = aSession
	return ret
}
