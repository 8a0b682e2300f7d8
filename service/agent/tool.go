package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/viant/taskstream/policy"
	"github.com/viant/taskstream/service/provider"
)

// Tool is an externally supplied capability offered to the model
type Tool interface {
	Definition() *provider.ToolDefinition
	Call(ctx context.Context, input json.RawMessage) (string, error)
}

// ToolFunc adapts a function to Tool
type ToolFunc struct {
	Def *provider.ToolDefinition
	Fn  func(ctx context.Context, input json.RawMessage) (string, error)
}

// Definition returns tool definition
func (t *ToolFunc) Definition() *provider.ToolDefinition { return t.Def }

// Call invokes the function
func (t *ToolFunc) Call(ctx context.Context, input json.RawMessage) (string, error) {
	return t.Fn(ctx, input)
}

// Toolset holds tools by name in registration order
type Toolset struct {
	tools map[string]Tool
	order []string
}

// NewToolset creates a toolset
func NewToolset(tools ...Tool) *Toolset {
	ret := &Toolset{tools: make(map[string]Tool)}
	for _, tool := range tools {
		ret.Add(tool)
	}
	return ret
}

// Add registers a tool, replacing one with the same name
func (t *Toolset) Add(tool Tool) {
	name := tool.Definition().Name
	if _, ok := t.tools[name]; !ok {
		t.order = append(t.order, name)
	}
	t.tools[name] = tool
}

// Definitions returns definitions of all tools
func (t *Toolset) Definitions() []*provider.ToolDefinition {
	if t == nil {
		return nil
	}
	ret := make([]*provider.ToolDefinition, 0, len(t.order))
	for _, name := range t.order {
		ret = append(ret, t.tools[name].Definition())
	}
	return ret
}

// Call runs the requested tool when the policy in ctx permits it. Failures
// are returned as error results so the model can recover on the next turn.
func (t *Toolset) Call(ctx context.Context, call *provider.ToolCall) *provider.ToolResult {
	result := &provider.ToolResult{CallID: call.ID}
	var tool Tool
	if t != nil {
		tool = t.tools[call.Name]
	}
	if tool == nil {
		result.IsError = true
		result.Content = fmt.Sprintf("unknown tool %q", call.Name)
		return result
	}
	if err := policy.FromContext(ctx).Permit(ctx, call.Name, call.Input); err != nil {
		result.IsError = true
		result.Content = err.Error()
		return result
	}
	output, err := tool.Call(ctx, call.Input)
	if err != nil {
		result.IsError = true
		result.Content = err.Error()
		return result
	}
	result.Content = output
	return result
}
