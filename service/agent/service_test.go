package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/taskstream/model/event"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/policy"
	"github.com/viant/taskstream/service/dao/session/memory"
	"github.com/viant/taskstream/service/provider"
	"github.com/viant/taskstream/service/registry"
	"github.com/viant/taskstream/service/store"
)

// scriptedConversation replays one chunk list per turn and records requests
type scriptedConversation struct {
	mu       sync.Mutex
	turns    [][]*provider.Chunk
	fallback []*provider.Chunk
	err      error
	requests []*provider.Request
}

func (c *scriptedConversation) Stream(_ context.Context, request *provider.Request) (provider.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, request)
	if c.err != nil {
		return nil, c.err
	}
	chunks := c.fallback
	if len(c.turns) > 0 {
		chunks, c.turns = c.turns[0], c.turns[1:]
	}
	return &sliceStream{chunks: chunks}, nil
}

type sliceStream struct {
	chunks []*provider.Chunk
}

func (s *sliceStream) Recv() (*provider.Chunk, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }

type recordingSink struct {
	bytes.Buffer
}

func (r *recordingSink) events(t *testing.T) []*event.Event {
	t.Helper()
	var ret []*event.Event
	for _, frame := range strings.Split(r.String(), "\n\n") {
		if frame == "" {
			continue
		}
		item := &event.Event{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), item))
		ret = append(ret, item)
	}
	return ret
}

func text(value string) *provider.Chunk {
	return &provider.Chunk{Type: provider.ChunkTypeText, Text: value}
}

type fixture struct {
	store    *store.Service
	registry *registry.Registry
	sink     *recordingSink
	session  *session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ret := &fixture{store: store.New(memory.New()), registry: registry.New(), sink: &recordingSink{}}
	var err error
	ret.session, err = ret.store.Create(context.Background(), "wf", "step", map[string]interface{}{"topic": "go"})
	require.NoError(t, err)
	ret.registry.Register(ret.session.ID, ret.sink)
	return ret
}

func TestService_RunDoneSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var searched json.RawMessage
	search := &ToolFunc{
		Def: &provider.ToolDefinition{Name: "search", Description: "search the web"},
		Fn: func(_ context.Context, input json.RawMessage) (string, error) {
			searched = input
			return "3 results", nil
		},
	}
	conversation := &scriptedConversation{turns: [][]*provider.Chunk{
		{text("Looking "), text("it up"), {Type: provider.ChunkTypeToolCall, ToolCall: &provider.ToolCall{ID: "c1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)}}},
		{text("Found it."), {Type: provider.ChunkTypeDone, Summary: "go is great"}},
	}}
	srv, err := New(f.store, f.registry, conversation, WithToolset(NewToolset(search)))
	require.NoError(t, err)

	outcome, err := srv.Run(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Iterations)
	assert.False(t, outcome.Truncated)
	assert.Equal(t, "go is great", outcome.Result)
	assert.JSONEq(t, `{"q":"go"}`, string(searched))

	stored, err := f.store.Get(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, stored.Status)
	assert.Equal(t, false, stored.Metadata[session.MetaTruncated])
	assert.Equal(t, 2, stored.Metadata[session.MetaIterations])
	assert.NotNil(t, stored.CompletedAt)

	var types []event.Type
	var deltas []string
	for _, item := range f.sink.events(t) {
		types = append(types, item.Type)
		if item.Type == event.TypeDelta {
			deltas = append(deltas, item.Text)
		}
	}
	assert.Equal(t, []string{"Looking ", "it up", "Found it."}, deltas)
	assert.Equal(t, []event.Type{
		event.TypeStatus, event.TypeDelta, event.TypeDelta, event.TypeToolCall, event.TypeToolResult,
		event.TypeProgress, event.TypeDelta, event.TypeDone,
	}, types)

	require.Len(t, conversation.requests, 2)
	second := conversation.requests[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, provider.RoleAssistant, second.Messages[1].Role)
	require.Len(t, second.Messages[2].ToolResults, 1)
	assert.Equal(t, "3 results", second.Messages[2].ToolResults[0].Content)
	assert.Equal(t, provider.DoneToolName, second.Tools[len(second.Tools)-1].Name)
	assert.Contains(t, second.Messages[0].Text, "topic: go")
}

func TestService_RunIterationCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conversation := &scriptedConversation{fallback: []*provider.Chunk{text("still working")}}
	srv, err := New(f.store, f.registry, conversation, WithMaxIterations(3))
	require.NoError(t, err)

	outcome, err := srv.Run(ctx, f.session.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Truncated)
	assert.Equal(t, 3, outcome.Iterations)
	assert.Len(t, conversation.requests, 3)

	stored, err := f.store.Get(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, stored.Status)
	assert.Equal(t, true, stored.Metadata[session.MetaTruncated])
	assert.Equal(t, continuePrompt, conversation.requests[2].Messages[2].Text)
}

func TestService_RunCompletionPhrase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conversation := &scriptedConversation{fallback: []*provider.Chunk{text("Report ready. TASK COMPLETE.")}}
	srv, err := New(f.store, f.registry, conversation, WithCompletionPhrases("task complete"))
	require.NoError(t, err)

	outcome, err := srv.Run(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Iterations)
	assert.False(t, outcome.Truncated)
	assert.Equal(t, "Report ready. TASK COMPLETE.", outcome.Result)
}

func TestService_RunFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conversation := &scriptedConversation{err: errors.New("overloaded")}
	srv, err := New(f.store, f.registry, conversation)
	require.NoError(t, err)

	_, err = srv.Run(ctx, f.session.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")

	stored, err := f.store.Get(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error(), "overloaded")
	assert.NotNil(t, stored.CompletedAt)

	events := f.sink.events(t)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, event.TypeError, last.Type)
	assert.Contains(t, last.Error, "overloaded")
}

// runningSaveFailure rejects saving a session in running status
type runningSaveFailure struct {
	*memory.Service
}

func (r *runningSaveFailure) Save(ctx context.Context, aSession *session.Session) error {
	if aSession != nil && aSession.Status == session.StatusRunning {
		return errors.New("disk full")
	}
	return r.Service.Save(ctx, aSession)
}

func TestService_RunStartTransitionFailure(t *testing.T) {
	ctx := context.Background()
	sessions := store.New(&runningSaveFailure{Service: memory.New()})
	reg := registry.New()
	aSession, err := sessions.Create(ctx, "wf", "step", nil)
	require.NoError(t, err)
	sink := &recordingSink{}
	reg.Register(aSession.ID, sink)
	conversation := &scriptedConversation{fallback: []*provider.Chunk{{Type: provider.ChunkTypeDone}}}
	srv, err := New(sessions, reg, conversation)
	require.NoError(t, err)

	_, err = srv.Run(ctx, aSession.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, conversation.requests)

	stored, err := sessions.Get(ctx, aSession.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error(), "disk full")

	events := sink.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeError, events[0].Type)
}

func TestService_RunTokenLimitStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conversation := &scriptedConversation{turns: [][]*provider.Chunk{
		{text("partial"), {Type: provider.ChunkTypeStop, StopReason: stopMaxTokens}},
		{text("final"), {Type: provider.ChunkTypeDone}},
	}}
	srv, err := New(f.store, f.registry, conversation)
	require.NoError(t, err)

	outcome, err := srv.Run(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, "final", outcome.Result)
}

func TestService_RunTerminalSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conversation := &scriptedConversation{fallback: []*provider.Chunk{{Type: provider.ChunkTypeDone}}}
	srv, err := New(f.store, f.registry, conversation)
	require.NoError(t, err)
	_, err = srv.Run(ctx, f.session.ID)
	require.NoError(t, err)

	events := len(f.sink.events(t))
	_, err = srv.Run(ctx, f.session.ID)
	assert.ErrorIs(t, err, store.ErrTerminal)
	assert.Len(t, f.sink.events(t), events)

	stored, err := f.store.Get(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, stored.Status)
}

func TestToolset_Call(t *testing.T) {
	failing := &ToolFunc{
		Def: &provider.ToolDefinition{Name: "fail"},
		Fn:  func(context.Context, json.RawMessage) (string, error) { return "", errors.New("denied") },
	}
	toolset := NewToolset(failing)
	result := toolset.Call(context.Background(), &provider.ToolCall{ID: "1", Name: "fail"})
	assert.True(t, result.IsError)
	assert.Equal(t, "denied", result.Content)

	result = toolset.Call(context.Background(), &provider.ToolCall{ID: "2", Name: "missing"})
	assert.True(t, result.IsError)
	assert.Equal(t, "2", result.CallID)

	var empty *Toolset
	assert.Empty(t, empty.Definitions())
	assert.True(t, empty.Call(context.Background(), &provider.ToolCall{Name: "x"}).IsError)
}

func TestToolset_CallPolicy(t *testing.T) {
	called := 0
	shell := &ToolFunc{
		Def: &provider.ToolDefinition{Name: "shell"},
		Fn: func(context.Context, json.RawMessage) (string, error) {
			called++
			return "ok", nil
		},
	}
	toolset := NewToolset(shell)
	ctx := policy.WithPolicy(context.Background(), &policy.Policy{BlockList: []string{"shell"}})
	result := toolset.Call(ctx, &provider.ToolCall{ID: "1", Name: "shell"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, policy.ErrDenied.Error())
	assert.Equal(t, 0, called)

	result = toolset.Call(context.Background(), &provider.ToolCall{ID: "2", Name: "shell"})
	assert.False(t, result.IsError)
	assert.Equal(t, 1, called)
}

func TestService_RunToolPolicy(t *testing.T) {
	f := newFixture(t)
	called := false
	shell := &ToolFunc{
		Def: &provider.ToolDefinition{Name: "shell"},
		Fn: func(context.Context, json.RawMessage) (string, error) {
			called = true
			return "", nil
		},
	}
	conversation := &scriptedConversation{turns: [][]*provider.Chunk{
		{{Type: provider.ChunkTypeToolCall, ToolCall: &provider.ToolCall{ID: "c1", Name: "shell", Input: json.RawMessage(`{}`)}}},
		{{Type: provider.ChunkTypeDone, Summary: "gave up"}},
	}}
	srv, err := New(f.store, f.registry, conversation, WithToolset(NewToolset(shell)),
		WithToolPolicy(&policy.Policy{Mode: policy.ModeDeny}))
	require.NoError(t, err)
	_, err = srv.Run(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.False(t, called)
	require.Len(t, conversation.requests, 2)
	results := conversation.requests[1].Messages[2].ToolResults
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
}
