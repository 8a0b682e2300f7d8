// Package agent drives multi-turn, tool-using conversations. Each run streams
// text deltas to the session's live connection, executes requested tools and
// stops when the model signals completion or the iteration ceiling is hit.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/viant/taskstream/model/event"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/policy"
	"github.com/viant/taskstream/service/dao/instruction"
	"github.com/viant/taskstream/service/metrics"
	"github.com/viant/taskstream/service/provider"
	"github.com/viant/taskstream/service/registry"
	"github.com/viant/taskstream/service/store"
	"github.com/viant/taskstream/tracing"
	"goa.design/clue/log"
)

// DefaultMaxIterations is the default iteration ceiling
const DefaultMaxIterations = 50

// DefaultCompletionPhrases are the markers a model is asked to emit when it
// cannot call the done tool; used by the service configuration defaults.
var DefaultCompletionPhrases = []string{"TASK COMPLETE", "TASK COMPLETED"}

const continuePrompt = "Continue. Call " + provider.DoneToolName + " once the task is finished."

// Outcome summarises a finished run
type Outcome struct {
	SessionID  string `json:"sessionId"`
	Iterations int    `json:"iterations"`
	Truncated  bool   `json:"truncated"`
	Result     string `json:"result,omitempty"`
}

// Service runs agent sessions
type Service struct {
	store         *store.Service
	registry      *registry.Registry
	conversation  provider.Conversation
	tools         *Toolset
	instructions  InstructionSource
	maxIterations int
	model         string
	maxTokens     int
	detector      func(text string) bool
	policy        *policy.Policy
	metrics       *metrics.Metrics
}

// New creates an agent runner
func New(sessions *store.Service, reg *registry.Registry, conversation provider.Conversation, opts ...Option) (*Service, error) {
	if sessions == nil || reg == nil || conversation == nil {
		return nil, errors.New("agent: store, registry and conversation are required")
	}
	ret := &Service{
		store:         sessions,
		registry:      reg,
		conversation:  conversation,
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(ret)
	}
	if ret.instructions == nil {
		defaults, err := instruction.New()
		if err != nil {
			return nil, err
		}
		ret.instructions = defaults
	}
	return ret, nil
}

// Start creates a session for a run; the run itself is started with Run.
func (s *Service) Start(ctx context.Context, workflowID, stepID string, inputs map[string]interface{}) (*session.Session, error) {
	return s.store.Create(ctx, workflowID, stepID, inputs)
}

// Run drives the session to a terminal status. On failure the session is
// marked failed and an error event pushed before the error is returned.
func (s *Service) Run(ctx context.Context, sessionID string) (outcome *Outcome, err error) {
	aSession, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.policy != nil && policy.FromContext(ctx) == nil {
		ctx = policy.WithPolicy(ctx, s.policy)
	}
	ctx, span := tracing.StartSpan(ctx, "agent.run", tracing.KindInternal)
	span.WithAttributes(map[string]string{"session.id": sessionID, "workflow.id": aSession.WorkflowID})
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent run panic: %v", r)
		}
		if err != nil {
			if !errors.Is(err, store.ErrTerminal) {
				s.fail(ctx, sessionID, err)
			}
			outcome = nil
		}
		tracing.EndSpan(span, err)
	}()

	if _, err = s.store.Transition(ctx, sessionID, session.StatusRunning, nil); err != nil {
		return nil, err
	}
	s.registry.Push(ctx, sessionID, event.NewStatus(sessionID, session.StatusRunning))

	if outcome, err = s.loop(ctx, aSession); err != nil {
		return nil, err
	}
	metadata := map[string]interface{}{
		session.MetaIterations: outcome.Iterations,
		session.MetaTruncated:  outcome.Truncated,
		session.MetaResult:     outcome.Result,
	}
	if _, err = s.store.Transition(context.WithoutCancel(ctx), sessionID, session.StatusCompleted, &session.Update{Metadata: metadata}); err != nil {
		return nil, err
	}
	s.metrics.Iterations(outcome.Iterations)
	s.registry.Push(ctx, sessionID, event.NewDone(sessionID, outcome.Result, metadata))
	log.Info(ctx, log.KV{K: "msg", V: "agent run completed"}, log.KV{K: "session", V: sessionID},
		log.KV{K: "iterations", V: outcome.Iterations}, log.KV{K: "truncated", V: outcome.Truncated})
	return outcome, nil
}

func (s *Service) fail(ctx context.Context, sessionID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	message := cause.Error()
	if _, err := s.store.Transition(ctx, sessionID, session.StatusFailed, &session.Update{ErrorMessage: &message}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failed to persist agent failure"}, log.KV{K: "session", V: sessionID})
	}
	s.registry.Push(ctx, sessionID, event.NewError(sessionID, cause))
}

func (s *Service) loop(ctx context.Context, aSession *session.Session) (*Outcome, error) {
	sessionID := aSession.ID
	instr, err := s.instructions.Render(ctx, aSession.WorkflowID, aSession.StepID, aSession.Inputs())
	if err != nil {
		return nil, fmt.Errorf("failed to build instruction: %w", err)
	}
	history := []*provider.Message{provider.UserText(instr.Prompt)}
	tools := append(s.tools.Definitions(), provider.DoneTool())
	lastText := ""

	for iteration := 1; iteration <= s.maxIterations; iteration++ {
		request := &provider.Request{
			Model:     s.model,
			System:    instr.System,
			Messages:  history,
			Tools:     tools,
			MaxTokens: s.maxTokens,
		}
		current, err := s.turn(ctx, sessionID, iteration, request)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iteration, err)
		}
		if current.text != "" {
			lastText = current.text
		}
		if current.stopReason == stopMaxTokens {
			log.Warn(ctx, log.KV{K: "msg", V: "model turn cut off at token limit"}, log.KV{K: "session", V: sessionID},
				log.KV{K: "iteration", V: iteration}, log.KV{K: "maxTokens", V: s.maxTokens})
		}
		history = append(history, provider.AssistantText(current.text, current.calls...))
		if current.done || (s.detector != nil && s.detector(current.text)) {
			result := lastText
			if current.summary != "" {
				result = current.summary
			}
			return &Outcome{SessionID: sessionID, Iterations: iteration, Result: result}, nil
		}

		next := &provider.Message{Role: provider.RoleUser}
		if len(current.calls) == 0 {
			next.Text = continuePrompt
		}
		for _, call := range current.calls {
			result := s.tools.Call(ctx, call)
			next.ToolResults = append(next.ToolResults, result)
			s.registry.Push(ctx, sessionID, event.NewToolResult(sessionID, &event.ToolCall{
				ID:     call.ID,
				Name:   call.Name,
				Output: resultOutput(result),
				Error:  resultError(result),
			}))
		}
		history = append(history, next)

		if _, err = s.store.Transition(ctx, sessionID, session.StatusRunning, &session.Update{
			Metadata: map[string]interface{}{session.MetaIterations: iteration},
		}); err != nil {
			return nil, err
		}
		s.registry.Push(ctx, sessionID, event.NewProgress(sessionID, iteration))
	}
	log.Warn(ctx, log.KV{K: "msg", V: "agent run hit iteration ceiling"}, log.KV{K: "session", V: sessionID},
		log.KV{K: "iterations", V: s.maxIterations})
	return &Outcome{SessionID: sessionID, Iterations: s.maxIterations, Truncated: true, Result: lastText}, nil
}

const stopMaxTokens = "max_tokens"

type turnResult struct {
	text       string
	calls      []*provider.ToolCall
	done       bool
	summary    string
	stopReason string
}

// turn streams one model turn, forwarding text deltas as they arrive
func (s *Service) turn(ctx context.Context, sessionID string, iteration int, request *provider.Request) (ret *turnResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "agent.iteration", tracing.KindClient)
	span.WithInt("iteration", iteration)
	defer func() { tracing.EndSpan(span, err) }()

	stream, err := s.conversation.Stream(ctx, request)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	ret = &turnResult{}
	text := strings.Builder{}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch chunk.Type {
		case provider.ChunkTypeText:
			text.WriteString(chunk.Text)
			s.registry.Push(ctx, sessionID, event.NewDelta(sessionID, chunk.Text))
		case provider.ChunkTypeToolCall:
			if chunk.ToolCall == nil {
				continue
			}
			ret.calls = append(ret.calls, chunk.ToolCall)
			s.registry.Push(ctx, sessionID, event.NewToolCall(sessionID, &event.ToolCall{
				ID:    chunk.ToolCall.ID,
				Name:  chunk.ToolCall.Name,
				Input: toolInput(chunk.ToolCall.Input),
			}))
		case provider.ChunkTypeDone:
			ret.done = true
			ret.summary = chunk.Summary
		case provider.ChunkTypeStop:
			ret.stopReason = chunk.StopReason
		}
	}
	ret.text = text.String()
	return ret, nil
}

func toolInput(raw json.RawMessage) map[string]interface{} {
	var ret map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &ret)
	}
	return ret
}

func resultOutput(result *provider.ToolResult) string {
	if result.IsError {
		return ""
	}
	return result.Content
}

func resultError(result *provider.ToolResult) string {
	if result.IsError {
		return result.Content
	}
	return ""
}
