package agent

import (
	"context"
	"strings"

	"github.com/viant/taskstream/policy"
	"github.com/viant/taskstream/service/dao/instruction"
	"github.com/viant/taskstream/service/metrics"
)

// InstructionSource builds the initial instruction of a run
type InstructionSource interface {
	Render(ctx context.Context, workflowID, stepID string, inputs map[string]interface{}) (*instruction.Instruction, error)
}

// Option customises Service
type Option func(s *Service)

// WithToolset sets tools available to the model
func WithToolset(tools *Toolset) Option {
	return func(s *Service) { s.tools = tools }
}

// WithInstructions sets the instruction source
func WithInstructions(source InstructionSource) Option {
	return func(s *Service) { s.instructions = source }
}

// WithMaxIterations sets the iteration ceiling
func WithMaxIterations(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxIterations = n
		}
	}
}

// WithModel sets model and completion token limit
func WithModel(model string, maxTokens int) Option {
	return func(s *Service) {
		s.model = model
		s.maxTokens = maxTokens
	}
}

// WithCompletionPhrases enables phrase based completion detection in
// addition to the structured done signal. Matching is case-insensitive.
func WithCompletionPhrases(phrases ...string) Option {
	return func(s *Service) {
		var normalized []string
		for _, phrase := range phrases {
			if phrase = strings.ToLower(strings.TrimSpace(phrase)); phrase != "" {
				normalized = append(normalized, phrase)
			}
		}
		if len(normalized) == 0 {
			s.detector = nil
			return
		}
		s.detector = func(text string) bool {
			text = strings.ToLower(text)
			for _, phrase := range normalized {
				if strings.Contains(text, phrase) {
					return true
				}
			}
			return false
		}
	}
}

// WithMetrics sets metrics collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithToolPolicy sets the default tool policy; a policy already present in the
// run context takes precedence.
func WithToolPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.policy = p }
}
