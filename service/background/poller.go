// Package background runs single-shot long-running provider tasks. Submit
// returns as soon as the task is accepted; queue workers perform the status
// checks and persist the outcome, so no caller holds a request open while a
// task runs.
package background

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/viant/taskstream/internal/clock"
	"github.com/viant/taskstream/model/event"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao/instruction"
	"github.com/viant/taskstream/service/decode"
	"github.com/viant/taskstream/service/messaging"
	"github.com/viant/taskstream/service/metrics"
	"github.com/viant/taskstream/service/provider"
	"github.com/viant/taskstream/service/registry"
	"github.com/viant/taskstream/service/store"
	"github.com/viant/taskstream/tracing"
	"goa.design/clue/log"
	"golang.org/x/time/rate"
)

// Job schedules one status check of a provider task
type Job struct {
	SessionID string    `json:"sessionId"`
	TaskID    string    `json:"taskId"`
	Attempt   int       `json:"attempt"`
	RunAfter  time.Time `json:"runAfter"`
}

// InstructionSource builds the task prompt from session inputs
type InstructionSource interface {
	Render(ctx context.Context, workflowID, stepID string, inputs map[string]interface{}) (*instruction.Instruction, error)
}

// Submission is the immediate answer to Submit
type Submission struct {
	Session   *session.Session `json:"session"`
	Recovered bool             `json:"recovered"`
	Result    *decode.Result   `json:"result,omitempty"`
}

// Poller submits tasks and settles their outcome
type Poller struct {
	config       Config
	store        *store.Service
	registry     *registry.Registry
	provider     provider.TaskProvider
	queue        messaging.Queue[Job]
	decoder      *decode.Decoder
	instructions InstructionSource
	limiter      *rate.Limiter
	metrics      *metrics.Metrics
	model        string
	recovery     *Recovery
}

// Option customises Poller
type Option func(p *Poller)

// WithConfig sets polling configuration
func WithConfig(config Config) Option {
	return func(p *Poller) { p.config = config }
}

// WithDecoder sets result decoder
func WithDecoder(decoder *decode.Decoder) Option {
	return func(p *Poller) { p.decoder = decoder }
}

// WithInstructions sets instruction source
func WithInstructions(source InstructionSource) Option {
	return func(p *Poller) { p.instructions = source }
}

// WithMetrics sets metrics collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithModel sets the provider model used for submitted tasks
func WithModel(model string) Option {
	return func(p *Poller) { p.model = model }
}

// New creates a poller
func New(sessions *store.Service, reg *registry.Registry, taskProvider provider.TaskProvider, queue messaging.Queue[Job], opts ...Option) (*Poller, error) {
	if sessions == nil || reg == nil || taskProvider == nil || queue == nil {
		return nil, errors.New("background: store, registry, provider and queue are required")
	}
	ret := &Poller{
		config:   DefaultConfig(),
		store:    sessions,
		registry: reg,
		provider: taskProvider,
		queue:    queue,
		decoder:  decode.New(),
	}
	for _, opt := range opts {
		opt(ret)
	}
	if err := ret.config.Validate(); err != nil {
		return nil, err
	}
	ret.config.init()
	if ret.instructions == nil {
		defaults, err := instruction.New()
		if err != nil {
			return nil, err
		}
		ret.instructions = defaults
	}
	limit := rate.Inf
	if ret.config.RateLimit > 0 {
		limit = rate.Limit(ret.config.RateLimit)
	}
	ret.limiter = rate.NewLimiter(limit, ret.config.Burst)
	ret.recovery = &Recovery{poller: ret}
	return ret, nil
}

// Config returns effective configuration
func (p *Poller) Config() Config {
	return p.config
}

// Submit reconciles any orphaned run of the workflow step, then submits a new
// task, records it as running and schedules its first status check. When the
// orphan turns out to be completed its result is returned instead.
func (p *Poller) Submit(ctx context.Context, workflowID, stepID string, inputs map[string]interface{}) (ret *Submission, err error) {
	if workflowID == "" || stepID == "" {
		return nil, fmt.Errorf("%w: workflowId and stepId are required", store.ErrInvalidInput)
	}
	ctx, span := tracing.StartSpan(ctx, "background.submit", tracing.KindProducer)
	span.WithAttributes(map[string]string{"workflow.id": workflowID, "step.id": stepID})
	defer func() { tracing.EndSpan(span, err) }()

	recovered, err := p.recovery.Recover(ctx, workflowID, stepID)
	if err != nil {
		return nil, err
	}
	if recovered != nil && recovered.Session.Status == session.StatusCompleted {
		return &Submission{Session: recovered.Session, Recovered: true, Result: recovered.Result}, nil
	}

	aSession, err := p.store.Create(ctx, workflowID, stepID, inputs)
	if err != nil {
		return nil, err
	}
	instr, err := p.instructions.Render(ctx, workflowID, stepID, inputs)
	if err != nil {
		return nil, p.failSession(ctx, aSession.ID, fmt.Errorf("failed to build instruction: %w", err))
	}
	task, err := p.provider.Submit(ctx, &provider.TaskRequest{
		Model:        p.model,
		Instructions: instr.System,
		Prompt:       instr.Prompt,
		Metadata:     map[string]string{"sessionId": aSession.ID, "workflowId": workflowID, "stepId": stepID},
	})
	if err != nil {
		return nil, p.failSession(ctx, aSession.ID, fmt.Errorf("failed to submit task: %w", err))
	}
	if aSession, err = p.store.Transition(ctx, aSession.ID, session.StatusRunning, &session.Update{
		ProviderTaskID: &task.ID,
		Metadata:       map[string]interface{}{session.MetaAttempts: 0},
	}); err != nil {
		return nil, err
	}
	p.registry.Push(ctx, aSession.ID, event.NewStatus(aSession.ID, session.StatusRunning))
	log.Info(ctx, log.KV{K: "msg", V: "task submitted"}, log.KV{K: "session", V: aSession.ID}, log.KV{K: "task", V: task.ID})

	if task.Status.IsTerminal() {
		settled, result, err := p.settle(ctx, aSession.ID, task, 0, false)
		if settled == nil {
			return nil, err
		}
		return &Submission{Session: settled, Result: result}, err
	}
	job := &Job{SessionID: aSession.ID, TaskID: task.ID, Attempt: 1, RunAfter: clock.Now().Add(p.config.Interval)}
	if err = p.queue.Publish(ctx, job); err != nil {
		return nil, p.failSession(ctx, aSession.ID, fmt.Errorf("failed to schedule status check: %w", err))
	}
	return &Submission{Session: aSession}, nil
}

// Poll performs a single rate limited status check
func (p *Poller) Poll(ctx context.Context, taskID string) (task *provider.Task, err error) {
	ctx, span := tracing.StartSpan(ctx, "background.poll", tracing.KindClient)
	span.WithAttributes(map[string]string{"task.id": taskID})
	defer func() { tracing.EndSpan(span, err) }()
	if err = p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if task, err = p.provider.Status(ctx, taskID); err != nil {
		p.metrics.Poll("error")
		return nil, err
	}
	p.metrics.Poll(string(task.Status))
	return task, nil
}

// Await blocks until the session is terminal or ctx is done. A failed
// session is returned together with an ErrSessionFailed error.
func (p *Poller) Await(ctx context.Context, sessionID string) (*session.Session, error) {
	ticker := time.NewTicker(p.config.AwaitInterval)
	defer ticker.Stop()
	for {
		aSession, err := p.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		switch aSession.Status {
		case session.StatusCompleted:
			return aSession, nil
		case session.StatusFailed:
			return aSession, fmt.Errorf("%w: %s", ErrSessionFailed, aSession.Error())
		}
		select {
		case <-ctx.Done():
			return aSession, ctx.Err()
		case <-ticker.C:
		}
	}
}

// settle persists the outcome of a terminal task. Recovered sessions are
// reconciled, live ones transitioned. Failures return the ProviderError.
func (p *Poller) settle(ctx context.Context, sessionID string, task *provider.Task, attempt int, reconcile bool) (*session.Session, *decode.Result, error) {
	ctx = context.WithoutCancel(ctx)
	write := p.store.Transition
	if reconcile {
		write = p.store.Reconcile
	}
	if task.Status == provider.TaskCompleted {
		result := p.decoder.Decode(task.Output)
		metadata := map[string]interface{}{
			session.MetaResult:  result.Value,
			session.MetaVariant: string(result.Variant),
		}
		if attempt > 0 {
			metadata[session.MetaAttempts] = attempt
		}
		settled, err := write(ctx, sessionID, session.StatusCompleted, &session.Update{Metadata: metadata})
		if err != nil {
			return nil, nil, err
		}
		p.registry.Push(ctx, sessionID, event.NewDone(sessionID, result.Value, metadata))
		log.Info(ctx, log.KV{K: "msg", V: "task completed"}, log.KV{K: "session", V: sessionID},
			log.KV{K: "task", V: task.ID}, log.KV{K: "variant", V: string(result.Variant)})
		return settled, result, nil
	}
	cause := &ProviderError{TaskID: task.ID, Status: task.Status, Message: task.Error}
	message := cause.Error()
	update := &session.Update{ErrorMessage: &message}
	if attempt > 0 {
		update.Metadata = map[string]interface{}{session.MetaAttempts: attempt}
	}
	settled, err := write(ctx, sessionID, session.StatusFailed, update)
	if err != nil {
		return nil, nil, err
	}
	p.registry.Push(ctx, sessionID, event.NewError(sessionID, cause))
	return settled, nil, cause
}

// failSession marks a session failed with cause and returns cause
func (p *Poller) failSession(ctx context.Context, sessionID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	message := cause.Error()
	if _, err := p.store.Transition(ctx, sessionID, session.StatusFailed, &session.Update{ErrorMessage: &message}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failed to persist task failure"}, log.KV{K: "session", V: sessionID})
	}
	p.registry.Push(ctx, sessionID, event.NewError(sessionID, cause))
	return cause
}
