package taskstream

import (
	"context"
	"errors"
	"sync"

	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/background"
	"goa.design/clue/log"
)

var (
	// ErrAgentUnavailable is returned when no conversation provider is configured
	ErrAgentUnavailable = errors.New("agent runs are not configured")
	// ErrTasksUnavailable is returned when no task provider is configured
	ErrTasksUnavailable = errors.New("background tasks are not configured")
	// ErrShuttingDown is returned for runs requested after Shutdown began
	ErrShuttingDown = errors.New("runtime is shutting down")
)

// Runtime owns the lifetime of agent runs and background workers. Agent runs
// are bound to the runtime rather than to the request that started them.
type Runtime struct {
	service *Service
	ctx     context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopping bool
}

func newRuntime(service *Service) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{service: service, ctx: ctx, cancel: cancel}
}

// Start launches background workers, re-enqueueing stored running tasks
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	r.ctx = log.WithContext(r.ctx, ctx)
	if r.service.worker == nil {
		return nil
	}
	return r.service.worker.Start(r.ctx)
}

// Shutdown stops workers and waits for agent runs until ctx is done, after
// which remaining runs are cancelled.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	if r.service.worker != nil {
		r.service.worker.Stop()
	}
	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// StartAgentRun creates a session and runs the conversation asynchronously.
// The returned session is in initializing status.
func (r *Runtime) StartAgentRun(ctx context.Context, workflowID, stepID string, inputs map[string]interface{}) (*session.Session, error) {
	runner := r.service.agent
	if runner == nil {
		return nil, ErrAgentUnavailable
	}
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	runCtx := r.ctx
	r.runs.Add(1)
	r.mu.Unlock()

	aSession, err := runner.Start(ctx, workflowID, stepID, inputs)
	if err != nil {
		r.runs.Done()
		return nil, err
	}
	go func() {
		defer r.runs.Done()
		if _, err := runner.Run(runCtx, aSession.ID); err != nil {
			log.Error(runCtx, err, log.KV{K: "msg", V: "agent run failed"}, log.KV{K: "session", V: aSession.ID})
		}
	}()
	return aSession, nil
}

// SubmitTask submits a long-running provider task; it returns once the task
// is accepted, or with the result of a reconciled completed run.
func (r *Runtime) SubmitTask(ctx context.Context, workflowID, stepID string, inputs map[string]interface{}) (*background.Submission, error) {
	if r.service.poller == nil {
		return nil, ErrTasksUnavailable
	}
	return r.service.poller.Submit(ctx, workflowID, stepID, inputs)
}

// AwaitTask blocks until the task session is terminal
func (r *Runtime) AwaitTask(ctx context.Context, sessionID string) (*session.Session, error) {
	if r.service.poller == nil {
		return nil, ErrTasksUnavailable
	}
	return r.service.poller.Await(ctx, sessionID)
}

// Session returns a stored session
func (r *Runtime) Session(ctx context.Context, id string) (*session.Session, error) {
	return r.service.store.Get(ctx, id)
}
