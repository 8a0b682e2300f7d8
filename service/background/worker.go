package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/viant/taskstream/internal/clock"
	"github.com/viant/taskstream/model/event"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/messaging"
	"goa.design/clue/log"
)

// Worker consumes status check jobs. Each job performs one check: a task
// still running is re-enqueued for the next interval, a settled one is
// persisted, and exhausting the attempt budget fails the session.
type Worker struct {
	poller *Poller
	mu     sync.Mutex
	active map[string]bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker pool for poller
func NewWorker(poller *Poller) *Worker {
	return &Worker{poller: poller, active: make(map[string]bool)}
}

// Start re-enqueues stored running sessions (when configured) and launches
// consumers. It returns once consumers are running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	if w.poller.config.Resume {
		if err := w.resume(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "failed to resume running sessions"})
		}
	}
	for i := 0; i < w.poller.config.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	return nil
}

// Stop stops consumers and waits for in-flight jobs
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// resume schedules a status check for every stored running session so that
// tasks submitted before a restart keep being tracked.
func (w *Worker) resume(ctx context.Context) error {
	running, err := w.poller.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, aSession := range running {
		job := &Job{
			SessionID: aSession.ID,
			TaskID:    aSession.TaskID(),
			Attempt:   storedAttempts(aSession) + 1,
			RunAfter:  clock.Now(),
		}
		if err := w.poller.queue.Publish(ctx, job); err != nil {
			return fmt.Errorf("failed to resume session %s: %w", aSession.ID, err)
		}
		log.Info(ctx, log.KV{K: "msg", V: "resumed running session"}, log.KV{K: "session", V: aSession.ID}, log.KV{K: "attempt", V: job.Attempt})
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	idle := w.poller.config.IdleInterval
	for {
		if ctx.Err() != nil {
			return
		}
		message, err := w.poller.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "failed to consume job"})
			sleep(ctx, idle)
			continue
		}
		if message == nil {
			sleep(ctx, idle)
			continue
		}
		w.handle(ctx, message)
	}
}

func (w *Worker) handle(ctx context.Context, message messaging.Message[Job]) {
	job := message.T()
	if !sleepUntil(ctx, job.RunAfter) {
		_ = message.Nack(ctx.Err())
		return
	}
	if !w.acquire(job.SessionID) {
		// another consumer already tracks this session
		_ = message.Ack()
		return
	}
	defer w.release(job.SessionID)
	if err := w.Process(ctx, job); err != nil {
		if ctx.Err() != nil {
			_ = message.Nack(err)
			return
		}
		log.Error(ctx, err, log.KV{K: "msg", V: "status check job failed"}, log.KV{K: "session", V: job.SessionID})
	}
	_ = message.Ack()
}

// Process performs the status check described by job
func (w *Worker) Process(ctx context.Context, job *Job) error {
	p := w.poller
	aSession, err := p.store.Get(ctx, job.SessionID)
	if err != nil {
		return err
	}
	if aSession.Status != session.StatusRunning || aSession.TaskID() != job.TaskID {
		return nil
	}
	if job.Attempt <= storedAttempts(aSession) {
		// stale duplicate, the newer attempt is already scheduled
		return nil
	}

	task, err := p.Poll(ctx, job.TaskID)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Warn(ctx, log.KV{K: "msg", V: "status check failed"}, log.KV{K: "session", V: job.SessionID},
			log.KV{K: "attempt", V: job.Attempt}, log.KV{K: "err", V: err.Error()})
	} else if task.Status.IsTerminal() {
		settled, _, err := p.settle(ctx, job.SessionID, task, job.Attempt, false)
		if settled != nil {
			return nil
		}
		return err
	}

	if job.Attempt >= p.config.MaxAttempts {
		cause := &TimeoutError{TaskID: job.TaskID, Attempts: job.Attempt, Interval: p.config.Interval}
		message := cause.Error()
		if _, err := p.store.Transition(context.WithoutCancel(ctx), job.SessionID, session.StatusFailed, &session.Update{
			ErrorMessage: &message,
			Metadata:     map[string]interface{}{session.MetaAttempts: job.Attempt},
		}); err != nil {
			return err
		}
		p.registry.Push(ctx, job.SessionID, event.NewError(job.SessionID, cause))
		log.Warn(ctx, log.KV{K: "msg", V: message}, log.KV{K: "session", V: job.SessionID})
		return nil
	}

	if _, err = p.store.Transition(ctx, job.SessionID, session.StatusRunning, &session.Update{
		Metadata: map[string]interface{}{session.MetaAttempts: job.Attempt},
	}); err != nil {
		return err
	}
	p.registry.Push(ctx, job.SessionID, event.NewProgress(job.SessionID, job.Attempt))
	next := &Job{
		SessionID: job.SessionID,
		TaskID:    job.TaskID,
		Attempt:   job.Attempt + 1,
		RunAfter:  clock.Now().Add(p.config.Interval),
	}
	return p.queue.Publish(ctx, next)
}

func (w *Worker) acquire(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[sessionID] {
		return false
	}
	w.active[sessionID] = true
	return true
}

func (w *Worker) release(sessionID string) {
	w.mu.Lock()
	delete(w.active, sessionID)
	w.mu.Unlock()
}

// storedAttempts reads the persisted poll counter; JSON backends decode numbers as float64
func storedAttempts(aSession *session.Session) int {
	switch actual := aSession.Metadata[session.MetaAttempts].(type) {
	case int:
		return actual
	case int64:
		return int(actual)
	case float64:
		return int(actual)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func sleepUntil(ctx context.Context, at time.Time) bool {
	wait := clock.Until(at)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
