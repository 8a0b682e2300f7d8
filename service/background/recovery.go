package background

import (
	"context"
	"errors"

	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/decode"
	"github.com/viant/taskstream/service/provider"
	"github.com/viant/taskstream/tracing"
	"goa.design/clue/log"
)

const supersededMessage = "superseded: provider task cancelled before resubmission"

// Recovered describes a reconciled orphan session
type Recovered struct {
	Session *session.Session
	Result  *decode.Result
}

// Recovery reconciles orphaned running sessions against the provider before
// new work is submitted for the same workflow step.
type Recovery struct {
	poller *Poller
}

// Recover checks the newest running session of the workflow step with one
// direct status check. Completed and failed tasks are reconciled. A task still
// running is left untouched and nil is returned so new work is submitted
// alongside it, unless CancelSuperseded is configured, in which case the task
// is cancelled and its session failed as superseded. When the provider cannot
// be reached or refuses to cancel, the session is left untouched.
func (r *Recovery) Recover(ctx context.Context, workflowID, stepID string) (ret *Recovered, err error) {
	p := r.poller
	orphan, err := p.store.FindRunning(ctx, workflowID, stepID)
	if err != nil || orphan == nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "background.recover", tracing.KindInternal)
	span.WithAttributes(map[string]string{"session.id": orphan.ID, "task.id": orphan.TaskID()})
	defer func() { tracing.EndSpan(span, err) }()

	task, err := p.Poll(ctx, orphan.TaskID())
	if err != nil {
		if !errors.Is(err, provider.ErrTaskNotFound) {
			log.Warn(ctx, log.KV{K: "msg", V: "orphan status check failed, leaving session running"},
				log.KV{K: "session", V: orphan.ID}, log.KV{K: "err", V: err.Error()})
			return nil, nil
		}
		task = &provider.Task{ID: orphan.TaskID(), Status: provider.TaskFailed, Error: "task not found"}
	}

	log.Info(ctx, log.KV{K: "msg", V: "recovering orphan session"}, log.KV{K: "session", V: orphan.ID},
		log.KV{K: "task", V: task.ID}, log.KV{K: "status", V: string(task.Status)})
	if task.Status.IsTerminal() {
		settled, result, err := p.settle(ctx, orphan.ID, task, 0, true)
		if settled == nil {
			log.Warn(ctx, log.KV{K: "msg", V: "failed to reconcile orphan"}, log.KV{K: "session", V: orphan.ID}, log.KV{K: "err", V: err.Error()})
			return nil, nil
		}
		return &Recovered{Session: settled, Result: result}, nil
	}

	if !p.config.CancelSuperseded {
		log.Warn(ctx, log.KV{K: "msg", V: "orphan task still running, submitting new work alongside it"},
			log.KV{K: "session", V: orphan.ID}, log.KV{K: "task", V: task.ID})
		return nil, nil
	}
	if err := p.provider.Cancel(ctx, task.ID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "failed to cancel superseded task, leaving session running"},
			log.KV{K: "session", V: orphan.ID}, log.KV{K: "task", V: task.ID}, log.KV{K: "err", V: err.Error()})
		return nil, nil
	}
	message := supersededMessage
	settled, err := p.store.Reconcile(context.WithoutCancel(ctx), orphan.ID, session.StatusFailed, &session.Update{
		ErrorMessage: &message,
		Metadata:     map[string]interface{}{session.MetaSuperseded: true},
	})
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "failed to reconcile superseded session"}, log.KV{K: "session", V: orphan.ID}, log.KV{K: "err", V: err.Error()})
		return nil, nil
	}
	return &Recovered{Session: settled}, nil
}
