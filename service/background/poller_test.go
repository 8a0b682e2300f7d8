package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao/session/memory"
	"github.com/viant/taskstream/service/decode"
	"github.com/viant/taskstream/service/messaging"
	mqueue "github.com/viant/taskstream/service/messaging/memory"
	"github.com/viant/taskstream/service/provider"
	"github.com/viant/taskstream/service/registry"
	"github.com/viant/taskstream/service/store"
)

// fakeProvider answers the n-th status check of a task with script(taskID, n)
type fakeProvider struct {
	mu        sync.Mutex
	script    func(taskID string, call int) (*provider.Task, error)
	submitErr error
	submitted []*provider.TaskRequest
	initial   provider.TaskStatus
	checks    map[string]int
	cancelled []string
	cancelErr error
}

func newFakeProvider(script func(taskID string, call int) (*provider.Task, error)) *fakeProvider {
	return &fakeProvider{script: script, checks: map[string]int{}, initial: provider.TaskQueued}
}

func (f *fakeProvider) Submit(_ context.Context, request *provider.TaskRequest) (*provider.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, request)
	task := &provider.Task{ID: fmt.Sprintf("task-%d", len(f.submitted)), Status: f.initial}
	if f.initial == provider.TaskCompleted {
		task.Output = `{"answer":"now"}`
	}
	return task, nil
}

func (f *fakeProvider) Status(_ context.Context, taskID string) (*provider.Task, error) {
	f.mu.Lock()
	f.checks[taskID]++
	call := f.checks[taskID]
	f.mu.Unlock()
	return f.script(taskID, call)
}

func (f *fakeProvider) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeProvider) checkCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[taskID]
}

func (f *fakeProvider) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func running(taskID string) *provider.Task {
	return &provider.Task{ID: taskID, Status: provider.TaskRunning}
}

func testConfig() Config {
	config := DefaultConfig()
	config.Interval = 5 * time.Millisecond
	config.MaxAttempts = 5
	config.Workers = 2
	config.RateLimit = 0
	config.AwaitInterval = 2 * time.Millisecond
	config.IdleInterval = 2 * time.Millisecond
	return config
}

type fixture struct {
	store    *store.Service
	provider *fakeProvider
	poller   *Poller
	worker   *Worker
	queue    messaging.Queue[Job]
}

func newFixture(t *testing.T, fake *fakeProvider, config Config) *fixture {
	t.Helper()
	sessions := store.New(memory.New())
	queue := mqueue.NewQueue[Job](mqueue.DefaultConfig())
	poller, err := New(sessions, registry.New(), fake, queue, WithConfig(config), WithModel("test-model"))
	require.NoError(t, err)
	return &fixture{store: sessions, provider: fake, poller: poller, worker: NewWorker(poller), queue: queue}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.worker.Start(context.Background()))
	t.Cleanup(f.worker.Stop)
}

func (f *fixture) orphan(t *testing.T, taskID string, attempts int) *session.Session {
	t.Helper()
	ctx := context.Background()
	aSession, err := f.store.Create(ctx, "wf", "research", nil)
	require.NoError(t, err)
	aSession, err = f.store.Transition(ctx, aSession.ID, session.StatusRunning, &session.Update{
		ProviderTaskID: &taskID,
		Metadata:       map[string]interface{}{session.MetaAttempts: attempts},
	})
	require.NoError(t, err)
	return aSession
}

func awaitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPoller_CompletesAfterThirdCheck(t *testing.T) {
	fake := newFakeProvider(func(taskID string, call int) (*provider.Task, error) {
		if call < 3 {
			return running(taskID), nil
		}
		return &provider.Task{ID: taskID, Status: provider.TaskCompleted, Output: `{"answer":42}`}, nil
	})
	f := newFixture(t, fake, testConfig())
	f.start(t)

	submission, err := f.poller.Submit(context.Background(), "wf", "research", map[string]interface{}{"topic": "go"})
	require.NoError(t, err)
	assert.False(t, submission.Recovered)
	assert.Equal(t, session.StatusRunning, submission.Session.Status)
	assert.Equal(t, "task-1", submission.Session.TaskID())

	settled, err := f.poller.Await(awaitCtx(t), submission.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, settled.Status)
	assert.Equal(t, 3, fake.checkCount("task-1"))
	assert.EqualValues(t, 3, settled.Metadata[session.MetaAttempts])
	assert.Equal(t, map[string]interface{}{"answer": float64(42)}, settled.Metadata[session.MetaResult])
	assert.Equal(t, string(decode.VariantJSON), settled.Metadata[session.MetaVariant])
	require.NotNil(t, settled.CompletedAt)

	request := fake.submitted[0]
	assert.Equal(t, "test-model", request.Model)
	assert.Contains(t, request.Prompt, "topic: go")
	assert.Equal(t, submission.Session.ID, request.Metadata["sessionId"])
}

func TestPoller_TimesOut(t *testing.T) {
	fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
		return running(taskID), nil
	})
	config := testConfig()
	config.MaxAttempts = 3
	f := newFixture(t, fake, config)
	f.start(t)

	submission, err := f.poller.Submit(context.Background(), "wf", "research", nil)
	require.NoError(t, err)
	settled, err := f.poller.Await(awaitCtx(t), submission.Session.ID)
	require.ErrorIs(t, err, ErrSessionFailed)
	assert.Equal(t, session.StatusFailed, settled.Status)
	assert.Contains(t, settled.Error(), "timeout")
	assert.Equal(t, 3, fake.checkCount("task-1"))
}

func TestPoller_ProviderFailure(t *testing.T) {
	fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
		return &provider.Task{ID: taskID, Status: provider.TaskFailed, Error: "quota exceeded"}, nil
	})
	f := newFixture(t, fake, testConfig())
	f.start(t)

	submission, err := f.poller.Submit(context.Background(), "wf", "research", nil)
	require.NoError(t, err)
	settled, err := f.poller.Await(awaitCtx(t), submission.Session.ID)
	require.ErrorIs(t, err, ErrSessionFailed)
	assert.Contains(t, settled.Error(), "quota exceeded")
}

func TestPoller_TransientStatusErrorsCountAsAttempts(t *testing.T) {
	fake := newFakeProvider(func(taskID string, call int) (*provider.Task, error) {
		if call == 1 {
			return nil, errors.New("connection reset")
		}
		return &provider.Task{ID: taskID, Status: provider.TaskCompleted, Output: "plain text"}, nil
	})
	f := newFixture(t, fake, testConfig())
	f.start(t)

	submission, err := f.poller.Submit(context.Background(), "wf", "research", nil)
	require.NoError(t, err)
	settled, err := f.poller.Await(awaitCtx(t), submission.Session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, settled.Metadata[session.MetaAttempts])
	assert.Equal(t, map[string]interface{}{decode.FallbackKey: "plain text"}, settled.Metadata[session.MetaResult])
}

func TestPoller_Submit(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, newFakeProvider(nil), testConfig())
		_, err := f.poller.Submit(context.Background(), "", "research", nil)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
		all, err := f.store.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.Equal(t, 0, f.provider.submissions())
	})

	t.Run("provider rejects", func(t *testing.T) {
		fake := newFakeProvider(nil)
		fake.submitErr = errors.New("invalid api key")
		f := newFixture(t, fake, testConfig())
		_, err := f.poller.Submit(context.Background(), "wf", "research", nil)
		require.Error(t, err)
		all, err := f.store.List(context.Background())
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, session.StatusFailed, all[0].Status)
		assert.Contains(t, all[0].Error(), "invalid api key")
	})

	t.Run("already completed", func(t *testing.T) {
		fake := newFakeProvider(nil)
		fake.initial = provider.TaskCompleted
		f := newFixture(t, fake, testConfig())
		submission, err := f.poller.Submit(context.Background(), "wf", "research", nil)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, submission.Session.Status)
		require.NotNil(t, submission.Result)
		assert.Equal(t, map[string]interface{}{"answer": "now"}, submission.Result.Value)
	})
}

func TestRecovery(t *testing.T) {
	t.Run("completed orphan is returned", func(t *testing.T) {
		fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
			return &provider.Task{ID: taskID, Status: provider.TaskCompleted, Output: `{"summary":"done"}`}, nil
		})
		f := newFixture(t, fake, testConfig())
		orphan := f.orphan(t, "orphan-task", 4)

		submission, err := f.poller.Submit(context.Background(), "wf", "research", nil)
		require.NoError(t, err)
		assert.True(t, submission.Recovered)
		assert.Equal(t, orphan.ID, submission.Session.ID)
		assert.Equal(t, session.StatusCompleted, submission.Session.Status)
		assert.Equal(t, true, submission.Session.Metadata[session.MetaRecovered])
		assert.Equal(t, map[string]interface{}{"summary": "done"}, submission.Result.Value)
		assert.Equal(t, 0, fake.submissions())
	})

	t.Run("failed orphan is reconciled before resubmission", func(t *testing.T) {
		fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
			if taskID == "orphan-task" {
				return &provider.Task{ID: taskID, Status: provider.TaskFailed, Error: "crashed"}, nil
			}
			return running(taskID), nil
		})
		f := newFixture(t, fake, testConfig())
		orphan := f.orphan(t, "orphan-task", 1)

		submission, err := f.poller.Submit(context.Background(), "wf", "research", nil)
		require.NoError(t, err)
		assert.False(t, submission.Recovered)
		assert.NotEqual(t, orphan.ID, submission.Session.ID)
		assert.Equal(t, 1, fake.submissions())

		reconciled, err := f.store.Get(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusFailed, reconciled.Status)
		assert.Contains(t, reconciled.Error(), "crashed")
		assert.Equal(t, 2, submission.Session.Version)
	})

	t.Run("running orphan is left untouched", func(t *testing.T) {
		fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
			return running(taskID), nil
		})
		f := newFixture(t, fake, testConfig())
		orphan := f.orphan(t, "orphan-task", 1)

		submission, err := f.poller.Submit(context.Background(), "wf", "research", nil)
		require.NoError(t, err)
		assert.False(t, submission.Recovered)
		assert.Empty(t, fake.cancelled)
		assert.Equal(t, 1, fake.submissions())
		assert.NotEqual(t, orphan.ID, submission.Session.ID)
		assert.Equal(t, session.StatusRunning, submission.Session.Status)

		stored, err := f.store.Get(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusRunning, stored.Status)
		assert.Equal(t, "orphan-task", stored.TaskID())
		assert.Nil(t, stored.ErrorMessage)
		assert.Nil(t, stored.Metadata[session.MetaSuperseded])
	})

	t.Run("running orphan is cancelled when configured", func(t *testing.T) {
		fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
			return running(taskID), nil
		})
		config := testConfig()
		config.CancelSuperseded = true
		f := newFixture(t, fake, config)
		orphan := f.orphan(t, "orphan-task", 1)

		submission, err := f.poller.Submit(context.Background(), "wf", "research", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"orphan-task"}, fake.cancelled)
		assert.Equal(t, session.StatusRunning, submission.Session.Status)

		superseded, err := f.store.Get(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusFailed, superseded.Status)
		assert.Equal(t, true, superseded.Metadata[session.MetaSuperseded])
		assert.Contains(t, superseded.Error(), "superseded")
	})

	t.Run("unknown task fails the orphan", func(t *testing.T) {
		fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
			if taskID == "orphan-task" {
				return nil, provider.ErrTaskNotFound
			}
			return running(taskID), nil
		})
		f := newFixture(t, fake, testConfig())
		orphan := f.orphan(t, "orphan-task", 1)

		_, err := f.poller.Submit(context.Background(), "wf", "research", nil)
		require.NoError(t, err)
		reconciled, err := f.store.Get(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusFailed, reconciled.Status)
	})

	t.Run("unreachable provider leaves orphan running", func(t *testing.T) {
		fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
			if taskID == "orphan-task" {
				return nil, errors.New("dial tcp: timeout")
			}
			return running(taskID), nil
		})
		f := newFixture(t, fake, testConfig())
		orphan := f.orphan(t, "orphan-task", 1)

		_, err := f.poller.Submit(context.Background(), "wf", "research", nil)
		require.NoError(t, err)
		untouched, err := f.store.Get(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusRunning, untouched.Status)
	})
}

func TestWorker_ResumesRunningSessions(t *testing.T) {
	fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
		return &provider.Task{ID: taskID, Status: provider.TaskCompleted, Output: `{"ok":true}`}, nil
	})
	f := newFixture(t, fake, testConfig())
	orphan := f.orphan(t, "resumed-task", 2)
	f.start(t)

	settled, err := f.poller.Await(awaitCtx(t), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, settled.Status)
	assert.EqualValues(t, 3, settled.Metadata[session.MetaAttempts])
	assert.Equal(t, 1, fake.checkCount("resumed-task"))
}

func TestWorker_DropsStaleJobs(t *testing.T) {
	fake := newFakeProvider(func(taskID string, _ int) (*provider.Task, error) {
		return running(taskID), nil
	})
	f := newFixture(t, fake, testConfig())
	orphan := f.orphan(t, "task-x", 3)
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, &Job{SessionID: orphan.ID, TaskID: "task-x", Attempt: 2}))
	require.NoError(t, f.worker.Process(ctx, &Job{SessionID: orphan.ID, TaskID: "other", Attempt: 4}))
	assert.Equal(t, 0, fake.checkCount("task-x"))

	require.NoError(t, f.worker.Process(ctx, &Job{SessionID: orphan.ID, TaskID: "task-x", Attempt: 4}))
	assert.Equal(t, 1, fake.checkCount("task-x"))
	updated, err := f.store.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, updated.Metadata[session.MetaAttempts])
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		description string
		mutate      func(c *Config)
		expectErr   bool
	}{
		{description: "defaults", mutate: func(c *Config) {}},
		{description: "zero interval", mutate: func(c *Config) { c.Interval = 0 }, expectErr: true},
		{description: "zero attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, expectErr: true},
		{description: "zero workers", mutate: func(c *Config) { c.Workers = 0 }, expectErr: true},
		{description: "negative rate", mutate: func(c *Config) { c.RateLimit = -1 }, expectErr: true},
	}
	for _, testCase := range testCases {
		config := DefaultConfig()
		testCase.mutate(&config)
		err := config.Validate()
		if testCase.expectErr {
			assert.Error(t, err, testCase.description)
			continue
		}
		assert.NoError(t, err, testCase.description)
	}
	assert.Equal(t, 30*time.Second*60, DefaultConfig().Interval*time.Duration(DefaultConfig().MaxAttempts))
}
