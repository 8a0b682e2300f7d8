package store

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao"
	"github.com/viant/taskstream/service/dao/session/memory"
)

var allStatuses = []session.Status{
	session.StatusInitializing,
	session.StatusRunning,
	session.StatusCompleted,
	session.StatusFailed,
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		description string
		workflowID  string
		stepID      string
		expectErr   error
	}{
		{description: "valid", workflowID: "wf", stepID: "step"},
		{description: "missing workflow", stepID: "step", expectErr: ErrInvalidInput},
		{description: "missing step", workflowID: "wf", expectErr: ErrInvalidInput},
	}
	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			sessions := memory.New()
			srv := New(sessions)
			created, err := srv.Create(ctx, testCase.workflowID, testCase.stepID, map[string]interface{}{"topic": "go"})
			if testCase.expectErr != nil {
				assert.ErrorIs(t, err, testCase.expectErr)
				assert.Equal(t, 0, sessions.Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, session.StatusInitializing, created.Status)
			assert.Equal(t, 1, created.Version)
			assert.Nil(t, created.CompletedAt)
			assert.Equal(t, map[string]interface{}{"topic": "go"}, created.Inputs())
		})
	}
}

func TestService_CreateVersions(t *testing.T) {
	ctx := context.Background()
	srv := New(memory.New())

	const creators = 25
	var wg sync.WaitGroup
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.Create(ctx, "wf", "step", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sessions, err := srv.List(ctx, dao.WithResource("wf", "step")...)
	require.NoError(t, err)
	seen := map[int]bool{}
	for _, s := range sessions {
		assert.False(t, seen[s.Version], "duplicate version %d", s.Version)
		seen[s.Version] = true
	}
	assert.Len(t, seen, creators)

	other, err := srv.Create(ctx, "wf", "other", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version)
}

type countingSequencer struct{ next int }

func (c *countingSequencer) NextVersion(context.Context, string, string) (int, error) {
	c.next += 10
	return c.next, nil
}

func TestService_CreateWithSequencer(t *testing.T) {
	srv := New(memory.New(), WithSequencer(&countingSequencer{}))
	created, err := srv.Create(context.Background(), "wf", "step", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, created.Version)
}

func TestService_Transition(t *testing.T) {
	ctx := context.Background()
	srv := New(memory.New())
	created, err := srv.Create(ctx, "wf", "step", map[string]interface{}{"a": 1})
	require.NoError(t, err)

	_, err = srv.Transition(ctx, created.ID, session.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	running, err := srv.Transition(ctx, created.ID, session.StatusRunning, &session.Update{
		Metadata:       map[string]interface{}{"iterations": 1},
		ProviderTaskID: session.StringPtr("task-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", running.TaskID())
	assert.Nil(t, running.CompletedAt)

	running, err = srv.Transition(ctx, created.ID, session.StatusRunning, &session.Update{
		Metadata: map[string]interface{}{"iterations": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, running.Metadata["iterations"])
	assert.Equal(t, map[string]interface{}{"a": 1}, running.Inputs())

	failed, err := srv.Transition(ctx, created.ID, session.StatusFailed, &session.Update{ErrorMessage: session.StringPtr("boom")})
	require.NoError(t, err)
	require.NotNil(t, failed.CompletedAt)
	assert.Equal(t, "boom", failed.Error())

	_, err = srv.Transition(ctx, created.ID, session.StatusRunning, nil)
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = srv.Transition(ctx, created.ID, session.Status("paused"), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = srv.Transition(ctx, "missing", session.StatusRunning, nil)
	assert.ErrorIs(t, err, dao.ErrNotFound)
}

func TestService_Reconcile(t *testing.T) {
	ctx := context.Background()
	srv := New(memory.New())
	created, err := srv.Create(ctx, "wf", "step", nil)
	require.NoError(t, err)

	_, err = srv.Reconcile(ctx, created.ID, session.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "initializing session cannot be reconciled")

	_, err = srv.Transition(ctx, created.ID, session.StatusRunning, &session.Update{ProviderTaskID: session.StringPtr("t")})
	require.NoError(t, err)
	_, err = srv.Reconcile(ctx, created.ID, session.StatusRunning, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	reconciled, err := srv.Reconcile(ctx, created.ID, session.StatusCompleted, &session.Update{
		Metadata: map[string]interface{}{session.MetaResult: "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, reconciled.Status)
	assert.Equal(t, true, reconciled.Metadata[session.MetaRecovered])
	assert.Equal(t, "ok", reconciled.Metadata[session.MetaResult])
	assert.NotNil(t, reconciled.CompletedAt)
}

func TestService_FindRunning(t *testing.T) {
	ctx := context.Background()
	srv := New(memory.New())

	found, err := srv.FindRunning(ctx, "wf", "step")
	require.NoError(t, err)
	assert.Nil(t, found)

	var ids []string
	for _, taskID := range []string{"", "task-1", "task-2"} {
		created, err := srv.Create(ctx, "wf", "step", nil)
		require.NoError(t, err)
		update := &session.Update{}
		if taskID != "" {
			update.ProviderTaskID = session.StringPtr(taskID)
		}
		_, err = srv.Transition(ctx, created.ID, session.StatusRunning, update)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	_, err = srv.Create(ctx, "wf", "other", nil)
	require.NoError(t, err)

	found, err = srv.FindRunning(ctx, "wf", "step")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ids[2], found.ID)

	running, err := srv.ListRunning(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestCompletedAtProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("completedAt is set iff status is terminal", prop.ForAll(
		func(steps []int) bool {
			ctx := context.Background()
			srv := New(memory.New())
			created, err := srv.Create(ctx, "wf", "step", nil)
			if err != nil || created.CompletedAt != nil {
				return false
			}
			for _, step := range steps {
				_, _ = srv.Transition(ctx, created.ID, allStatuses[step], nil)
				current, err := srv.Get(ctx, created.ID)
				if err != nil {
					return false
				}
				if current.Status.IsTerminal() != (current.CompletedAt != nil) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))
	properties.TestingRun(t)
}

func TestMetadataMergeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("update keys overwrite, other keys survive", prop.ForAll(
		func(initial, update map[string]string) bool {
			ctx := context.Background()
			srv := New(memory.New())
			created, err := srv.Create(ctx, "wf", "step", nil)
			if err != nil {
				return false
			}
			if _, err = srv.Transition(ctx, created.ID, session.StatusRunning, &session.Update{Metadata: toAny(initial)}); err != nil {
				return false
			}
			merged, err := srv.Transition(ctx, created.ID, session.StatusRunning, &session.Update{Metadata: toAny(update)})
			if err != nil {
				return false
			}
			for k, v := range update {
				if merged.Metadata[k] != v {
					return false
				}
			}
			for k, v := range initial {
				if _, overwritten := update[k]; overwritten {
					continue
				}
				if merged.Metadata[k] != v {
					return false
				}
			}
			return true
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))
	properties.TestingRun(t)
}

func toAny(values map[string]string) map[string]interface{} {
	ret := make(map[string]interface{}, len(values))
	for k, v := range values {
		ret[k] = v
	}
	return ret
}
