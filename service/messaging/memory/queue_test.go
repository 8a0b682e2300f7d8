package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkJob struct {
	SessionID string
	Attempt   int
}

func TestQueue_AckOnce(t *testing.T) {
	queue := NewQueue[checkJob](DefaultConfig())
	ctx := context.Background()
	require.NoError(t, queue.Publish(ctx, &checkJob{SessionID: "s1", Attempt: 1}))
	assert.Equal(t, 1, queue.Size())

	message, err := queue.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, queue.Size())
	assert.Equal(t, &checkJob{SessionID: "s1", Attempt: 1}, message.T())
	assert.NoError(t, message.Ack())
	assert.Error(t, message.Ack())
	assert.Error(t, message.Nack(nil))
}

func TestQueue_RetryThenDeadLetter(t *testing.T) {
	config := DefaultConfig()
	config.MaxRetries = 2
	config.RetryDelay = time.Millisecond
	queue := NewQueue[checkJob](config)
	ctx := context.Background()
	require.NoError(t, queue.Publish(ctx, &checkJob{SessionID: "retry"}))

	for i := 0; i <= config.MaxRetries; i++ {
		message, err := queue.Consume(ctx)
		require.NoError(t, err)
		require.NoError(t, message.Nack(assert.AnError))
		queue.Flush()
	}
	assert.Equal(t, 0, queue.Size())
	assert.Equal(t, []checkJob{{SessionID: "retry"}}, queue.DeadLetters())
}

func TestQueue_Concurrency(t *testing.T) {
	queue := NewQueue[checkJob](DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const producers, perProducer = 8, 25

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, queue.Publish(ctx, &checkJob{SessionID: fmt.Sprintf("p%d", p), Attempt: i}))
			}
		}(p)
	}

	seen := make(map[string]int)
	var mu sync.Mutex
	var consumers sync.WaitGroup
	for c := 0; c < producers; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for i := 0; i < perProducer; i++ {
				message, err := queue.Consume(ctx)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[message.T().SessionID]++
				mu.Unlock()
				assert.NoError(t, message.Ack())
			}
		}()
	}
	wg.Wait()
	consumers.Wait()
	assert.Len(t, seen, producers)
	for _, count := range seen {
		assert.Equal(t, perProducer, count)
	}
}

func TestQueue_ContextCancellation(t *testing.T) {
	queue := NewQueue[checkJob](DefaultConfig())
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, queue.Publish(cancelled, &checkJob{}), context.Canceled)

	timeout, cancelTimeout := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelTimeout()
	_, err := queue.Consume(timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, queue.Publish(context.Background(), &checkJob{SessionID: "after"}))
	message, err := queue.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after", message.T().SessionID)
}
