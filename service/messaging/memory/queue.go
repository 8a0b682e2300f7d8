// Package memory implements an in-process messaging.Queue backed by a
// buffered channel. Messages are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/viant/taskstream/internal/clock"
	"github.com/viant/taskstream/internal/idgen"
	"github.com/viant/taskstream/service/messaging"
)

// Config for memory queue implementation
type Config struct {
	MaxRetries  int           `yaml:"maxRetries" json:"maxRetries" mapstructure:"maxRetries"`
	RetryDelay  time.Duration `yaml:"retryDelay" json:"retryDelay" mapstructure:"retryDelay"`
	DeadLetter  bool          `yaml:"deadLetter" json:"deadLetter" mapstructure:"deadLetter"`
	QueueBuffer int           `yaml:"queueBuffer" json:"queueBuffer" mapstructure:"queueBuffer"`
}

// DefaultConfig returns a standard configuration for memory queue
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		RetryDelay:  100 * time.Millisecond,
		DeadLetter:  true,
		QueueBuffer: 1024,
	}
}

// Message is a queued payload
type Message[T any] struct {
	id        string
	payload   T
	queue     *Queue[T]
	retries   int
	createdAt time.Time
	mu        sync.Mutex
	processed bool
}

// T returns the message payload
func (m *Message[T]) T() *T {
	return &m.payload
}

// Ack acknowledges the message as processed successfully
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %s already processed", m.id)
	}
	m.processed = true
	return nil
}

// Nack re-delivers the message after the retry delay, or dead letters it
// once the retry budget is spent.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %s already processed", m.id)
	}
	m.processed = true
	if m.retries >= m.queue.config.MaxRetries {
		m.queue.deadLetter(m)
		return nil
	}
	retry := &Message[T]{id: m.id, payload: m.payload, queue: m.queue, retries: m.retries + 1, createdAt: m.createdAt}
	m.queue.pending.Add(1)
	time.AfterFunc(m.queue.config.RetryDelay, func() {
		m.queue.messages <- retry
		m.queue.pending.Done()
	})
	return nil
}

// Queue implements an in-memory messaging.Queue
type Queue[T any] struct {
	messages chan *Message[T]
	config   Config
	pending  sync.WaitGroup
	dlqMu    sync.Mutex
	dlq      []*Message[T]
}

// NewQueue creates a new in-memory queue
func NewQueue[T any](config Config) *Queue[T] {
	if config.QueueBuffer <= 0 {
		config.QueueBuffer = DefaultConfig().QueueBuffer
	}
	return &Queue[T]{
		messages: make(chan *Message[T], config.QueueBuffer),
		config:   config,
	}
}

// Publish adds a message; it blocks while the buffer is full
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	message := &Message[T]{id: idgen.New(), payload: *t, queue: q, createdAt: clock.Now()}
	select {
	case q.messages <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume blocks until a message is available or ctx is done
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	select {
	case message := <-q.messages:
		return message, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the number of buffered messages
func (q *Queue[T]) Size() int {
	return len(q.messages)
}

// DeadLetters returns payloads of messages that exhausted their retries
func (q *Queue[T]) DeadLetters() []T {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	ret := make([]T, 0, len(q.dlq))
	for _, message := range q.dlq {
		ret = append(ret, message.payload)
	}
	return ret
}

// Flush waits for scheduled retries to be re-delivered
func (q *Queue[T]) Flush() {
	q.pending.Wait()
}

func (q *Queue[T]) deadLetter(m *Message[T]) {
	if !q.config.DeadLetter {
		return
	}
	q.dlqMu.Lock()
	q.dlq = append(q.dlq, m)
	q.dlqMu.Unlock()
}

var _ messaging.Queue[any] = (*Queue[any])(nil)
