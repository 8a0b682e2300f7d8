// Package fs implements a durable messaging.Queue on top of afs. Messages are
// JSON files moved between pending, processing, failed and dlq folders, so
// scheduled status checks survive a process restart.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"
	"github.com/viant/taskstream/internal/clock"
	"github.com/viant/taskstream/internal/idgen"
	"github.com/viant/taskstream/service/messaging"
)

// MessageState represents the state of a message in the filesystem queue
type MessageState string

const (
	MessageStatePending    MessageState = "pending"
	MessageStateProcessing MessageState = "processing"
	MessageStateCompleted  MessageState = "completed"
	MessageStateFailed     MessageState = "failed"
)

const messageExt = ".json"

// Message is a queued payload persisted as one file
type Message[T any] struct {
	ID        string       `json:"id"`
	Data      T            `json:"data"`
	State     MessageState `json:"state"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Retries   int          `json:"retries"`

	queue     *Queue[T]
	processed bool
	mu        sync.Mutex
}

// T returns the message payload
func (m *Message[T]) T() *T {
	return &m.Data
}

// Ack removes the message from processing
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %s already processed", m.ID)
	}
	m.processed = true
	m.State = MessageStateCompleted
	m.UpdatedAt = clock.Now()
	return m.queue.complete(context.Background(), m)
}

// Nack schedules the message for retry or moves it to the dead letter folder
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %s already processed", m.ID)
	}
	m.processed = true
	m.State = MessageStateFailed
	if err != nil {
		m.Error = err.Error()
	}
	m.Retries++
	m.UpdatedAt = clock.Now()
	return m.queue.fail(context.Background(), m)
}

// QueueConfig holds configuration for filesystem queue
type QueueConfig struct {
	BasePath   string        `yaml:"basePath" json:"basePath" mapstructure:"basePath"`
	MaxRetries int           `yaml:"maxRetries" json:"maxRetries" mapstructure:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay" json:"retryDelay" mapstructure:"retryDelay"`
	// KeepCompleted retains acknowledged messages in the completed folder
	KeepCompleted bool `yaml:"keepCompleted" json:"keepCompleted" mapstructure:"keepCompleted"`
}

// DefaultConfig returns a default queue configuration
func DefaultConfig() QueueConfig {
	return QueueConfig{
		BasePath:   "/tmp/taskstream/queue",
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Queue implements a filesystem-based messaging.Queue
type Queue[T any] struct {
	fs            afs.Service
	config        QueueConfig
	pendingDir    string
	processingDir string
	completedDir  string
	failedDir     string
	dlqDir        string
	mu            sync.Mutex
}

// NewQueue creates the queue folders and returns messages left in processing
// by a previous process to pending.
func NewQueue[T any](fs afs.Service, config QueueConfig) (*Queue[T], error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	q := &Queue[T]{
		fs:            fs,
		config:        config,
		pendingDir:    url.Join(config.BasePath, "pending"),
		processingDir: url.Join(config.BasePath, "processing"),
		completedDir:  url.Join(config.BasePath, "completed"),
		failedDir:     url.Join(config.BasePath, "failed"),
		dlqDir:        url.Join(config.BasePath, "dlq"),
	}
	ctx := context.Background()
	for _, dir := range []string{q.pendingDir, q.processingDir, q.completedDir, q.failedDir, q.dlqDir} {
		if exists, _ := fs.Exists(ctx, dir); exists {
			continue
		}
		if err := fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := q.restore(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Publish adds a new message to the pending folder
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	now := clock.Now()
	message := &Message[T]{
		ID:        newMessageID(now),
		Data:      *t,
		State:     MessageStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return q.upload(ctx, url.Join(q.pendingDir, filename(message.ID)), data)
}

// Consume claims the oldest message due for retry, or else the oldest pending
// one. It returns nil, nil when the queue is empty.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	message, err := q.claimRetry(ctx)
	if err != nil || message != nil {
		return message, err
	}
	objects, err := q.messages(ctx, q.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	if len(objects) == 0 {
		return nil, nil
	}
	return q.claim(ctx, objects[0])
}

// Len returns the number of pending messages
func (q *Queue[T]) Len(ctx context.Context) (int, error) {
	objects, err := q.messages(ctx, q.pendingDir)
	return len(objects), err
}

func (q *Queue[T]) claimRetry(ctx context.Context) (*Message[T], error) {
	objects, err := q.messages(ctx, q.failedDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed messages: %w", err)
	}
	now := clock.Now()
	for _, object := range objects {
		message, err := q.read(ctx, object.URL())
		if err != nil {
			_ = q.fs.Move(ctx, object.URL(), url.Join(q.dlqDir, "invalid-"+object.Name()))
			continue
		}
		if message.UpdatedAt.Add(q.config.RetryDelay).After(now) {
			continue
		}
		return q.claim(ctx, object)
	}
	return nil, nil
}

// claim moves object into processing; the copy is written before the source is removed
func (q *Queue[T]) claim(ctx context.Context, object storage.Object) (*Message[T], error) {
	message, err := q.read(ctx, object.URL())
	if err != nil {
		_ = q.fs.Move(ctx, object.URL(), url.Join(q.failedDir, "invalid-"+object.Name()))
		return nil, err
	}
	message.State = MessageStateProcessing
	message.UpdatedAt = clock.Now()
	message.queue = q
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", message.ID, err)
	}
	if err = q.upload(ctx, url.Join(q.processingDir, object.Name()), data); err != nil {
		return nil, fmt.Errorf("failed to move message %s to processing: %w", message.ID, err)
	}
	if err = q.fs.Delete(ctx, object.URL()); err != nil {
		return nil, fmt.Errorf("failed to remove claimed message %s: %w", message.ID, err)
	}
	return message, nil
}

func (q *Queue[T]) complete(ctx context.Context, m *Message[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.config.KeepCompleted {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal completed message: %w", err)
		}
		if err = q.upload(ctx, url.Join(q.completedDir, filename(m.ID)), data); err != nil {
			return fmt.Errorf("failed to write completed message: %w", err)
		}
	}
	return q.remove(ctx, url.Join(q.processingDir, filename(m.ID)))
}

func (q *Queue[T]) fail(ctx context.Context, m *Message[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal failed message: %w", err)
	}
	target := q.failedDir
	if m.Retries > q.config.MaxRetries {
		target = q.dlqDir
	}
	if err = q.upload(ctx, url.Join(target, filename(m.ID)), data); err != nil {
		return fmt.Errorf("failed to write failed message: %w", err)
	}
	return q.remove(ctx, url.Join(q.processingDir, filename(m.ID)))
}

// restore returns messages abandoned in processing to pending
func (q *Queue[T]) restore(ctx context.Context) error {
	objects, err := q.messages(ctx, q.processingDir)
	if err != nil {
		return fmt.Errorf("failed to list processing messages: %w", err)
	}
	for _, object := range objects {
		if err := q.fs.Move(ctx, object.URL(), url.Join(q.pendingDir, object.Name())); err != nil {
			return fmt.Errorf("failed to restore message %s: %w", object.Name(), err)
		}
	}
	return nil
}

// messages lists message files of dir, oldest first
func (q *Queue[T]) messages(ctx context.Context, dir string) ([]storage.Object, error) {
	objects, err := q.fs.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var ret []storage.Object
	for _, object := range objects {
		if !object.IsDir() && strings.HasSuffix(object.Name(), messageExt) {
			ret = append(ret, object)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name() < ret[j].Name() })
	return ret, nil
}

func (q *Queue[T]) remove(ctx context.Context, URL string) error {
	if exists, _ := q.fs.Exists(ctx, URL); !exists {
		return nil
	}
	if err := q.fs.Delete(ctx, URL); err != nil {
		return fmt.Errorf("failed to delete %s: %w", URL, err)
	}
	return nil
}

func (q *Queue[T]) upload(ctx context.Context, URL string, data []byte) error {
	return q.fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader(data))
}

func (q *Queue[T]) read(ctx context.Context, URL string) (*Message[T], error) {
	data, err := q.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", URL, err)
	}
	var message Message[T]
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", URL, err)
	}
	return &message, nil
}

// newMessageID prefixes a unique id with a fixed width timestamp so that file
// names sort in publish order.
func newMessageID(at time.Time) string {
	return fmt.Sprintf("%020d-%s", at.UnixNano(), idgen.New())
}

func filename(id string) string {
	return id + messageExt
}

var _ messaging.Queue[any] = (*Queue[any])(nil)
