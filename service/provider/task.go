package provider

import (
	"context"
	"errors"
)

// TaskStatus is the provider-reported state of a long-running task
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskIncomplete TaskStatus = "incomplete"
)

// IsTerminal reports whether polling can stop
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskIncomplete:
		return true
	}
	return false
}

// IsFailure reports a terminal status without a usable result
func (s TaskStatus) IsFailure() bool {
	return s.IsTerminal() && s != TaskCompleted
}

// ErrTaskNotFound is returned when the provider does not know the task
var ErrTaskNotFound = errors.New("provider: task not found")

type (
	// TaskRequest describes one long-running computation
	TaskRequest struct {
		Model        string
		Instructions string
		Prompt       string
		Metadata     map[string]string
	}

	// Task is the provider view of a submitted computation. Output holds the
	// raw result payload in whatever shape the provider returned.
	Task struct {
		ID     string
		Status TaskStatus
		Output interface{}
		Error  string
	}

	// TaskProvider submits, checks and cancels long-running tasks
	TaskProvider interface {
		Submit(ctx context.Context, request *TaskRequest) (*Task, error)
		Status(ctx context.Context, taskID string) (*Task, error)
		Cancel(ctx context.Context, taskID string) error
	}
)
