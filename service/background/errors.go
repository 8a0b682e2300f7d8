package background

import (
	"errors"
	"fmt"
	"time"

	"github.com/viant/taskstream/service/provider"
)

// ErrSessionFailed is returned by Await for sessions that ended failed
var ErrSessionFailed = errors.New("session failed")

// ProviderError reports a task the provider ended as failed or cancelled
type ProviderError struct {
	TaskID  string
	Status  provider.TaskStatus
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider task %s %s", e.TaskID, e.Status)
	}
	return fmt.Sprintf("provider task %s %s: %s", e.TaskID, e.Status, e.Message)
}

// TimeoutError reports a task still unfinished after the attempt budget
type TimeoutError struct {
	TaskID   string
	Attempts int
	Interval time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: provider task %s still running after %d polls every %s", e.TaskID, e.Attempts, e.Interval)
}
