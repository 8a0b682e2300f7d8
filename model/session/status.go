package session

// Status represents the lifecycle state of an agent session
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// IsTerminal reports whether no further transition is allowed without recovery.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitializing, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> next.
// A running session may be re-entered to record progress metadata.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusInitializing:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusRunning || next.IsTerminal()
	}
	return false
}
