package session

import (
	"encoding/json"
	"time"
)

// Well known metadata keys
const (
	MetaInputs     = "inputs"
	MetaIterations = "iterations"
	MetaTruncated  = "truncated"
	MetaResult     = "result"
	MetaVariant    = "resultVariant"
	MetaAttempts   = "pollAttempts"
	MetaRecovered  = "recovered"
	MetaSuperseded = "superseded"
)

// Session is the durable record of one orchestration run
type Session struct {
	ID             string                 `json:"id" yaml:"id"`
	WorkflowID     string                 `json:"workflowId" yaml:"workflowId"`
	StepID         string                 `json:"stepId" yaml:"stepId"`
	Version        int                    `json:"version" yaml:"version"`
	Status         Status                 `json:"status" yaml:"status"`
	ProviderTaskID *string                `json:"providerTaskId,omitempty" yaml:"providerTaskId,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	StartedAt      time.Time              `json:"startedAt" yaml:"startedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	ErrorMessage   *string                `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
}

// Update carries field updates applied together with a status transition.
// Nil pointers leave the stored value untouched.
type Update struct {
	Metadata       map[string]interface{}
	ProviderTaskID *string
	ErrorMessage   *string
}

// New creates an initializing session
func New(id, workflowID, stepID string, version int, inputs map[string]interface{}, startedAt time.Time) *Session {
	ret := &Session{
		ID:         id,
		WorkflowID: workflowID,
		StepID:     stepID,
		Version:    version,
		Status:     StatusInitializing,
		Metadata:   map[string]interface{}{},
		StartedAt:  startedAt,
	}
	if inputs != nil {
		ret.Metadata[MetaInputs] = inputs
	}
	return ret
}

// HasProviderTask returns true when a provider task id was recorded
func (s *Session) HasProviderTask() bool {
	return s.ProviderTaskID != nil && *s.ProviderTaskID != ""
}

// TaskID returns provider task id or empty string
func (s *Session) TaskID() string {
	if s.ProviderTaskID == nil {
		return ""
	}
	return *s.ProviderTaskID
}

// Error returns error message or empty string
func (s *Session) Error() string {
	if s.ErrorMessage == nil {
		return ""
	}
	return *s.ErrorMessage
}

// Inputs returns the inputs recorded at creation time
func (s *Session) Inputs() map[string]interface{} {
	if s.Metadata == nil {
		return nil
	}
	ret, _ := s.Metadata[MetaInputs].(map[string]interface{})
	return ret
}

// Apply sets status and merges the update. completedAt is set exactly when
// entering a terminal status and cleared otherwise.
func (s *Session) Apply(status Status, update *Update, at time.Time) {
	s.Status = status
	if update != nil {
		s.Metadata = MergeMetadata(s.Metadata, update.Metadata)
		if update.ProviderTaskID != nil {
			taskID := *update.ProviderTaskID
			s.ProviderTaskID = &taskID
		}
		if update.ErrorMessage != nil {
			msg := *update.ErrorMessage
			s.ErrorMessage = &msg
		}
	}
	if status.IsTerminal() {
		if s.CompletedAt == nil {
			completedAt := at
			s.CompletedAt = &completedAt
		}
		return
	}
	s.CompletedAt = nil
}

// Clone returns a deep copy so that callers never share mutable state with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	ret := *s
	if s.ProviderTaskID != nil {
		v := *s.ProviderTaskID
		ret.ProviderTaskID = &v
	}
	if s.ErrorMessage != nil {
		v := *s.ErrorMessage
		ret.ErrorMessage = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		ret.CompletedAt = &v
	}
	ret.Metadata = cloneValue(s.Metadata).(map[string]interface{})
	return &ret
}

// MergeMetadata performs a shallow merge: keys in update overwrite the same keys
// in dest, other keys are preserved. dest is never nil on return.
func MergeMetadata(dest, update map[string]interface{}) map[string]interface{} {
	if dest == nil {
		dest = make(map[string]interface{}, len(update))
	}
	for k, v := range update {
		dest[k] = v
	}
	return dest
}

func cloneValue(v interface{}) interface{} {
	switch actual := v.(type) {
	case map[string]interface{}:
		if actual == nil {
			return map[string]interface{}{}
		}
		ret := make(map[string]interface{}, len(actual))
		for k, item := range actual {
			ret[k] = cloneValue(item)
		}
		return ret
	case []interface{}:
		ret := make([]interface{}, len(actual))
		for i, item := range actual {
			ret[i] = cloneValue(item)
		}
		return ret
	case json.RawMessage:
		return append(json.RawMessage(nil), actual...)
	default:
		return v
	}
}

// StringPtr returns pointer to s
func StringPtr(s string) *string {
	return &s
}
