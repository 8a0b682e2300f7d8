// Package store implements the session state machine on top of a session DAO.
// It is the single source of truth for run outcomes: the registry and the
// in-process loops only mirror what is persisted here.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/viant/taskstream/internal/clock"
	"github.com/viant/taskstream/internal/idgen"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao"
	"github.com/viant/taskstream/service/metrics"
	"goa.design/clue/log"
)

// Service manages session lifecycle
type Service struct {
	dao     dao.Service[string, session.Session]
	seq     dao.Sequencer
	metrics *metrics.Metrics
	// mu serialises read-modify-write cycles issued through this instance
	mu sync.Mutex
}

// Option customises Service
type Option func(s *Service)

// WithMetrics sets metrics collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSequencer overrides the version sequencer
func WithSequencer(seq dao.Sequencer) Option {
	return func(s *Service) { s.seq = seq }
}

// New creates a session store; a DAO implementing dao.Sequencer assigns versions.
func New(sessions dao.Service[string, session.Session], opts ...Option) *Service {
	ret := &Service{dao: sessions}
	if seq, ok := sessions.(dao.Sequencer); ok {
		ret.seq = seq
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Create validates input and persists an initializing session with the next
// version for the workflow step.
func (s *Service) Create(ctx context.Context, workflowID, stepID string, inputs map[string]interface{}) (*session.Session, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("%w: workflowId is required", ErrInvalidInput)
	}
	if stepID == "" {
		return nil, fmt.Errorf("%w: stepId is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version, err := s.nextVersion(ctx, workflowID, stepID)
	if err != nil {
		return nil, err
	}
	aSession := session.New(idgen.New(), workflowID, stepID, version, inputs, clock.Now())
	if err = s.dao.Save(ctx, aSession); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.metrics.SessionCreated(workflowID)
	log.Info(ctx, log.KV{K: "msg", V: "session created"}, log.KV{K: "session", V: aSession.ID},
		log.KV{K: "workflow", V: workflowID}, log.KV{K: "step", V: stepID}, log.KV{K: "version", V: version})
	return aSession.Clone(), nil
}

func (s *Service) nextVersion(ctx context.Context, workflowID, stepID string) (int, error) {
	if s.seq != nil {
		return s.seq.NextVersion(ctx, workflowID, stepID)
	}
	existing, err := s.dao.List(ctx, dao.WithResource(workflowID, stepID)...)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for %s/%s: %w", workflowID, stepID, err)
	}
	maxVersion := 0
	for _, candidate := range existing {
		if candidate.Version > maxVersion {
			maxVersion = candidate.Version
		}
	}
	return maxVersion + 1, nil
}

// Transition moves a session to status and merges the update. A terminal
// session cannot be changed through Transition.
func (s *Service) Transition(ctx context.Context, id string, status session.Status, update *session.Update) (*session.Session, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	aSession, err := s.dao.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if aSession.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, aSession.Status)
	}
	if !aSession.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, aSession.Status, status)
	}
	return s.apply(ctx, aSession, status, update)
}

// Reconcile moves an orphaned running session to a terminal status after the
// provider state was confirmed independently.
func (s *Service) Reconcile(ctx context.Context, id string, status session.Status, update *session.Update) (*session.Session, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: reconcile target %q is not terminal", ErrInvalidTransition, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	aSession, err := s.dao.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if aSession.Status != session.StatusRunning {
		return nil, fmt.Errorf("%w: only running sessions can be reconciled, %s is %s", ErrInvalidTransition, id, aSession.Status)
	}
	if update == nil {
		update = &session.Update{}
	}
	update.Metadata = session.MergeMetadata(update.Metadata, map[string]interface{}{session.MetaRecovered: true})
	return s.apply(ctx, aSession, status, update)
}

func (s *Service) apply(ctx context.Context, aSession *session.Session, status session.Status, update *session.Update) (*session.Session, error) {
	previous := aSession.Status
	aSession.Apply(status, update, clock.Now())
	if err := s.dao.Save(ctx, aSession); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", aSession.ID, err)
	}
	if previous != status {
		if status.IsTerminal() {
			s.metrics.SessionTerminated(string(status))
		}
		log.Info(ctx, log.KV{K: "msg", V: "session transitioned"}, log.KV{K: "session", V: aSession.ID},
			log.KV{K: "from", V: string(previous)}, log.KV{K: "to", V: string(status)})
	}
	return aSession.Clone(), nil
}

// Get returns a session by id
func (s *Service) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.dao.Load(ctx, id)
}

// List returns sessions matching parameters, oldest first
func (s *Service) List(ctx context.Context, parameters ...*dao.Parameter) ([]*session.Session, error) {
	return s.dao.List(ctx, parameters...)
}

// FindRunning returns the newest running session of a workflow step that has a
// provider task, or nil when there is none.
func (s *Service) FindRunning(ctx context.Context, workflowID, stepID string) (*session.Session, error) {
	parameters := append(dao.WithResource(workflowID, stepID),
		dao.WithStatus(string(session.StatusRunning)), dao.WithProviderTask())
	candidates, err := s.dao.List(ctx, parameters...)
	if err != nil {
		return nil, fmt.Errorf("failed to find running session for %s/%s: %w", workflowID, stepID, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[len(candidates)-1], nil
}

// ListRunning returns every running session with a provider task
func (s *Service) ListRunning(ctx context.Context) ([]*session.Session, error) {
	return s.dao.List(ctx, dao.WithStatus(string(session.StatusRunning)), dao.WithProviderTask())
}
