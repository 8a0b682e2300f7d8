// Package redis provides a Redis-backed session DAO shared by every process
// of a deployment. Versions are assigned with INCR so concurrent creators of
// the same workflow step never observe duplicate versions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao"
	"github.com/viant/taskstream/service/dao/criteria"
	"github.com/viant/taskstream/service/dao/session/memory"
	"goa.design/clue/log"
)

const defaultPrefix = "taskstream"

// Service persists sessions as JSON documents keyed by id
type Service struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	_ dao.Service[string, session.Session] = (*Service)(nil)
	_ dao.Sequencer                        = (*Service)(nil)
)

// Option customises Service
type Option func(s *Service)

// WithPrefix sets the key prefix; it is wrapped in a hash tag so every key of
// a deployment lands in one cluster slot.
func WithPrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New creates a Redis session DAO
func New(rdb redis.UniversalClient, opts ...Option) (*Service, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	ret := &Service{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(ret)
	}
	return ret, nil
}

// Save stores a session and indexes its id
func (s *Service) Save(ctx context.Context, aSession *session.Session) error {
	if aSession == nil {
		return dao.ErrNilEntity
	}
	if aSession.ID == "" {
		return dao.ErrInvalidID
	}
	data, err := json.Marshal(aSession)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(aSession.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), aSession.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", aSession.ID, err)
	}
	return nil
}

// Load returns a session by id
func (s *Service) Load(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}
	data, err := s.rdb.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", id, dao.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return decode(data)
}

// Delete removes a session
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}
	var deleted *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.sessionKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if deleted.Val() == 0 {
		return fmt.Errorf("session %s: %w", id, dao.ErrNotFound)
	}
	return nil
}

// List returns sessions matching parameters, oldest first
func (s *Service) List(ctx context.Context, parameters ...*dao.Parameter) ([]*session.Session, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	var sessions []*session.Session
	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		aSession, err := decode([]byte(text))
		if err != nil {
			log.Printf(ctx, "skipping session %s: %v", ids[i], err)
			continue
		}
		if !criteria.Match(aSession, parameters) {
			continue
		}
		sessions = append(sessions, aSession)
	}
	sort.SliceStable(sessions, func(i, j int) bool { return memory.ByStartedAt(sessions[i], sessions[j]) })
	return sessions, nil
}

// NextVersion atomically increments the version counter of a workflow step
func (s *Service) NextVersion(ctx context.Context, workflowID, stepID string) (int, error) {
	version, err := s.rdb.Incr(ctx, s.versionKey(workflowID, stepID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to assign version for %s/%s: %w", workflowID, stepID, err)
	}
	return int(version), nil
}

func (s *Service) sessionKey(id string) string {
	return "{" + s.prefix + "}:session:" + id
}

func (s *Service) indexKey() string {
	return "{" + s.prefix + "}:sessions"
}

func (s *Service) versionKey(workflowID, stepID string) string {
	return "{" + s.prefix + "}:version:" + workflowID + ":" + stepID
}

func decode(data []byte) (*session.Session, error) {
	aSession := &session.Session{}
	if err := json.Unmarshal(data, aSession); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
	}
	return aSession, nil
}
