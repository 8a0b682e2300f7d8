package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"
	"github.com/viant/afs/url"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao"
	"github.com/viant/taskstream/service/dao/criteria"
	"github.com/viant/taskstream/service/dao/session/memory"
	"goa.design/clue/log"
)

// Service implements a filesystem-based session storage; any afs supported
// URL (file://, mem://, gs://, s3://) can be used as the base location.
type Service struct {
	basePath string
	fs       afs.Service
	mu       sync.RWMutex
}

// Ensure Service implements dao.Service
var _ dao.Service[string, session.Session] = (*Service)(nil)

// Save persists a session
func (s *Service) Save(ctx context.Context, aSession *session.Session) error {
	if aSession == nil {
		return dao.ErrNilEntity
	}
	if aSession.ID == "" {
		return dao.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(aSession)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	filePath := s.sessionPath(aSession.ID)
	if err = s.fs.Upload(ctx, filePath, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to save session to file %s: %w", filePath, err)
	}
	return nil
}

// Load retrieves a session
func (s *Service) Load(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	filePath := s.sessionPath(id)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check if session exists: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, dao.ErrNotFound)
	}

	data, err := s.fs.DownloadWithURL(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return decode(data)
}

// Delete removes a session
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.sessionPath(id)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to check if session exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("session %s: %w", id, dao.ErrNotFound)
	}
	if err := s.fs.Delete(ctx, filePath); err != nil {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// List returns sessions matching parameters, oldest first
func (s *Service) List(ctx context.Context, parameters ...*dao.Parameter) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, err := s.fs.List(ctx, s.basePath, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("failed to list session files: %w", err)
	}

	var sessions []*session.Session
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		data, err := s.fs.Download(ctx, object)
		if err != nil {
			log.Printf(ctx, "skipping session file %s: %v", object.URL(), err)
			continue
		}
		aSession, err := decode(data)
		if err != nil {
			log.Printf(ctx, "skipping session file %s: %v", object.URL(), err)
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

func decode(data []byte) (*session.Session, error) {
	aSession := &session.Session{}
	if err := json.Unmarshal(data, aSession); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
	}
	return aSession, nil
}

func (s *Service) sessionPath(id string) string {
	return url.Join(s.basePath, fmt.Sprintf("%s.json", id))
}

// New creates a new filesystem session storage service
func New(basePath string) (*Service, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := afs.New()
	ctx := context.Background()
	exists, _ := fs.Exists(ctx, basePath)
	if !exists {
		if err := fs.Create(ctx, basePath, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}
	basePath = url.Normalize(basePath, file.Scheme)
	return &Service{
		basePath: basePath,
		fs:       fs,
	}, nil
}
