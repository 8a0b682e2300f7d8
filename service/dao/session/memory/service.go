package memory

import (
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao"
	"github.com/viant/taskstream/service/dao/criteria"
	"github.com/viant/taskstream/service/dao/store"
)

// Service implements an in-memory, thread-safe session store.  All API
// methods work with copies to eliminate data races between goroutines.
type Service struct {
	*store.MemoryStore[string, session.Session]
}

var _ dao.Service[string, session.Session] = (*Service)(nil)

// New creates an in-memory session DAO
func New() *Service {
	return &Service{
		MemoryStore: store.NewMemoryStore[string, session.Session](
			func(s *session.Session) string { return s.ID },
			store.WithClone[string, session.Session]((*session.Session).Clone),
			store.WithMatcher[string, session.Session](criteria.Match),
			store.WithOrder[string, session.Session](ByStartedAt),
		),
	}
}

// ByStartedAt orders sessions oldest first, breaking ties on version.
func ByStartedAt(a, b *session.Session) bool {
	if a.StartedAt.Equal(b.StartedAt) {
		return a.Version < b.Version
	}
	return a.StartedAt.Before(b.StartedAt)
}
