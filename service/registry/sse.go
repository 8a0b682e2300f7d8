package registry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/viant/taskstream/model/event"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao"
	"goa.design/clue/log"
)

var errSinkClosed = errors.New("registry: sink closed")

// Snapshotter loads the authoritative session state sent on connect
type Snapshotter interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// httpSink writes frames to a response and flushes them immediately
type httpSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	failed  chan struct{}
	once    sync.Once
	closed  bool
}

func (s *httpSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSinkClosed
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.once.Do(func() { close(s.failed) })
		return n, err
	}
	s.flusher.Flush()
	return n, nil
}

// Handler streams session events over server-sent events
type Handler struct {
	registry  *Registry
	sessions  Snapshotter
	heartbeat time.Duration
	idParam   func(r *http.Request) string
}

// HandlerOption customises Handler
type HandlerOption func(h *Handler)

// WithHeartbeat sets the keep-alive comment interval
func WithHeartbeat(interval time.Duration) HandlerOption {
	return func(h *Handler) { h.heartbeat = interval }
}

// WithIDParam sets how the session id is read from the request
func WithIDParam(fn func(r *http.Request) string) HandlerOption {
	return func(h *Handler) { h.idParam = fn }
}

// NewHandler creates an SSE handler; by default the session id is the "id" path value.
func NewHandler(registry *Registry, sessions Snapshotter, opts ...HandlerOption) *Handler {
	ret := &Handler{
		registry:  registry,
		sessions:  sessions,
		heartbeat: 15 * time.Second,
		idParam:   func(r *http.Request) string { return r.PathValue("id") },
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// close stops further writes; the response writer is invalid once ServeHTTP returns
func (s *httpSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// ServeHTTP registers the connection as the session sink, sends a snapshot
// event and holds the stream open until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := h.idParam(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	aSession, err := h.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &httpSink{w: w, flusher: flusher, failed: make(chan struct{})}
	defer sink.close()
	h.registry.Register(id, sink)
	defer h.registry.UnregisterSink(id, sink)
	log.Debugf(ctx, "client connected to session %s", id)
	h.registry.Push(ctx, id, event.NewSnapshot(aSession))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.failed:
			return
		case <-ticker.C:
			if _, err := sink.Write([]byte(": ping\n\n")); err != nil {
				return
			}
		}
	}
}
