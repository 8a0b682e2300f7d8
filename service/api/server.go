// Package api exposes the runtime over HTTP: starting agent runs, submitting
// background tasks, reading sessions and streaming session events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/viant/taskstream"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/dao"
	"github.com/viant/taskstream/service/registry"
	"github.com/viant/taskstream/service/store"
	"goa.design/clue/log"
)

// RunRequest starts an agent run or a background task
type RunRequest struct {
	WorkflowID string                 `json:"workflowId"`
	StepID     string                 `json:"stepId"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
}

// RunResponse acknowledges a started run
type RunResponse struct {
	SessionID      string         `json:"sessionId"`
	Status         session.Status `json:"status"`
	ProviderTaskID string         `json:"providerTaskId,omitempty"`
	Recovered      bool           `json:"recovered,omitempty"`
	Result         interface{}    `json:"result,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes HTTP requests to the runtime
type Server struct {
	service   *taskstream.Service
	heartbeat time.Duration
	mux       *http.ServeMux
}

// New creates a server for service
func New(service *taskstream.Service) *Server {
	ret := &Server{service: service, heartbeat: service.Config().Server.Heartbeat, mux: http.NewServeMux()}
	ret.mount()
	return ret
}

func (s *Server) mount() {
	s.mux.HandleFunc("POST /v1/agent-runs", s.startAgentRun)
	s.mux.HandleFunc("POST /v1/tasks", s.submitTask)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.getSession)
	var options []registry.HandlerOption
	if s.heartbeat > 0 {
		options = append(options, registry.WithHeartbeat(s.heartbeat))
	}
	s.mux.Handle("GET /v1/sessions/{id}/events", registry.NewHandler(s.service.Registry(), s.service.Store(), options...))
	if gatherer := s.service.Gatherer(); gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: log.HTTP(ctx)(s), ReadHeaderTimeout: time.Minute}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf(ctx, "shutting down HTTP server at %q", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) startAgentRun(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	aSession, err := s.service.Runtime().StartAgentRun(r.Context(), request.WorkflowID, request.StepID, request.Inputs)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, &RunResponse{SessionID: aSession.ID, Status: aSession.Status})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	submission, err := s.service.Runtime().SubmitTask(r.Context(), request.WorkflowID, request.StepID, request.Inputs)
	if err != nil && (submission == nil || submission.Session == nil) {
		writeError(r.Context(), w, err)
		return
	}
	aSession := submission.Session
	response := &RunResponse{
		SessionID:      aSession.ID,
		Status:         aSession.Status,
		ProviderTaskID: aSession.TaskID(),
		Recovered:      submission.Recovered,
	}
	if submission.Result != nil {
		response.Result = submission.Result.Value
	}
	status := http.StatusAccepted
	if aSession.Status.IsTerminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, response)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	aSession, err := s.service.Runtime().Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, aSession)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*RunRequest, bool) {
	request := &RunRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(request); err != nil {
		writeJSON(w, http.StatusBadRequest, &errorResponse{Error: "invalid request body: " + err.Error()})
		return nil, false
	}
	return request, true
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, dao.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, taskstream.ErrAgentUnavailable), errors.Is(err, taskstream.ErrTasksUnavailable),
		errors.Is(err, taskstream.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrTerminal), errors.Is(err, store.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error(ctx, err, log.KV{K: "msg", V: "request failed"})
	}
	writeJSON(w, status, &errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
