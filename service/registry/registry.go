// Package registry keeps the process-local map from session id to a live
// delivery sink and pushes events to it on a best-effort, at-most-once basis.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/viant/taskstream/service/metrics"
	"goa.design/clue/log"
)

// Push outcomes recorded in metrics
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

// Sink is a write-capable endpoint representing one live client connection
type Sink interface {
	Write(p []byte) (int, error)
}

type entry struct {
	sink Sink
}

// Registry maps session ids to sinks. Events for an id without a sink are
// dropped; there is no buffering or replay, clients resynchronise from the
// session store.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	metrics *metrics.Metrics
}

// Option customises Registry
type Option func(r *Registry)

// WithMetrics sets metrics collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	ret := &Registry{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Register sets the sink for id, replacing any prior sink without closing it.
func (r *Registry) Register(id string, sink Sink) {
	r.mu.Lock()
	r.entries[id] = &entry{sink: sink}
	size := len(r.entries)
	r.mu.Unlock()
	r.metrics.SetConnections(size)
}

// Unregister removes the sink for id; unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	size := len(r.entries)
	r.mu.Unlock()
	r.metrics.SetConnections(size)
}

// UnregisterSink removes the entry for id only when sink is still the
// registered one, so a replaced connection cannot evict its successor.
// sink must be comparable (typically a pointer).
func (r *Registry) UnregisterSink(id string, sink Sink) bool {
	r.mu.Lock()
	current, ok := r.entries[id]
	removed := ok && current.sink == sink
	if removed {
		delete(r.entries, id)
	}
	size := len(r.entries)
	r.mu.Unlock()
	r.metrics.SetConnections(size)
	return removed
}

// Has returns true when id has a registered sink
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns number of registered sinks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Push serialises payload as a `data: <json>\n\n` frame and writes it to the
// sink registered for id. It never fails: a missing sink drops the event, a
// failing sink is deregistered and the event dropped. It reports delivery.
func (r *Registry) Push(ctx context.Context, id string, payload interface{}) bool {
	r.mu.RLock()
	current, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		r.metrics.Push(OutcomeDropped)
		return false
	}
	frame, err := Frame(payload)
	if err != nil {
		log.Printf(ctx, "dropping event for session %s: %v", id, err)
		r.metrics.Push(OutcomeDropped)
		return false
	}
	if err = write(current.sink, frame); err != nil {
		r.mu.Lock()
		if r.entries[id] == current {
			delete(r.entries, id)
		}
		size := len(r.entries)
		r.mu.Unlock()
		r.metrics.SetConnections(size)
		r.metrics.Push(OutcomeFailed)
		log.Warn(ctx, log.KV{K: "msg", V: "sink write failed, deregistered"}, log.KV{K: "session", V: id}, log.KV{K: "err", V: err.Error()})
		return false
	}
	r.metrics.Push(OutcomeDelivered)
	return true
}

func write(sink Sink, frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	_, err = sink.Write(frame)
	return err
}

// Frame encodes payload as a server-sent event data frame
func Frame(payload interface{}) ([]byte, error) {
	var data []byte
	switch actual := payload.(type) {
	case json.RawMessage:
		data = actual
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}
