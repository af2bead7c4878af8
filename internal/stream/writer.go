package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Sink receives encoded protocol events for one run.
type Sink interface {
	Send(rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec Record) error

func (f SinkFunc) Send(rec Record) error {
	if f == nil {
		return nil
	}
	return f(rec)
}

// SSEWriter writes records as server-sent events.
type SSEWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

// NewSSEWriter prepares w for an event stream and writes the headers.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	if w == nil {
		return nil, errors.New("nil response writer")
	}
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSEWriter{w: w, f: f}, nil
}

// Send writes one named event frame and flushes it.
func (s *SSEWriter) Send(rec Record) error {
	if s == nil || s.w == nil {
		return errors.New("sse writer not initialized")
	}
	data := rec.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", rec.Event, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Comment writes an SSE comment line, used as a keepalive.
func (s *SSEWriter) Comment(text string) error {
	if s == nil || s.w == nil {
		return errors.New("sse writer not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
