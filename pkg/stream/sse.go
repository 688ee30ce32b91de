package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Sender writes server-sent events to one chat response. The client
// consumes the same event shapes for synthetic and real model turns.
type Sender struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	closed  bool
}

func NewSender(w http.ResponseWriter) *Sender {
	flusher, _ := w.(http.Flusher)
	return &Sender{w: w, flusher: flusher}
}

// Send emits one event as a `data:` frame. Headers are written lazily on
// the first event so error paths can still switch to a plain response.
func (s *Sender) Send(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", raw); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Started reports whether any frame has been written. Once true, the
// response is committed as an event stream.
func (s *Sender) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Close terminates the stream. Further sends fail.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// CreatedEvent is the first chat stream frame: the persisted-or-pending
// user message echoed back to the client.
func CreatedEvent(message any) map[string]any {
	return map[string]any{"message": message, "created": true}
}

// FinalEvent is the closing chat stream frame carrying the full turn.
func FinalEvent(conversation, requestMessage, responseMessage any) map[string]any {
	return map[string]any{
		"final":           true,
		"conversation":    conversation,
		"requestMessage":  requestMessage,
		"responseMessage": responseMessage,
	}
}
