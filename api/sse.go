package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/meterflow/meterflow/engine/stream"
)

// sseSink writes stream frames to an HTTP response in server-sent-event
// framing: `data: <json>\n\n` records and `: ping\n\n` keep-alives, flushed
// after every write.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

// Compile-time check that sseSink implements stream.Sink.
var _ stream.Sink = (*sseSink)(nil)

// newSSESink prepares the response for streaming and returns the sink. It
// fails when the response writer cannot flush, which would buffer the stream
// indefinitely.
func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

// Send writes one data record.
func (s *sseSink) Send(ctx context.Context, f stream.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sse sink closed")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Ping writes a keep-alive comment.
func (s *sseSink) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sse sink closed")
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close marks the sink closed. Safe to call more than once; the connection
// itself is owned by the HTTP server.
func (s *sseSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
