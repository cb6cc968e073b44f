package progress

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-contrib/sse"
)

var errStreamClosed = errors.New("event stream closed")

// SSESink writes events as server-sent events and flushes after each one.
// After the first write error the sink stays closed.
type SSESink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewSSESink wraps a response writer. Callers must have written the
// event-stream headers already.
func NewSSESink(w io.Writer) *SSESink {
	s := &SSESink{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// SetHeaders prepares an HTTP response for streaming
func SetHeaders(h http.Header) {
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Content-Encoding", "identity")
	h.Set("X-Accel-Buffering", "no")
}

func (s *SSESink) Emit(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}

	if err := sse.Encode(s.w, sse.Event{Event: e.Name, Data: e.Data}); err != nil {
		s.closed = true
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Closed reports whether a write already failed
func (s *SSESink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
