package api

import (
	"net/http"

	"github.com/MikeSquared-Agency/parley/internal/relay"
)

// sseWriter commits the event-stream headers on the first write, so a handler
// can still answer with a JSON error if nothing was streamed. Every write is
// flushed.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) Write(p []byte) (int, error) {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.rc.Flush()
}

// finish reports err to the client: as a JSON error when nothing was
// streamed yet, otherwise as the terminal error event.
func (s *sseWriter) finish(srv *Server, r *http.Request, err error) {
	if !s.started {
		srv.fail(s.w, r, err)
		return
	}
	srv.logger.Warn("stream ended with error", "path", r.URL.Path, "error", err)
	_ = relay.WriteError(s, err)
}
