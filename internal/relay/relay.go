// Package relay re-emits upstream fragments as a normalized event stream.
//
// Each fragment becomes one event:
//
//	data: {"content":"<fragment>"}
//
// followed by a blank line. The relay holds at most one partial record in
// memory; it never accumulates the reply.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MikeSquared-Agency/parley/internal/upstream"
)

// ErrClientGone is returned when the event stream can no longer be written.
var ErrClientGone = errors.New("relay client gone")

// Event is the wire payload of one relay event.
type Event struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Relay struct {
	logger *slog.Logger
	opts   []upstream.ParserOption
}

func New(logger *slog.Logger, opts ...upstream.ParserOption) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{logger: logger, opts: opts}
}

// Run forwards every fragment of body to w until body ends, fails, or ctx is
// cancelled, and always closes body. It returns exactly once: nil for a clean
// end of stream, ctx.Err() after cancellation, or the failure.
func (r *Relay) Run(ctx context.Context, body io.ReadCloser, w io.Writer) error {
	if body == nil {
		return upstream.ErrUnavailable
	}
	defer body.Close()

	// A blocked read only returns once the body is closed.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	opts := append([]upstream.ParserOption{upstream.WithSkipHandler(r.logSkip)}, r.opts...)
	parser := upstream.NewParser(body, opts...)

	for {
		frag, err := parser.Next()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read upstream: %w", err)
		}
		if err := WriteEvent(w, Event{Content: frag}); err != nil {
			return err
		}
	}
}

func (r *Relay) logSkip(err error) {
	r.logger.Debug("skipping upstream record", "error", err)
}

// WriteEvent writes ev as a single data event in one Write call.
func WriteEvent(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}

// WriteError writes the terminal error event of a stream.
func WriteError(w io.Writer, cause error) error {
	if _, err := io.WriteString(w, "event: error\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return WriteEvent(w, Event{Error: cause.Error()})
}
