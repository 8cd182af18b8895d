// Package stream consumes a relay event stream into one growing reply.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MikeSquared-Agency/parley/internal/relay"
)

// DefaultInterval bounds how often intermediate snapshots are applied.
const DefaultInterval = 75 * time.Millisecond

// RemoteError carries the terminal error event sent by the relay.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "relay error: " + e.Message
}

type Consumer struct {
	interval time.Duration
	logger   *slog.Logger
}

func NewConsumer(interval time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{interval: interval, logger: logger}
}

// Consume reads r until the stream ends, appending each fragment in arrival
// order. apply receives the accumulated content at most once per interval,
// and always once more when Consume returns, so the last applied value is the
// returned one. After ctx is cancelled no further fragment is accumulated and
// the partial content is returned with ctx.Err().
func (c *Consumer) Consume(ctx context.Context, r io.Reader, apply func(string)) (string, error) {
	if closer, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}

	var acc strings.Builder
	throttle := c.throttle()
	finish := func(err error) (string, error) {
		content := acc.String()
		apply(content)
		return content, err
	}

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if ctx.Err() != nil {
			return finish(ctx.Err())
		}
		if line != "" {
			ev, ok := c.decode(line)
			if ok && ev.Error != "" {
				return finish(&RemoteError{Message: ev.Error})
			}
			if ok && ev.Content != "" {
				acc.WriteString(ev.Content)
				snapshot := acc.String()
				throttle(func() { apply(snapshot) })
			}
		}
		if errors.Is(err, io.EOF) {
			return finish(nil)
		}
		if err != nil {
			return finish(err)
		}
	}
}

func (c *Consumer) throttle() func(func()) {
	if c.interval <= 0 {
		return func(f func()) { f() }
	}
	s := &rate.Sometimes{Interval: c.interval}
	return s.Do
}

func (c *Consumer) decode(line string) (relay.Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return relay.Event{}, false
	}
	payload := strings.TrimSpace(line[len("data:"):])
	if payload == "" {
		return relay.Event{}, false
	}
	var ev relay.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.logger.Debug("ignoring unparseable relay line", "error", err)
		return relay.Event{}, false
	}
	return ev, true
}
