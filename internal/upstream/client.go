package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrUnavailable means the generation backend produced no readable body.
var ErrUnavailable = errors.New("upstream unavailable")

type Client struct {
	url        string
	apiKey     string
	model      string
	cumulative bool
	client     *http.Client
}

// NewClient builds a client for a DashScope-compatible text-generation
// endpoint. The http.Client has no overall timeout; a reply streams for as
// long as the caller's context allows.
func NewClient(url, apiKey, model string) *Client {
	return &Client{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{},
	}
}

// WithCumulativeOutput asks the backend to send the running total of the
// reply in every record instead of the increment.
func (c *Client) WithCumulativeOutput() *Client {
	c.cumulative = true
	return c
}

// ParserOptions returns the parser options matching the output mode the
// client requests.
func (c *Client) ParserOptions() []ParserOption {
	if c.cumulative {
		return []ParserOption{WithCumulative()}
	}
	return nil
}

func (c *Client) Model() string { return c.model }

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model      string     `json:"model"`
	Input      input      `json:"input"`
	Parameters parameters `json:"parameters"`
}

type input struct {
	Messages []Message `json:"messages"`
}

type parameters struct {
	ResultFormat      string `json:"result_format"`
	IncrementalOutput bool   `json:"incremental_output"`
}

// Open starts a streamed generation and returns the raw event body. The body
// is bound to ctx: cancelling ctx aborts the connection.
func (c *Client) Open(ctx context.Context, messages []Message) (io.ReadCloser, error) {
	body, err := json.Marshal(request{
		Model: c.model,
		Input: input{Messages: messages},
		Parameters: parameters{
			ResultFormat:      "message",
			IncrementalOutput: !c.cumulative,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-DashScope-SSE", "enable")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("%w: empty body", ErrUnavailable)
	}
	return resp.Body, nil
}
