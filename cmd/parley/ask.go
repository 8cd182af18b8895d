package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/store"
	"github.com/MikeSquared-Agency/parley/internal/stream"
)

type askOptions struct {
	Server         string
	Token          string
	User           string
	ConversationID string
}

func newAskCmd(cfg *config.Config) *cobra.Command {
	opts := askOptions{
		Server: fmt.Sprintf("http://localhost:%d", cfg.Port),
		Token:  cfg.APIToken,
	}
	cmd := &cobra.Command{
		Use:   "ask [flags] <message>",
		Short: "Send a message to a running server and print the reply as it streams",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			c := &askClient{opts: opts, http: http.DefaultClient, interval: cfg.StreamThrottle}
			err := c.ask(ctx, strings.Join(args, " "), cmd.OutOrStdout())
			if ctx.Err() != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "\n[cancelled]")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.Server, "server", opts.Server, "parley server base URL")
	cmd.Flags().StringVar(&opts.User, "user", os.Getenv("PARLEY_USER_ID"), "user id sent as "+auth.HeaderUserID)
	cmd.Flags().StringVar(&opts.ConversationID, "conversation", "", "conversation id; a new one is created when empty")
	return cmd
}

type askClient struct {
	opts     askOptions
	http     *http.Client
	interval time.Duration
}

func (c *askClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.opts.Server, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	req.Header.Set(auth.HeaderUserID, c.opts.User)
	return c.http.Do(req)
}

func (c *askClient) ask(ctx context.Context, message string, out io.Writer) error {
	if _, err := uuid.Parse(c.opts.User); err != nil {
		return fmt.Errorf("--user must be a uuid: %w", err)
	}

	convID := c.opts.ConversationID
	if convID == "" {
		resp, err := c.do(ctx, http.MethodPost, "/api/v1/conversations", nil)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		var conv store.Conversation
		if err := decodeResponse(resp, http.StatusCreated, &conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		convID = conv.ID.String()
		slog.Debug("conversation created", "conversation_id", convID)
	}

	payload, _ := json.Marshal(map[string]string{"content": message})
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return decodeResponse(resp, http.StatusOK, nil)
	}
	defer resp.Body.Close()

	printed := 0
	consumer := stream.NewConsumer(c.interval, slog.Default())
	_, err = consumer.Consume(ctx, resp.Body, func(content string) {
		fmt.Fprint(out, content[printed:])
		printed = len(content)
	})
	fmt.Fprintln(out)
	return err
}

// decodeResponse checks the status and decodes a JSON body into v, turning
// error bodies into Go errors.
func decodeResponse(resp *http.Response, want int, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
