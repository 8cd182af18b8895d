// Package events publishes conversation lifecycle events over NATS and
// accepts remote cancellation requests.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	SubjectConversationCreated = "parley.conversation.created"
	SubjectConversationDeleted = "parley.conversation.deleted"
	SubjectMessageAppended     = "parley.message.appended"
	SubjectGenerationCompleted = "parley.generation.completed"
	SubjectGenerationCancelled = "parley.generation.cancelled"
	// SubjectGenerationCancel carries CancelRequest from other instances.
	SubjectGenerationCancel = "parley.generation.cancel"
)

type ConversationEvent struct {
	OwnerID        uuid.UUID `json:"owner_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	At             time.Time `json:"at"`
}

type MessageEvent struct {
	OwnerID        uuid.UUID `json:"owner_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Role           string    `json:"role"`
	Length         int       `json:"length"`
	At             time.Time `json:"at"`
}

type GenerationEvent struct {
	OwnerID        uuid.UUID `json:"owner_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SessionID      uuid.UUID `json:"session_id"`
	Length         int       `json:"length"`
	Persisted      bool      `json:"persisted"`
	DurationMs     int64     `json:"duration_ms"`
}

type CancelRequest struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// Publisher is satisfied by *Client and Nop.
type Publisher interface {
	Publish(subject string, data any) error
}

// Nop discards events. It is used when NATS_URL is unset.
type Nop struct{}

func (Nop) Publish(string, any) error { return nil }

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("parley"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}

// Canceller stops the active generation of a conversation.
type Canceller interface {
	Cancel(conversationID uuid.UUID) bool
}

// CancelHandler returns a subscription handler that applies CancelRequests.
// Requests for conversations without a local generation are ignored.
func CancelHandler(c Canceller, logger *slog.Logger) func(subject string, data []byte) {
	return func(subject string, data []byte) {
		var req CancelRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("bad cancel request", "subject", subject, "error", err)
			return
		}
		if req.ConversationID == uuid.Nil {
			logger.Warn("cancel request without conversation_id", "subject", subject)
			return
		}
		if c.Cancel(req.ConversationID) {
			logger.Info("generation cancelled remotely", "conversation_id", req.ConversationID)
		}
	}
}
