// Package chat runs a user send end to end: the optimistic store updates, the
// upstream request, the relay to the client and the final commit.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/parley/internal/events"
	"github.com/MikeSquared-Agency/parley/internal/generation"
	"github.com/MikeSquared-Agency/parley/internal/persist"
	"github.com/MikeSquared-Agency/parley/internal/relay"
	"github.com/MikeSquared-Agency/parley/internal/store"
	"github.com/MikeSquared-Agency/parley/internal/stream"
	"github.com/MikeSquared-Agency/parley/internal/upstream"
	"github.com/MikeSquared-Agency/parley/internal/window"
)

// ErrEmptyReply is returned when the upstream stream ended without content.
var ErrEmptyReply = errors.New("upstream produced no content")

// Opener starts a streamed generation.
type Opener interface {
	Open(ctx context.Context, messages []upstream.Message) (io.ReadCloser, error)
}

type Options struct {
	// ContextMessages caps how many window messages are sent upstream.
	ContextMessages int
	// PersistPartial stores the partial reply of a cancelled generation.
	PersistPartial bool
	Throttle       time.Duration
	// ParserOptions configure how upstream records are decoded.
	ParserOptions []upstream.ParserOption
}

type Service struct {
	opener   Opener
	relay    *relay.Relay
	consumer *stream.Consumer
	registry *generation.Registry
	window   *window.Manager
	events   events.Publisher
	opts     Options
	logger   *slog.Logger
}

func NewService(opener Opener, reg *generation.Registry, win *window.Manager, pub events.Publisher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if opts.ContextMessages <= 0 {
		opts.ContextMessages = 20
	}
	return &Service{
		opener:   opener,
		relay:    relay.New(logger, opts.ParserOptions...),
		consumer: stream.NewConsumer(opts.Throttle, logger),
		registry: reg,
		window:   win,
		events:   pub,
		opts:     opts,
		logger:   logger,
	}
}

// Result describes how a generation ended.
type Result struct {
	SessionID uuid.UUID     `json:"session_id"`
	Message   store.Message `json:"message"`
	Cancelled bool          `json:"cancelled"`
	Persisted bool          `json:"persisted"`
}

// Send appends the user's message, streams the reply into a placeholder and
// commits it. Relay events are also written to out, which may be nil.
//
// A cancelled generation is not an error: Result.Cancelled is set and the
// partial reply is kept. Send never writes error events; a caller that has
// already streamed events to its client terminates the stream itself.
func (s *Service) Send(ctx context.Context, st *store.Store, conversationID uuid.UUID, content string, out io.Writer) (Result, error) {
	if strings.TrimSpace(content) == "" {
		return Result{}, store.ErrEmptyContent
	}
	if out == nil {
		out = io.Discard
	}
	if _, err := st.Get(conversationID); err != nil {
		return Result{}, err
	}

	sess, gctx, err := s.registry.Begin(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	defer s.registry.End(sess)
	log := s.logger.With("conversation_id", conversationID, "session_id", sess.ID)

	userMsg, err := st.AppendMessage(ctx, conversationID, persist.RoleUser, content)
	if err != nil {
		return Result{}, fmt.Errorf("append user message: %w", err)
	}
	s.publish(events.SubjectMessageAppended, events.MessageEvent{
		OwnerID:        st.Owner(),
		ConversationID: conversationID,
		MessageID:      userMsg.ID,
		Role:           string(userMsg.Role),
		Length:         len(userMsg.Content),
		At:             userMsg.CreatedAt,
	})

	conv, err := st.Get(conversationID)
	if err != nil {
		return Result{}, err
	}
	history := contextWindow(conv.Messages, s.opts.ContextMessages)

	if _, err := st.AppendPlaceholder(conversationID); err != nil {
		return Result{}, err
	}

	body, err := s.opener.Open(gctx, history)
	if err != nil {
		st.ReleasePlaceholder(conversationID)
		if gctx.Err() != nil {
			return s.finishCancelled(ctx, st, sess, "", log)
		}
		log.Warn("upstream unavailable", "error", err)
		return Result{SessionID: sess.ID}, err
	}

	pr, pw := io.Pipe()
	relayDone := make(chan error, 1)
	go func() {
		err := s.relay.Run(gctx, body, io.MultiWriter(pw, out))
		_ = pw.CloseWithError(err)
		relayDone <- err
	}()

	accumulated, consumeErr := s.consumer.Consume(gctx, pr, func(c string) {
		sess.SetAccumulated(c)
		if err := st.UpdateLocalOnly(conversationID, c); err != nil {
			log.Debug("local update skipped", "error", err)
		}
	})
	_ = pr.Close()
	relayErr := <-relayDone

	if consumeErr != nil || relayErr != nil {
		if sess.Cancelled() || gctx.Err() != nil || errors.Is(relayErr, relay.ErrClientGone) {
			return s.finishCancelled(ctx, st, sess, accumulated, log)
		}
		failure := relayErr
		if failure == nil {
			failure = consumeErr
		}
		log.Warn("generation failed", "error", failure, "partial_length", len(accumulated))
		return s.settleFailed(ctx, st, sess, accumulated, log), failure
	}
	if accumulated == "" {
		st.ReleasePlaceholder(conversationID)
		return Result{SessionID: sess.ID}, ErrEmptyReply
	}

	msg, err := st.CommitPlaceholder(context.WithoutCancel(ctx), conversationID)
	if err != nil {
		st.DiscardPlaceholder(conversationID)
		log.Error("commit reply", "error", err)
		return Result{SessionID: sess.ID}, fmt.Errorf("commit reply: %w", err)
	}

	s.publish(events.SubjectGenerationCompleted, events.GenerationEvent{
		OwnerID:        st.Owner(),
		ConversationID: conversationID,
		SessionID:      sess.ID,
		Length:         len(msg.Content),
		Persisted:      true,
		DurationMs:     time.Since(sess.StartedAt).Milliseconds(),
	})
	log.Info("generation completed", "length", len(msg.Content))
	return Result{SessionID: sess.ID, Message: msg, Persisted: true}, nil
}

// finishCancelled settles the placeholder of a cancelled generation. The
// partial reply is committed when configured to, otherwise kept locally.
func (s *Service) finishCancelled(ctx context.Context, st *store.Store, sess *generation.Session, partial string, log *slog.Logger) (Result, error) {
	id := sess.ConversationID
	res := Result{SessionID: sess.ID, Cancelled: true}

	if partial != "" && s.opts.PersistPartial {
		msg, err := st.CommitPlaceholder(context.WithoutCancel(ctx), id)
		if err == nil {
			res.Message = msg
			res.Persisted = true
		} else {
			log.Warn("persist partial reply", "error", err)
		}
	}
	if !res.Persisted {
		if conv, err := st.Get(id); err == nil && len(conv.Messages) > 0 {
			if last := conv.Messages[len(conv.Messages)-1]; last.Streaming {
				res.Message = last
				res.Message.Streaming = false
			}
		}
		st.ReleasePlaceholder(id)
	}

	s.publish(events.SubjectGenerationCancelled, events.GenerationEvent{
		OwnerID:        st.Owner(),
		ConversationID: id,
		SessionID:      sess.ID,
		Length:         len(partial),
		Persisted:      res.Persisted,
		DurationMs:     time.Since(sess.StartedAt).Milliseconds(),
	})
	log.Info("generation cancelled", "partial_length", len(partial), "persisted", res.Persisted)
	return res, nil
}

// settleFailed resolves the placeholder of a generation that failed upstream.
// A partial reply is committed when configured to; anything not committed is
// dropped so no unpersisted message is left behind later appends.
func (s *Service) settleFailed(ctx context.Context, st *store.Store, sess *generation.Session, partial string, log *slog.Logger) Result {
	id := sess.ConversationID
	res := Result{SessionID: sess.ID}
	if partial != "" && s.opts.PersistPartial {
		msg, err := st.CommitPlaceholder(context.WithoutCancel(ctx), id)
		if err == nil {
			res.Message = msg
			res.Persisted = true
			return res
		}
		log.Warn("persist partial reply", "error", err)
	}
	st.DiscardPlaceholder(id)
	return res
}

// Relay streams a one-off generation for messages straight to w without
// touching any conversation.
func (s *Service) Relay(ctx context.Context, messages []upstream.Message, w io.Writer) error {
	body, err := s.opener.Open(ctx, messages)
	if err != nil {
		return err
	}
	return s.relay.Run(ctx, body, w)
}

// Active reports the number of generations in flight.
func (s *Service) Active() int {
	return s.registry.Len()
}

// Cancel stops the in-flight generation of a conversation. It reports false
// when there was none.
func (s *Service) Cancel(conversationID uuid.UUID) bool {
	return s.registry.Cancel(conversationID)
}

func (s *Service) Create(ctx context.Context, st *store.Store) (store.Conversation, error) {
	conv, err := st.Create(ctx)
	if err != nil {
		return store.Conversation{}, err
	}
	s.publish(events.SubjectConversationCreated, events.ConversationEvent{
		OwnerID:        st.Owner(),
		ConversationID: conv.ID,
		Title:          conv.Title,
		At:             conv.UpdatedAt,
	})
	return conv, nil
}

// Delete cancels any generation of the conversation before deleting it.
func (s *Service) Delete(ctx context.Context, st *store.Store, conversationID uuid.UUID) error {
	if _, err := st.Get(conversationID); err != nil {
		return err
	}
	if sess, ok := s.registry.Active(conversationID); ok {
		sess.Cancel()
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := st.Delete(ctx, conversationID); err != nil {
		return err
	}
	s.publish(events.SubjectConversationDeleted, events.ConversationEvent{
		OwnerID:        st.Owner(),
		ConversationID: conversationID,
		At:             time.Now().UTC(),
	})
	return nil
}

func (s *Service) LoadOlder(ctx context.Context, st *store.Store, conversationID uuid.UUID) (window.Result, error) {
	return s.window.LoadOlder(ctx, st, conversationID)
}

func (s *Service) publish(subject string, data any) {
	if err := s.events.Publish(subject, data); err != nil {
		s.logger.Warn("publish event", "subject", subject, "error", err)
	}
}

// contextWindow returns the trailing settled messages sent upstream with a
// new generation. Streaming and empty messages are left out.
func contextWindow(msgs []store.Message, limit int) []upstream.Message {
	out := make([]upstream.Message, 0, min(len(msgs), limit))
	for _, m := range msgs {
		if m.Streaming || m.Content == "" {
			continue
		}
		out = append(out, upstream.Message{Role: string(m.Role), Content: m.Content})
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
