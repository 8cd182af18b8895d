// Package generation tracks the in-flight reply of each conversation and the
// token that cancels it.
package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrActive = errors.New("a reply is already being generated for this conversation")

// Session is one in-flight assistant reply.
type Session struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	StartedAt      time.Time

	done chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	cancelled   bool
	accumulated string
}

// Cancel asks the reply to stop at its next read boundary. It is a no-op
// once the session has ended and safe to call repeatedly.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	if cancel != nil {
		s.cancelled = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel was called while the session was live.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Session) SetAccumulated(content string) {
	s.mu.Lock()
	s.accumulated = content
	s.mu.Unlock()
}

func (s *Session) Accumulated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Registry allows at most one live Session per conversation.
type Registry struct {
	mu     sync.Mutex
	active map[uuid.UUID]*Session
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[uuid.UUID]*Session)}
}

// Begin starts a session for the conversation. The returned context is
// cancelled by Session.Cancel, by Registry.Cancel, or when parent ends.
// Begin fails with ErrActive while another session is live.
func (r *Registry) Begin(parent context.Context, conversationID uuid.UUID) (*Session, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[conversationID]; ok {
		return nil, nil, ErrActive
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:             uuid.New(),
		ConversationID: conversationID,
		StartedAt:      time.Now().UTC(),
		done:           make(chan struct{}),
		cancel:         cancel,
	}
	r.active[conversationID] = s
	return s, ctx, nil
}

// End releases the session's context and frees the conversation for the
// next send. Calling End more than once is harmless.
func (r *Registry) End(s *Session) {
	r.mu.Lock()
	if r.active[s.ConversationID] == s {
		delete(r.active, s.ConversationID)
	}
	r.mu.Unlock()

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		close(s.done)
	}
}

// Cancel cancels the live session of a conversation. It reports false when
// nothing was in flight.
func (r *Registry) Cancel(conversationID uuid.UUID) bool {
	r.mu.Lock()
	s, ok := r.active[conversationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// CancelAll cancels every live session and reports how many there were.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		s.Cancel()
	}
	return len(live)
}

// Active returns the live session of a conversation, if any.
func (r *Registry) Active(conversationID uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[conversationID]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
