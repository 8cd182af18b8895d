// Package memory keeps conversations in process memory. It backs
// DATABASE_URL=memory and the tests of the packages above persist.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/parley/internal/persist"
)

type Store struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*persist.Conversation
	messages      map[uuid.UUID][]persist.Message
	now           func() time.Time
}

func New() *Store {
	return &Store{
		conversations: make(map[uuid.UUID]*persist.Conversation),
		messages:      make(map[uuid.UUID][]persist.Message),
		now:           time.Now,
	}
}

// WithClock replaces the time source used for created and updated stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() {}

func (s *Store) ListConversations(_ context.Context, owner uuid.UUID, limit int) ([]persist.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []persist.Conversation
	for _, c := range s.conversations {
		if c.OwnerID == owner {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FetchMessages(_ context.Context, owner, conversationID uuid.UUID, offset, limit int) ([]persist.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ownsLocked(owner, conversationID) {
		return nil, nil
	}
	all := s.messages[conversationID]
	end := len(all) - offset
	if end <= 0 || limit <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]persist.Message, end-start)
	copy(page, all[start:end])
	return page, nil
}

func (s *Store) InsertConversation(_ context.Context, owner uuid.UUID, title string) (persist.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := persist.Conversation{ID: uuid.New(), OwnerID: owner, Title: title, UpdatedAt: s.now().UTC()}
	s.conversations[c.ID] = &c
	return c, nil
}

func (s *Store) InsertMessage(_ context.Context, owner, conversationID uuid.UUID, role persist.Role, content string, touch persist.ConversationUpdate) (persist.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ownsLocked(owner, conversationID) {
		return persist.Message{}, fmt.Errorf("insert message: %w", persist.ErrNotFound)
	}
	m := persist.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	s.applyLocked(conversationID, touch)
	return m, nil
}

func (s *Store) UpdateConversation(_ context.Context, owner, conversationID uuid.UUID, upd persist.ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ownsLocked(owner, conversationID) {
		return fmt.Errorf("update conversation: %w", persist.ErrNotFound)
	}
	s.applyLocked(conversationID, upd)
	return nil
}

func (s *Store) applyLocked(conversationID uuid.UUID, upd persist.ConversationUpdate) {
	c := s.conversations[conversationID]
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.UpdatedAt != nil {
		c.UpdatedAt = upd.UpdatedAt.UTC()
	}
}

func (s *Store) DeleteConversation(_ context.Context, owner, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ownsLocked(owner, conversationID) {
		return fmt.Errorf("delete conversation: %w", persist.ErrNotFound)
	}
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	return nil
}

// MessageCount reports how many messages are stored for a conversation.
func (s *Store) MessageCount(conversationID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID])
}

func (s *Store) ownsLocked(owner, conversationID uuid.UUID) bool {
	c, ok := s.conversations[conversationID]
	return ok && c.OwnerID == owner
}

var _ persist.Repository = (*Store)(nil)
