// Package persist defines the persisted storage contract for conversations and
// their messages. Every operation is scoped to an owner; rows belonging to a
// different owner behave as if they did not exist.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation does not exist for the owner.
var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two roles a message may carry.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Conversation struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Title     string
	UpdatedAt time.Time
}

type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           Role
	Content        string
	CreatedAt      time.Time
}

// ConversationUpdate carries the fields to change; nil fields are left alone.
type ConversationUpdate struct {
	Title     *string
	UpdatedAt *time.Time
}

// Empty reports whether the update would change nothing.
func (u ConversationUpdate) Empty() bool {
	return u.Title == nil && u.UpdatedAt == nil
}

type Repository interface {
	// ListConversations returns the owner's conversations, most recently updated first.
	ListConversations(ctx context.Context, owner uuid.UUID, limit int) ([]Conversation, error)
	// FetchMessages returns one page of a conversation's messages. Pages are
	// counted from the newest message backwards (offset 0 is the newest page)
	// and each page is returned in chronological order.
	FetchMessages(ctx context.Context, owner, conversationID uuid.UUID, offset, limit int) ([]Message, error)
	InsertConversation(ctx context.Context, owner uuid.UUID, title string) (Conversation, error)
	// InsertMessage writes a message and applies touch to its conversation in
	// one atomic step. Either both writes land or neither does.
	InsertMessage(ctx context.Context, owner, conversationID uuid.UUID, role Role, content string, touch ConversationUpdate) (Message, error)
	UpdateConversation(ctx context.Context, owner, conversationID uuid.UUID, upd ConversationUpdate) error
	// DeleteConversation removes the conversation and, by cascade, its messages.
	DeleteConversation(ctx context.Context, owner, conversationID uuid.UUID) error
	Close()
}

// Reverse flips a newest-first page into chronological order in place.
func Reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
