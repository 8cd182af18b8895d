package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/parley/internal/persist"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         UUID PRIMARY KEY,
		owner_id   UUID NOT NULL,
		title      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS conversations_owner_updated_idx
		ON conversations (owner_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq             BIGINT GENERATED ALWAYS AS IDENTITY,
		id              UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_recency_idx
		ON messages (conversation_id, created_at DESC, seq DESC)`,
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the conversations and messages tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, owner uuid.UUID, limit int) ([]persist.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, title, updated_at
		FROM conversations
		WHERE owner_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`,
		owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []persist.Conversation
	for rows.Next() {
		var c persist.Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (s *Store) FetchMessages(ctx context.Context, owner, conversationID uuid.UUID, offset, limit int) ([]persist.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = $1 AND c.owner_id = $2
		ORDER BY m.created_at DESC, m.seq DESC
		OFFSET $3 LIMIT $4`,
		conversationID, owner, offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer rows.Close()

	var out []persist.Message
	for rows.Next() {
		var (
			m    persist.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = persist.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	persist.Reverse(out)
	return out, nil
}

func (s *Store) InsertConversation(ctx context.Context, owner uuid.UUID, title string) (persist.Conversation, error) {
	c := persist.Conversation{ID: uuid.New(), OwnerID: owner, Title: title}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING updated_at`,
		c.ID, owner, title,
	).Scan(&c.UpdatedAt)
	if err != nil {
		return persist.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// InsertMessage writes a message only if the conversation belongs to owner,
// and applies touch to the conversation inside the same transaction.
func (s *Store) InsertMessage(ctx context.Context, owner, conversationID uuid.UUID, role persist.Role, content string, touch persist.ConversationUpdate) (persist.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persist.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m := persist.Message{ID: uuid.New(), ConversationID: conversationID, Role: role, Content: content}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		SELECT $1, $2, $3, $4, now()
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $2 AND owner_id = $5)
		RETURNING created_at`,
		m.ID, conversationID, string(role), content, owner,
	).Scan(&m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persist.Message{}, fmt.Errorf("insert message: %w", persist.ErrNotFound)
	}
	if err != nil {
		return persist.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := updateConversation(ctx, tx, owner, conversationID, touch); err != nil {
		return persist.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return persist.Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateConversation(ctx context.Context, owner, conversationID uuid.UUID, upd persist.ConversationUpdate) error {
	return updateConversation(ctx, s.pool, owner, conversationID, upd)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateConversation(ctx context.Context, db execer, owner, conversationID uuid.UUID, upd persist.ConversationUpdate) error {
	if upd.Empty() {
		return nil
	}
	var updatedAt *time.Time
	if upd.UpdatedAt != nil {
		t := upd.UpdatedAt.UTC()
		updatedAt = &t
	}
	tag, err := db.Exec(ctx, `
		UPDATE conversations
		SET title = COALESCE($1, title), updated_at = COALESCE($2, updated_at)
		WHERE id = $3 AND owner_id = $4`,
		upd.Title, updatedAt, conversationID, owner,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update conversation: %w", persist.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, owner, conversationID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversations WHERE id = $1 AND owner_id = $2`,
		conversationID, owner,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete conversation: %w", persist.ErrNotFound)
	}
	return nil
}

var _ persist.Repository = (*Store)(nil)
