// Package sqlite is a single-file persistence backend for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/parley/internal/persist"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    title         TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS conversations_owner_updated_idx
    ON conversations (owner_id, updated_at_ms DESC);

CREATE TABLE IF NOT EXISTS messages (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    created_at_ms   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_conversation_seq_idx
    ON messages (conversation_id, seq DESC);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the database at path. path may carry a "sqlite:"
// prefix as it appears in DATABASE_URL.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimPrefix(path, "sqlite:")
	if path == "" {
		return nil, fmt.Errorf("sqlite store: empty path")
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, owner uuid.UUID, limit int) ([]persist.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, updated_at_ms
		FROM conversations
		WHERE owner_id = ?
		ORDER BY updated_at_ms DESC, rowid DESC
		LIMIT ?`,
		owner.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []persist.Conversation
	for rows.Next() {
		var (
			c         persist.Conversation
			updatedMs int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &updatedMs); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (s *Store) FetchMessages(ctx context.Context, owner, conversationID uuid.UUID, offset, limit int) ([]persist.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.created_at_ms
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = ? AND c.owner_id = ?
		ORDER BY m.seq DESC
		LIMIT ? OFFSET ?`,
		conversationID.String(), owner.String(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer rows.Close()

	var out []persist.Message
	for rows.Next() {
		var (
			m         persist.Message
			role      string
			createdMs int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &createdMs); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = persist.Role(role)
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	persist.Reverse(out)
	return out, nil
}

func (s *Store) InsertConversation(ctx context.Context, owner uuid.UUID, title string) (persist.Conversation, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	c := persist.Conversation{ID: uuid.New(), OwnerID: owner, Title: title, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_id, title, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID.String(), owner.String(), title, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return persist.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *Store) InsertMessage(ctx context.Context, owner, conversationID uuid.UUID, role persist.Role, content string, touch persist.ConversationUpdate) (persist.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persist.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().Truncate(time.Millisecond)
	m := persist.Message{ID: uuid.New(), ConversationID: conversationID, Role: role, Content: content, CreatedAt: now}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at_ms)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ? AND owner_id = ?)`,
		m.ID.String(), conversationID.String(), string(role), content, now.UnixMilli(),
		conversationID.String(), owner.String(),
	)
	if err != nil {
		return persist.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return persist.Message{}, fmt.Errorf("insert message: %w", persist.ErrNotFound)
	}

	if err := updateConversation(ctx, tx, owner, conversationID, touch); err != nil {
		return persist.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return persist.Message{}, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateConversation(ctx context.Context, owner, conversationID uuid.UUID, upd persist.ConversationUpdate) error {
	return updateConversation(ctx, s.db, owner, conversationID, upd)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateConversation(ctx context.Context, db execer, owner, conversationID uuid.UUID, upd persist.ConversationUpdate) error {
	if upd.Empty() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.UpdatedAt != nil {
		sets = append(sets, "updated_at_ms = ?")
		args = append(args, upd.UpdatedAt.UnixMilli())
	}
	args = append(args, conversationID.String(), owner.String())

	res, err := db.ExecContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE id = ? AND owner_id = ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update conversation: %w", persist.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, owner, conversationID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND owner_id = ?`,
		conversationID.String(), owner.String())
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete conversation: %w", persist.ErrNotFound)
	}
	// foreign_keys may be off on databases opened by other tools
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID.String()); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var _ persist.Repository = (*Store)(nil)
