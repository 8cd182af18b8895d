// Package store holds the in-memory view of one owner's conversations and
// reconciles it with persisted storage.
//
// Persisted mutations are write-then-reflect: the repository write happens
// first and local state changes only once it succeeds. The streaming reply
// placeholder is the one exception; it is updated locally while fragments
// arrive and persisted once with CommitPlaceholder.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/parley/internal/persist"
)

const DefaultTitle = "New chat"

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNoPlaceholder       = errors.New("no streaming reply in conversation")
	ErrPlaceholderActive   = errors.New("conversation already has a streaming reply")
	ErrEmptyContent        = errors.New("message content is empty")
)

// PersistenceError reports a failed repository call. Local state is left as
// it was before the operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type Message struct {
	ID        uuid.UUID    `json:"id"`
	Role      persist.Role `json:"role"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	// Persisted is false for a reply that is still streaming or was kept
	// locally after cancellation.
	Persisted bool `json:"persisted"`
	Streaming bool `json:"streaming,omitempty"`
}

// Conversation is a window over a conversation's history: a contiguous,
// chronological suffix of the persisted messages plus at most one local tail.
type Conversation struct {
	ID                   uuid.UUID `json:"id"`
	Title                string    `json:"title"`
	Messages             []Message `json:"messages"`
	UpdatedAt            time.Time `json:"updated_at"`
	HasMoreOlderMessages bool      `json:"has_more_older_messages"`
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = slices.Clone(c.Messages)
	return out
}

func (c *Conversation) persistedCount() int {
	n := 0
	for _, m := range c.Messages {
		if m.Persisted {
			n++
		}
	}
	return n
}

func (c *Conversation) streamingTail() (int, bool) {
	if n := len(c.Messages); n > 0 && c.Messages[n-1].Streaming {
		return n - 1, true
	}
	return 0, false
}

// empty reports whether the conversation has no history at all, loaded or not.
func (c *Conversation) empty() bool {
	return c.persistedCount() == 0 && !c.HasMoreOlderMessages
}

type Options struct {
	PageSize          int
	ConversationLimit int
	TitleLength       int
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 10
	}
	if o.ConversationLimit <= 0 {
		o.ConversationLimit = 50
	}
	if o.TitleLength <= 0 {
		o.TitleLength = 20
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is the single owner of one user's loaded conversations.
type Store struct {
	repo   persist.Repository
	owner  uuid.UUID
	opts   Options
	logger *slog.Logger

	mu            sync.RWMutex
	conversations []*Conversation // updatedAt descending
	current       uuid.UUID

	loadMu sync.Mutex
	loaded bool

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func New(repo persist.Repository, owner uuid.UUID, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:   repo,
		owner:  owner,
		opts:   opts.withDefaults(),
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Store) Owner() uuid.UUID { return s.owner }

// lockFor returns the mutex serializing persistence writes for one conversation.
func (s *Store) lockFor(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// Load replaces local state with the owner's most recent conversations, each
// with its newest page of messages.
func (s *Store) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.load(ctx)
}

// EnsureLoaded runs Load once; a failed load is retried on the next call.
// Concurrent callers wait for the first load instead of starting their own.
func (s *Store) EnsureLoaded(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.loaded {
		return nil
	}
	return s.load(ctx)
}

// load must be called with loadMu held.
func (s *Store) load(ctx context.Context) error {
	convs, err := s.repo.ListConversations(ctx, s.owner, s.opts.ConversationLimit)
	if err != nil {
		return &PersistenceError{Op: "list conversations", Err: err}
	}

	pages := make([][]persist.Message, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, c := range convs {
		g.Go(func() error {
			msgs, err := s.repo.FetchMessages(gctx, s.owner, c.ID, 0, s.opts.PageSize)
			if err != nil {
				return fmt.Errorf("conversation %s: %w", c.ID, err)
			}
			pages[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &PersistenceError{Op: "fetch messages", Err: err}
	}

	next := make([]*Conversation, 0, len(convs))
	for i, c := range convs {
		conv := &Conversation{
			ID:                   c.ID,
			Title:                c.Title,
			UpdatedAt:            c.UpdatedAt,
			HasMoreOlderMessages: len(pages[i]) == s.opts.PageSize,
		}
		for _, m := range pages[i] {
			conv.Messages = append(conv.Messages, fromPersisted(m))
		}
		next = append(next, conv)
	}

	s.mu.Lock()
	s.conversations = next
	if s.indexLocked(s.current) < 0 {
		s.current = uuid.Nil
		if len(next) > 0 {
			s.current = next[0].ID
		}
	}
	s.mu.Unlock()
	s.loaded = true

	s.logger.Debug("conversations loaded", "owner", s.owner, "count", len(next))
	return nil
}

// Create persists a new empty conversation, then places it at the head and
// makes it current.
func (s *Store) Create(ctx context.Context) (Conversation, error) {
	pc, err := s.repo.InsertConversation(ctx, s.owner, DefaultTitle)
	if err != nil {
		return Conversation{}, &PersistenceError{Op: "insert conversation", Err: err}
	}
	conv := &Conversation{ID: pc.ID, Title: pc.Title, UpdatedAt: pc.UpdatedAt}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append([]*Conversation{conv}, s.conversations...)
	s.current = conv.ID
	return conv.clone(), nil
}

// AppendMessage persists a message and reflects it locally. The first message
// of an empty conversation also sets its title. The conversation moves to the
// head of the set.
func (s *Store) AppendMessage(ctx context.Context, id uuid.UUID, role persist.Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("append message: invalid role %q", role)
	}
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	conv := s.findLocked(id)
	var setTitle bool
	if conv != nil {
		setTitle = conv.empty()
	}
	s.mu.RUnlock()
	if conv == nil {
		return Message{}, ErrUnknownConversation
	}

	msg, title, updatedAt, err := s.persist(ctx, id, role, content, setTitle)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv = s.findLocked(id)
	if conv == nil {
		return msg, nil
	}
	if i, ok := conv.streamingTail(); ok {
		conv.Messages = slices.Insert(conv.Messages, i, msg)
	} else {
		conv.Messages = append(conv.Messages, msg)
	}
	s.touchLocked(conv, title, updatedAt)
	return msg, nil
}

func (s *Store) persist(ctx context.Context, id uuid.UUID, role persist.Role, content string, setTitle bool) (Message, string, time.Time, error) {
	now := s.opts.Now()
	touch := persist.ConversationUpdate{UpdatedAt: &now}
	var title string
	if setTitle {
		title = makeTitle(content, s.opts.TitleLength)
		if title != "" {
			touch.Title = &title
		}
	}
	pm, err := s.repo.InsertMessage(ctx, s.owner, id, role, content, touch)
	if err != nil {
		return Message{}, "", time.Time{}, &PersistenceError{Op: "insert message", Err: err}
	}
	return fromPersisted(pm), title, now, nil
}

// touchLocked applies a title and timestamp change and moves conv to the head.
func (s *Store) touchLocked(conv *Conversation, title string, updatedAt time.Time) {
	if title != "" {
		conv.Title = title
	}
	conv.UpdatedAt = updatedAt
	i := s.indexLocked(conv.ID)
	if i > 0 {
		s.conversations = slices.Delete(s.conversations, i, i+1)
		s.conversations = slices.Insert(s.conversations, 0, conv)
	}
}

// AppendPlaceholder adds an empty streaming assistant message to the window.
// It is never persisted on its own.
func (s *Store) AppendPlaceholder(id uuid.UUID) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return Message{}, ErrUnknownConversation
	}
	if _, ok := conv.streamingTail(); ok {
		return Message{}, ErrPlaceholderActive
	}
	m := Message{
		ID:        uuid.New(),
		Role:      persist.RoleAssistant,
		CreatedAt: s.opts.Now(),
		Streaming: true,
	}
	conv.Messages = append(conv.Messages, m)
	return m, nil
}

// UpdateLocalOnly replaces the content of the streaming reply without
// touching storage.
func (s *Store) UpdateLocalOnly(id uuid.UUID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return ErrUnknownConversation
	}
	i, ok := conv.streamingTail()
	if !ok {
		return ErrNoPlaceholder
	}
	conv.Messages[i].Content = content
	return nil
}

// CommitPlaceholder persists the streaming reply with its current content and
// replaces it in the window with the stored message.
func (s *Store) CommitPlaceholder(ctx context.Context, id uuid.UUID) (Message, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	content, setTitle, err := s.placeholderContent(id)
	if err != nil {
		return Message{}, err
	}
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	msg, title, updatedAt, err := s.persist(ctx, id, persist.RoleAssistant, content, setTitle)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return msg, nil
	}
	if i, ok := conv.streamingTail(); ok {
		conv.Messages[i] = msg
	} else {
		conv.Messages = append(conv.Messages, msg)
	}
	s.touchLocked(conv, title, updatedAt)
	return msg, nil
}

func (s *Store) placeholderContent(id uuid.UUID) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.findLocked(id)
	if conv == nil {
		return "", false, ErrUnknownConversation
	}
	i, ok := conv.streamingTail()
	if !ok {
		return "", false, ErrNoPlaceholder
	}
	return conv.Messages[i].Content, conv.empty(), nil
}

// ReleasePlaceholder ends the streaming state without persisting. An empty
// reply is dropped; a partial one stays in the window as a local message.
func (s *Store) ReleasePlaceholder(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return
	}
	i, ok := conv.streamingTail()
	if !ok {
		return
	}
	if conv.Messages[i].Content == "" {
		conv.Messages = conv.Messages[:i]
		return
	}
	conv.Messages[i].Streaming = false
}

// DiscardPlaceholder drops the streaming reply from the window whatever its
// content.
func (s *Store) DiscardPlaceholder(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return
	}
	if i, ok := conv.streamingTail(); ok {
		conv.Messages = conv.Messages[:i]
	}
}

// Delete removes the conversation from storage and then from the set. When the
// current conversation is deleted the head becomes current, or a fresh
// conversation is created if none remain.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	lock := s.lockFor(id)
	lock.Lock()
	err := s.repo.DeleteConversation(ctx, s.owner, id)
	lock.Unlock()
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return &PersistenceError{Op: "delete conversation", Err: err}
	}

	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.conversations = slices.Delete(s.conversations, i, i+1)
	}
	needFresh := false
	if s.current == id {
		s.current = uuid.Nil
		if len(s.conversations) > 0 {
			s.current = s.conversations[0].ID
		} else {
			needFresh = true
		}
	}
	s.mu.Unlock()

	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()

	if needFresh {
		if _, err := s.Create(ctx); err != nil {
			return fmt.Errorf("replace deleted conversation: %w", err)
		}
	}
	return nil
}

// Select makes id the current conversation.
func (s *Store) Select(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(id) < 0 {
		return ErrUnknownConversation
	}
	s.current = id
	return nil
}

// Current returns the current conversation, if any.
func (s *Store) Current() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.findLocked(s.current)
	if conv == nil {
		return Conversation{}, false
	}
	return conv.clone(), true
}

func (s *Store) CurrentID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Conversations returns a snapshot of the set, most recently updated first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	return out
}

func (s *Store) Get(id uuid.UUID) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.findLocked(id)
	if conv == nil {
		return Conversation{}, ErrUnknownConversation
	}
	return conv.clone(), nil
}

// WindowState reports how many persisted messages are loaded and whether
// older ones remain.
func (s *Store) WindowState(id uuid.UUID) (persisted int, hasMore bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.findLocked(id)
	if conv == nil {
		return 0, false, ErrUnknownConversation
	}
	return conv.persistedCount(), conv.HasMoreOlderMessages, nil
}

// PrependOlder merges a page of older messages in front of the window.
// Messages already present are skipped, so applying a page twice is harmless.
// An empty page only clears HasMoreOlderMessages.
func (s *Store) PrependOlder(id uuid.UUID, page []persist.Message, pageSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return 0, ErrUnknownConversation
	}
	if len(page) == 0 {
		conv.HasMoreOlderMessages = false
		return 0, nil
	}

	seen := make(map[uuid.UUID]struct{}, len(conv.Messages))
	for _, m := range conv.Messages {
		seen[m.ID] = struct{}{}
	}
	older := make([]Message, 0, len(page))
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		older = append(older, fromPersisted(m))
	}
	conv.Messages = append(older, conv.Messages...)
	conv.HasMoreOlderMessages = len(page) >= pageSize
	return len(older), nil
}

func (s *Store) indexLocked(id uuid.UUID) int {
	if id == uuid.Nil {
		return -1
	}
	return slices.IndexFunc(s.conversations, func(c *Conversation) bool { return c.ID == id })
}

func (s *Store) findLocked(id uuid.UUID) *Conversation {
	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i]
	}
	return nil
}

func fromPersisted(m persist.Message) Message {
	return Message{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Persisted: true,
	}
}

// makeTitle returns the first n runes of the trimmed content.
func makeTitle(content string, n int) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}
