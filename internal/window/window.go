// Package window pages older history into a conversation's loaded window.
package window

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/parley/internal/persist"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

const DefaultPageSize = 10

// Window is the part of a conversation store the manager pages into.
type Window interface {
	Owner() uuid.UUID
	WindowState(id uuid.UUID) (persisted int, hasMore bool, err error)
	PrependOlder(id uuid.UUID, page []persist.Message, pageSize int) (int, error)
}

type Result struct {
	Added   int  `json:"added"`
	HasMore bool `json:"has_more"`
	// Skipped is set when another load for the conversation was in flight.
	Skipped bool `json:"skipped,omitempty"`
}

type Manager struct {
	repo     persist.Repository
	pageSize int
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func NewManager(repo persist.Repository, pageSize int, logger *slog.Logger) *Manager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:     repo,
		pageSize: pageSize,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// LoadOlder fetches the page immediately before the oldest loaded message and
// prepends it. A call made while a load for the same conversation is pending
// returns at once without fetching.
func (m *Manager) LoadOlder(ctx context.Context, w Window, id uuid.UUID) (Result, error) {
	if !m.begin(id) {
		_, hasMore, _ := w.WindowState(id)
		return Result{HasMore: hasMore, Skipped: true}, nil
	}
	defer m.end(id)

	loaded, hasMore, err := w.WindowState(id)
	if err != nil {
		return Result{}, err
	}
	if !hasMore {
		return Result{}, nil
	}

	page, err := m.repo.FetchMessages(ctx, w.Owner(), id, loaded, m.pageSize)
	if err != nil {
		return Result{}, &store.PersistenceError{Op: "fetch messages", Err: err}
	}

	added, err := w.PrependOlder(id, page, m.pageSize)
	if err != nil {
		return Result{}, err
	}
	_, hasMore, err = w.WindowState(id)
	if err != nil {
		return Result{}, err
	}

	m.logger.Debug("older messages loaded", "conversation_id", id, "fetched", len(page), "added", added, "has_more", hasMore)
	return Result{Added: added, HasMore: hasMore}, nil
}

// Loading reports whether a load for the conversation is in flight.
func (m *Manager) Loading(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[id]
	return ok
}

func (m *Manager) begin(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[id]; ok {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Manager) end(id uuid.UUID) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}
