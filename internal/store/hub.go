package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/persist"
)

// Hub hands out one Store per owner so that every request of the same user
// shares a single conversation view.
type Hub struct {
	repo   persist.Repository
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	stores map[uuid.UUID]*Store
}

func NewHub(repo persist.Repository, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		repo:   repo,
		opts:   opts,
		logger: logger,
		stores: make(map[uuid.UUID]*Store),
	}
}

// For returns the loaded store of a resolved identity. Storage is never
// touched while the identity is unknown or absent.
func (h *Hub) For(ctx context.Context, id auth.Identity) (*Store, error) {
	if err := id.Require(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	st, ok := h.stores[id.UserID]
	if !ok {
		st = New(h.repo, id.UserID, h.opts, h.logger.With("owner", id.UserID))
		h.stores[id.UserID] = st
	}
	h.mu.Unlock()

	if err := st.EnsureLoaded(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// Lookup returns an owner's store if one has been opened.
func (h *Hub) Lookup(owner uuid.UUID) (*Store, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.stores[owner]
	return st, ok
}
