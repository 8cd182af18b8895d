package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/parley/internal/persist"
	"github.com/MikeSquared-Agency/parley/internal/persist/memory"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

// gatedRepo counts fetches and, when gate is set, blocks each fetch until
// the gate is closed.
type gatedRepo struct {
	persist.Repository
	fetches atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	err     error
}

func (g *gatedRepo) FetchMessages(ctx context.Context, owner, id uuid.UUID, offset, limit int) ([]persist.Message, error) {
	g.fetches.Add(1)
	if g.gate != nil {
		g.entered <- struct{}{}
		<-g.gate
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.Repository.FetchMessages(ctx, owner, id, offset, limit)
}

type seedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *seedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// seed stores n messages in one conversation and returns a loaded store.
func seed(t *testing.T, n int) (*store.Store, *gatedRepo, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	clk := &seedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := memory.New().WithClock(clk.Now)
	owner := uuid.New()
	c, err := mem.InsertConversation(ctx, owner, "seeded")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := mem.InsertMessage(ctx, owner, c.ID, persist.RoleUser, fmt.Sprintf("m%02d", i), persist.ConversationUpdate{})
		require.NoError(t, err)
	}
	repo := &gatedRepo{Repository: mem}
	st := store.New(repo, owner, store.Options{PageSize: DefaultPageSize, Now: clk.Now}, nil)
	require.NoError(t, st.Load(ctx))
	repo.fetches.Store(0)
	return st, repo, c.ID
}

func contents(t *testing.T, st *store.Store, id uuid.UUID) []string {
	t.Helper()
	conv, err := st.Get(id)
	require.NoError(t, err)
	out := make([]string, len(conv.Messages))
	for i, m := range conv.Messages {
		out[i] = m.Content
	}
	return out
}

func TestLoadOlder_FullPageThenRemainder(t *testing.T) {
	st, repo, id := seed(t, 25)
	mgr := NewManager(repo, DefaultPageSize, nil)
	ctx := context.Background()

	require.Len(t, contents(t, st, id), 10)

	res, err := mgr.LoadOlder(ctx, st, id)
	require.NoError(t, err)
	assert.Equal(t, Result{Added: 10, HasMore: true}, res)
	got := contents(t, st, id)
	require.Len(t, got, 20)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("m%02d", i+5), c)
	}

	res, err = mgr.LoadOlder(ctx, st, id)
	require.NoError(t, err)
	assert.Equal(t, Result{Added: 5, HasMore: false}, res)
	got = contents(t, st, id)
	require.Len(t, got, 25)
	assert.Equal(t, "m00", got[0])
	assert.Equal(t, "m24", got[24])

	res, err = mgr.LoadOlder(ctx, st, id)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, int32(2), repo.fetches.Load(), "no fetch once history is exhausted")
}

func TestLoadOlder_EmptyPageOnlyClearsHasMore(t *testing.T) {
	st, repo, id := seed(t, 10)
	mgr := NewManager(repo, DefaultPageSize, nil)

	before, err := st.Get(id)
	require.NoError(t, err)
	require.True(t, before.HasMoreOlderMessages)

	res, err := mgr.LoadOlder(context.Background(), st, id)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	after, err := st.Get(id)
	require.NoError(t, err)
	assert.False(t, after.HasMoreOlderMessages)
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.Title, after.Title)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestLoadOlder_ConcurrentCallsFetchOnce(t *testing.T) {
	st, repo, id := seed(t, 30)
	repo.entered = make(chan struct{}, 1)
	repo.gate = make(chan struct{})
	mgr := NewManager(repo, DefaultPageSize, nil)
	ctx := context.Background()

	done := make(chan Result)
	go func() {
		res, err := mgr.LoadOlder(ctx, st, id)
		assert.NoError(t, err)
		done <- res
	}()
	<-repo.entered
	assert.True(t, mgr.Loading(id))

	for i := 0; i < 3; i++ {
		res, err := mgr.LoadOlder(ctx, st, id)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Zero(t, res.Added)
	}

	close(repo.gate)
	res := <-done
	assert.Equal(t, 10, res.Added)
	assert.Equal(t, int32(1), repo.fetches.Load())
	assert.Len(t, contents(t, st, id), 20)
	assert.False(t, mgr.Loading(id))
}

func TestLoadOlder_FetchErrorLeavesWindow(t *testing.T) {
	st, repo, id := seed(t, 15)
	repo.err = errors.New("db down")
	mgr := NewManager(repo, DefaultPageSize, nil)

	_, err := mgr.LoadOlder(context.Background(), st, id)
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, contents(t, st, id), 10)

	conv, _ := st.Get(id)
	assert.True(t, conv.HasMoreOlderMessages)
	assert.False(t, mgr.Loading(id))
}

func TestLoadOlder_UnknownConversation(t *testing.T) {
	st, repo, _ := seed(t, 0)
	mgr := NewManager(repo, DefaultPageSize, nil)
	_, err := mgr.LoadOlder(context.Background(), st, uuid.New())
	assert.ErrorIs(t, err, store.ErrUnknownConversation)
}
