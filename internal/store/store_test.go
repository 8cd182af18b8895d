package store

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

	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/persist"
	"github.com/MikeSquared-Agency/parley/internal/persist/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// flakyRepo fails the named operations with errBoom. failTouch fails the
// conversation update that rides along with a message insert, which rolls the
// insert back as a transactional backend would.
type flakyRepo struct {
	persist.Repository
	failInsertConversation bool
	failInsertMessage      bool
	failTouch              bool
	failDelete             bool
}

var errBoom = errors.New("boom")

func (f *flakyRepo) InsertConversation(ctx context.Context, owner uuid.UUID, title string) (persist.Conversation, error) {
	if f.failInsertConversation {
		return persist.Conversation{}, errBoom
	}
	return f.Repository.InsertConversation(ctx, owner, title)
}

func (f *flakyRepo) InsertMessage(ctx context.Context, owner, id uuid.UUID, role persist.Role, content string, touch persist.ConversationUpdate) (persist.Message, error) {
	if f.failInsertMessage {
		return persist.Message{}, errBoom
	}
	if f.failTouch && !touch.Empty() {
		return persist.Message{}, fmt.Errorf("update conversation: %w", errBoom)
	}
	return f.Repository.InsertMessage(ctx, owner, id, role, content, touch)
}

func (f *flakyRepo) DeleteConversation(ctx context.Context, owner, id uuid.UUID) error {
	if f.failDelete {
		return errBoom
	}
	return f.Repository.DeleteConversation(ctx, owner, id)
}

func newTestStore(t *testing.T) (*Store, *flakyRepo, *memory.Store) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := memory.New().WithClock(clk.Now)
	repo := &flakyRepo{Repository: mem}
	st := New(repo, uuid.New(), Options{Now: clk.Now}, nil)
	require.NoError(t, st.Load(context.Background()))
	return st, repo, mem
}

func ids(convs []Conversation) []uuid.UUID {
	out := make([]uuid.UUID, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestCreate_PlacesAtHeadAndSelects(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	a, err := st.Create(ctx)
	require.NoError(t, err)
	b, err := st.Create(ctx)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{b.ID, a.ID}, ids(st.Conversations()))
	assert.Equal(t, b.ID, st.CurrentID())
	assert.Equal(t, DefaultTitle, b.Title)
	assert.Empty(t, b.Messages)
}

func TestCreate_PersistenceErrorLeavesStateUnchanged(t *testing.T) {
	st, repo, _ := newTestStore(t)
	ctx := context.Background()
	a, err := st.Create(ctx)
	require.NoError(t, err)

	repo.failInsertConversation = true
	_, err = st.Create(ctx)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []uuid.UUID{a.ID}, ids(st.Conversations()))
	assert.Equal(t, a.ID, st.CurrentID())
}

func TestAppendMessage_TitleFromFirstMessageOnly(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)

	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "Explain how goroutines are scheduled")
	require.NoError(t, err)
	got, err := st.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Explain how goroutin", got.Title)

	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "something else entirely")
	require.NoError(t, err)
	got, err = st.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Explain how goroutin", got.Title)
	assert.Len(t, got.Messages, 2)
}

func TestAppendMessage_TitleCountsRunes(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)

	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "你好，请介绍一下你自己，以及你能做些什么事情呢")
	require.NoError(t, err)
	got, err := st.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "你好，请介绍一下你自己，以及你能做些什么", got.Title)
}

func TestAppendMessage_MovesConversationToHead(t *testing.T) {
	st, _, mem := newTestStore(t)
	ctx := context.Background()
	a, err := st.Create(ctx)
	require.NoError(t, err)
	b, err := st.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{b.ID, a.ID}, ids(st.Conversations()))

	_, err = st.AppendMessage(ctx, a.ID, persist.RoleUser, "bump")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, ids(st.Conversations()))

	listed, err := mem.ListConversations(ctx, st.Owner(), 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, a.ID, listed[0].ID)
	assert.Equal(t, "bump", listed[0].Title)
}

func TestAppendMessage_PersistenceErrorLeavesStateUnchanged(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(*flakyRepo)
		op    string
	}{
		{"insert", func(r *flakyRepo) { r.failInsertMessage = true }, "insert message"},
		{"touch", func(r *flakyRepo) { r.failTouch = true }, "insert message"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st, repo, _ := newTestStore(t)
			ctx := context.Background()
			a, err := st.Create(ctx)
			require.NoError(t, err)
			b, err := st.Create(ctx)
			require.NoError(t, err)
			before := st.Conversations()

			tc.setup(repo)
			_, err = st.AppendMessage(ctx, a.ID, persist.RoleUser, "hello")

			var pe *PersistenceError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.op, pe.Op)
			assert.Equal(t, before, st.Conversations())
			assert.Equal(t, b.ID, st.CurrentID())
		})
	}
}

func TestAppendMessage_RetryAfterFailedTouchStoresOnce(t *testing.T) {
	st, repo, mem := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)

	repo.failTouch = true
	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "hello")
	require.Error(t, err)
	assert.Zero(t, mem.MessageCount(c.ID))

	repo.failTouch = false
	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "hello")
	require.NoError(t, err)

	assert.Equal(t, 1, mem.MessageCount(c.ID))
	got, err := st.Get(c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Title)

	persisted, _, err := st.WindowState(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, persisted)
}

func TestAppendMessage_ConcurrentWritersAgreeWithStorage(t *testing.T) {
	st, _, mem := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.AppendMessage(ctx, c.ID, persist.RoleUser, fmt.Sprintf("w%02d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := st.Get(c.ID)
	require.NoError(t, err)
	stored, err := mem.FetchMessages(ctx, st.Owner(), c.ID, 0, writers)
	require.NoError(t, err)
	require.Len(t, stored, writers)
	require.Len(t, got.Messages, writers)
	for i := range stored {
		assert.Equal(t, stored[i].ID, got.Messages[i].ID, "message %d", i)
	}

	list, err := mem.ListConversations(ctx, st.Owner(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].UpdatedAt.Equal(got.UpdatedAt), "local %v, stored %v", got.UpdatedAt, list[0].UpdatedAt)
	assert.Equal(t, list[0].Title, got.Title)
}

func TestAppendMessage_Rejects(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)

	_, err = st.AppendMessage(ctx, uuid.New(), persist.RoleUser, "x")
	assert.ErrorIs(t, err, ErrUnknownConversation)
	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "")
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = st.AppendMessage(ctx, c.ID, persist.Role("system"), "x")
	assert.Error(t, err)
}

func TestSendHelloScenario(t *testing.T) {
	st, _, mem := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)

	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "hello")
	require.NoError(t, err)
	_, err = st.AppendPlaceholder(c.ID)
	require.NoError(t, err)

	got, err := st.Get(c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, persist.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, persist.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "", got.Messages[1].Content)
	assert.True(t, got.Messages[1].Streaming)

	require.NoError(t, st.UpdateLocalOnly(c.ID, "Hi"))
	require.NoError(t, st.UpdateLocalOnly(c.ID, "Hi there"))
	assert.Equal(t, 1, mem.MessageCount(c.ID), "local updates must not reach storage")

	msg, err := st.CommitPlaceholder(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", msg.Content)
	assert.True(t, msg.Persisted)

	stored, err := mem.FetchMessages(ctx, st.Owner(), c.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hello", stored[0].Content)
	assert.Equal(t, "Hi there", stored[1].Content)
	assert.Equal(t, persist.RoleAssistant, stored[1].Role)

	got, err = st.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, stored[1].ID, got.Messages[1].ID)
	assert.False(t, got.Messages[1].Streaming)
	assert.Equal(t, "hello", got.Title)

	assert.ErrorIs(t, st.UpdateLocalOnly(c.ID, "late"), ErrNoPlaceholder)
}

func TestPlaceholder_SingleTail(t *testing.T) {
	st, _, _ := newTestStore(t)
	c, err := st.Create(context.Background())
	require.NoError(t, err)

	_, err = st.AppendPlaceholder(c.ID)
	require.NoError(t, err)
	_, err = st.AppendPlaceholder(c.ID)
	assert.ErrorIs(t, err, ErrPlaceholderActive)
}

func TestCommitPlaceholder_FailureKeepsPlaceholder(t *testing.T) {
	st, repo, _ := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "hello")
	require.NoError(t, err)
	_, err = st.AppendPlaceholder(c.ID)
	require.NoError(t, err)
	require.NoError(t, st.UpdateLocalOnly(c.ID, "partial"))

	repo.failInsertMessage = true
	_, err = st.CommitPlaceholder(ctx, c.ID)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)

	got, err := st.Get(c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.True(t, got.Messages[1].Streaming)
	assert.Equal(t, "partial", got.Messages[1].Content)
}

func TestReleasePlaceholder(t *testing.T) {
	st, _, _ := newTestStore(t)
	c, err := st.Create(context.Background())
	require.NoError(t, err)

	_, err = st.AppendPlaceholder(c.ID)
	require.NoError(t, err)
	st.ReleasePlaceholder(c.ID)
	got, _ := st.Get(c.ID)
	assert.Empty(t, got.Messages, "empty reply is dropped")

	_, err = st.AppendPlaceholder(c.ID)
	require.NoError(t, err)
	require.NoError(t, st.UpdateLocalOnly(c.ID, "Hal"))
	st.ReleasePlaceholder(c.ID)
	got, _ = st.Get(c.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Hal", got.Messages[0].Content)
	assert.False(t, got.Messages[0].Streaming)
	assert.False(t, got.Messages[0].Persisted)

	persisted, _, err := st.WindowState(c.ID)
	require.NoError(t, err)
	assert.Zero(t, persisted)
}

func TestDiscardPlaceholder(t *testing.T) {
	st, _, mem := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, c.ID, persist.RoleUser, "hello")
	require.NoError(t, err)

	_, err = st.AppendPlaceholder(c.ID)
	require.NoError(t, err)
	require.NoError(t, st.UpdateLocalOnly(c.ID, "Par"))
	st.DiscardPlaceholder(c.ID)

	got, err := st.Get(c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.True(t, got.Messages[0].Persisted)
	assert.Equal(t, 1, mem.MessageCount(c.ID))

	// no streaming tail left to drop
	st.DiscardPlaceholder(c.ID)
	got, _ = st.Get(c.ID)
	assert.Len(t, got.Messages, 1)
}

func TestDelete_OnlyConversationLeavesFreshCurrent(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()
	c, err := st.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, st.Delete(ctx, c.ID))

	convs := st.Conversations()
	require.Len(t, convs, 1)
	assert.NotEqual(t, c.ID, convs[0].ID)
	cur, ok := st.Current()
	require.True(t, ok)
	assert.Equal(t, convs[0].ID, cur.ID)
	assert.Empty(t, cur.Messages)
}

func TestDelete_CurrentSelectsMostRecent(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()
	a, _ := st.Create(ctx)
	b, _ := st.Create(ctx)
	c, _ := st.Create(ctx)
	_, err := st.AppendMessage(ctx, a.ID, persist.RoleUser, "newest")
	require.NoError(t, err)
	require.NoError(t, st.Select(b.ID))

	require.NoError(t, st.Delete(ctx, b.ID))

	assert.Equal(t, []uuid.UUID{a.ID, c.ID}, ids(st.Conversations()))
	assert.Equal(t, a.ID, st.CurrentID())
}

func TestDelete_NonCurrentKeepsCurrent(t *testing.T) {
	st, _, mem := newTestStore(t)
	ctx := context.Background()
	a, _ := st.Create(ctx)
	_, err := st.AppendMessage(ctx, a.ID, persist.RoleUser, "hi")
	require.NoError(t, err)
	b, _ := st.Create(ctx)

	require.NoError(t, st.Delete(ctx, a.ID))
	assert.Equal(t, b.ID, st.CurrentID())
	assert.Zero(t, mem.MessageCount(a.ID))
}

func TestDelete_PersistenceErrorLeavesStateUnchanged(t *testing.T) {
	st, repo, _ := newTestStore(t)
	ctx := context.Background()
	a, _ := st.Create(ctx)

	repo.failDelete = true
	err := st.Delete(ctx, a.ID)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []uuid.UUID{a.ID}, ids(st.Conversations()))
	assert.Equal(t, a.ID, st.CurrentID())
}

func TestSelect(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()
	a, _ := st.Create(ctx)
	_, _ = st.Create(ctx)

	require.NoError(t, st.Select(a.ID))
	assert.Equal(t, a.ID, st.CurrentID())
	assert.ErrorIs(t, st.Select(uuid.New()), ErrUnknownConversation)
	assert.Equal(t, a.ID, st.CurrentID())
}

func TestLoad_NewestPageAndRecency(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := memory.New().WithClock(clk.Now)
	owner := uuid.New()

	long, err := mem.InsertConversation(ctx, owner, "long")
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := mem.InsertMessage(ctx, owner, long.ID, persist.RoleUser, fmt.Sprintf("m%d", i), persist.ConversationUpdate{})
		require.NoError(t, err)
	}
	short, err := mem.InsertConversation(ctx, owner, "short")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := mem.InsertMessage(ctx, owner, short.ID, persist.RoleUser, fmt.Sprintf("s%d", i), persist.ConversationUpdate{})
		require.NoError(t, err)
	}
	_, err = mem.InsertConversation(ctx, uuid.New(), "someone else")
	require.NoError(t, err)

	st := New(mem, owner, Options{Now: clk.Now}, nil)
	require.NoError(t, st.Load(ctx))

	convs := st.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, short.ID, convs[0].ID)
	assert.Equal(t, short.ID, st.CurrentID())
	assert.Len(t, convs[0].Messages, 3)
	assert.False(t, convs[0].HasMoreOlderMessages)

	assert.Len(t, convs[1].Messages, 10)
	assert.Equal(t, "m2", convs[1].Messages[0].Content)
	assert.Equal(t, "m11", convs[1].Messages[9].Content)
	assert.True(t, convs[1].HasMoreOlderMessages)
}

func TestPrependOlder(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()
	c, _ := st.Create(ctx)
	_, err := st.AppendMessage(ctx, c.ID, persist.RoleUser, "new")
	require.NoError(t, err)

	older := []persist.Message{
		{ID: uuid.New(), Role: persist.RoleUser, Content: "old1"},
		{ID: uuid.New(), Role: persist.RoleAssistant, Content: "old2"},
	}
	n, err := st.PrependOlder(c.ID, older, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// applying the same page again is a no-op
	n, err = st.PrependOlder(c.ID, older, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := st.Get(c.ID)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, []string{"old1", "old2", "new"}, []string{got.Messages[0].Content, got.Messages[1].Content, got.Messages[2].Content})
	assert.True(t, got.HasMoreOlderMessages)

	before := got
	n, err = st.PrependOlder(c.ID, nil, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, _ = st.Get(c.ID)
	assert.False(t, got.HasMoreOlderMessages)
	assert.Equal(t, before.Messages, got.Messages)
	assert.Equal(t, before.Title, got.Title)
	assert.Equal(t, before.UpdatedAt, got.UpdatedAt)
}

func TestHub(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(memory.New(), Options{}, nil)

	_, err := hub.For(ctx, auth.Identity{State: auth.StateUnknown})
	assert.ErrorIs(t, err, auth.ErrUnresolved)
	_, err = hub.For(ctx, auth.Identity{State: auth.StateAbsent})
	assert.ErrorIs(t, err, auth.ErrUnresolved)

	user := uuid.New()
	a, err := hub.For(ctx, auth.Known(user))
	require.NoError(t, err)
	b, err := hub.For(ctx, auth.Known(user))
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := hub.For(ctx, auth.Known(uuid.New()))
	require.NoError(t, err)
	assert.NotSame(t, a, other)

	found, ok := hub.Lookup(user)
	assert.True(t, ok)
	assert.Same(t, a, found)
}

// gatedRepo holds the first ListConversations call until release is closed.
type gatedRepo struct {
	persist.Repository
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) ListConversations(ctx context.Context, owner uuid.UUID, limit int) ([]persist.Conversation, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.Repository.ListConversations(ctx, owner, limit)
}

func TestHub_ConcurrentFirstLoadKeepsLaterWrites(t *testing.T) {
	ctx := context.Background()
	repo := &gatedRepo{
		Repository: memory.New(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	hub := NewHub(repo, Options{}, nil)
	user := auth.Known(uuid.New())

	first := make(chan *Store, 1)
	go func() {
		st, err := hub.For(ctx, user)
		assert.NoError(t, err)
		first <- st
	}()
	<-repo.entered

	type result struct {
		st   *Store
		conv Conversation
	}
	second := make(chan result, 1)
	go func() {
		st, err := hub.For(ctx, user)
		if !assert.NoError(t, err) {
			second <- result{}
			return
		}
		conv, err := st.Create(ctx)
		assert.NoError(t, err)
		_, err = st.AppendPlaceholder(conv.ID)
		assert.NoError(t, err)
		second <- result{st: st, conv: conv}
	}()

	// give the second caller time to run ahead if it is not held back
	time.Sleep(50 * time.Millisecond)
	close(repo.release)

	a := <-first
	b := <-second
	require.NotNil(t, b.st)
	assert.Same(t, a, b.st)
	assert.Equal(t, int32(1), repo.calls.Load())

	assert.Equal(t, b.conv.ID, a.CurrentID())
	got, err := a.Get(b.conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.True(t, got.Messages[0].Streaming)
}
