package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minisync/chatstore"
	"github.com/mqy/minisync/store"
	store_mock "github.com/mqy/minisync/store/mock"
)

func newMemStore(t *testing.T) *store.MemStore {
	s, err := store.NewMemStore(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func typingExists(t *testing.T, es store.IEventStore, principalId string) bool {
	snap, err := es.ReadOnce(context.Background(), chatstore.TypingEntryPath(principalId))
	require.NoError(t, err)
	return snap.Exists()
}

func TestTypingExpires(t *testing.T) {
	es := newMemStore(t)
	tr := New(es, 200*time.Millisecond)
	defer tr.Close()

	require.NoError(t, tr.SetTyping(context.Background(), "A", "Alice", true))
	assert.True(t, typingExists(t, es, "A"))
	assert.True(t, tr.Pending("A"))

	assert.Eventually(t, func() bool { return !typingExists(t, es, "A") }, 2*time.Second, 20*time.Millisecond)
	assert.False(t, tr.Pending("A"))
}

func TestTypingRefreshResetsWindow(t *testing.T) {
	ctx := context.Background()
	es := newMemStore(t)
	tr := New(es, 500*time.Millisecond)
	defer tr.Close()

	require.NoError(t, tr.SetTyping(ctx, "A", "Alice", true))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, tr.SetTyping(ctx, "A", "Alice", true))
	time.Sleep(300 * time.Millisecond)

	// 600ms after the first call, 300ms after the refresh
	assert.True(t, typingExists(t, es, "A"))

	assert.Eventually(t, func() bool { return !typingExists(t, es, "A") }, 2*time.Second, 20*time.Millisecond)
}

func TestTypingFalseClearsAtOnce(t *testing.T) {
	ctx := context.Background()
	es := newMemStore(t)
	tr := New(es, time.Minute)
	defer tr.Close()

	require.NoError(t, tr.SetTyping(ctx, "A", "Alice", true))
	require.NoError(t, tr.SetTyping(ctx, "A", "Alice", false))
	assert.False(t, typingExists(t, es, "A"))
	assert.False(t, tr.Pending("A"))
}

func TestOneTimerPerPrincipal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	es := store_mock.NewMockIEventStore(ctrl)
	es.EXPECT().Set(gomock.Any(), "typing/A", gomock.Any()).Return(nil).Times(10)
	// a single expiry for ten refreshes
	removed := make(chan struct{}, 10)
	es.EXPECT().Remove(gomock.Any(), "typing/A").DoAndReturn(func(context.Context, string) error {
		removed <- struct{}{}
		return nil
	}).Times(1)

	tr := New(es, 100*time.Millisecond)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.SetTyping(context.Background(), "A", "Alice", true))
	}
	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("typing entry not expired")
	}
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, removed, 0)
	tr.Close()
}

func TestNoExpiryAfterClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	es := store_mock.NewMockIEventStore(ctrl)
	es.EXPECT().Set(gomock.Any(), "typing/A", gomock.Any()).Return(nil)
	// no Remove expected

	tr := New(es, 50*time.Millisecond)
	require.NoError(t, tr.SetTyping(context.Background(), "A", "Alice", true))
	tr.Close()
	tr.Close()
	time.Sleep(200 * time.Millisecond)

	assert.ErrorIs(t, tr.SetTyping(context.Background(), "A", "Alice", true), store.ErrClosed)
}

func TestListenFiltersStaleEntries(t *testing.T) {
	ctx := context.Background()
	es := newMemStore(t)

	now := time.UnixMilli(10_000)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	tr := New(es, 3*time.Second)
	tr.now = clock
	defer tr.Close()

	// stale entry left behind by a crashed client
	require.NoError(t, es.Set(ctx, "typing/C", map[string]any{"username": "Carol", "timestamp": 1_000}))

	var views [][]chatstore.TypingEntry
	var vmu sync.Mutex
	require.NoError(t, tr.Listen(func(entries []chatstore.TypingEntry) {
		vmu.Lock()
		views = append(views, entries)
		vmu.Unlock()
	}))
	require.NoError(t, tr.SetTyping(ctx, "B", "Bob", true))
	es.Drain()

	vmu.Lock()
	require.Len(t, views, 2)
	assert.Empty(t, views[0])
	assert.Equal(t, []chatstore.TypingEntry{{PrincipalId: "B", Username: "Bob", Timestamp: 10_000}}, views[1])
	vmu.Unlock()

	mu.Lock()
	now = now.Add(2900 * time.Millisecond)
	mu.Unlock()
	assert.Len(t, tr.Typing(), 1)

	mu.Lock()
	now = now.Add(200 * time.Millisecond)
	mu.Unlock()
	assert.Empty(t, tr.Typing())
}
