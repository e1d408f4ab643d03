package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MemStore {
	s, err := NewMemStore(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type appendRecorder struct {
	sync.Mutex
	ids []string
}

func (r *appendRecorder) on(id string, _ Snapshot) {
	r.Lock()
	r.ids = append(r.ids, id)
	r.Unlock()
}

func (r *appendRecorder) get() []string {
	r.Lock()
	defer r.Unlock()
	out := append([]string(nil), r.ids...)
	sort.Strings(out)
	return out
}

func TestMemStoreAppendReplaysHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.Append(ctx, "chats/c1/messages", map[string]any{"text": "a"})
	require.NoError(t, err)

	var rec appendRecorder
	unsub, err := s.ListenAppend("chats/c1/messages", rec.on)
	require.NoError(t, err)

	id2, err := s.Append(ctx, "chats/c1/messages", map[string]any{"text": "b"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "chats/c2/messages", map[string]any{"text": "other"})
	require.NoError(t, err)

	s.Drain()
	expect := []string{id1, id2}
	sort.Strings(expect)
	assert.Equal(t, expect, rec.get())

	unsub()
	unsub()
	_, err = s.Append(ctx, "chats/c1/messages", map[string]any{"text": "c"})
	require.NoError(t, err)
	s.Drain()
	assert.Len(t, rec.get(), 2)
}

func TestMemStoreReconnectRedelivers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Append(ctx, "m", map[string]any{"text": "a"})
	require.NoError(t, err)

	var rec appendRecorder
	_, err = s.ListenAppend("m", rec.on)
	require.NoError(t, err)
	s.Drain()
	require.Len(t, rec.get(), 1)

	s.SetOnline(false)
	_, err = s.Append(ctx, "m", map[string]any{"text": "b"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.ReadOnce(ctx, "m")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	s.SetOnline(true)
	s.Drain()
	ids := rec.get()
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestMemStoreUpdateIsAtomicMultiPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "requests/b/a", map[string]any{"senderId": "a"}))

	var values []Snapshot
	var mu sync.Mutex
	_, err := s.ListenValue("", func(v Snapshot) {
		mu.Lock()
		values = append(values, v)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, "", map[string]any{
		"userChats/a/b": map[string]any{"chatId": "c1"},
		"userChats/b/a": map[string]any{"chatId": "c1"},
		"requests/b/a":  nil,
	}))
	s.Drain()

	mu.Lock()
	defer mu.Unlock()
	// initial value + exactly one change for the whole update
	require.Len(t, values, 2)
	last := values[1]
	assert.False(t, last.Child("requests").Exists())
	assert.Equal(t, "c1", last.Child("userChats/a/b/chatId").Value())
	assert.Equal(t, "c1", last.Child("userChats/b/a/chatId").Value())
}

func TestMemStoreUpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "userChats/a/b", map[string]any{"chatId": "c1", "timestamp": 1}))
	require.NoError(t, s.Update(ctx, "userChats/a/b", map[string]any{"lastMessage": "hi", "timestamp": 2}))

	snap, err := s.ReadOnce(ctx, "userChats/a/b")
	require.NoError(t, err)
	var rec struct {
		ChatId      string `json:"chatId"`
		LastMessage string `json:"lastMessage"`
		Timestamp   int64  `json:"timestamp"`
	}
	require.NoError(t, snap.Decode(&rec))
	assert.Equal(t, "c1", rec.ChatId)
	assert.Equal(t, "hi", rec.LastMessage)
	assert.Equal(t, int64(2), rec.Timestamp)
}

func TestMemStoreRemoveListener(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Append(ctx, "m", map[string]any{"text": "a"})
	require.NoError(t, err)

	var removed []string
	_, err = s.ListenRemove("m", func(k string) { removed = append(removed, k) })
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "m"))
	s.Drain()
	assert.Equal(t, []string{id}, removed)

	snap, err := s.ReadOnce(ctx, "m")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

type failingPersister struct{}

func (failingPersister) Load(context.Context) (any, error) { return nil, nil }
func (failingPersister) Apply(context.Context, []Change) error {
	return errors.New("disk full")
}
func (failingPersister) Close() error { return nil }

func TestMemStorePersistFailureLeavesTreeUntouched(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemStore(ctx, failingPersister{})
	require.NoError(t, err)
	defer s.Close()

	err = s.Set(ctx, "a", "x")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	snap, err := s.ReadOnce(ctx, "a")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestMemStoreRejectsScalarRoot(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.Set(context.Background(), "", "x"), ErrInvalidValue)
}
