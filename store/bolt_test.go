package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// persisterRoundTrip writes through a MemStore, reopens the persister and
// checks the tree survived.
func persisterRoundTrip(t *testing.T, open func() Persister) {
	ctx := context.Background()

	s, err := NewMemStore(ctx, open())
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "userChats/a/b", map[string]any{"chatId": "c1", "timestamp": 1000}))
	require.NoError(t, s.Set(ctx, "userChats/a/c", map[string]any{"chatId": "c2"}))
	id, err := s.Append(ctx, "chats/c1/messages", map[string]any{"text": "hi", "timestamp": 2000})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "", map[string]any{
		"userChats/a/c": nil,
		"typing/a":      map[string]any{"username": "Alice"},
	}))
	// a write below a scalar leaf replaces it
	require.NoError(t, s.Set(ctx, "typing/b", "scalar"))
	require.NoError(t, s.Set(ctx, "typing/b/username", "Bob"))
	require.NoError(t, s.Remove(ctx, "typing/b/username"))
	require.NoError(t, s.Close())

	s, err = NewMemStore(ctx, open())
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.ReadOnce(ctx, "userChats/a")
	require.NoError(t, err)
	assert.Len(t, snap.Children(), 1)
	assert.Equal(t, "c1", snap.Child("b/chatId").Value())

	snap, err = s.ReadOnce(ctx, "chats/c1/messages/"+id+"/text")
	require.NoError(t, err)
	assert.Equal(t, "hi", snap.Value())

	snap, err = s.ReadOnce(ctx, "typing/a/username")
	require.NoError(t, err)
	assert.Equal(t, "Alice", snap.Value())

	snap, err = s.ReadOnce(ctx, "typing/b")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestBoltPersister(t *testing.T) {
	file := filepath.Join(t.TempDir(), "minisync.db")
	persisterRoundTrip(t, func() Persister {
		p, err := NewBoltPersister(file)
		require.NoError(t, err)
		return p
	})
}
