package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minisync/auth"
	"github.com/mqy/minisync/chatstore"
	"github.com/mqy/minisync/engine"
	"github.com/mqy/minisync/session"
	"github.com/mqy/minisync/store"
	"github.com/mqy/minisync/stream"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

func newServer(t *testing.T, conf Conf) (*store.MemStore, *Hub, string) {
	ms, err := store.NewMemStore(context.Background(), nil)
	require.NoError(t, err)
	hub := NewHub(&auth.MockClient{}, ms, conf)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.hstore.close()
		srv.Close()
		_ = ms.Close()
	})
	return ms, hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func cookieHeader(uid string) http.Header {
	return http.Header{"Cookie": {"x-uid=" + uid}}
}

func dial(t *testing.T, url, uid string) *Client {
	c, err := Dial(context.Background(), url, cookieHeader(uid))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type keys struct {
	sync.Mutex
	seen map[string]int
}

func (k *keys) add(id string) {
	k.Lock()
	defer k.Unlock()
	if k.seen == nil {
		k.seen = make(map[string]int)
	}
	k.seen[id]++
}

func (k *keys) count(id string) int {
	k.Lock()
	defer k.Unlock()
	return k.seen[id]
}

func TestClientReadWrite(t *testing.T) {
	ctx := context.Background()
	ms, _, url := newServer(t, DefaultConf())
	c := dial(t, url, "A")

	id, err := c.Append(ctx, "chats/c1/messages", map[string]any{"text": "hi", "timestamp": 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap, err := c.ReadOnce(ctx, "chats/c1/messages/"+id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.Key())
	var m chatstore.Msg
	require.NoError(t, snap.Decode(&m))
	assert.Equal(t, "hi", m.Text)
	assert.Equal(t, int64(1), m.Timestamp)

	require.NoError(t, c.Set(ctx, "a/b", "x"))
	require.NoError(t, c.Update(ctx, "a", map[string]any{"b": nil, "c/d": 2}))
	snap, err = ms.ReadOnce(ctx, "a")
	require.NoError(t, err)
	assert.False(t, snap.Child("b").Exists())
	assert.True(t, snap.Child("c/d").Exists())

	require.NoError(t, c.Remove(ctx, "a"))
	snap, err = c.ReadOnce(ctx, "a")
	require.NoError(t, err)
	assert.False(t, snap.Exists())

	require.NoError(t, c.Set(ctx, "a", map[string]any{"b": 1}))
	require.NoError(t, c.Set(ctx, "a", nil))
	snap, err = ms.ReadOnce(ctx, "a")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	conf := DefaultConf()
	conf.MaxValueBytes = 64
	ms, _, url := newServer(t, conf)
	c := dial(t, url, "A")

	err := c.Set(ctx, "a/b.c", 1)
	assert.ErrorIs(t, err, store.ErrInvalidPath)

	err = c.Set(ctx, "", "scalar")
	assert.ErrorIs(t, err, store.ErrInvalidValue)

	err = c.Set(ctx, "a", strings.Repeat("x", 100))
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ErrorCodeInvalidArguments, werr.Code)

	ms.SetOnline(false)
	_, err = c.Append(ctx, "a", 1)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = c.ReadOnce(ctx, "a")
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	ms.SetOnline(true)

	require.NoError(t, c.Set(ctx, "a", 1))
}

func TestClientListen(t *testing.T) {
	ctx := context.Background()
	ms, _, url := newServer(t, DefaultConf())
	c := dial(t, url, "A")

	first, err := ms.Append(ctx, "list", "one")
	require.NoError(t, err)

	var appended, removed keys
	var mu sync.Mutex
	var values []any
	unsubAppend, err := c.ListenAppend("list", func(id string, v store.Snapshot) { appended.add(id) })
	require.NoError(t, err)
	_, err = c.ListenRemove("list", func(id string) { removed.add(id) })
	require.NoError(t, err)
	_, err = c.ListenValue("counter", func(v store.Snapshot) {
		mu.Lock()
		values = append(values, v.Value())
		mu.Unlock()
	})
	require.NoError(t, err)

	second, err := c.Append(ctx, "list", "two")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "counter", 7))

	require.Eventually(t, func() bool {
		return appended.count(first) == 1 && appended.count(second) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 2
	}, waitFor, tick)
	mu.Lock()
	assert.Nil(t, values[0])
	assert.Equal(t, "7", values[1].(interface{ String() string }).String())
	mu.Unlock()

	require.NoError(t, c.Remove(ctx, "list/"+first))
	require.Eventually(t, func() bool { return removed.count(first) == 1 }, waitFor, tick)

	unsubAppend()
	unsubAppend()
	third, err := c.Append(ctx, "list", "three")
	require.NoError(t, err)
	// a later event on another listener proves the append event was not delivered
	require.NoError(t, c.Remove(ctx, "list/"+third))
	require.Eventually(t, func() bool { return removed.count(third) == 1 }, waitFor, tick)
	c.Drain()
	assert.Equal(t, 0, appended.count(third))
}

func TestClientReconnect(t *testing.T) {
	ctx := context.Background()
	ms, hub, url := newServer(t, DefaultConf())
	c := dial(t, url, "A")

	var appended keys
	_, err := c.ListenAppend("list", func(id string, v store.Snapshot) { appended.add(id) })
	require.NoError(t, err)

	first, err := c.Append(ctx, "list", "one")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return appended.count(first) == 1 }, waitFor, tick)

	c.Disconnect()
	assert.False(t, c.Connected())
	_, err = c.Append(ctx, "list", "two")
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	require.Eventually(t, func() bool { return hub.Sessions() == 0 }, waitFor, tick)

	second, err := ms.Append(ctx, "list", "written while away")
	require.NoError(t, err)

	require.NoError(t, c.Reconnect(ctx))
	assert.True(t, c.Connected())
	require.Eventually(t, func() bool {
		return appended.count(first) == 2 && appended.count(second) == 1
	}, waitFor, tick)
}

func TestReconnectEvictsMessagesRemovedWhileAway(t *testing.T) {
	ctx := context.Background()
	ms, _, url := newServer(t, DefaultConf())
	c := dial(t, url, "A")

	syncer := stream.New(c, &session.Session{PrincipalID: "A", DisplayName: "Alice"})
	defer syncer.Close()
	require.NoError(t, syncer.Open("c1"))

	_, err := syncer.Send(ctx, "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(syncer.Messages()) == 1 }, waitFor, tick)

	c.Disconnect()
	require.NoError(t, ms.Remove(ctx, chatstore.MessagesPath("c1")))

	require.NoError(t, c.Reconnect(ctx))
	c.Drain()
	assert.Empty(t, syncer.Messages())
	assert.Equal(t, "c1", syncer.ChatId())

	// the conversation is live again
	_, err = syncer.Send(ctx, "back")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := syncer.Messages()
		return len(msgs) == 1 && msgs[0].Text == "back"
	}, waitFor, tick)
}

func TestSessionQuota(t *testing.T) {
	conf := DefaultConf()
	conf.SessionQuota = 1
	_, hub, url := newServer(t, conf)

	old := dial(t, url, "A")
	require.Eventually(t, func() bool { return hub.Sessions() == 1 }, waitFor, tick)
	other := dial(t, url, "B")
	latest := dial(t, url, "A")

	require.Eventually(t, func() bool { return !old.Connected() }, waitFor, tick)
	require.Eventually(t, func() bool { return hub.Sessions() == 2 }, waitFor, tick)
	assert.True(t, latest.Connected())
	assert.True(t, other.Connected())

	_, err := old.ReadOnce(context.Background(), "a")
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestHubRejects(t *testing.T) {
	_, hub, url := newServer(t, DefaultConf())

	_, err := Dial(context.Background(), url, nil)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	hub.Offline()
	_, err = Dial(context.Background(), url, cookieHeader("A"))
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	hub.Online()
	c := dial(t, url, "A")
	assert.True(t, c.Connected())
}

func TestEngineOverWebsocket(t *testing.T) {
	ctx := context.Background()
	_, _, url := newServer(t, DefaultConf())

	start := func(sess *session.Session) (*engine.Client, *Client) {
		es := dial(t, url, sess.PrincipalID)
		c := engine.NewClient(es, sess, engine.DefaultConfig())
		require.NoError(t, c.Start(ctx))
		t.Cleanup(c.Close)
		return c, es
	}
	a, aes := start(&session.Session{PrincipalID: "A", DisplayName: "Alice"})
	b, _ := start(&session.Session{PrincipalID: "B", DisplayName: "Bob"})

	require.NoError(t, a.SendFriendRequest(ctx, "B"))
	require.Eventually(t, func() bool { return len(b.Contacts().Requests()) == 1 }, waitFor, tick)

	chatId, err := b.Respond(ctx, b.Contacts().Requests()[0], true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, ok := a.Contacts().Contact("B")
		return ok && c.ChatId == chatId
	}, waitFor, tick)

	require.NoError(t, a.OpenChat(ctx, "B"))
	require.NoError(t, b.OpenChat(ctx, "A"))

	require.NoError(t, a.SetTyping(ctx, true))
	require.Eventually(t, func() bool {
		peers := b.TypingPeers()
		return len(peers) == 1 && peers[0] == "Alice"
	}, waitFor, tick)

	require.NoError(t, a.SendMessage(ctx, "hi"))
	require.NoError(t, b.SendMessage(ctx, "hello"))
	for _, c := range []*engine.Client{a, b} {
		c := c
		require.Eventually(t, func() bool { return len(c.Messages()) == 2 }, waitFor, tick)
	}
	assert.Empty(t, b.TypingPeers())

	// redelivered history after a reconnect does not duplicate messages
	aes.Disconnect()
	require.NoError(t, aes.Reconnect(ctx))
	require.NoError(t, b.SendMessage(ctx, "again"))
	require.Eventually(t, func() bool { return len(a.Messages()) == 3 }, waitFor, tick)
	aes.Drain()
	texts := make([]string, 0, 3)
	for _, m := range a.Messages() {
		texts = append(texts, m.Text)
	}
	assert.ElementsMatch(t, []string{"hi", "hello", "again"}, texts)
}

func TestAuthorizer(t *testing.T) {
	ctx := context.Background()
	conf := DefaultConf()
	conf.Authorize = func(p *auth.Principal, op, path string) error {
		if p.Id != "admin" && (path == "private" || strings.HasPrefix(path, "private/")) {
			return errors.New("admin only")
		}
		return nil
	}
	ms, _, url := newServer(t, conf)
	c := dial(t, url, "A")
	admin := dial(t, url, "admin")

	assert.ErrorIs(t, c.Set(ctx, "private/x", 1), ErrForbidden)
	_, err := c.ReadOnce(ctx, "private")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = c.ListenValue("private", func(store.Snapshot) {})
	assert.ErrorIs(t, err, ErrForbidden)

	err = c.Update(ctx, "", map[string]any{"public/a": 1, "private/b": 2})
	assert.ErrorIs(t, err, ErrForbidden)
	snap, err := ms.ReadOnce(ctx, "public/a")
	require.NoError(t, err)
	assert.False(t, snap.Exists())

	require.NoError(t, c.Set(ctx, "public/a", 1))
	require.NoError(t, admin.Set(ctx, "private/x", 1))
	snap, err = admin.ReadOnce(ctx, "private/x")
	require.NoError(t, err)
	assert.True(t, snap.Exists())
}

func TestErrorUnwrap(t *testing.T) {
	assert.True(t, errors.Is(&Error{Code: ErrorCodeUnavailable}, store.ErrStoreUnavailable))
	assert.True(t, errors.Is(&Error{Code: ErrorCodeInvalidPath}, store.ErrInvalidPath))
	assert.True(t, errors.Is(&Error{Code: ErrorCodeForbidden}, ErrForbidden))
	assert.False(t, errors.Is(&Error{Code: ErrorCodeInternal}, store.ErrStoreUnavailable))
	assert.Equal(t, ErrorCodeUnavailable, errorOf(store.ErrClosed).Code)
	assert.Equal(t, ErrorCodeInvalidValue, errorOf(store.ErrInvalidValue).Code)
}
