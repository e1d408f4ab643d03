// Package presence publishes and renders short lived "is typing" entries.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/samber/lo"

	"github.com/mqy/minisync/chatstore"
	"github.com/mqy/minisync/store"
)

const DefaultTTL = 3 * time.Second

// expiry is the single pending timer of one principal.
type expiry struct {
	timer *time.Timer
	token uint64
}

// Tracker writes typing/{principalId} entries and removes them after TTL
// without a refresh. At most one expiry timer is pending per principal.
type Tracker struct {
	sync.Mutex

	es  store.IEventStore
	ttl time.Duration
	now func() time.Time

	token   uint64
	timers  map[string]*expiry
	entries map[string]chatstore.TypingEntry
	unsubs  []store.Unsubscribe
	closed  bool
	wg      sync.WaitGroup
}

// New creates a tracker. ttl <= 0 means DefaultTTL.
func New(es store.IEventStore, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		es:      es,
		ttl:     ttl,
		now:     time.Now,
		timers:  make(map[string]*expiry),
		entries: make(map[string]chatstore.TypingEntry),
	}
}

// SetTyping publishes (isTyping) or clears the entry of principalId. Each
// publish re-arms the expiry window.
func (t *Tracker) SetTyping(ctx context.Context, principalId, username string, isTyping bool) error {
	if !chatstore.ValidId(principalId) {
		return fmt.Errorf("%w: principal id %q", chatstore.ErrInvalidInput, principalId)
	}
	path := chatstore.TypingEntryPath(principalId)

	t.Lock()
	if t.closed {
		t.Unlock()
		return store.ErrClosed
	}
	t.cancel(principalId)
	t.Unlock()

	if !isTyping {
		if err := t.es.Remove(ctx, path); err != nil {
			return fmt.Errorf("clear typing %s: %w", principalId, err)
		}
		return nil
	}

	entry := chatstore.TypingEntry{Username: username, Timestamp: t.now().UnixMilli()}
	if err := t.es.Set(ctx, path, entry); err != nil {
		return fmt.Errorf("set typing %s: %w", principalId, err)
	}

	t.Lock()
	defer t.Unlock()
	if t.closed {
		return nil
	}
	t.cancel(principalId)
	t.token++
	token := t.token
	t.timers[principalId] = &expiry{
		token: token,
		timer: time.AfterFunc(t.ttl, func() { t.expire(principalId, token) }),
	}
	return nil
}

// cancel stops the pending timer of principalId. Caller holds the lock.
func (t *Tracker) cancel(principalId string) {
	if e, ok := t.timers[principalId]; ok {
		e.timer.Stop()
		delete(t.timers, principalId)
	}
}

func (t *Tracker) expire(principalId string, token uint64) {
	t.Lock()
	e, ok := t.timers[principalId]
	if t.closed || !ok || e.token != token {
		// superseded by a refresh, a clear or Close
		t.Unlock()
		return
	}
	delete(t.timers, principalId)
	t.wg.Add(1)
	t.Unlock()
	defer t.wg.Done()

	glog.V(5).Infof("presence: typing of %s expired", principalId)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.es.Remove(ctx, chatstore.TypingEntryPath(principalId)); err != nil {
		glog.Errorf("presence: expire typing of %s error: %v", principalId, err)
	}
}

// Pending reports whether an expiry timer is armed for principalId.
func (t *Tracker) Pending(principalId string) bool {
	t.Lock()
	defer t.Unlock()
	_, ok := t.timers[principalId]
	return ok
}

// Listen subscribes to the typing path. fn gets the fresh entries after every
// change, ordered by principal id.
func (t *Tracker) Listen(fn func([]chatstore.TypingEntry)) error {
	unsub, err := t.es.ListenValue(chatstore.TypingPath, func(v store.Snapshot) {
		entries := make(map[string]chatstore.TypingEntry)
		for _, c := range v.Children() {
			var e chatstore.TypingEntry
			if err := c.Decode(&e); err != nil {
				glog.Errorf("presence: decode typing/%s error: %v", c.Key(), err)
				continue
			}
			e.PrincipalId = c.Key()
			entries[e.PrincipalId] = e
		}

		t.Lock()
		if t.closed {
			t.Unlock()
			return
		}
		t.entries = entries
		fresh := t.fresh()
		t.Unlock()

		if fn != nil {
			fn(fresh)
		}
	})
	if err != nil {
		return fmt.Errorf("listen typing: %w", err)
	}

	t.Lock()
	defer t.Unlock()
	if t.closed {
		unsub()
		return store.ErrClosed
	}
	t.unsubs = append(t.unsubs, unsub)
	return nil
}

// Typing returns the entries last delivered to Listen that are not stale now.
func (t *Tracker) Typing() []chatstore.TypingEntry {
	t.Lock()
	defer t.Unlock()
	return t.fresh()
}

// fresh drops entries older than TTL even if not removed yet. Caller holds the lock.
func (t *Tracker) fresh() []chatstore.TypingEntry {
	now := t.now().UnixMilli()
	ttl := t.ttl.Milliseconds()
	out := lo.Filter(lo.Values(t.entries), func(e chatstore.TypingEntry, _ int) bool {
		return now-e.Timestamp <= ttl
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalId < out[j].PrincipalId })
	return out
}

// Close cancels every timer and listener. No timer fires after Close returns.
func (t *Tracker) Close() {
	t.Lock()
	if t.closed {
		t.Unlock()
		return
	}
	t.closed = true
	for id := range t.timers {
		t.cancel(id)
	}
	unsubs := t.unsubs
	t.unsubs = nil
	t.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	t.wg.Wait()
}
