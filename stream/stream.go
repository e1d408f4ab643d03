// Package stream keeps a deduplicated, time ordered local view of one
// conversation's messages.
package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minisync/chatstore"
	"github.com/mqy/minisync/session"
	"github.com/mqy/minisync/store"
)

var duplicateDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "minisync",
	Subsystem: "stream",
	Name:      "duplicate_deliveries_total",
	Help:      "Message deliveries discarded because the record id was already accepted.",
})

func init() {
	prometheus.MustRegister(duplicateDeliveries)
}

// ChangeFunc receives the sorted view after each cache mutation.
type ChangeFunc func(msgs []*chatstore.Msg)

// Synchronizer mirrors chats/{chatId}/messages. The cache is only mutated by
// store callbacks; Send never inserts locally.
//
// Every Open starts a new epoch. Callbacks capture the epoch and chat id they
// were registered for and are ignored once either is stale.
type Synchronizer struct {
	sync.Mutex

	es   store.IEventStore
	sess *session.Session
	now  func() time.Time

	epoch    uint64
	chatId   string
	unsubs   []store.Unsubscribe
	msgs     map[string]*chatstore.Msg
	onChange ChangeFunc
	closed   bool

	unsubReconnect store.Unsubscribe
}

// New creates a synchronizer. On stores implementing
// store.IReconnectNotifier the open conversation is reopened after every
// reconnect.
func New(es store.IEventStore, sess *session.Session) *Synchronizer {
	s := &Synchronizer{
		es:   es,
		sess: sess,
		now:  time.Now,
		msgs: make(map[string]*chatstore.Msg),
	}
	if n, ok := es.(store.IReconnectNotifier); ok {
		s.unsubReconnect = n.OnReconnect(s.resync)
	}
	return s
}

// Open switches the synchronizer to chatId. The previous subscription is
// released and the cache cleared before the new listeners are registered.
func (s *Synchronizer) Open(chatId string) error {
	return s.open(chatId, 0)
}

// resync reopens the current conversation with an empty cache, unless it was
// switched or closed meanwhile.
func (s *Synchronizer) resync() {
	s.Lock()
	chatId, epoch, closed := s.chatId, s.epoch, s.closed
	s.Unlock()
	if closed || chatId == "" {
		return
	}
	glog.V(5).Infof("stream: reopen %s after reconnect", chatId)
	if err := s.open(chatId, epoch); err != nil {
		glog.Errorf("stream: reopen %s after reconnect error: %v", chatId, err)
	}
}

// open runs Open; a non-zero expect aborts it unless expect is the current epoch.
func (s *Synchronizer) open(chatId string, expect uint64) error {
	if !chatstore.ValidId(chatId) {
		return fmt.Errorf("%w: chat id %q", chatstore.ErrInvalidInput, chatId)
	}

	s.Lock()
	if s.closed {
		s.Unlock()
		return store.ErrClosed
	}
	if expect != 0 && s.epoch != expect {
		s.Unlock()
		return nil
	}
	s.epoch++
	epoch := s.epoch
	unsubs := s.unsubs
	s.unsubs = nil
	s.chatId = chatId
	s.msgs = make(map[string]*chatstore.Msg)
	s.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.emit(epoch)

	glog.V(5).Infof("stream: open %s epoch=%d", chatId, epoch)

	path := chatstore.MessagesPath(chatId)
	unsubAppend, err := s.es.ListenAppend(path, func(id string, v store.Snapshot) {
		s.onAppend(epoch, chatId, id, v)
	})
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	unsubRemove, err := s.es.ListenRemove(path, func(id string) {
		s.onRemove(epoch, chatId, id)
	})
	if err != nil {
		unsubAppend()
		return fmt.Errorf("listen %s: %w", path, err)
	}

	s.Lock()
	if s.epoch != epoch {
		// reopened or closed meanwhile
		s.Unlock()
		unsubAppend()
		unsubRemove()
		return nil
	}
	s.unsubs = []store.Unsubscribe{unsubAppend, unsubRemove}
	s.Unlock()
	return nil
}

// ChatId returns the open conversation, "" if none.
func (s *Synchronizer) ChatId() string {
	s.Lock()
	defer s.Unlock()
	return s.chatId
}

// OnChange sets the callback run with the sorted view after each cache mutation.
func (s *Synchronizer) OnChange(fn ChangeFunc) {
	s.Lock()
	s.onChange = fn
	s.Unlock()
}

func (s *Synchronizer) active(epoch uint64, chatId string) bool {
	return !s.closed && s.epoch == epoch && s.chatId == chatId
}

func (s *Synchronizer) onAppend(epoch uint64, chatId, id string, v store.Snapshot) {
	s.Lock()
	if !s.active(epoch, chatId) {
		s.Unlock()
		glog.V(5).Infof("stream: drop stale append %s/%s epoch=%d", chatId, id, epoch)
		return
	}
	if _, ok := s.msgs[id]; ok {
		s.Unlock()
		duplicateDeliveries.Inc()
		glog.V(5).Infof("stream: duplicate delivery %s/%s", chatId, id)
		return
	}

	var m chatstore.Msg
	if err := v.Decode(&m); err != nil {
		s.Unlock()
		glog.Errorf("stream: decode message %s/%s error: %v", chatId, id, err)
		return
	}
	m.Id = id
	if m.ConversationId == "" {
		m.ConversationId = chatId
	}
	s.msgs[id] = &m
	s.Unlock()

	s.emit(epoch)
}

func (s *Synchronizer) onRemove(epoch uint64, chatId, id string) {
	s.Lock()
	if !s.active(epoch, chatId) {
		s.Unlock()
		return
	}
	if _, ok := s.msgs[id]; !ok {
		s.Unlock()
		return
	}
	delete(s.msgs, id)
	s.Unlock()

	s.emit(epoch)
}

// emit runs the change callback if epoch is still current.
func (s *Synchronizer) emit(epoch uint64) {
	s.Lock()
	fn := s.onChange
	if fn == nil || s.epoch != epoch || s.closed {
		s.Unlock()
		return
	}
	msgs := s.sorted()
	s.Unlock()
	fn(msgs)
}

// Messages returns the cache ordered by timestamp, ties broken by id.
func (s *Synchronizer) Messages() []*chatstore.Msg {
	s.Lock()
	defer s.Unlock()
	return s.sorted()
}

// sorted fully re-sorts the cache; delivery order says nothing about timestamps.
// Caller holds the lock.
func (s *Synchronizer) sorted() []*chatstore.Msg {
	out := make([]*chatstore.Msg, 0, len(s.msgs))
	for _, m := range s.msgs {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// Send appends a message from the session principal to the open conversation.
// The returned message carries the store id. It shows up in Messages only once the
// store delivers it back.
func (s *Synchronizer) Send(ctx context.Context, text string) (*chatstore.Msg, error) {
	if strings.TrimSpace(text) == "" {
		return nil, chatstore.ErrEmptyMessage
	}
	s.Lock()
	chatId, closed := s.chatId, s.closed
	s.Unlock()
	if closed {
		return nil, store.ErrClosed
	}
	if chatId == "" {
		return nil, fmt.Errorf("%w: no open conversation", chatstore.ErrInvalidInput)
	}

	m := &chatstore.Msg{
		Text:           text,
		SenderId:       s.sess.PrincipalID,
		SenderName:     s.sess.DisplayName,
		Timestamp:      s.now().UnixMilli(),
		ConversationId: chatId,
	}
	if err := chatstore.Validate(m); err != nil {
		return nil, err
	}

	id, err := s.es.Append(ctx, chatstore.MessagesPath(chatId), m)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", chatId, err)
	}
	m.Id = id
	glog.V(5).Infof("stream: sent %s/%s", chatId, id)
	return m, nil
}

// Clear removes every message of the open conversation. Every synchronizer on
// the conversation evicts them through its remove listener.
func (s *Synchronizer) Clear(ctx context.Context) error {
	s.Lock()
	chatId := s.chatId
	s.Unlock()
	if chatId == "" {
		return fmt.Errorf("%w: no open conversation", chatstore.ErrInvalidInput)
	}
	if err := s.es.Remove(ctx, chatstore.MessagesPath(chatId)); err != nil {
		return fmt.Errorf("clear %s: %w", chatId, err)
	}
	return nil
}

// Close releases the subscription. Safe to call more than once.
func (s *Synchronizer) Close() {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	unsubs := s.unsubs
	s.unsubs = nil
	s.msgs = make(map[string]*chatstore.Msg)
	unsubReconnect := s.unsubReconnect
	s.unsubReconnect = nil
	s.Unlock()

	if unsubReconnect != nil {
		unsubReconnect()
	}
	for _, unsub := range unsubs {
		unsub()
	}
}
