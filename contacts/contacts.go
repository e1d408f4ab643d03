// Package contacts maintains the mirrored contact graph and pending friend
// requests of a principal.
package contacts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/samber/lo"

	"github.com/mqy/minisync/chatstore"
	"github.com/mqy/minisync/store"
)

type Options struct {
	// Atomic makes every graph mutation one multi-path Update. Without it,
	// mirrored records are written one by one and a failure in between
	// returns chatstore.ErrPartialGraphWrite.
	Atomic bool
}

func DefaultOptions() Options {
	return Options{Atomic: true}
}

// Manager keeps live lists of contacts (userChats/{principal}) and pending
// requests (requests/{principal}), and writes graph mutations.
type Manager struct {
	sync.Mutex

	es   store.IEventStore
	opts Options
	now  func() time.Time

	contactsGen   uint64
	contactsUnsub store.Unsubscribe
	contacts      map[string]chatstore.Contact
	onContacts    func([]chatstore.Contact)

	requestsGen   uint64
	requestsUnsub store.Unsubscribe
	requests      map[string]chatstore.FriendRequest
	onRequests    func([]chatstore.FriendRequest)

	closed bool
}

func New(es store.IEventStore, opts Options) *Manager {
	return &Manager{
		es:       es,
		opts:     opts,
		now:      time.Now,
		contacts: make(map[string]chatstore.Contact),
		requests: make(map[string]chatstore.FriendRequest),
	}
}

// OnContacts sets the callback receiving the sorted contact list after each change.
func (m *Manager) OnContacts(fn func([]chatstore.Contact)) {
	m.Lock()
	m.onContacts = fn
	m.Unlock()
}

// OnRequests sets the callback receiving the pending requests after each change.
func (m *Manager) OnRequests(fn func([]chatstore.FriendRequest)) {
	m.Lock()
	m.onRequests = fn
	m.Unlock()
}

// LoadContacts subscribes to the contact records of principalId, replacing
// any previous contacts subscription.
func (m *Manager) LoadContacts(principalId string) error {
	if !chatstore.ValidId(principalId) {
		return fmt.Errorf("%w: principal id %q", chatstore.ErrInvalidInput, principalId)
	}
	m.Lock()
	if m.closed {
		m.Unlock()
		return store.ErrClosed
	}
	m.contactsGen++
	gen := m.contactsGen
	prev := m.contactsUnsub
	m.contactsUnsub = nil
	m.contacts = make(map[string]chatstore.Contact)
	m.Unlock()
	if prev != nil {
		prev()
	}

	unsub, err := m.es.ListenValue(chatstore.ContactsPath(principalId), func(v store.Snapshot) {
		m.onContactsValue(gen, v)
	})
	if err != nil {
		return fmt.Errorf("listen contacts of %s: %w", principalId, err)
	}

	m.Lock()
	defer m.Unlock()
	if m.closed || m.contactsGen != gen {
		unsub()
		return nil
	}
	m.contactsUnsub = unsub
	return nil
}

func (m *Manager) onContactsValue(gen uint64, v store.Snapshot) {
	contacts := make(map[string]chatstore.Contact)
	for _, c := range v.Children() {
		var contact chatstore.Contact
		if err := c.Decode(&contact); err != nil {
			glog.Errorf("contacts: decode contact %s error: %v", c.Key(), err)
			continue
		}
		if contact.UserId == "" {
			contact.UserId = c.Key()
		}
		contacts[c.Key()] = contact
	}

	m.Lock()
	if m.closed || m.contactsGen != gen {
		m.Unlock()
		return
	}
	m.contacts = contacts
	fn := m.onContacts
	list := m.sortedContacts()
	m.Unlock()

	if fn != nil {
		fn(list)
	}
}

// Contacts returns the contacts, most recent activity first.
func (m *Manager) Contacts() []chatstore.Contact {
	m.Lock()
	defer m.Unlock()
	return m.sortedContacts()
}

// Contact returns the cached contact record for peerId.
func (m *Manager) Contact(peerId string) (chatstore.Contact, bool) {
	m.Lock()
	defer m.Unlock()
	c, ok := m.contacts[peerId]
	return c, ok
}

func (m *Manager) sortedContacts() []chatstore.Contact {
	out := lo.Values(m.contacts)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].UserId < out[j].UserId
	})
	return out
}

// ListenRequests subscribes to the pending requests sent to principalId.
func (m *Manager) ListenRequests(principalId string) error {
	if !chatstore.ValidId(principalId) {
		return fmt.Errorf("%w: principal id %q", chatstore.ErrInvalidInput, principalId)
	}
	m.Lock()
	if m.closed {
		m.Unlock()
		return store.ErrClosed
	}
	m.requestsGen++
	gen := m.requestsGen
	prev := m.requestsUnsub
	m.requestsUnsub = nil
	m.requests = make(map[string]chatstore.FriendRequest)
	m.Unlock()
	if prev != nil {
		prev()
	}

	unsub, err := m.es.ListenValue(chatstore.RequestsPath(principalId), func(v store.Snapshot) {
		m.onRequestsValue(gen, v)
	})
	if err != nil {
		return fmt.Errorf("listen requests of %s: %w", principalId, err)
	}

	m.Lock()
	defer m.Unlock()
	if m.closed || m.requestsGen != gen {
		unsub()
		return nil
	}
	m.requestsUnsub = unsub
	return nil
}

func (m *Manager) onRequestsValue(gen uint64, v store.Snapshot) {
	requests := make(map[string]chatstore.FriendRequest)
	for _, c := range v.Children() {
		var req chatstore.FriendRequest
		if err := c.Decode(&req); err != nil {
			glog.Errorf("contacts: decode request %s error: %v", c.Key(), err)
			continue
		}
		req.Id = c.Key()
		requests[req.Id] = req
	}

	m.Lock()
	if m.closed || m.requestsGen != gen {
		m.Unlock()
		return
	}
	m.requests = requests
	fn := m.onRequests
	list := m.sortedRequests()
	m.Unlock()

	if fn != nil {
		fn(list)
	}
}

// Requests returns the pending requests, oldest first.
func (m *Manager) Requests() []chatstore.FriendRequest {
	m.Lock()
	defer m.Unlock()
	return m.sortedRequests()
}

func (m *Manager) sortedRequests() []chatstore.FriendRequest {
	out := lo.Values(m.requests)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// Close releases both subscriptions. Safe to call more than once.
func (m *Manager) Close() {
	m.Lock()
	if m.closed {
		m.Unlock()
		return
	}
	m.closed = true
	unsubs := []store.Unsubscribe{m.contactsUnsub, m.requestsUnsub}
	m.contactsUnsub, m.requestsUnsub = nil, nil
	m.contacts = make(map[string]chatstore.Contact)
	m.requests = make(map[string]chatstore.FriendRequest)
	m.Unlock()

	for _, unsub := range unsubs {
		if unsub != nil {
			unsub()
		}
	}
}
