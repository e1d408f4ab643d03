package session

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minisync/auth"
)

// Session is the signed-in principal, passed explicitly to every component
// acting on its behalf.
type Session struct {
	PrincipalID string
	DisplayName string
	Email       string
}

func (s *Session) String() string {
	return fmt.Sprintf("%s(%s)", s.PrincipalID, s.DisplayName)
}

func FromPrincipal(p *auth.Principal) *Session {
	return &Session{PrincipalID: p.Id, DisplayName: p.Name, Email: p.Email}
}

// StartFunc runs when a session starts. The returned stop func, if any, runs
// when the session ends.
type StartFunc func(s *Session) (stop func(), err error)

// Manager follows an auth.Provider: a principal starts a session and runs the
// start hooks, a sign-out runs the stop hooks in reverse order.
type Manager struct {
	sync.Mutex

	provider auth.Provider
	hooks    []StartFunc
	current  *Session
	stops    []func()
	unsub    func()
}

func NewManager(provider auth.Provider) *Manager {
	return &Manager{provider: provider}
}

// OnStart registers a hook. Hooks must be registered before Run.
func (m *Manager) OnStart(fn StartFunc) {
	m.Lock()
	m.hooks = append(m.hooks, fn)
	m.Unlock()
}

// Run subscribes to the provider.
func (m *Manager) Run() {
	unsub := m.provider.OnAuthChange(m.onAuthChange)
	m.Lock()
	m.unsub = unsub
	m.Unlock()
}

// Current returns the active session, nil when signed out.
func (m *Manager) Current() *Session {
	m.Lock()
	defer m.Unlock()
	return m.current
}

// SignOut asks the provider to sign out; the session ends through the callback.
func (m *Manager) SignOut() {
	m.provider.SignOut()
}

// Close unsubscribes from the provider and ends the active session.
func (m *Manager) Close() {
	m.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.Unlock()
	if unsub != nil {
		unsub()
	}
	m.onAuthChange(nil)
}

func (m *Manager) onAuthChange(p *auth.Principal) {
	m.Lock()
	defer m.Unlock()

	if m.current != nil {
		m.teardown()
	}
	if p == nil {
		return
	}

	s := FromPrincipal(p)
	m.current = s
	glog.Infof("session: start %s", s)
	for i, hook := range m.hooks {
		stop, err := hook(s)
		if err != nil {
			glog.Errorf("session: start hook #%d for %s error: %v", i, s, err)
			continue
		}
		if stop != nil {
			m.stops = append(m.stops, stop)
		}
	}
}

// teardown runs stop hooks. Caller holds the lock.
func (m *Manager) teardown() {
	glog.Infof("session: stop %s", m.current)
	for i := len(m.stops) - 1; i >= 0; i-- {
		m.stops[i]()
	}
	m.stops = nil
	m.current = nil
}
