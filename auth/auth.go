package auth

import (
	"net/http"
	"sort"
	"sync"

	"github.com/golang/glog"
)

// Principal is an authenticated identity.
type Principal struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Client interface {
	// Auth authenticate current user, return the principal.
	Auth(r *http.Request) (*Principal, error)
}

// Provider reports sign-in and sign-out. The callback gets a principal exactly
// once per sign-in and nil exactly once per sign-out.
type Provider interface {
	OnAuthChange(fn func(*Principal)) (unsubscribe func())
	SignOut()
}

// LocalProvider is a Provider driven by explicit SignIn/SignOut calls. Callbacks
// run synchronously on the caller goroutine, in registration order.
type LocalProvider struct {
	sync.Mutex

	current   *Principal
	nextId    int
	listeners map[int]func(*Principal)
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{listeners: make(map[int]func(*Principal))}
}

// OnAuthChange registers fn. A principal already signed in is delivered at once,
// as a persisted session is on reload.
func (p *LocalProvider) OnAuthChange(fn func(*Principal)) func() {
	p.Lock()
	p.nextId++
	id := p.nextId
	p.listeners[id] = fn
	current := p.current
	p.Unlock()

	if current != nil {
		fn(current)
	}
	return func() {
		p.Lock()
		delete(p.listeners, id)
		p.Unlock()
	}
}

// SignIn signs principal in, signing out the previous principal first.
func (p *LocalProvider) SignIn(principal *Principal) {
	p.Lock()
	prev := p.current
	p.current = principal
	fns := p.snapshot()
	p.Unlock()

	if prev != nil {
		glog.V(5).Infof("auth: sign out %s", prev.Id)
		for _, fn := range fns {
			fn(nil)
		}
	}
	glog.V(5).Infof("auth: sign in %s", principal.Id)
	for _, fn := range fns {
		fn(principal)
	}
}

func (p *LocalProvider) SignOut() {
	p.Lock()
	prev := p.current
	p.current = nil
	fns := p.snapshot()
	p.Unlock()

	if prev == nil {
		return
	}
	glog.V(5).Infof("auth: sign out %s", prev.Id)
	for _, fn := range fns {
		fn(nil)
	}
}

func (p *LocalProvider) snapshot() []func(*Principal) {
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(*Principal), 0, len(ids))
	for _, id := range ids {
		out = append(out, p.listeners[id])
	}
	return out
}
