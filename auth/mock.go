package auth

import (
	"fmt"
	"net/http"
	"net/url"
)

// MockClient trusts the x-uid, x-name and x-email cookies. For development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (*Principal, error) {
	var p Principal

	if c, err := r.Cookie("x-uid"); err == nil {
		p.Id = c.Value
	}
	if p.Id == "" {
		return nil, fmt.Errorf("empty x-uid from cookie")
	}
	if c, err := r.Cookie("x-name"); err == nil {
		p.Name, _ = url.QueryUnescape(c.Value)
	}
	if c, err := r.Cookie("x-email"); err == nil {
		p.Email, _ = url.QueryUnescape(c.Value)
	}
	if p.Name == "" {
		p.Name = p.Id
	}
	return &p, nil
}
