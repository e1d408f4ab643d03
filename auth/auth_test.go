package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider(t *testing.T) {
	p := NewLocalProvider()

	var got []*Principal
	unsub := p.OnAuthChange(func(v *Principal) { got = append(got, v) })

	alice := &Principal{Id: "A", Name: "Alice"}
	p.SignIn(alice)
	p.SignOut()
	p.SignOut()
	assert.Equal(t, []*Principal{alice, nil}, got)

	// late subscriber sees the persisted session
	p.SignIn(alice)
	var late []*Principal
	p.OnAuthChange(func(v *Principal) { late = append(late, v) })
	assert.Equal(t, []*Principal{alice}, late)

	unsub()
	p.SignOut()
	assert.Len(t, got, 3)
	assert.Equal(t, []*Principal{alice, nil}, late)
}

func TestMockClient(t *testing.T) {
	c := &MockClient{}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := c.Auth(r)
	assert.Error(t, err)

	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "A"})
	r.AddCookie(&http.Cookie{Name: "x-name", Value: "Alice%20A"})
	p, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, &Principal{Id: "A", Name: "Alice A"}, p)
}

func TestJWTClient(t *testing.T) {
	c := &JWTClient{Secret: []byte("s3cret")}

	token, err := c.Sign(&Principal{Id: "B", Name: "Bob", Email: "bob@example.com"}, time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	p, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, &Principal{Id: "B", Name: "Bob", Email: "bob@example.com"}, p)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, err = c.Auth(r)
	assert.NoError(t, err)

	other := &JWTClient{Secret: []byte("other")}
	_, err = other.Auth(r)
	assert.Error(t, err)

	expired, err := c.Sign(&Principal{Id: "B"}, -time.Minute)
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/ws?token="+expired, nil)
	_, err = c.Auth(r)
	assert.Error(t, err)
}
