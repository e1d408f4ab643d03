// The demo signs in two principals against a running minisync server and
// walks them through a friend request, typing, a short conversation and a
// clear, printing what each side observes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minisync/auth"
	"github.com/mqy/minisync/chatstore"
	"github.com/mqy/minisync/engine"
	"github.com/mqy/minisync/session"
	"github.com/mqy/minisync/ws"
)

var (
	flagUrl       = flag.String("url", "ws://127.0.0.1:8000/ws", "minisync websocket url")
	flagJwtSecret = flag.String("jwt-secret", "", "sign bearer tokens with this secret; empty sends x-uid cookies")
	flagAlice     = flag.String("alice", "alice", "first principal id")
	flagBob       = flag.String("bob", "bob", "second principal id")
	flagClear     = flag.Bool("clear", true, "clear the conversation at the end")
	flagTimeout   = flag.Duration("timeout", 10*time.Second, "wait timeout of each step")
)

type user struct {
	name     string
	provider *auth.LocalProvider
	manager  *session.Manager
	started  chan *engine.Client
	client   *engine.Client
}

func credentials(s *session.Session) (http.Header, error) {
	h := http.Header{}
	if *flagJwtSecret == "" {
		h.Add("Cookie", "x-uid="+url.QueryEscape(s.PrincipalID))
		h.Add("Cookie", "x-name="+url.QueryEscape(s.DisplayName))
		h.Add("Cookie", "x-email="+url.QueryEscape(s.Email))
		return h, nil
	}
	c := &auth.JWTClient{Secret: []byte(*flagJwtSecret)}
	token, err := c.Sign(&auth.Principal{Id: s.PrincipalID, Name: s.DisplayName, Email: s.Email}, time.Hour)
	if err != nil {
		return nil, err
	}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// wsHook dials one websocket store per session and runs an engine on it.
func wsHook(started func(*engine.Client)) session.StartFunc {
	return func(s *session.Session) (func(), error) {
		header, err := credentials(s)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
		defer cancel()
		es, err := ws.Dial(ctx, *flagUrl, header)
		if err != nil {
			return nil, err
		}
		stop, err := engine.Hook(es, engine.DefaultConfig(), started)(s)
		if err != nil {
			_ = es.Close()
			return nil, err
		}
		return func() {
			stop()
			_ = es.Close()
		}, nil
	}
}

func signIn(id, name string) (*user, error) {
	u := &user{
		name:     name,
		provider: auth.NewLocalProvider(),
		started:  make(chan *engine.Client, 1),
	}
	u.manager = session.NewManager(u.provider)
	u.manager.OnStart(wsHook(func(c *engine.Client) { u.started <- c }))
	u.manager.Run()
	u.provider.SignIn(&auth.Principal{Id: id, Name: name, Email: id + "@example.com"})

	select {
	case u.client = <-u.started:
	case <-time.After(*flagTimeout):
		u.manager.Close()
		return nil, fmt.Errorf("%s: session did not start", name)
	}
	go func() {
		for n := range u.client.Notices() {
			fmt.Printf("[%s] notice: %s\n", name, n)
		}
	}()
	return u, nil
}

func (u *user) close() {
	u.manager.SignOut()
	u.manager.Close()
}

func waitFor(what string, cond func() bool) error {
	deadline := time.Now().Add(*flagTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func printMessages(u *user) {
	fmt.Printf("[%s] conversation:\n", u.name)
	for _, m := range u.client.Messages() {
		fmt.Printf("  %s %s: %s\n", time.UnixMilli(m.Timestamp).Format(time.TimeOnly), m.SenderName, m.Text)
	}
}

func main() {
	flag.Parse()
	defer glog.Flush()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	alice, err := signIn(*flagAlice, "Alice")
	if err != nil {
		return err
	}
	defer alice.close()
	bob, err := signIn(*flagBob, "Bob")
	if err != nil {
		return err
	}
	defer bob.close()

	a, b := alice.client, bob.client
	b.Contacts().OnRequests(func(reqs []chatstore.FriendRequest) {
		fmt.Printf("[Bob] %d pending friend requests\n", len(reqs))
	})
	if _, ok := a.Contacts().Contact(*flagBob); !ok {
		if err := a.SendFriendRequest(ctx, *flagBob); err != nil && !errors.Is(err, chatstore.ErrDuplicateRequest) {
			return err
		}
		var req chatstore.FriendRequest
		if err := waitFor("friend request", func() bool {
			for _, r := range b.Contacts().Requests() {
				if r.Id == *flagAlice {
					req = r
					return true
				}
			}
			return false
		}); err != nil {
			return err
		}
		fmt.Printf("[Bob] friend request from %s <%s>\n", req.SenderName, req.SenderEmail)

		chatId, err := b.Respond(ctx, req, true)
		if err != nil {
			return err
		}
		fmt.Printf("[Bob] accepted, chat %s\n", chatId)
		if err := waitFor("contact", func() bool {
			_, ok := a.Contacts().Contact(*flagBob)
			return ok
		}); err != nil {
			return err
		}
	}

	if err := a.OpenChat(ctx, *flagBob); err != nil {
		return err
	}
	if err := b.OpenChat(ctx, *flagAlice); err != nil {
		return err
	}
	before := len(b.Messages())

	if err := a.SetTyping(ctx, true); err != nil {
		return err
	}
	if err := waitFor("typing", func() bool { return len(b.TypingPeers()) > 0 }); err != nil {
		return err
	}
	fmt.Printf("[Bob] %s typing...\n", strings.Join(b.TypingPeers(), ", "))

	if err := a.SendMessage(ctx, "hi bob"); err != nil {
		return err
	}
	if err := b.SendMessage(ctx, "hi alice"); err != nil {
		return err
	}
	for _, u := range []*user{alice, bob} {
		c := u.client
		if err := waitFor(u.name+" messages", func() bool { return len(c.Messages()) >= before+2 }); err != nil {
			return err
		}
		printMessages(u)
	}

	if contact, ok := b.Contacts().Contact(*flagAlice); ok {
		fmt.Printf("[Bob] last message from contacts: %q\n", contact.LastMessage)
	}

	if *flagClear {
		if err := a.ClearChat(ctx); err != nil {
			return err
		}
		if err := waitFor("clear", func() bool { return len(b.Messages()) == 0 }); err != nil {
			return err
		}
		fmt.Println("[Bob] conversation cleared")
	}
	return nil
}
