// Package engine composes the contact graph, typing tracker and message stream
// of one signed-in principal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/samber/lo"

	"github.com/mqy/minisync/chatstore"
	"github.com/mqy/minisync/contacts"
	"github.com/mqy/minisync/presence"
	"github.com/mqy/minisync/session"
	"github.com/mqy/minisync/store"
	"github.com/mqy/minisync/stream"
)

type Config struct {
	TypingTTL    time.Duration
	Contacts     contacts.Options
	NoticeBuffer int
}

func DefaultConfig() Config {
	return Config{
		TypingTTL:    presence.DefaultTTL,
		Contacts:     contacts.DefaultOptions(),
		NoticeBuffer: 16,
	}
}

// Notice reports a failed user action. Notices are transient and separate
// from state changes, which only arrive through listeners.
type Notice struct {
	Action string
	Err    error
	Time   time.Time
}

func (n Notice) String() string {
	return fmt.Sprintf("%s failed: %v", n.Action, n.Err)
}

// Client is the sync engine of one session.
type Client struct {
	sync.Mutex

	es   store.IEventStore
	sess *session.Session

	contacts *contacts.Manager
	typing   *presence.Tracker
	stream   *stream.Synchronizer

	notices chan Notice
	peerId  string
	closed  bool

	// held across opening a chat and across a send, so a send records the
	// pair of the chat it was appended to
	chatMu sync.Mutex
}

func NewClient(es store.IEventStore, sess *session.Session, conf Config) *Client {
	if conf.NoticeBuffer <= 0 {
		conf.NoticeBuffer = 16
	}
	return &Client{
		es:       es,
		sess:     sess,
		contacts: contacts.New(es, conf.Contacts),
		typing:   presence.New(es, conf.TypingTTL),
		stream:   stream.New(es, sess),
		notices:  make(chan Notice, conf.NoticeBuffer),
	}
}

func (c *Client) Session() *session.Session { return c.sess }

func (c *Client) Contacts() *contacts.Manager { return c.contacts }

func (c *Client) Stream() *stream.Synchronizer { return c.stream }

func (c *Client) Typing() *presence.Tracker { return c.typing }

// Notices delivers failed actions. When nobody reads, the oldest are dropped.
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

func (c *Client) notify(action string, err error) error {
	if err == nil {
		return nil
	}
	n := Notice{Action: action, Err: err, Time: time.Now()}
	glog.Warningf("engine: %s: %s", c.sess, n)
	for {
		select {
		case c.notices <- n:
			return err
		default:
		}
		select {
		case <-c.notices:
		default:
		}
	}
}

// Start repairs the principal's contact graph and subscribes to contacts,
// requests and typing entries.
func (c *Client) Start(ctx context.Context) error {
	p := c.sess.PrincipalID
	if n, err := c.contacts.Reconcile(ctx, c.sess); err != nil {
		// the sweep runs again on next sign-in
		glog.Errorf("engine: reconcile %s error: %v", p, err)
	} else if n > 0 {
		glog.Infof("engine: reconciled %d relationships of %s", n, p)
	}
	if err := c.contacts.LoadContacts(p); err != nil {
		return err
	}
	if err := c.contacts.ListenRequests(p); err != nil {
		return err
	}
	if err := c.typing.Listen(nil); err != nil {
		return err
	}
	glog.Infof("engine: %s started", c.sess)
	return nil
}

// OpenChat opens the conversation shared with peerId.
func (c *Client) OpenChat(ctx context.Context, peerId string) error {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()

	contact, ok := c.contacts.Contact(peerId)
	if !ok {
		snap, err := c.es.ReadOnce(ctx, chatstore.ContactPath(c.sess.PrincipalID, peerId))
		if err != nil {
			return c.notify("open chat", err)
		}
		if err := snap.Decode(&contact); err != nil || contact.ChatId == "" {
			return c.notify("open chat", fmt.Errorf("%w: %s is not a contact", chatstore.ErrInvalidInput, peerId))
		}
	}
	if err := c.stream.Open(contact.ChatId); err != nil {
		return c.notify("open chat", err)
	}
	c.Lock()
	c.peerId = peerId
	c.Unlock()
	return nil
}

// Peer returns the peer of the open conversation.
func (c *Client) Peer() string {
	c.Lock()
	defer c.Unlock()
	return c.peerId
}

// Messages returns the open conversation, ordered.
func (c *Client) Messages() []*chatstore.Msg {
	return c.stream.Messages()
}

// SendMessage appends text to the open conversation, clears the typing entry
// and updates both contact records.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()

	peerId := c.Peer()
	m, err := c.stream.Send(ctx, text)
	if err != nil {
		return c.notify("send message", err)
	}
	if err := c.typing.SetTyping(ctx, c.sess.PrincipalID, c.sess.DisplayName, false); err != nil {
		glog.Warningf("engine: clear typing of %s error: %v", c.sess, err)
	}
	if err := c.contacts.RecordMessage(ctx, c.sess.PrincipalID, peerId, m.Text, m.Timestamp); err != nil {
		return c.notify("update contacts", err)
	}
	return nil
}

func (c *Client) SetTyping(ctx context.Context, isTyping bool) error {
	return c.notify("typing", c.typing.SetTyping(ctx, c.sess.PrincipalID, c.sess.DisplayName, isTyping))
}

// TypingPeers returns the names of other principals currently typing.
func (c *Client) TypingPeers() []string {
	entries := lo.Filter(c.typing.Typing(), func(e chatstore.TypingEntry, _ int) bool {
		return e.PrincipalId != c.sess.PrincipalID
	})
	return lo.Map(entries, func(e chatstore.TypingEntry, _ int) string { return e.Username })
}

func (c *Client) SendFriendRequest(ctx context.Context, toId string) error {
	return c.notify("friend request", c.contacts.SendFriendRequest(ctx,
		c.sess.PrincipalID, c.sess.DisplayName, c.sess.Email, toId))
}

// Respond accepts or declines a pending request, returning the new chat id on accept.
func (c *Client) Respond(ctx context.Context, req chatstore.FriendRequest, accept bool) (string, error) {
	chatId, err := c.contacts.RespondToRequest(ctx, c.sess, req, accept)
	if err != nil {
		action := lo.Ternary(accept, "accept request", "decline request")
		if errors.Is(err, chatstore.ErrPartialGraphWrite) {
			// repaired on next sign-in
			glog.Errorf("engine: %s: %v", action, err)
		}
		return "", c.notify(action, err)
	}
	return chatId, nil
}

// ClearChat removes every message of the open conversation.
func (c *Client) ClearChat(ctx context.Context) error {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()
	return c.notify("clear chat", c.stream.Clear(ctx))
}

// Close releases every subscription and timer. Safe to call more than once.
func (c *Client) Close() {
	c.Lock()
	if c.closed {
		c.Unlock()
		return
	}
	c.closed = true
	c.Unlock()

	c.stream.Close()
	c.typing.Close()
	c.contacts.Close()
	glog.Infof("engine: %s closed", c.sess)
}

// Hook returns a session start hook running one Client per session. started,
// if set, gets each new client.
func Hook(es store.IEventStore, conf Config, started func(*Client)) session.StartFunc {
	return func(s *session.Session) (func(), error) {
		c := NewClient(es, s, conf)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Start(ctx); err != nil {
			c.Close()
			return nil, err
		}
		if started != nil {
			started(c)
		}
		return c.Close, nil
	}
}
