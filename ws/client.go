package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minisync/store"
)

type clientSub struct {
	id     uint64
	kind   string
	path   string
	closed atomic.Bool

	onAppend store.AppendFunc
	onRemove store.RemoveFunc
	onValue  store.ValueFunc
}

// Client is a store.IEventStore served by a Hub over one websocket
// connection. Listener callbacks run on a single goroutine, in the order the
// server sent the events.
//
// When the connection is lost, pending and later calls fail with
// store.ErrStoreUnavailable until Reconnect, which registers every listener
// again; the server then redelivers their current state.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	nextId    uint64
	nextSub   uint64
	pending   map[uint64]chan *ServerMsg
	subs      map[uint64]*clientSub
	nextHook  uint64
	hooks     map[uint64]func()

	wmu        sync.Mutex
	dispatcher *store.Dispatcher
}

var _ store.IReconnectNotifier = (*Client)(nil)

// Dial connects to a Hub. header carries the credentials the hub's
// auth.Client expects.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	c := &Client{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		pending:    make(map[uint64]chan *ServerMsg),
		subs:       make(map[uint64]*clientSub),
		hooks:      make(map[uint64]func()),
		dispatcher: store.NewDispatcher(),
	}
	if err := c.connect(ctx); err != nil {
		c.dispatcher.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: %v (http %d)", store.ErrStoreUnavailable, c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", store.ErrStoreUnavailable, c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return store.ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.recvLoop(conn)
	glog.V(5).Infof("ws client: connected to %s", c.url)
	return nil
}

// Connected reports whether the connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnect replaces the connection and registers every listener again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return store.ErrClosed
	}
	old := c.conn
	c.mu.Unlock()
	if old != nil {
		c.lost(old, fmt.Errorf("reconnect"))
	}

	if err := c.connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	subs := make([]*clientSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if s.closed.Load() {
			continue
		}
		if _, err := c.call(ctx, &ClientMsg{Op: OpListen, Kind: s.kind, Path: s.path, Sub: s.id}); err != nil {
			return fmt.Errorf("listen %s again: %w", s.path, err)
		}
	}
	glog.Infof("ws client: reconnected to %s, %d listeners", c.url, len(subs))

	c.mu.Lock()
	hooks := make([]func(), 0, len(c.hooks))
	for _, id := range sortedHookIds(c.hooks) {
		hooks = append(hooks, c.hooks[id])
	}
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// OnReconnect registers fn, run on the goroutine calling Reconnect after
// every listener is registered again.
func (c *Client) OnReconnect(fn func()) store.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	c.nextHook++
	id := c.nextHook
	c.hooks[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

func sortedHookIds(hooks map[uint64]func()) []uint64 {
	ids := make([]uint64, 0, len(hooks))
	for id := range hooks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Disconnect drops the connection without closing the client.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.lost(conn, fmt.Errorf("disconnect"))
	}
}

// lost marks conn as gone and fails its pending calls. Stale conns are ignored.
func (c *Client) lost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	pending := c.pending
	c.pending = make(map[uint64]chan *ServerMsg)
	c.mu.Unlock()

	glog.Warningf("ws client: connection to %s lost: %v", c.url, cause)
	for _, ch := range pending {
		ch <- &ServerMsg{Error: &Error{Code: ErrorCodeUnavailable, Message: "connection lost"}}
	}
	conn.Close()
}

func (c *Client) recvLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		var msg ServerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			glog.Errorf("ws client: bad server message: %s, err: %v", data, err)
			continue
		}

		switch {
		case msg.Kickoff:
			c.lost(conn, fmt.Errorf("kicked off"))
			return
		case msg.Event != "":
			c.dispatch(&msg)
		case msg.Id > 0:
			c.mu.Lock()
			ch, ok := c.pending[msg.Id]
			delete(c.pending, msg.Id)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
		default:
			glog.Errorf("ws client: unexpected server message: %s", data)
		}
	}
}

func (c *Client) dispatch(msg *ServerMsg) {
	c.mu.Lock()
	s := c.subs[msg.Sub]
	c.mu.Unlock()
	if s == nil {
		return
	}

	snap, err := store.NewSnapshot(msg.Key, rawValue(msg.Value))
	if err != nil {
		glog.Errorf("ws client: bad %s event value: %v", msg.Event, err)
		return
	}
	key := msg.Key
	c.dispatcher.Post(func() {
		if s.closed.Load() {
			return
		}
		switch {
		case msg.Event == KindAppend && s.onAppend != nil:
			s.onAppend(key, snap)
		case msg.Event == KindRemove && s.onRemove != nil:
			s.onRemove(key)
		case msg.Event == KindValue && s.onValue != nil:
			s.onValue(snap)
		}
	})
}

func (c *Client) call(ctx context.Context, req *ClientMsg) (*ServerMsg, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected", store.ErrStoreUnavailable)
	}
	c.nextId++
	req.Id = c.nextId
	ch := make(chan *ServerMsg, 1)
	c.pending[req.Id] = ch
	conn := c.conn
	c.mu.Unlock()

	out, err := json.Marshal(req)
	if err == nil {
		c.wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, out)
		c.wmu.Unlock()
		if err != nil {
			c.lost(conn, err)
			err = fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
		}
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.Id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.Id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func marshalValue(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidValue, err)
	}
	return b, nil
}

func (c *Client) Append(ctx context.Context, path string, value any) (string, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, &ClientMsg{Op: OpAppend, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, &ClientMsg{Op: OpSet, Path: path, Value: raw})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := marshalValue(v)
		if err != nil {
			return err
		}
		if b == nil {
			b = json.RawMessage("null")
		}
		raw[k] = b
	}
	_, err := c.call(ctx, &ClientMsg{Op: OpUpdate, Path: path, Fields: raw})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, &ClientMsg{Op: OpRemove, Path: path})
	return err
}

func (c *Client) ReadOnce(ctx context.Context, path string) (store.Snapshot, error) {
	resp, err := c.call(ctx, &ClientMsg{Op: OpRead, Path: path})
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(resp.Key, rawValue(resp.Value))
}

func (c *Client) ListenAppend(path string, fn store.AppendFunc) (store.Unsubscribe, error) {
	return c.listen(&clientSub{kind: KindAppend, path: path, onAppend: fn})
}

func (c *Client) ListenRemove(path string, fn store.RemoveFunc) (store.Unsubscribe, error) {
	return c.listen(&clientSub{kind: KindRemove, path: path, onRemove: fn})
}

func (c *Client) ListenValue(path string, fn store.ValueFunc) (store.Unsubscribe, error) {
	return c.listen(&clientSub{kind: KindValue, path: path, onValue: fn})
}

func (c *Client) listen(s *clientSub) (store.Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	c.nextSub++
	s.id = c.nextSub
	c.subs[s.id] = s
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.call(ctx, &ClientMsg{Op: OpListen, Kind: s.kind, Path: s.path, Sub: s.id}); err != nil {
		s.closed.Store(true)
		c.mu.Lock()
		delete(c.subs, s.id)
		c.mu.Unlock()
		return nil, err
	}

	return func() {
		if s.closed.Swap(true) {
			return
		}
		c.mu.Lock()
		delete(c.subs, s.id)
		connected := c.connected && !c.closed
		c.mu.Unlock()
		if !connected {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if _, err := c.call(ctx, &ClientMsg{Op: OpUnlisten, Sub: s.id}); err != nil {
				glog.V(5).Infof("ws client: unlisten %d error: %v", s.id, err)
			}
		}()
	}, nil
}

// Drain waits until every event received so far has been delivered.
func (c *Client) Drain() {
	c.dispatcher.Drain()
}

// Close drops the connection and stops event delivery.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		c.lost(conn, fmt.Errorf("closed"))
	}

	c.mu.Lock()
	c.closed = true
	for _, s := range c.subs {
		s.closed.Store(true)
	}
	c.subs = nil
	c.hooks = nil
	c.mu.Unlock()

	c.dispatcher.Close()
	return nil
}
