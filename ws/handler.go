package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minisync/auth"
	"github.com/mqy/minisync/store"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	KickedOff    SessionError = 6
	SlowConsumer SessionError = 7
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Pending frames per session before it is dropped as a slow consumer.
	dataChanSize = 1024

	// Time allowed for one store request.
	requestTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend.
		// TODO: check origin against a configured allow list.
		return true
	},
}

// Session describes one websocket connection.
type Session struct {
	Sid        string          `json:"sid"`
	Principal  *auth.Principal `json:"principal"`
	CreateTime int64           `json:"create_time"`
	Ip         string          `json:"ip"`
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	eventApi *EventApi
	hub      *Hub

	session *Session
	conn    *websocket.Conn
	wmu     sync.Mutex // one writer at a time

	dataChan chan *SessionData
	subs     map[uint64]store.Unsubscribe

	closing  bool
	overflow bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}

	h.closing = true

	_ = h.write(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	subs := h.subs
	h.subs = nil
	h.Unlock()

	for _, unsub := range subs {
		unsub()
	}

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
	}
	// Ask for hub to remove this handler.
	h.hub.delHandler(h.session.Sid)
}

// appendDataChan queues v for sendLoop. It never blocks: listener callbacks
// call it from the store dispatch goroutine.
func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if h.closing || h.overflow {
		return
	}
	select {
	case h.dataChan <- v:
	default:
		glog.Errorf("session data chan full, drop session: %s", h)
		h.overflow = true
		go h.close(SlowConsumer)
	}
}

func (h *Handler) write(msgType int, data []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteMessage(msgType, data)
}

func (h *Handler) sendServerMsg(msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.write(websocket.TextMessage, out)
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(int64(h.hub.conf.ReadLimit))
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.isClosing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if !h.isClosing() {
				glog.Errorf("recvLoop(): read error: %v", err)
			}
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: newInvalidArgumentError("websocket only supports TextMessage"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: newInvalidArgumentError(fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		var denied *Error
		if req.Op != OpUnlisten {
			denied = h.authorize(&req)
		}

		var resp *ServerMsg
		switch {
		case denied != nil:
			resp = &ServerMsg{Id: req.Id, Sub: req.Sub, Error: denied}
		case req.Op == OpListen:
			resp = h.listen(&req)
		case req.Op == OpUnlisten:
			resp = h.unlisten(&req)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			resp = h.eventApi.Serve(ctx, &req)
			cancel()
		}

		code := "ok"
		if resp.Error != nil {
			code = resp.Error.Code
			glog.V(5).Infof("recvLoop(): %s %q error: %v", req.Op, req.Path, resp.Error)
			if code == ErrorCodeInternal {
				resp.Error.Message = "temp storage error"
			}
		}
		requestsCounter.WithLabelValues(req.Op, code).Inc()
		h.appendDataChan(&SessionData{ServerMsg: resp})
	}
}

// authorize runs the hub's Authorizer on every path req touches.
func (h *Handler) authorize(req *ClientMsg) *Error {
	check := h.hub.conf.Authorize
	if check == nil {
		return nil
	}
	paths := []string{req.Path}
	if req.Op == OpUpdate {
		paths = paths[:0]
		for k := range req.Fields {
			paths = append(paths, store.JoinPath(req.Path, k))
		}
		sort.Strings(paths)
	}
	for _, path := range paths {
		if err := check(h.session.Principal, req.Op, path); err != nil {
			glog.Warningf("session: %s, %s %q denied: %v", h, req.Op, path, err)
			return &Error{Code: ErrorCodeForbidden, Params: []string{path}, Message: err.Error()}
		}
	}
	return nil
}

func (h *Handler) listen(req *ClientMsg) *ServerMsg {
	resp := &ServerMsg{Id: req.Id, Sub: req.Sub}
	if req.Id == 0 || req.Sub == 0 {
		resp.Error = newInvalidArgumentError("id, sub: should be positive integers")
		return resp
	}

	h.Lock()
	_, exists := h.subs[req.Sub]
	h.Unlock()
	if exists {
		resp.Error = newInvalidArgumentError(fmt.Sprintf("sub: %d is in use", req.Sub))
		return resp
	}

	sub := req.Sub
	push := func(event, key string, v *store.Snapshot) {
		msg := &ServerMsg{Sub: sub, Event: event, Key: key}
		if v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				glog.Errorf("listen: marshal %s event of %q error: %v", event, req.Path, err)
				return
			}
			msg.Value = raw
		}
		eventsCounter.WithLabelValues(event).Inc()
		h.appendDataChan(&SessionData{ServerMsg: msg})
	}

	es := h.hub.store
	var unsub store.Unsubscribe
	var err error
	switch req.Kind {
	case KindAppend:
		unsub, err = es.ListenAppend(req.Path, func(id string, v store.Snapshot) { push(KindAppend, id, &v) })
	case KindRemove:
		unsub, err = es.ListenRemove(req.Path, func(id string) { push(KindRemove, id, nil) })
	case KindValue:
		unsub, err = es.ListenValue(req.Path, func(v store.Snapshot) { push(KindValue, v.Key(), &v) })
	default:
		resp.Error = newInvalidArgumentError(fmt.Sprintf("kind: unsupported %q", req.Kind))
		return resp
	}
	if err != nil {
		resp.Error = errorOf(err)
		return resp
	}

	h.Lock()
	if h.closing {
		h.Unlock()
		unsub()
		return resp
	}
	h.subs[sub] = unsub
	h.Unlock()
	return resp
}

func (h *Handler) unlisten(req *ClientMsg) *ServerMsg {
	h.Lock()
	unsub := h.subs[req.Sub]
	delete(h.subs, req.Sub)
	h.Unlock()
	if unsub != nil {
		unsub()
	}
	return &ServerMsg{Id: req.Id, Sub: req.Sub}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := h.sendServerMsg(v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.close(WriteError)
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			if err := h.write(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
