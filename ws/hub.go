package ws

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minisync/auth"
	"github.com/mqy/minisync/store"
)

// Authorizer decides whether principal may run op on path. Update requests
// are checked once per field path.
type Authorizer func(principal *auth.Principal, op, path string) error

type Conf struct {
	// websocket max message size to read.
	ReadLimit int
	// Max value bytes of one write request.
	MaxValueBytes int
	// Per principal session quota; the oldest sessions are kicked off
	// beyond it. 0 means unlimited.
	SessionQuota int
	// Per request path check; nil allows every path.
	Authorize Authorizer
}

func DefaultConf() Conf {
	return Conf{
		ReadLimit:     64 * 1024,
		MaxValueBytes: 32 * 1024,
		SessionQuota:  5,
	}
}

// Hub works as a hub that manages and serves sessions on top of one store.
type Hub struct {
	conf       Conf
	store      store.IEventStore
	eventApi   *EventApi
	authClient auth.Client
	hstore     *HandlerStore
	online     atomic.Bool
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, eventStore store.IEventStore, conf Conf) *Hub {
	h := &Hub{
		conf:       conf,
		store:      eventStore,
		eventApi:   NewApi(eventStore, conf.MaxValueBytes),
		authClient: authClient,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
	h.online.Store(true)
	return h
}

// Run closes every session when ctx is done.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	<-ctx.Done()
	h.Offline()
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
	stopDoneNotifyC <- struct{}{}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online.Load() {
		http.Error(w, "This node is temporarily offline", http.StatusServiceUnavailable)
		return
	}

	principal, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Principal:  principal,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().UnixNano(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, principal: %s, err: %s", principal.Id, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *SessionData, dataChanSize),
		subs:     make(map[uint64]store.Unsubscribe),
		session:  sess,
		conn:     conn,
		eventApi: h.eventApi,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		// ReadMessage returns the close error next; recvLoop ends the session.
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	h.enforceQuota(handler.session.Principal.Id)
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		glog.V(5).Infof("hub: session %s removed, %d left", sid, h.hstore.len())
	}
}

// enforceQuota kicks off the oldest sessions of principalId beyond the quota.
func (h *Hub) enforceQuota(principalId string) {
	if h.conf.SessionQuota <= 0 {
		return
	}
	handlers := h.hstore.getByPrincipal(principalId)
	if len(handlers) <= h.conf.SessionQuota {
		return
	}
	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].session.CreateTime < handlers[j].session.CreateTime
	})
	for _, s := range handlers[:len(handlers)-h.conf.SessionQuota] {
		h.Kickoff(s.session.Sid)
	}
}

// Sessions returns the number of local sessions.
func (h *Hub) Sessions() int {
	return h.hstore.len()
}

// Online lets new sessions in.
func (h *Hub) Online() {
	glog.Infof("Online()")
	h.online.Store(true)
}

// Offline rejects new sessions; open sessions are kept.
func (h *Hub) Offline() {
	glog.Infof("Offline()")
	h.online.Store(false)
}

// Kickoff tells the client of session sid to go away and closes it.
func (h *Hub) Kickoff(sid string) {
	glog.Infof("Kickoff: %s", sid)
	if s := h.hstore.get(sid); s != nil {
		glog.V(5).Infof("Kickoff(): kickoff local session: %s", s)
		s.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Kickoff: true}})
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
