package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/presence"
	"github.com/chatrelay/chatrelay/registry"
	"github.com/chatrelay/chatrelay/typing"
	"github.com/chatrelay/chatrelay/types"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router owns the per-room hubs and the global fan-out path. It is the single
// place where state transitions become wire events.
type Router struct {
	cfg       *config.Config
	store     *membership.Store
	registry  *registry.Registry
	presence  *presence.Tracker
	typing    *typing.Coordinator
	auth      *auth.Authenticator
	persister persistence.Persister

	mu   sync.RWMutex
	hubs map[string]*Hub

	done chan struct{}
	wg   sync.WaitGroup
}

func NewRouter(cfg *config.Config, store *membership.Store, reg *registry.Registry, tracker *presence.Tracker, authn *auth.Authenticator, persister persistence.Persister) *Router {
	r := &Router{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		presence:  tracker,
		auth:      authn,
		persister: persister,
		hubs:      make(map[string]*Hub),
		done:      make(chan struct{}),
	}
	r.typing = typing.NewCoordinator(cfg.TypingConfig.Timeout, r.typingExpired)
	return r
}

// Hub returns the delivery actor of a room, starting its loop on first use.
func (r *Router) Hub(roomId string) *Hub {
	r.mu.RLock()
	h, ok := r.hubs[roomId]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[roomId]; ok {
		return h
	}
	h = newHub(roomId, r)
	r.hubs[roomId] = h
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		h.run(r.done)
	}()
	return h
}

// Route queues an event for a room without waiting for delivery.
func (r *Router) Route(roomId string, ev *Event) {
	if ev == nil {
		return
	}
	select {
	case r.Hub(roomId).events <- ev:
	case <-r.done:
	}
}

// Broadcast queues an event for a room and waits for the number of
// connections it was delivered to.
func (r *Router) Broadcast(roomId string, ev *Event) int {
	if ev == nil {
		return 0
	}
	ev.Done = make(chan int, 1)
	select {
	case r.Hub(roomId).events <- ev:
	case <-r.done:
		return 0
	}
	select {
	case n := <-ev.Done:
		return n
	case <-r.done:
		return 0
	}
}

// BroadcastGlobal delivers an event to every authenticated connection.
// Presence changes are system-wide; they do not belong to any one room.
func (r *Router) BroadcastGlobal(ev *Event) int {
	if ev == nil {
		return 0
	}
	delivered := 0
	for _, conn := range r.registry.AuthedConns() {
		if conn.Handle() == ev.ExcludeConn {
			continue
		}
		if err := conn.Deliver(ev.Data, deliverWait); err != nil {
			globals.AppLogger.Warn("delivery failed, dropping connection", "conn", conn.Handle(), "event", ev.Name, "error", err)
			conn.Kill("delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Disconnect finalizes a connection: registry removal, typing cleanup for
// every room joined on it, and the offline edge when it was the user's last.
func (r *Router) Disconnect(handle string) {
	user, rooms, last := r.registry.Remove(handle)
	if user == nil {
		return
	}
	for _, roomId := range rooms {
		if r.typing.Stop(roomId, user.Id) {
			r.Route(roomId, stopTypingEvent(roomId, user))
		}
	}
	if last {
		r.BroadcastGlobal(presenceEvent(types.EventUserOffline, user))
		r.persistPresence(user, false)
	}
	globals.AppLogger.Debug("connection removed", "conn", handle, "user", user.Id, "last", last)
}

// persistPresence mirrors the online flag into the user record, so REST reads
// and restarts agree with the live tracker.
func (r *Router) persistPresence(user *types.User, online bool) {
	u := *user
	u.IsOnline = online
	u.LastSeen = time.Now().UTC()
	if err := r.persister.StoreUser(u); err != nil {
		globals.AppLogger.Error("could not persist presence flag", "user", u.Id, "error", err)
	}
}

// typingExpired is the coordinator's timeout callback.
func (r *Router) typingExpired(roomId, userId string) {
	user, ok := r.registry.UserById(userId)
	if !ok {
		user = &types.User{Id: userId}
	}
	r.Route(roomId, stopTypingEvent(roomId, user))
}

// Shutdown stops the hub loops and cancels outstanding typing timers.
func (r *Router) Shutdown() {
	close(r.done)
	r.typing.Close()
	r.wg.Wait()
}

// ServeWS upgrades the request and runs the connection until it drops. A
// token query parameter authenticates immediately, otherwise the client has
// the configured grace period to send an authenticate action.
func (r *Router) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	client := newClient(r, conn)
	r.registry.Register(client)
	globals.AppLogger.Debug("connection registered", "conn", client.handle, "remote", req.RemoteAddr)

	go client.WriteLoop()
	client.greet()
	client.startGraceTimer(r.cfg.AuthConfig.GracePeriod)
	if token := req.URL.Query().Get("token"); token != "" {
		client.authenticate(req.Context(), token, req.URL.Query().Get("provider"))
	}
	client.ReadLoop()
}
