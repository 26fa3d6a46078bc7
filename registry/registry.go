package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/presence"
	"github.com/chatrelay/chatrelay/types"
)

const shardCount = 32

var (
	ErrUnknownConnection = errors.New("unknown connection handle")
	// ErrIdentityBound is returned when a connection that already carries an
	// identity tries to authenticate as someone else. The bound identity is
	// immutable for the life of the connection.
	ErrIdentityBound = errors.New("connection is bound to a different identity")
)

// Conn is the transport half the registry needs to know about: a stable
// handle, a bounded-time delivery primitive and a teardown trigger.
type Conn interface {
	Handle() string
	Deliver(data []byte, timeout time.Duration) error
	Kill(reason string)
}

type entry struct {
	conn      Conn
	user      *types.User // nil until authenticated
	rooms     map[string]struct{}
	createdAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry tracks live connections. Handles are spread over fixed shards so
// unrelated connections never contend on one lock, while the user index keeps
// identity bookkeeping and presence edges under a single mutex so both always
// change together. Lock order is always shard first, then index.
type Registry struct {
	shards [shardCount]*shard

	mu         sync.RWMutex
	users      map[string]map[string]Conn // user id -> handle -> conn
	identities map[string]*types.User     // user id -> identity, while connected
	tracker    *presence.Tracker
}

func New(tracker *presence.Tracker) *Registry {
	r := &Registry{
		users:      make(map[string]map[string]Conn),
		identities: make(map[string]*types.User),
		tracker:    tracker,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(handle string) *shard {
	h := fnv.New32a()
	h.Write([]byte(handle))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a connection without identity. It stays invisible to
// broadcasts until Authenticate binds a user to it.
func (r *Registry) Register(conn Conn) {
	s := r.shardFor(conn.Handle())
	s.mu.Lock()
	s.entries[conn.Handle()] = &entry{
		conn:      conn,
		rooms:     make(map[string]struct{}),
		createdAt: time.Now(),
	}
	s.mu.Unlock()
}

// Authenticate binds an identity to a registered connection and reports
// whether this was the user's offline-to-online edge. Re-authenticating with
// the same user id is a no-op; a different id is rejected.
func (r *Registry) Authenticate(handle string, user *types.User) (bool, error) {
	s := r.shardFor(handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[handle]
	if !ok {
		return false, ErrUnknownConnection
	}
	if e.user != nil {
		if e.user.Id == user.Id {
			return false, nil
		}
		return false, ErrIdentityBound
	}
	e.user = user

	r.mu.Lock()
	conns := r.users[user.Id]
	if conns == nil {
		conns = make(map[string]Conn)
		r.users[user.Id] = conns
	}
	conns[handle] = e.conn
	if _, ok := r.identities[user.Id]; !ok {
		r.identities[user.Id] = user
	}
	first := r.tracker.OnConnect(user.Id)
	r.mu.Unlock()
	return first, nil
}

// Remove drops a connection and returns its bound user (nil if it never
// authenticated), the rooms joined on this connection for cleanup, and
// whether the user just went offline. Removing an unknown handle is a no-op.
func (r *Registry) Remove(handle string) (*types.User, []string, bool) {
	s := r.shardFor(handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[handle]
	if !ok {
		return nil, nil, false
	}
	delete(s.entries, handle)
	rooms := make([]string, 0, len(e.rooms))
	for roomId := range e.rooms {
		rooms = append(rooms, roomId)
	}
	if e.user == nil {
		return nil, rooms, false
	}

	r.mu.Lock()
	if conns := r.users[e.user.Id]; conns != nil {
		delete(conns, handle)
		if len(conns) == 0 {
			delete(r.users, e.user.Id)
			delete(r.identities, e.user.Id)
		}
	}
	last := r.tracker.OnDisconnect(e.user.Id)
	r.mu.Unlock()
	return e.user, rooms, last
}

// MarkJoined records that a room was joined on this connection.
func (r *Registry) MarkJoined(handle, roomId string) error {
	s := r.shardFor(handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[handle]
	if !ok {
		return ErrUnknownConnection
	}
	e.rooms[roomId] = struct{}{}
	return nil
}

// MarkLeft removes a room from the connection's joined set.
func (r *Registry) MarkLeft(handle, roomId string) error {
	s := r.shardFor(handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[handle]
	if !ok {
		return ErrUnknownConnection
	}
	delete(e.rooms, roomId)
	return nil
}

// User returns the identity bound to a handle, false when the handle is
// unknown or still unauthenticated.
func (r *Registry) User(handle string) (*types.User, bool) {
	s := r.shardFor(handle)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[handle]
	if !ok || e.user == nil {
		return nil, false
	}
	return e.user, true
}

// UserById returns the identity of a connected user, false once their last
// connection is gone.
func (r *Registry) UserById(userId string) (*types.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.identities[userId]
	return u, ok
}

// UserConns returns all live connections of a user.
func (r *Registry) UserConns(userId string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.users[userId]))
	for _, c := range r.users[userId] {
		conns = append(conns, c)
	}
	return conns
}

// AuthedConns returns every authenticated connection in the system.
func (r *Registry) AuthedConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var conns []Conn
	for _, m := range r.users {
		for _, c := range m {
			conns = append(conns, c)
		}
	}
	return conns
}

// Count returns the number of live connections, authenticated or not.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
