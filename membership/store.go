package membership

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/roomid"
	"github.com/chatrelay/chatrelay/types"
	"github.com/google/uuid"
)

// secret generation retries before giving up; with 36^8 codes a second
// collision in a row already means something is broken
const maxSecretAttempts = 5

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("not a member of this room")
	ErrPrivateRoom  = errors.New("room is private, joining requires its code")
	ErrBadSecret    = errors.New("invalid room code")
	ErrRoomFull     = errors.New("room is at capacity")
	ErrOwnerLeave   = errors.New("the room owner cannot leave the room")
)

type roomState struct {
	mu   sync.RWMutex
	room *types.Room
}

// Store is the authoritative membership state. Every room carries its own
// lock, so joins, leaves and member snapshots of one room serialize against
// each other without stalling unrelated rooms. The outer mutex only guards
// the two indexes. All mutations write through to the persister before they
// become visible: a failed write leaves the room exactly as it was.
type Store struct {
	mu        sync.RWMutex
	rooms     map[string]*roomState
	secretIdx map[string]string // join code -> room id
	persister persistence.Persister
}

func NewStore(persister persistence.Persister) *Store {
	return &Store{
		rooms:     make(map[string]*roomState),
		secretIdx: make(map[string]string),
		persister: persister,
	}
}

// Load pulls all rooms from the persister, usually once at startup.
func (s *Store) Load() error {
	rooms, err := s.persister.GetRooms()
	if err != nil {
		return fmt.Errorf("loading rooms: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range rooms {
		if room.Members == nil {
			room.Members = make(types.MemberMap)
		}
		s.rooms[room.Id] = &roomState{room: room}
		if room.Secret != "" {
			s.secretIdx[room.Secret] = room.Id
		}
	}
	globals.AppLogger.Info("membership store loaded", "rooms", len(rooms))
	return nil
}

// CreateRoom persists a new room owned by owner, who becomes its first member
// with the admin role. Private rooms get a fresh join code; a code collision
// is retried internally and never surfaces to the caller.
func (s *Store) CreateRoom(owner *types.User, name, description string, isPrivate bool, maxMembers int) (*types.Room, error) {
	now := time.Now().UTC()
	room := &types.Room{
		Id:          uuid.NewString(),
		Name:        name,
		Description: description,
		IsPrivate:   isPrivate,
		OwnerId:     owner.Id,
		Members: types.MemberMap{
			owner.Id: types.MemberRecord{Role: types.RoleAdmin, JoinedAt: now},
		},
		MaxMembers: maxMembers,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for attempt := 0; ; attempt++ {
		if isPrivate {
			secret, err := roomid.Generate()
			if err != nil {
				return nil, err
			}
			room.Secret = secret
		}
		err := s.persister.CreateRoom(room)
		if err == nil {
			break
		}
		if isPrivate && errors.Is(err, persistence.ErrSecretTaken) && attempt < maxSecretAttempts {
			globals.AppLogger.Warn("room code collision, regenerating", "room", room.Id, "attempt", attempt+1)
			continue
		}
		return nil, fmt.Errorf("creating room: %w", err)
	}

	s.mu.Lock()
	s.rooms[room.Id] = &roomState{room: room}
	if room.Secret != "" {
		s.secretIdx[room.Secret] = room.Id
	}
	s.mu.Unlock()
	globals.AppLogger.Info("room created", "room", room.Id, "name", name, "private", isPrivate, "owner", owner.Id)
	return room.Clone(), nil
}

// lookup resolves a room reference that may be a room id or a join code.
// viaSecret reports that the code form was used, which authorizes joining a
// private room on its own.
func (s *Store) lookup(roomRef string) (*roomState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rs, ok := s.rooms[roomRef]; ok {
		return rs, false
	}
	if code, err := roomid.Normalize(roomRef); err == nil {
		if id, ok := s.secretIdx[code]; ok {
			return s.rooms[id], true
		}
	}
	return nil, false
}

// Join adds the user to a room. roomRef may be the room id or, for private
// rooms, the join code itself; a private room addressed by bare id needs the
// code passed separately. Joining a room the user already belongs to is a
// no-op reported through the second return.
func (s *Store) Join(roomRef string, user *types.User, secret string) (*types.Room, bool, error) {
	rs, viaSecret := s.lookup(roomRef)
	if rs == nil {
		return nil, false, ErrRoomNotFound
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	room := rs.room
	if !room.IsActive {
		return nil, false, ErrRoomNotFound
	}
	if room.IsMember(user.Id) {
		return room.Clone(), true, nil
	}
	if room.IsPrivate && !viaSecret {
		if secret == "" {
			return nil, false, ErrPrivateRoom
		}
		code, err := roomid.Normalize(secret)
		if err != nil || code != room.Secret {
			return nil, false, ErrBadSecret
		}
	}
	if room.MaxMembers > 0 && room.MemberCount() >= room.MaxMembers {
		return nil, false, ErrRoomFull
	}

	next := room.Clone()
	next.Members[user.Id] = types.MemberRecord{Role: types.RoleMember, JoinedAt: time.Now().UTC()}
	next.UpdatedAt = time.Now().UTC()
	if err := s.persister.StoreRoom(*next); err != nil {
		return nil, false, fmt.Errorf("storing membership: %w", err)
	}
	rs.room = next
	return next.Clone(), false, nil
}

// Leave removes the user's membership record. The owner cannot leave their
// own room.
func (s *Store) Leave(roomId, userId string) (*types.Room, error) {
	s.mu.RLock()
	rs := s.rooms[roomId]
	s.mu.RUnlock()
	if rs == nil {
		return nil, ErrRoomNotFound
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	room := rs.room
	if !room.IsMember(userId) {
		return nil, ErrNotMember
	}
	if room.OwnerId == userId {
		return nil, ErrOwnerLeave
	}

	next := room.Clone()
	delete(next.Members, userId)
	next.UpdatedAt = time.Now().UTC()
	if err := s.persister.StoreRoom(*next); err != nil {
		return nil, fmt.Errorf("storing membership: %w", err)
	}
	rs.room = next
	return next.Clone(), nil
}

// IsMember reports membership without copying the room.
func (s *Store) IsMember(roomId, userId string) bool {
	s.mu.RLock()
	rs := s.rooms[roomId]
	s.mu.RUnlock()
	if rs == nil {
		return false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.room.IsMember(userId)
}

// Members returns a snapshot of the member ids of a room. The snapshot is
// taken under the room lock, so it can never interleave with a join or leave
// of the same room.
func (s *Store) Members(roomId string) ([]string, error) {
	s.mu.RLock()
	rs := s.rooms[roomId]
	s.mu.RUnlock()
	if rs == nil {
		return nil, ErrRoomNotFound
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	ids := make([]string, 0, len(rs.room.Members))
	for id := range rs.room.Members {
		ids = append(ids, id)
	}
	return ids, nil
}

// Room returns a deep copy of a room.
func (s *Store) Room(roomId string) (*types.Room, error) {
	s.mu.RLock()
	rs := s.rooms[roomId]
	s.mu.RUnlock()
	if rs == nil {
		return nil, ErrRoomNotFound
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if !rs.room.IsActive {
		return nil, ErrRoomNotFound
	}
	return rs.room.Clone(), nil
}

// Rooms returns copies of all active rooms, sorted by name.
func (s *Store) Rooms() []*types.Room {
	s.mu.RLock()
	states := make([]*roomState, 0, len(s.rooms))
	for _, rs := range s.rooms {
		states = append(states, rs)
	}
	s.mu.RUnlock()

	rooms := make([]*types.Room, 0, len(states))
	for _, rs := range states {
		rs.mu.RLock()
		if rs.room.IsActive {
			rooms = append(rooms, rs.room.Clone())
		}
		rs.mu.RUnlock()
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}

// RoomsOf returns copies of all active rooms the user is a member of, sorted
// by name.
func (s *Store) RoomsOf(userId string) []*types.Room {
	var rooms []*types.Room
	for _, room := range s.Rooms() {
		if room.IsMember(userId) {
			rooms = append(rooms, room)
		}
	}
	return rooms
}
