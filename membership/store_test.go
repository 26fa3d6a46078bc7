package membership

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/roomid"
	"github.com/chatrelay/chatrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPersister(t *testing.T) persistence.Persister {
	t.Helper()
	cfg := &config.Config{}
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = filepath.Join(t.TempDir(), "membership-test.db")
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(newPersister(t))
}

var (
	owner = &types.User{Id: "owner", Username: "owner"}
	alice = &types.User{Id: "alice", Username: "alice"}
	bob   = &types.User{Id: "bob", Username: "bob"}
)

func TestCreateRoomPublic(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "General", "open to all", false, 50)
	require.NoError(t, err)

	assert.NotEmpty(t, room.Id)
	assert.Empty(t, room.Secret, "public rooms carry no join code")
	assert.False(t, room.IsPrivate)
	assert.True(t, room.IsActive)
	require.Contains(t, room.Members, "owner")
	assert.Equal(t, types.RoleAdmin, room.Members["owner"].Role)
}

func TestCreateRoomPrivate(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "Team", "", true, 10)
	require.NoError(t, err)

	assert.Len(t, room.Secret, roomid.Length)
	norm, err := roomid.Normalize(room.Secret)
	require.NoError(t, err)
	assert.Equal(t, norm, room.Secret, "join codes are stored normalized")
}

type flakyPersister struct {
	persistence.Persister
	mu          sync.Mutex
	createFails int
	storeFails  int
}

func (f *flakyPersister) CreateRoom(room *types.Room) error {
	f.mu.Lock()
	if f.createFails > 0 {
		f.createFails--
		f.mu.Unlock()
		return persistence.ErrSecretTaken
	}
	f.mu.Unlock()
	return f.Persister.CreateRoom(room)
}

func (f *flakyPersister) StoreRoom(room types.Room) error {
	f.mu.Lock()
	if f.storeFails > 0 {
		f.storeFails--
		f.mu.Unlock()
		return errors.New("disk on fire")
	}
	f.mu.Unlock()
	return f.Persister.StoreRoom(room)
}

func TestCreateRoomRetriesCodeCollision(t *testing.T) {
	fp := &flakyPersister{Persister: newPersister(t), createFails: 2}
	s := NewStore(fp)

	room, err := s.CreateRoom(owner, "Team", "", true, 0)
	require.NoError(t, err, "collisions are retried, never surfaced")
	assert.Len(t, room.Secret, roomid.Length)
}

func TestCreateRoomGivesUpEventually(t *testing.T) {
	fp := &flakyPersister{Persister: newPersister(t), createFails: maxSecretAttempts + 1}
	s := NewStore(fp)

	_, err := s.CreateRoom(owner, "Team", "", true, 0)
	assert.Error(t, err)
}

func TestJoinPublicRoom(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "General", "", false, 0)
	require.NoError(t, err)

	joined, already, err := s.Join(room.Id, alice, "")
	require.NoError(t, err)
	assert.False(t, already)
	require.Contains(t, joined.Members, "alice")
	assert.Equal(t, types.RoleMember, joined.Members["alice"].Role)

	// joining again is a no-op success
	_, already, err = s.Join(room.Id, alice, "")
	require.NoError(t, err)
	assert.True(t, already)

	members, err := s.Members(room.Id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"owner", "alice"}, members)
}

func TestJoinPrivateRoomByCode(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "Team", "", true, 0)
	require.NoError(t, err)

	// the code itself addresses the room, case-insensitively
	joined, already, err := s.Join(strings.ToLower(room.Secret), alice, "")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, room.Id, joined.Id)
	assert.True(t, s.IsMember(room.Id, "alice"))
}

func TestJoinPrivateRoomByIdNeedsCode(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "Team", "", true, 0)
	require.NoError(t, err)

	_, _, err = s.Join(room.Id, alice, "")
	assert.ErrorIs(t, err, ErrPrivateRoom)

	_, _, err = s.Join(room.Id, alice, "WRONG123")
	assert.ErrorIs(t, err, ErrBadSecret)

	_, already, err := s.Join(room.Id, alice, strings.ToLower(room.Secret))
	require.NoError(t, err)
	assert.False(t, already)
}

func TestJoinPrivateRoomAlreadyMemberSkipsCodeCheck(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "Team", "", true, 0)
	require.NoError(t, err)

	// the owner is a member, a bare-id rejoin must not demand the code
	_, already, err := s.Join(room.Id, owner, "")
	require.NoError(t, err)
	assert.True(t, already)
}

func TestJoinUnknownRoom(t *testing.T) {
	s := newStore(t)
	_, _, err := s.Join("no-such-room", alice, "")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, _, err = s.Join("ZZZZZZZZ", alice, "")
	assert.ErrorIs(t, err, ErrRoomNotFound, "an unbound code resolves to nothing")
}

func TestJoinFullRoom(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "Tiny", "", false, 2)
	require.NoError(t, err)

	_, _, err = s.Join(room.Id, alice, "")
	require.NoError(t, err)
	_, _, err = s.Join(room.Id, bob, "")
	assert.ErrorIs(t, err, ErrRoomFull)

	// but an existing member may always re-enter
	_, already, err := s.Join(room.Id, alice, "")
	require.NoError(t, err)
	assert.True(t, already)
}

func TestLeave(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "General", "", false, 0)
	require.NoError(t, err)
	_, _, err = s.Join(room.Id, alice, "")
	require.NoError(t, err)

	left, err := s.Leave(room.Id, "alice")
	require.NoError(t, err)
	assert.NotContains(t, left.Members, "alice", "leave removes the record entirely")
	assert.False(t, s.IsMember(room.Id, "alice"))

	_, err = s.Leave(room.Id, "alice")
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = s.Leave(room.Id, "owner")
	assert.ErrorIs(t, err, ErrOwnerLeave)

	_, err = s.Leave("no-such-room", "alice")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestPersistFailureLeavesStateUntouched(t *testing.T) {
	fp := &flakyPersister{Persister: newPersister(t)}
	s := NewStore(fp)
	room, err := s.CreateRoom(owner, "General", "", false, 0)
	require.NoError(t, err)

	fp.mu.Lock()
	fp.storeFails = 1
	fp.mu.Unlock()

	_, _, err = s.Join(room.Id, alice, "")
	require.Error(t, err)
	assert.False(t, s.IsMember(room.Id, "alice"), "failed write must not leak into memory")

	_, already, err := s.Join(room.Id, alice, "")
	require.NoError(t, err)
	assert.False(t, already, "retry after recovery behaves like a first join")
}

func TestLoadRestoresCodeIndex(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "reload-test.db")
	cfg := &config.Config{}
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = dsn

	p1, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	s1 := NewStore(p1)
	room, err := s1.CreateRoom(owner, "Team", "", true, 0)
	require.NoError(t, err)
	require.NoError(t, p1.Close())

	p2, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	defer p2.Close()
	s2 := NewStore(p2)
	require.NoError(t, s2.Load())

	joined, _, err := s2.Join(room.Secret, alice, "")
	require.NoError(t, err)
	assert.Equal(t, room.Id, joined.Id)
}

func TestRoomsSortedAndCloned(t *testing.T) {
	s := newStore(t)
	_, err := s.CreateRoom(owner, "Zulu", "", false, 0)
	require.NoError(t, err)
	_, err = s.CreateRoom(owner, "Alpha", "", false, 0)
	require.NoError(t, err)

	rooms := s.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "Alpha", rooms[0].Name)
	assert.Equal(t, "Zulu", rooms[1].Name)

	// mutating a returned room must not touch the store
	rooms[0].Members["intruder"] = types.MemberRecord{}
	members, err := s.Members(rooms[0].Id)
	require.NoError(t, err)
	assert.NotContains(t, members, "intruder")
}

func TestRoomsOf(t *testing.T) {
	s := newStore(t)
	r1, err := s.CreateRoom(owner, "One", "", false, 0)
	require.NoError(t, err)
	_, err = s.CreateRoom(owner, "Two", "", false, 0)
	require.NoError(t, err)
	_, _, err = s.Join(r1.Id, alice, "")
	require.NoError(t, err)

	mine := s.RoomsOf("alice")
	require.Len(t, mine, 1)
	assert.Equal(t, r1.Id, mine[0].Id)
	assert.Len(t, s.RoomsOf("owner"), 2)
	assert.Empty(t, s.RoomsOf("bob"))
}

func TestConcurrentJoins(t *testing.T) {
	s := newStore(t)
	room, err := s.CreateRoom(owner, "Busy", "", false, 0)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := &types.User{Id: fmt.Sprintf("u%d", i)}
			_, _, err := s.Join(room.Id, u, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	members, err := s.Members(room.Id)
	require.NoError(t, err)
	assert.Len(t, members, n+1, "every join lands exactly once")
}
