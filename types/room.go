package types

import "time"

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Room is the authoritative room record. The member set is embedded in the
// record (one JSON column in the SQL backends), so storing a room persists its
// membership in the same write. The secret is set iff the room is private.
type Room struct {
	Id          string    `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsPrivate   bool      `json:"is_private"`
	Secret      string    `json:"room_id,omitempty"` // 8-char join code, private rooms only
	OwnerId     string    `json:"owner_id" gorm:"index"`
	Members     MemberMap `json:"members"`
	MaxMembers  int       `json:"max_members"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"-"`
}

// MemberRecord is one membership entry, keyed by user id in Room.Members.
type MemberRecord struct {
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func (r *Room) IsMember(userId string) bool {
	_, ok := r.Members[userId]
	return ok
}

func (r *Room) MemberCount() int {
	return len(r.Members)
}

// Clone returns a deep copy; the store hands out clones so callers can never
// mutate the authoritative member set behind the lock.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Members = make(MemberMap, len(r.Members))
	for id, rec := range r.Members {
		cp.Members[id] = rec
	}
	return &cp
}

// Public returns a wire-safe copy: the member map is dropped (listings carry
// counts, not rosters) and the join code is withheld unless the caller is a
// member of the room.
func (r *Room) Public(forMember bool) *Room {
	if r == nil {
		return nil
	}
	pub := *r
	pub.Members = nil
	if !forMember {
		pub.Secret = ""
	}
	return &pub
}
