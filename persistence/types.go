package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/types"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrDuplicate   = errors.New("record already exists")
	ErrSecretTaken = errors.New("room secret already in use")
)

// Persister is the storage contract shared by all backends. CreateRoom is the
// insert-if-absent operation room creation relies on: it must reject both a
// duplicate room id (ErrDuplicate) and a duplicate secret (ErrSecretTaken)
// atomically, so that two concurrent creations can never bind the same secret.
type Persister interface {
	StoreUser(user types.User) error
	GetUser(user *types.User) error
	GetUserByUsername(username string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	GetUsers() ([]*types.User, error)
	DeleteUser(user *types.User) error

	CreateRoom(room *types.Room) error
	StoreRoom(room types.Room) error
	GetRoom(room *types.Room) error
	GetRoomBySecret(secret string) (*types.Room, error)
	GetRooms() ([]*types.Room, error)
	DeleteRoom(room *types.Room) error

	StoreMessage(msg types.Message) error
	// GetRecentMessages returns up to limit non-deleted messages of a room in
	// chronological order, newest last, skipping offset newest entries.
	GetRecentMessages(roomId string, limit, offset int) ([]types.Message, error)
	PurgeMessagesBefore(cutoff time.Time) (int, error)

	Close() error
}

// NewPersister selects the backend from the configuration.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "", "buntdb":
		return NewBuntPersister(cfg)
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	default:
		return nil, fmt.Errorf("unknown persistence type: %s", cfg.PersistenceConfig.Type)
	}
}
