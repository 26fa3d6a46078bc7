package persistence

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ driver.Valuer = &datatypes.JSON{}

// RoomSecret is the authoritative secret index: the secret is the primary key,
// so binding it inside the room-creation transaction is insert-if-absent.
type RoomSecret struct {
	Secret string `gorm:"primaryKey"`
	RoomId string `gorm:"index"`
}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("%s persistence requires a dsn", cfg.PersistenceConfig.Type)
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(&types.User{}, &types.Room{}, &types.Message{}, &RoomSecret{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (p *GormPersist) StoreUser(user types.User) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&user).Error
}

func (p *GormPersist) GetUser(user *types.User) error {
	err := p.db.First(user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) GetUserByUsername(username string) (*types.User, error) {
	user := &types.User{}
	err := p.db.Where("username = ?", username).First(user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (p *GormPersist) GetUserByEmail(email string) (*types.User, error) {
	user := &types.User{}
	err := p.db.Where("email = ?", email).First(user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (p *GormPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.Find(&users).Error
	return users, err
}

func (p *GormPersist) DeleteUser(user *types.User) error {
	return p.db.Delete(user).Error
}

func (p *GormPersist) CreateRoom(room *types.Room) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if room.Secret != "" {
			err := tx.Create(&RoomSecret{Secret: room.Secret, RoomId: room.Id}).Error
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrSecretTaken
			}
			if err != nil {
				return err
			}
		}
		err := tx.Create(room).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	})
}

// StoreRoom upserts the room record (member set included). Secrets are bound
// at creation time and not rewritten here.
func (p *GormPersist) StoreRoom(room types.Room) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	err := p.db.First(room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) GetRoomBySecret(secret string) (*types.Room, error) {
	if secret == "" {
		return nil, ErrNotFound
	}
	idx := RoomSecret{Secret: secret}
	err := p.db.First(&idx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	room := &types.Room{Id: idx.RoomId}
	if err := p.GetRoom(room); err != nil {
		return nil, err
	}
	return room, nil
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) DeleteRoom(room *types.Room) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", room.Id).Delete(&RoomSecret{}).Error; err != nil {
			return err
		}
		return tx.Delete(room).Error
	})
}

func (p *GormPersist) StoreMessage(msg types.Message) error {
	return p.db.Create(&msg).Error
}

func (p *GormPersist) GetRecentMessages(roomId string, limit, offset int) ([]types.Message, error) {
	if limit <= 0 {
		return []types.Message{}, nil
	}
	messages := make([]types.Message, 0, limit)
	err := p.db.
		Where("room_id = ? AND deleted = ?", roomId, false).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *GormPersist) PurgeMessagesBefore(cutoff time.Time) (int, error) {
	res := p.db.Where("timestamp < ?", cutoff).Delete(&types.Message{})
	return int(res.RowsAffected), res.Error
}

func (p *GormPersist) Close() error {
	return nil
}
