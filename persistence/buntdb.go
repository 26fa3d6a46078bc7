package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/types"
	"github.com/tidwall/buntdb"
)

// BuntDBPersist is the embedded default backend. Keyspace:
//
//	user:<id>          JSON user record
//	username:<name>    user id (login lookup)
//	email:<addr>       user id (registration duplicate check)
//	room:<id>          JSON room record incl. member map
//	secret:<code>      room id (the authoritative secret index)
//	message:<id>       JSON message record
//
// Secret keys are written in the same transaction as the room record, which
// makes room creation the required insert-if-absent operation.
type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	fileName := cfg.PersistenceConfig.DSN
	if fileName == "" {
		return nil, fmt.Errorf("buntdb persistence requires a dsn (file path or :memory:)")
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("messagets", "message:*", buntdb.IndexJSON("timestamp"))
	if err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func (p *BuntDBPersist) StoreUser(user types.User) error {
	u, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		// drop stale alias keys if username/email changed
		if prev, err := tx.Get("user:" + user.Id); err == nil {
			old := types.User{}
			if err := json.Unmarshal([]byte(prev), &old); err == nil {
				if old.Username != "" && old.Username != user.Username {
					_, _ = tx.Delete("username:" + old.Username)
				}
				if old.Email != "" && old.Email != user.Email {
					_, _ = tx.Delete("email:" + old.Email)
				}
			}
		} else if err != buntdb.ErrNotFound {
			return err
		}
		if _, _, err := tx.Set("user:"+user.Id, string(u), nil); err != nil {
			return err
		}
		if user.Username != "" {
			if _, _, err := tx.Set("username:"+user.Username, user.Id, nil); err != nil {
				return err
			}
		}
		if user.Email != "" {
			if _, _, err := tx.Set("email:"+user.Email, user.Id, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) GetUser(user *types.User) error {
	if user.Id == "" {
		return fmt.Errorf("no user id")
	}
	err := p.db.View(func(tx *buntdb.Tx) error {
		u, err := tx.Get("user:" + user.Id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(u), user)
	})
	if err == buntdb.ErrNotFound {
		return ErrNotFound
	}
	return err
}

func (p *BuntDBPersist) getUserByAlias(prefix, key string) (*types.User, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	user := &types.User{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(prefix + key)
		if err != nil {
			return err
		}
		u, err := tx.Get("user:" + id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(u), user)
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (p *BuntDBPersist) GetUserByUsername(username string) (*types.User, error) {
	return p.getUserByAlias("username:", username)
}

func (p *BuntDBPersist) GetUserByEmail(email string) (*types.User, error) {
	return p.getUserByAlias("email:", email)
}

func (p *BuntDBPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(key, val string) bool {
			user := &types.User{}
			if err := json.Unmarshal([]byte(val), user); err == nil {
				users = append(users, user)
			}
			return true
		})
	})
	return users, err
}

func (p *BuntDBPersist) DeleteUser(user *types.User) error {
	if user.Id == "" {
		return fmt.Errorf("no user id")
	}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		prev, err := tx.Get("user:" + user.Id)
		if err != nil {
			return err
		}
		old := types.User{}
		if err := json.Unmarshal([]byte(prev), &old); err == nil {
			if old.Username != "" {
				_, _ = tx.Delete("username:" + old.Username)
			}
			if old.Email != "" {
				_, _ = tx.Delete("email:" + old.Email)
			}
		}
		_, err = tx.Delete("user:" + user.Id)
		return err
	})
	if err == buntdb.ErrNotFound {
		return ErrNotFound
	}
	return err
}

func (p *BuntDBPersist) CreateRoom(room *types.Room) error {
	r, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get("room:" + room.Id); err == nil {
			return ErrDuplicate
		} else if err != buntdb.ErrNotFound {
			return err
		}
		if room.Secret != "" {
			if _, err := tx.Get("secret:" + room.Secret); err == nil {
				return ErrSecretTaken
			} else if err != buntdb.ErrNotFound {
				return err
			}
			if _, _, err := tx.Set("secret:"+room.Secret, room.Id, nil); err != nil {
				return err
			}
		}
		_, _, err := tx.Set("room:"+room.Id, string(r), nil)
		return err
	})
}

func (p *BuntDBPersist) StoreRoom(room types.Room) error {
	r, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		// keep the secret index in sync if an operator rewrote the record
		if prev, err := tx.Get("room:" + room.Id); err == nil {
			old := types.Room{}
			if err := json.Unmarshal([]byte(prev), &old); err == nil && old.Secret != room.Secret {
				if old.Secret != "" {
					_, _ = tx.Delete("secret:" + old.Secret)
				}
				if room.Secret != "" {
					if owner, err := tx.Get("secret:" + room.Secret); err == nil && owner != room.Id {
						return ErrSecretTaken
					}
					if _, _, err := tx.Set("secret:"+room.Secret, room.Id, nil); err != nil {
						return err
					}
				}
			}
		} else if err != buntdb.ErrNotFound {
			return err
		} else if room.Secret != "" {
			if owner, err := tx.Get("secret:" + room.Secret); err == nil && owner != room.Id {
				return ErrSecretTaken
			} else if err != nil && err != buntdb.ErrNotFound {
				return err
			}
			if _, _, err := tx.Set("secret:"+room.Secret, room.Id, nil); err != nil {
				return err
			}
		}
		_, _, err := tx.Set("room:"+room.Id, string(r), nil)
		return err
	})
}

func (p *BuntDBPersist) GetRoom(room *types.Room) error {
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	err := p.db.View(func(tx *buntdb.Tx) error {
		r, err := tx.Get("room:" + room.Id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(r), room)
	})
	if err == buntdb.ErrNotFound {
		return ErrNotFound
	}
	return err
}

func (p *BuntDBPersist) GetRoomBySecret(secret string) (*types.Room, error) {
	if secret == "" {
		return nil, ErrNotFound
	}
	room := &types.Room{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get("secret:" + secret)
		if err != nil {
			return err
		}
		r, err := tx.Get("room:" + id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(r), room)
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, val string) bool {
			room := &types.Room{}
			if err := json.Unmarshal([]byte(val), room); err == nil {
				rooms = append(rooms, room)
			}
			return true
		})
	})
	return rooms, err
}

func (p *BuntDBPersist) DeleteRoom(room *types.Room) error {
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		prev, err := tx.Get("room:" + room.Id)
		if err != nil {
			return err
		}
		old := types.Room{}
		if err := json.Unmarshal([]byte(prev), &old); err == nil && old.Secret != "" {
			_, _ = tx.Delete("secret:" + old.Secret)
		}
		_, err = tx.Delete("room:" + room.Id)
		return err
	})
	if err == buntdb.ErrNotFound {
		return ErrNotFound
	}
	return err
}

func (p *BuntDBPersist) StoreMessage(msg types.Message) error {
	m, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("message:"+msg.Id, string(m), nil)
		return err
	})
}

func (p *BuntDBPersist) GetRecentMessages(roomId string, limit, offset int) ([]types.Message, error) {
	if limit <= 0 {
		return []types.Message{}, nil
	}
	messages := make([]types.Message, 0, limit)
	err := p.db.View(func(tx *buntdb.Tx) error {
		skipped := 0
		return tx.Descend("messagets", func(key, val string) bool {
			msg := types.Message{}
			if err := json.Unmarshal([]byte(val), &msg); err != nil {
				return true
			}
			if msg.RoomId != roomId || msg.Deleted {
				return true
			}
			if skipped < offset {
				skipped++
				return true
			}
			messages = append(messages, msg)
			return len(messages) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	// newest-first iteration, chronological result
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *BuntDBPersist) PurgeMessagesBefore(cutoff time.Time) (int, error) {
	cond := fmt.Sprintf(`{"timestamp":"%s"}`, cutoff.In(time.UTC).Format(time.RFC3339Nano))
	purged := 0
	err := p.db.Update(func(tx *buntdb.Tx) error {
		stale := make([]string, 0)
		err := tx.AscendLessThan("messagets", cond, func(key, val string) bool {
			stale = append(stale, key)
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
