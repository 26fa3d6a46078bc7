package types

import (
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

const MessageTypeText = "text"

// Message is one persisted chat message. Edited/Deleted are carried for the
// record shape; the live service only ever appends.
type Message struct {
	Id         string    `json:"id" gorm:"primaryKey" hash:"ignore"`
	RoomId     string    `json:"room_id" gorm:"index"`
	SenderId   string    `json:"sender_id" gorm:"index"`
	SenderName string    `json:"sender_name" hash:"ignore"`
	Content    string    `json:"content"`
	Type       string    `json:"message_type" hash:"ignore"`
	Edited     bool      `json:"edited" hash:"ignore"`
	Deleted    bool      `json:"deleted" hash:"ignore"`
	Timestamp  time.Time `json:"timestamp"`
}

// CreateId derives the message id from the hashed content fields
// (room, sender, content, timestamp).
func (m *Message) CreateId() error {
	h, err := hashstructure.Hash(m, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Id = strconv.FormatUint(h, 16)
	return nil
}
