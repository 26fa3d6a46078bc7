package ws

import (
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/types"
)

// Builders for the events the router fans out. They return nil when the
// payload cannot be marshaled, which Route and Broadcast treat as a no-op.

func messageEvent(msg *types.Message, sender *types.User, filterSrc, authorConn string) *Event {
	data, err := types.Envelope(types.EventNewMessage, types.NewMessagePayload{
		Id:      msg.Id,
		RoomId:  msg.RoomId,
		Content: msg.Content,
		Sender: types.SenderInfo{
			Id:          sender.Id,
			Username:    sender.Username,
			DisplayName: sender.DisplayName,
		},
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		globals.AppLogger.Error("could not marshal message event", "error", err)
		return nil
	}
	return &Event{
		Name:        types.EventNewMessage,
		Data:        data,
		ExcludeConn: authorConn,
		Filter:      filterSrc,
		Sender:      sender,
	}
}

func memberEvent(name, roomId string, user *types.User) *Event {
	data, err := types.Envelope(name, types.MemberChangePayload{
		RoomId:      roomId,
		UserId:      user.Id,
		Username:    user.Username,
		DisplayName: user.DisplayName,
	})
	if err != nil {
		globals.AppLogger.Error("could not marshal member event", "error", err)
		return nil
	}
	return &Event{Name: name, Data: data, ExcludeUser: user.Id}
}

func typingEvent(roomId string, user *types.User) *Event {
	data, err := types.Envelope(types.EventUserTyping, types.TypingChangePayload{
		RoomId:      roomId,
		UserId:      user.Id,
		Username:    user.Username,
		DisplayName: user.DisplayName,
	})
	if err != nil {
		globals.AppLogger.Error("could not marshal typing event", "error", err)
		return nil
	}
	return &Event{Name: types.EventUserTyping, Data: data, ExcludeUser: user.Id}
}

func stopTypingEvent(roomId string, user *types.User) *Event {
	data, err := types.Envelope(types.EventUserStopTyping, types.TypingChangePayload{
		RoomId:   roomId,
		UserId:   user.Id,
		Username: user.Username,
	})
	if err != nil {
		globals.AppLogger.Error("could not marshal typing event", "error", err)
		return nil
	}
	return &Event{Name: types.EventUserStopTyping, Data: data, ExcludeUser: user.Id}
}

func presenceEvent(name string, user *types.User) *Event {
	data, err := types.Envelope(name, types.PresencePayload{
		UserId:   user.Id,
		Username: user.Username,
	})
	if err != nil {
		globals.AppLogger.Error("could not marshal presence event", "error", err)
		return nil
	}
	return &Event{Name: name, Data: data}
}
