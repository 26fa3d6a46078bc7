package types

import (
	"encoding/json"
	"time"
)

// Actions a client may issue.
const (
	ActionAuthenticate = "authenticate"
	ActionJoinRoom     = "join_room"
	ActionLeaveRoom    = "leave_room"
	ActionSendMessage  = "send_message"
	ActionTyping       = "typing"
	ActionStopTyping   = "stop_typing"
)

// Events the server emits.
const (
	EventConnected      = "connected"
	EventAuthenticated  = "authenticated"
	EventAuthError      = "auth_error"
	EventRoomJoined     = "room_joined"
	EventRoomLeft       = "room_left"
	EventUserJoined     = "user_joined_room"
	EventUserLeft       = "user_left_room"
	EventNewMessage     = "new_message"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
	EventError          = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket
// connection, in both directions.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Envelope marshals a payload into the wire envelope for the given event.
func Envelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}

// Inbound payloads. Frames arrive as generic maps and are decoded with
// mapstructure.WeakDecode, hence the mapstructure tags.

type AuthenticatePayload struct {
	Token    string `json:"token" mapstructure:"token"`
	Provider string `json:"provider" mapstructure:"provider"`
}

type JoinRoomPayload struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	Secret string `json:"secret" mapstructure:"secret"`
}

type LeaveRoomPayload struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
}

type SendMessagePayload struct {
	RoomId  string `json:"room_id" mapstructure:"room_id"`
	Content string `json:"content" mapstructure:"content"`
	Filter  string `json:"filter" mapstructure:"filter"`
}

type TypingPayload struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
}

// Outbound payloads.

type ConnectedPayload struct {
	Message string `json:"message"`
}

type AuthenticatedPayload struct {
	UserId      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type RoomJoinedPayload struct {
	RoomId   string `json:"room_id"`
	RoomName string `json:"room_name"`
}

type RoomLeftPayload struct {
	RoomId string `json:"room_id"`
}

type MemberChangePayload struct {
	RoomId      string `json:"room_id"`
	UserId      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type SenderInfo struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type NewMessagePayload struct {
	Id        string     `json:"id"`
	RoomId    string     `json:"room_id"`
	Content   string     `json:"content"`
	Sender    SenderInfo `json:"sender"`
	Timestamp time.Time  `json:"timestamp"`
}

type TypingChangePayload struct {
	RoomId      string `json:"room_id"`
	UserId      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

type PresencePayload struct {
	UserId   string `json:"user_id"`
	Username string `json:"username"`
}
