package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/roomid"
	"github.com/chatrelay/chatrelay/types"
	"github.com/gorilla/mux"
)

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
	MaxMembers  int    `json:"max_members"`
}

type joinByIdRequest struct {
	RoomId string `json:"room_id"`
}

// roomView is the listing shape. The join code only appears for members of the
// room.
type roomView struct {
	Id          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsPrivate   bool      `json:"is_private"`
	Secret      string    `json:"room_id,omitempty"`
	OwnerId     string    `json:"owner_id"`
	MemberCount int       `json:"member_count"`
	MaxMembers  int       `json:"max_members,omitempty"`
	IsMember    bool      `json:"is_member"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewRoom(room *types.Room, userId string) roomView {
	member := room.IsMember(userId)
	v := roomView{
		Id:          room.Id,
		Name:        room.Name,
		Description: room.Description,
		IsPrivate:   room.IsPrivate,
		OwnerId:     room.OwnerId,
		MemberCount: room.MemberCount(),
		MaxMembers:  room.MaxMembers,
		IsMember:    member,
		CreatedAt:   room.CreatedAt,
	}
	if member {
		v.Secret = room.Secret
	}
	return v
}

type messageView struct {
	Id        string           `json:"id"`
	RoomId    string           `json:"room_id"`
	Content   string           `json:"content"`
	Sender    types.SenderInfo `json:"sender"`
	Timestamp time.Time        `json:"timestamp"`
	Edited    bool             `json:"edited"`
}

func (a *API) handleListRooms(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	views := make([]roomView, 0)
	for _, room := range a.store.Rooms() {
		if room.IsPrivate {
			continue
		}
		views = append(views, viewRoom(room, user.Id))
	}
	writeJSON(w, http.StatusOK, map[string][]roomView{"rooms": views})
}

func (a *API) handleMyRooms(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	views := make([]roomView, 0)
	for _, room := range a.store.RoomsOf(user.Id) {
		views = append(views, viewRoom(room, user.Id))
	}
	writeJSON(w, http.StatusOK, map[string][]roomView{"rooms": views})
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	req := createRoomRequest{}
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "Room name is required")
		return
	}
	if max := a.cfg.LimitsConfig.MaxRoomNameLength; max > 0 && len(name) > max {
		writeError(w, http.StatusBadRequest, "Room name too long")
		return
	}
	if req.MaxMembers < 0 {
		writeError(w, http.StatusBadRequest, "max_members cannot be negative")
		return
	}
	if !req.IsPrivate {
		for _, room := range a.store.Rooms() {
			if !room.IsPrivate && room.Name == name {
				writeError(w, http.StatusConflict, "Public room name already exists")
				return
			}
		}
	}

	room, err := a.store.CreateRoom(user, name, strings.TrimSpace(req.Description), req.IsPrivate, req.MaxMembers)
	if err != nil {
		globals.AppLogger.Error("could not create room", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	globals.AppLogger.Info("room created", "room", room.Id, "owner", user.Id, "private", room.IsPrivate)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Room created successfully",
		"room":    viewRoom(room, user.Id),
	})
}

// handleJoinById joins the private room an 8-character code resolves to. Unlike
// the socket join, a REST join announces nothing to the room.
func (a *API) handleJoinById(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	req := joinByIdRequest{}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RoomId) == "" {
		writeError(w, http.StatusBadRequest, "Room ID is required")
		return
	}
	code, err := roomid.Normalize(req.RoomId)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid room ID format. Room ID must be 8 characters long.")
		return
	}
	room, already, err := a.store.Join(code, user, "")
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrRoomNotFound):
			writeError(w, http.StatusNotFound, "Room not found. Please check the Room ID and try again.")
		case errors.Is(err, membership.ErrRoomFull):
			writeError(w, http.StatusConflict, "Room is full")
		default:
			globals.AppLogger.Error("could not join room by code", "user", user.Id, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	message := "Successfully joined the private room!"
	if already {
		message = "You are already a member of this room"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": message,
		"room":    viewRoom(room, user.Id),
	})
}

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	roomId := mux.Vars(r)["room"]
	room, err := a.store.Room(roomId)
	if err != nil {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	// public history is readable by any authenticated user
	if room.IsPrivate && !room.IsMember(user.Id) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	limit := a.cfg.HistoryConfig.PageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if max := a.cfg.HistoryConfig.MaxPageSize; max > 0 && limit > max {
		limit = max
	}
	page := 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}

	msgs, err := a.persister.GetRecentMessages(roomId, limit, (page-1)*limit)
	if err != nil {
		globals.AppLogger.Error("could not load messages", "room", roomId, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	senders := make(map[string]types.SenderInfo)
	views := make([]messageView, 0, len(msgs))
	for _, msg := range msgs {
		sender, ok := senders[msg.SenderId]
		if !ok {
			sender = a.senderInfo(msg)
			senders[msg.SenderId] = sender
		}
		views = append(views, messageView{
			Id:        msg.Id,
			RoomId:    msg.RoomId,
			Content:   msg.Content,
			Sender:    sender,
			Timestamp: msg.Timestamp,
			Edited:    msg.Edited,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]messageView{"messages": views})
}

// senderInfo resolves the current name of a message's sender, falling back to
// the name recorded at send time when the account is gone.
func (a *API) senderInfo(msg types.Message) types.SenderInfo {
	user := types.User{Id: msg.SenderId}
	if err := a.persister.GetUser(&user); err == nil {
		return types.SenderInfo{Id: user.Id, Username: user.Username, DisplayName: user.DisplayName}
	}
	return types.SenderInfo{Id: msg.SenderId, Username: msg.SenderName, DisplayName: msg.SenderName}
}
