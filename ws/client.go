package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/registry"
	"github.com/chatrelay/chatrelay/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/time/rate"
)

const (
	sendChannelSize = 1000
	verifyTimeout   = 10 * time.Second
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendTimeout      = errors.New("send queue full")
)

// Client is the middleman between one websocket connection and the router.
type Client struct {
	handle string
	router *Router
	conn   *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	limiter *rate.Limiter

	// set by authenticate, read only from the read loop afterwards
	user *types.User

	authTimer *time.Timer
	closeOnce sync.Once
	doneChan  chan struct{}
}

func newClient(router *Router, conn *websocket.Conn) *Client {
	limits := router.cfg.LimitsConfig
	return &Client{
		handle:   uuid.NewString(),
		router:   router,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		limiter:  rate.NewLimiter(rate.Limit(float64(limits.MessageRatePerMinute)/60.0), limits.MessageBurst),
		doneChan: make(chan struct{}),
	}
}

func (c *Client) Handle() string { return c.handle }

// Deliver queues data for the write loop, giving up after timeout so one
// stuck connection cannot hold up a room's fan-out.
func (c *Client) Deliver(data []byte, timeout time.Duration) error {
	select {
	case c.Send <- data:
		return nil
	case <-c.doneChan:
		return ErrConnectionClosed
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.Send <- data:
		return nil
	case <-c.doneChan:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Kill starts teardown. The write loop drains what it can and closes the
// socket, which ends the read loop, which runs the registry cleanup.
func (c *Client) Kill(reason string) {
	c.closeOnce.Do(func() {
		globals.AppLogger.Debug("closing connection", "conn", c.handle, "reason", reason)
		close(c.doneChan)
	})
}

// startGraceTimer arms the bounded wait for a credential. An unauthenticated
// connection is told off and dropped when the timer fires.
func (c *Client) startGraceTimer(grace time.Duration) {
	c.authTimer = time.AfterFunc(grace, func() {
		if _, ok := c.router.registry.User(c.handle); ok {
			return
		}
		c.send(types.EventAuthError, types.ErrorPayload{Message: "authentication grace period expired"})
		c.Kill("authentication grace period expired")
	})
}

func (c *Client) greet() {
	c.send(types.EventConnected, types.ConnectedPayload{Message: "connected, authenticate to join rooms"})
}

// send marshals and queues one event for this connection only.
func (c *Client) send(event string, payload interface{}) {
	data, err := types.Envelope(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	if err := c.Deliver(data, writeWait); err != nil {
		c.Kill("send queue stalled")
	}
}

func (c *Client) sendError(message string) {
	c.send(types.EventError, types.ErrorPayload{Message: message})
}

// authenticate verifies the credential and binds the identity to this
// connection. An invalid credential is answered with auth_error and the
// transport is closed; trying to rebind an authenticated connection to a
// different user only produces an error event, the connection keeps its
// valid identity.
func (c *Client) authenticate(ctx context.Context, token, provider string) bool {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	user, err := c.router.auth.Verify(ctx, token, provider)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			globals.AppLogger.Info("authentication with unknown provider", "conn", c.handle, "provider", provider)
		} else {
			globals.AppLogger.Info("authentication rejected", "conn", c.handle, "error", err)
		}
		c.send(types.EventAuthError, types.ErrorPayload{Message: "authentication failed"})
		c.Kill("authentication failed")
		return false
	}

	first, err := c.router.registry.Authenticate(c.handle, user)
	if err != nil {
		if errors.Is(err, registry.ErrIdentityBound) {
			c.sendError("connection is already authenticated as another user")
			return false
		}
		c.send(types.EventAuthError, types.ErrorPayload{Message: "authentication failed"})
		c.Kill("authentication failed")
		return false
	}
	c.user = user
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.send(types.EventAuthenticated, types.AuthenticatedPayload{
		UserId:      user.Id,
		Username:    user.Username,
		DisplayName: user.DisplayName,
	})
	if first {
		c.router.BroadcastGlobal(presenceEvent(types.EventUserOnline, user))
		c.router.persistPresence(user, true)
	}
	globals.AppLogger.Info("connection authenticated", "conn", c.handle, "user", user.Id, "first", first)
	return true
}

// ReadLoop pumps actions from the websocket connection into the handlers.
//
// The application runs ReadLoop in a per-connection goroutine; all reads go
// through this single goroutine. Its exit is the one place a connection is
// unregistered.
func (c *Client) ReadLoop() {
	defer func() {
		c.Kill("read loop ended")
		_ = c.conn.Close()
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.router.Disconnect(c.handle)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("websocket closed unexpectedly", "conn", c.handle, "error", err)
			}
			return
		}
		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.dispatch(&message)
	}
}

func (c *Client) dispatch(message *types.WebsocketMessage) {
	switch message.Event {
	case types.ActionAuthenticate:
		payload := types.AuthenticatePayload{}
		if !c.decode(message.Data, &payload) {
			return
		}
		c.authenticate(context.Background(), payload.Token, payload.Provider)

	case types.ActionJoinRoom:
		payload := types.JoinRoomPayload{}
		if !c.decode(message.Data, &payload) {
			return
		}
		c.handleJoin(payload)

	case types.ActionLeaveRoom:
		payload := types.LeaveRoomPayload{}
		if !c.decode(message.Data, &payload) {
			return
		}
		c.handleLeave(payload)

	case types.ActionSendMessage:
		payload := types.SendMessagePayload{}
		if !c.decode(message.Data, &payload) {
			return
		}
		c.handleMessage(payload)

	case types.ActionTyping:
		payload := types.TypingPayload{}
		if !c.decode(message.Data, &payload) {
			return
		}
		c.handleTyping(payload)

	case types.ActionStopTyping:
		payload := types.TypingPayload{}
		if !c.decode(message.Data, &payload) {
			return
		}
		c.handleStopTyping(payload)

	default:
		c.sendError("unknown action")
	}
}

// decode maps a raw payload onto out. Frames arrive as generic JSON, decoding
// weakly keeps older clients with sloppy types working.
func (c *Client) decode(raw json.RawMessage, out interface{}) bool {
	payloadMap := make(map[string]interface{})
	if err := json.Unmarshal(raw, &payloadMap); err != nil {
		c.sendError("malformed payload")
		return false
	}
	if err := mapstructure.WeakDecode(payloadMap, out); err != nil {
		c.sendError("malformed payload")
		return false
	}
	return true
}

func (c *Client) requireUser() bool {
	if c.user == nil {
		c.sendError("authentication required")
		return false
	}
	return true
}

func (c *Client) handleJoin(payload types.JoinRoomPayload) {
	if !c.requireUser() {
		return
	}
	if payload.RoomId == "" {
		c.sendError("room_id is required")
		return
	}
	room, already, err := c.router.store.Join(payload.RoomId, c.user, payload.Secret)
	if err != nil {
		c.sendError(joinErrorMessage(err))
		return
	}
	_ = c.router.registry.MarkJoined(c.handle, room.Id)
	if !already {
		c.router.Route(room.Id, memberEvent(types.EventUserJoined, room.Id, c.user))
	}
	c.send(types.EventRoomJoined, types.RoomJoinedPayload{RoomId: room.Id, RoomName: room.Name})
}

func (c *Client) handleLeave(payload types.LeaveRoomPayload) {
	if !c.requireUser() {
		return
	}
	room, err := c.router.store.Leave(payload.RoomId, c.user.Id)
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrRoomNotFound):
			c.sendError("room not found")
		case errors.Is(err, membership.ErrNotMember):
			c.sendError("not a member of this room")
		case errors.Is(err, membership.ErrOwnerLeave):
			c.sendError("the room owner cannot leave the room")
		default:
			globals.AppLogger.Error("leave failed", "room", payload.RoomId, "user", c.user.Id, "error", err)
			c.sendError("could not leave room")
		}
		return
	}
	_ = c.router.registry.MarkLeft(c.handle, room.Id)
	if c.router.typing.Stop(room.Id, c.user.Id) {
		c.router.Route(room.Id, stopTypingEvent(room.Id, c.user))
	}
	c.router.Route(room.Id, memberEvent(types.EventUserLeft, room.Id, c.user))
	c.send(types.EventRoomLeft, types.RoomLeftPayload{RoomId: room.Id})
}

func (c *Client) handleMessage(payload types.SendMessagePayload) {
	if !c.requireUser() {
		return
	}
	if payload.RoomId == "" || strings.TrimSpace(payload.Content) == "" {
		c.sendError("room_id and content are required")
		return
	}
	if max := c.router.cfg.LimitsConfig.MaxMessageLength; max > 0 && len(payload.Content) > max {
		c.sendError("message too long")
		return
	}
	if _, err := c.router.store.Room(payload.RoomId); err != nil {
		c.sendError("room not found")
		return
	}
	if !c.router.store.IsMember(payload.RoomId, c.user.Id) {
		c.sendError("not a member of this room")
		return
	}
	if !c.limiter.Allow() {
		c.sendError("rate limit exceeded, slow down")
		return
	}

	msg := types.Message{
		RoomId:     payload.RoomId,
		SenderId:   c.user.Id,
		SenderName: c.user.Username,
		Content:    payload.Content,
		Type:       types.MessageTypeText,
		Timestamp:  time.Now().UTC(),
	}
	if err := msg.CreateId(); err != nil {
		globals.AppLogger.Error("could not hash message", "error", err)
		c.sendError("could not send message")
		return
	}
	// the write must land before anyone hears about the message
	if err := c.router.persister.StoreMessage(msg); err != nil {
		globals.AppLogger.Error("could not persist message", "room", msg.RoomId, "error", err)
		c.sendError("message could not be saved")
		return
	}
	if c.router.typing.Stop(msg.RoomId, c.user.Id) {
		c.router.Route(msg.RoomId, stopTypingEvent(msg.RoomId, c.user))
	}
	delivered := c.router.Broadcast(msg.RoomId, messageEvent(&msg, c.user, payload.Filter, c.handle))
	globals.AppLogger.Debug("message broadcast", "room", msg.RoomId, "message", msg.Id, "delivered", delivered)
}

func (c *Client) handleTyping(payload types.TypingPayload) {
	if !c.requireUser() {
		return
	}
	if payload.RoomId == "" {
		c.sendError("room_id is required")
		return
	}
	if !c.router.store.IsMember(payload.RoomId, c.user.Id) {
		c.sendError("not a member of this room")
		return
	}
	if c.router.typing.Typing(payload.RoomId, c.user.Id) {
		c.router.Route(payload.RoomId, typingEvent(payload.RoomId, c.user))
	}
}

func (c *Client) handleStopTyping(payload types.TypingPayload) {
	if !c.requireUser() {
		return
	}
	if c.router.typing.Stop(payload.RoomId, c.user.Id) {
		c.router.Route(payload.RoomId, stopTypingEvent(payload.RoomId, c.user))
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, membership.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, membership.ErrPrivateRoom):
		return "room is private, a room code is required"
	case errors.Is(err, membership.ErrBadSecret):
		return "invalid room code"
	case errors.Is(err, membership.ErrRoomFull):
		return "room is full"
	default:
		globals.AppLogger.Error("join failed", "error", err)
		return "could not join room"
	}
}

// WriteLoop pumps queued events to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection; all writes go
// through this single goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				globals.AppLogger.Debug("could not write to connection, exiting write loop", "conn", c.handle)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			c.flush()
			return
		}
	}
}

// flush drains queued events best-effort before the close frame, so a client
// that is being dropped still sees why.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.conn.WriteMessage(websocket.TextMessage, message) != nil {
				return
			}
		default:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
