package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/presence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	api    *API
	router *mux.Router
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := &config.Config{}
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = filepath.Join(t.TempDir(), "web-test.db")
	cfg.AuthConfig.JWTSecret = "test-secret"
	cfg.AuthConfig.TokenLifetime = time.Hour
	cfg.AuthConfig.TokenCacheSize = 16
	cfg.HistoryConfig.PageSize = 50
	cfg.HistoryConfig.MaxPageSize = 200
	cfg.LimitsConfig.MaxRoomNameLength = 50
	cfg.LimitsConfig.MaxUsernameLength = 30
	cfg.LimitsConfig.MaxDisplayNameLength = 50

	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	authn, err := auth.NewAuthenticator(cfg, p)
	require.NoError(t, err)
	store := membership.NewStore(p)
	require.NoError(t, store.Load())

	api := NewAPI(cfg, authn, store, presence.NewTracker(), p)
	router := mux.NewRouter()
	api.Register(router)
	return &testAPI{api: api, router: router}
}

func (ta *testAPI) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	return rec
}

type sessionBody struct {
	Message string     `json:"message"`
	Token   string     `json:"token"`
	User    types.User `json:"user"`
}

func (ta *testAPI) register(t *testing.T, username string) sessionBody {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/api/register", "", registerRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := sessionBody{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	return body
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := map[string]string{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRegisterLoginProfile(t *testing.T) {
	ta := newTestAPI(t)

	reg := ta.register(t, "alice")
	assert.Equal(t, "alice", reg.User.Username)
	assert.Equal(t, "alice", reg.User.DisplayName, "display name defaults to the username")
	assert.Empty(t, reg.User.PasswordHash, "credential material never leaves the server")

	rec := ta.do(t, http.MethodPost, "/api/register", "", registerRequest{
		Username: "alice", Email: "other@example.com", Password: "password123",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/register", "", registerRequest{
		Username: "someone", Email: "alice@example.com", Password: "password123",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "emails are unique too")

	rec = ta.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "alice", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code)
	login := sessionBody{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	assert.NotEmpty(t, login.Token)
	assert.NotContains(t, rec.Body.String(), "password_hash")

	rec = ta.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid username or password", errorOf(t, rec))

	rec = ta.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "nobody", Password: "password123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unknown users get the same answer")

	rec = ta.do(t, http.MethodGet, "/api/profile", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	profile := struct {
		User types.User `json:"user"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, reg.User.Id, profile.User.Id)
	assert.False(t, profile.User.IsOnline, "no socket connection, not online")

	rec = ta.do(t, http.MethodGet, "/api/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Token is missing", errorOf(t, rec))

	rec = ta.do(t, http.MethodGet, "/api/profile", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Token is invalid", errorOf(t, rec))

	newName := "Alice in Chains"
	rec = ta.do(t, http.MethodPut, "/api/profile", login.Token, profileUpdateRequest{DisplayName: &newName})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "Alice in Chains", profile.User.DisplayName)

	empty := "   "
	rec = ta.do(t, http.MethodPut, "/api/profile", login.Token, profileUpdateRequest{DisplayName: &empty})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/register", "", registerRequest{Username: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/register", "", registerRequest{
		Username: strings.Repeat("x", 31), Email: "x@example.com", Password: "password123",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Username too long", errorOf(t, rec))

	rec = ta.do(t, http.MethodPost, "/api/register", "", registerRequest{
		Username: "bob", Email: "not-an-email", Password: "password123",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid email address", errorOf(t, rec))
}

func TestRoomLifecycle(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	bob := ta.register(t, "bob")

	rec := ta.do(t, http.MethodPost, "/api/rooms", "", createRoomRequest{Name: "General"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/rooms", alice.Token, createRoomRequest{Name: "General", Description: "open floor"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := struct {
		Room roomView `json:"room"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Room.Id)
	assert.True(t, created.Room.IsMember)
	assert.Empty(t, created.Room.Secret, "public rooms have no join code")
	assert.Equal(t, 1, created.Room.MemberCount)

	rec = ta.do(t, http.MethodPost, "/api/rooms", bob.Token, createRoomRequest{Name: "General"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Public room name already exists", errorOf(t, rec))

	rec = ta.do(t, http.MethodPost, "/api/rooms", alice.Token, createRoomRequest{Name: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/rooms", alice.Token, createRoomRequest{Name: strings.Repeat("r", 51)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Room name too long", errorOf(t, rec))

	rec = ta.do(t, http.MethodPost, "/api/rooms", alice.Token, createRoomRequest{Name: "Hideout", IsPrivate: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	hideout := struct {
		Room roomView `json:"room"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hideout))
	assert.Len(t, hideout.Room.Secret, 8, "the owner is handed the join code")

	// public listing: bob sees General but not the private room
	rec = ta.do(t, http.MethodGet, "/api/rooms", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := struct {
		Rooms []roomView `json:"rooms"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Rooms, 1)
	assert.Equal(t, "General", listing.Rooms[0].Name)
	assert.False(t, listing.Rooms[0].IsMember)
	assert.Empty(t, listing.Rooms[0].Secret)

	rec = ta.do(t, http.MethodGet, "/api/rooms/my", alice.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Rooms, 2)

	rec = ta.do(t, http.MethodGet, "/api/rooms/my", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Rooms)
}

func TestJoinByCode(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	bob := ta.register(t, "bob")

	rec := ta.do(t, http.MethodPost, "/api/rooms", alice.Token, createRoomRequest{Name: "Hideout", IsPrivate: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := struct {
		Room roomView `json:"room"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	code := created.Room.Secret

	rec = ta.do(t, http.MethodPost, "/api/rooms/join-by-id", bob.Token, joinByIdRequest{RoomId: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/rooms/join-by-id", bob.Token, joinByIdRequest{RoomId: "ZZZZZZZZ"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// codes are case-insensitive on input
	rec = ta.do(t, http.MethodPost, "/api/rooms/join-by-id", bob.Token, joinByIdRequest{RoomId: strings.ToLower(code)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	joined := struct {
		Message string   `json:"message"`
		Room    roomView `json:"room"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joined))
	assert.Equal(t, "Successfully joined the private room!", joined.Message)
	assert.Equal(t, created.Room.Id, joined.Room.Id)
	assert.True(t, joined.Room.IsMember)

	rec = ta.do(t, http.MethodPost, "/api/rooms/join-by-id", bob.Token, joinByIdRequest{RoomId: code})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joined))
	assert.Equal(t, "You are already a member of this room", joined.Message)

	rec = ta.do(t, http.MethodGet, "/api/rooms/my", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := struct {
		Rooms []roomView `json:"rooms"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Rooms, 1)
	assert.Equal(t, code, listing.Rooms[0].Secret, "members see the code in their room list")
}

func TestMessagesEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	bob := ta.register(t, "bob")

	rec := ta.do(t, http.MethodPost, "/api/rooms", alice.Token, createRoomRequest{Name: "General"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := struct {
		Room roomView `json:"room"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	roomId := created.Room.Id

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		msg := types.Message{
			Id:         fmt.Sprintf("m%d", i),
			RoomId:     roomId,
			SenderId:   alice.User.Id,
			SenderName: "alice",
			Content:    fmt.Sprintf("message %d", i),
			Type:       types.MessageTypeText,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, ta.api.persister.StoreMessage(msg))
	}

	// public room history is readable by non-members
	rec = ta.do(t, http.MethodGet, "/api/rooms/"+roomId+"/messages", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := struct {
		Messages []messageView `json:"messages"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "message 1", page.Messages[0].Content, "chronological, newest last")
	assert.Equal(t, "message 3", page.Messages[2].Content)
	assert.Equal(t, "alice", page.Messages[0].Sender.Username)

	rec = ta.do(t, http.MethodGet, "/api/rooms/"+roomId+"/messages?limit=2", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "message 2", page.Messages[0].Content, "the newest page")
	assert.Equal(t, "message 3", page.Messages[1].Content)

	rec = ta.do(t, http.MethodGet, "/api/rooms/"+roomId+"/messages?limit=2&page=2", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "message 1", page.Messages[0].Content)

	rec = ta.do(t, http.MethodGet, "/api/rooms/no-such-room/messages", bob.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// private rooms are member-only
	rec = ta.do(t, http.MethodPost, "/api/rooms", alice.Token, createRoomRequest{Name: "Hideout", IsPrivate: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = ta.do(t, http.MethodGet, "/api/rooms/"+created.Room.Id+"/messages", bob.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Access denied", errorOf(t, rec))

	rec = ta.do(t, http.MethodGet, "/api/rooms/"+created.Room.Id+"/messages", alice.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
