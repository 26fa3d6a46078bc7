package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/google/uuid"
)

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	AvatarUrl   string `json:"avatar_url"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type profileUpdateRequest struct {
	DisplayName *string `json:"display_name"`
	AvatarUrl   *string `json:"avatar_url"`
}

type sessionResponse struct {
	Message string      `json:"message"`
	Token   string      `json:"token"`
	User    *types.User `json:"user"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	tokens := a.authn.Tokens()
	if tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "Local accounts are disabled")
		return
	}
	req := registerRequest{}
	if !decodeJSON(w, r, &req) {
		return
	}
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if username == "" || email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username, email, and password are required")
		return
	}
	if max := a.cfg.LimitsConfig.MaxUsernameLength; max > 0 && len(username) > max {
		writeError(w, http.StatusBadRequest, "Username too long")
		return
	}
	if !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}
	if max := a.cfg.LimitsConfig.MaxDisplayNameLength; max > 0 && len(displayName) > max {
		writeError(w, http.StatusBadRequest, "Display name too long")
		return
	}

	if taken, err := a.identityTaken(username, email); err != nil {
		globals.AppLogger.Error("could not check for existing user", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	} else if taken {
		writeError(w, http.StatusConflict, "Username or email already exists")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		globals.AppLogger.Error("could not hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	now := time.Now().UTC()
	user := types.User{
		Id:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		AvatarUrl:    req.AvatarUrl,
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.persister.StoreUser(user); err != nil {
		globals.AppLogger.Error("could not store user", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	token, err := tokens.Issue(&user)
	if err != nil {
		globals.AppLogger.Error("could not issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	globals.AppLogger.Info("user registered", "user", user.Id, "username", user.Username)
	writeJSON(w, http.StatusCreated, sessionResponse{
		Message: "User registered successfully",
		Token:   token,
		User:    user.Public(),
	})
}

// identityTaken reports whether the username or email is already bound.
func (a *API) identityTaken(username, email string) (bool, error) {
	if _, err := a.persister.GetUserByUsername(username); err == nil {
		return true, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return false, err
	}
	if _, err := a.persister.GetUserByEmail(email); err == nil {
		return true, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return false, err
	}
	return false, nil
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	tokens := a.authn.Tokens()
	if tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "Local accounts are disabled")
		return
	}
	req := loginRequest{}
	if !decodeJSON(w, r, &req) {
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	user, err := a.persister.GetUserByUsername(username)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			globals.AppLogger.Error("could not load user", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err := auth.CheckPassword(req.Password, user.PasswordHash); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	token, err := tokens.Issue(user)
	if err != nil {
		globals.AppLogger.Error("could not issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	// presence stays with the socket lifecycle, a login only freshens last_seen
	user.LastSeen = time.Now().UTC()
	user.UpdatedAt = user.LastSeen
	if err := a.persister.StoreUser(*user); err != nil {
		globals.AppLogger.Error("could not update last seen", "user", user.Id, "error", err)
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Message: "Login successful",
		Token:   token,
		User:    user.Public(),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, _ *http.Request) {
	// tokens are stateless, the endpoint exists for client parity
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r).Public()
	user.IsOnline = a.tracker.IsOnline(user.Id)
	writeJSON(w, http.StatusOK, map[string]*types.User{"user": user})
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	req := profileUpdateRequest{}
	if !decodeJSON(w, r, &req) {
		return
	}
	user := *currentUser(r)
	if req.DisplayName != nil {
		displayName := strings.TrimSpace(*req.DisplayName)
		if displayName == "" {
			writeError(w, http.StatusBadRequest, "Display name cannot be empty")
			return
		}
		if max := a.cfg.LimitsConfig.MaxDisplayNameLength; max > 0 && len(displayName) > max {
			writeError(w, http.StatusBadRequest, "Display name too long")
			return
		}
		user.DisplayName = displayName
	}
	if req.AvatarUrl != nil {
		user.AvatarUrl = *req.AvatarUrl
	}
	user.UpdatedAt = time.Now().UTC()
	if err := a.persister.StoreUser(user); err != nil {
		globals.AppLogger.Error("could not update profile", "user", user.Id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	pub := user.Public()
	pub.IsOnline = a.tracker.IsOnline(user.Id)
	writeJSON(w, http.StatusOK, map[string]*types.User{"user": pub})
}
