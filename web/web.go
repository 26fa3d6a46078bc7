// Package web is the REST surface: account and room management plus message
// history. All handlers are thin wrappers over the membership store and the
// persistence layer; everything stateful about a live chat session happens on
// the websocket side.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/presence"
	"github.com/gorilla/mux"
)

type API struct {
	cfg       *config.Config
	authn     *auth.Authenticator
	store     *membership.Store
	tracker   *presence.Tracker
	persister persistence.Persister
}

func NewAPI(cfg *config.Config, authn *auth.Authenticator, store *membership.Store, tracker *presence.Tracker, persister persistence.Persister) *API {
	return &API{
		cfg:       cfg,
		authn:     authn,
		store:     store,
		tracker:   tracker,
		persister: persister,
	}
}

// Register mounts all API routes on the router.
func (a *API) Register(router *mux.Router) {
	router.HandleFunc("/api/register", a.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/api/login", a.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/logout", a.requireAuth(a.handleLogout)).Methods(http.MethodPost)
	router.HandleFunc("/api/profile", a.requireAuth(a.handleGetProfile)).Methods(http.MethodGet)
	router.HandleFunc("/api/profile", a.requireAuth(a.handleUpdateProfile)).Methods(http.MethodPut)
	router.HandleFunc("/api/rooms", a.requireAuth(a.handleListRooms)).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms", a.requireAuth(a.handleCreateRoom)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/my", a.requireAuth(a.handleMyRooms)).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/join-by-id", a.requireAuth(a.handleJoinById)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room}/messages", a.requireAuth(a.handleMessages)).Methods(http.MethodGet)
	router.HandleFunc("/api/health", a.handleHealth).Methods(http.MethodGet)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		globals.AppLogger.Error("could not write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON fills out from the request body. A missing or malformed body is
// answered directly.
func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}
