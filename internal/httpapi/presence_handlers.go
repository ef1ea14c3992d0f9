package httpapi

import (
	"net/http"
	"strings"
)

func (a *API) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "users", "read") {
		return
	}
	active, err := a.presence.ActiveUsers(r.Context())
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": active})
}

func (a *API) handleUserPresence(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "users", "read") {
		return
	}
	status, err := a.presence.UserStatus(r.Context(), userID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "sessions", "read") {
			return
		}
		sessions, err := a.presence.UserSessions(r.Context(), userID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": sessions})
	case http.MethodDelete:
		if !a.ensureResource(w, r, "sessions", "write") {
			return
		}
		if err := a.presence.DisconnectUser(r.Context(), userID); err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.closeUserWS(userID)
		a.recorder.Success(r.Context(), a.actor(r), "disconnect_user", "sessions", userID, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "sessions", "read") {
		return
	}
	sessions, err := a.presence.ActiveSessions(r.Context())
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sessions})
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "sessions", "read") {
			return
		}
		sess, err := a.store.Sessions(r.Context()).Find(r.Context(), sessionID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		if !a.ensureResource(w, r, "sessions", "write") {
			return
		}
		sess, err := a.store.Sessions(r.Context()).Find(r.Context(), sessionID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		if err := a.presence.Disconnect(r.Context(), sess.ConnectionID); err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.closeWS(sess.ConnectionID)
		a.recorder.Success(r.Context(), a.actor(r), "disconnect", "sessions", sessionID, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}
