package httpapi

import (
	"errors"
	"net/http"

	"accesscore.org/internal/authn"
	"accesscore.org/internal/store"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  store.User `json:"user"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.authn.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, authn.ErrWeakPassword) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		handleCoreError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, user, err := a.authn.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, authn.ErrInvalidCredentials):
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, authn.ErrUserDisabled):
			writeError(w, r, http.StatusForbidden, "account is disabled")
		default:
			writeError(w, r, http.StatusInternalServerError, "login failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := authn.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.authn.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, authn.ErrInvalidCredentials):
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, authn.ErrWeakPassword):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			handleCoreError(w, r, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := authn.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	perms, err := a.authz.EffectivePermissions(r.Context(), userID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	roles, err := a.authz.UserRoles(r.Context(), userID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        user,
		"roles":       roles,
		"permissions": perms,
	})
}
