package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"accesscore.org/internal/audit"
	"accesscore.org/internal/authn"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/register",
	"/v1/auth/login",
	"/ws", // the socket authenticates with its first message
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.authn == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.authn.ParseAndValidate(r.Context(), token)
		if err != nil {
			if errors.Is(err, authn.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := authn.ContextWithUser(r.Context(), claims.Subject, claims.Username, claims.Roles)
		ctx = audit.WithRequest(ctx, audit.Request{
			RemoteAddr: clientIP(r),
			UserAgent:  r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensureResource authorizes the caller for action on resource against the
// live permission state, not the token snapshot. Writes the response on
// failure and reports whether the handler may proceed.
func (a *API) ensureResource(w http.ResponseWriter, r *http.Request, resource, action string) bool {
	if a.authn == nil {
		return true
	}
	userID, ok := authn.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	granted, err := a.authz.HasResourcePermission(r.Context(), userID, resource, action)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization check failed")
		return false
	}
	if !granted {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

func (a *API) actor(r *http.Request) audit.Actor {
	id, _ := authn.UserIDFromContext(r.Context())
	name, _ := authn.UsernameFromContext(r.Context())
	return audit.Actor{ID: id, Username: name}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
