package authn

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey   ctxKey = "authn_user_id"
	usernameKey ctxKey = "authn_username"
	rolesKey    ctxKey = "authn_roles"
)

// ContextWithUser stores the authenticated identity in the context.
func ContextWithUser(ctx context.Context, userID, username string, roles []string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, usernameKey, username)
	return context.WithValue(ctx, rolesKey, roles)
}

// UserIDFromContext extracts the authenticated user id from the context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}

// UsernameFromContext extracts the authenticated username from the context.
func UsernameFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(usernameKey).(string)
	return v, ok && v != ""
}

// RolesFromContext returns the roles stored in the context, deduplicated and
// lower-cased.
func RolesFromContext(ctx context.Context) []string {
	raw, ok := ctx.Value(rolesKey).([]string)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
