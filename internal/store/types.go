package store

import (
	"errors"
	"time"
)

// User is a human account. Accounts are never physically deleted by the
// application; administrative removal flips IsActive instead.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	RoleIDs      []string  `json:"role_ids"`
	IsActive     bool      `json:"is_active"`
	IsOnline     bool      `json:"is_online"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastLoginAt  time.Time `json:"last_login_at,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at,omitempty"`
}

// Role groups permissions. ParentRoleID forms a single-parent chain; the
// chain must terminate (no cycles), which the rbac service enforces on write.
type Role struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	PermissionIDs []string  `json:"permission_ids"`
	ParentRoleID  string    `json:"parent_role_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability named "resource:action".
// A "*" resource or action matches anything during checks.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one live transport connection held by a user. A user may hold
// zero or many concurrent sessions.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConnectionID   string    `json:"connection_id"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

// Details is the structured payload attached to an audit entry. Values must
// round-trip through encoding/json.
type Details map[string]any

// Clone returns a shallow copy so stored entries cannot alias caller maps.
func (d Details) Clone() Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// AuditEntry is an append-only record of a security-relevant action. The
// actor username is denormalized at write time so entries survive actor
// removal.
type AuditEntry struct {
	ID            string    `json:"id"`
	ActorID       string    `json:"actor_id"`
	ActorUsername string    `json:"actor_username"`
	Action        string    `json:"action"`
	Resource      string    `json:"resource"`
	ResourceID    string    `json:"resource_id,omitempty"`
	Details       Details   `json:"details,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// AuditFilter narrows audit queries. Zero values mean "any".
type AuditFilter struct {
	ActorID  string
	Resource string
	Action   string
	Since    time.Time
	Until    time.Time
	Limit    int
}

var (
	ErrNotFound     = errors.New("store: not found")
	ErrConflict     = errors.New("store: resource conflict")
	ErrInvalidState = errors.New("store: invalid state")
)
