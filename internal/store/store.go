package store

import (
	"context"
	"time"
)

// Store describes persistence operations required by the authorization core.
// The in-memory implementation backs tests and single-node deployments; the
// pg implementation provides the same contracts on PostgreSQL.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Sessions(ctx context.Context) SessionStore
	Audit(ctx context.Context) AuditStore
}

// UserStore manages user accounts and the user→role index.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	List(ctx context.Context) ([]User, error)
	Update(ctx context.Context, id string, upd UserUpdate) (User, error)
	Delete(ctx context.Context, id string) (bool, error)
	RoleIDs(ctx context.Context, userID string) ([]string, error)
}

// UserUpdate merges only the provided fields. Nil means "leave unchanged".
type UserUpdate struct {
	Email        *string
	PasswordHash *string
	RoleIDs      *[]string
	IsActive     *bool
	IsOnline     *bool
	LastLoginAt  *time.Time
	LastSeenAt   *time.Time
}

// RoleStore manages roles and the role→permission index.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id string) (Role, error)
	FindByName(ctx context.Context, name string) (Role, error)
	List(ctx context.Context) ([]Role, error)
	Update(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	Delete(ctx context.Context, id string) (bool, error)
	PermissionIDs(ctx context.Context, roleID string) ([]string, error)
}

// RoleUpdate merges only the provided fields. ParentRoleID set to the empty
// string clears the parent.
type RoleUpdate struct {
	Name          *string
	Description   *string
	PermissionIDs *[]string
	ParentRoleID  *string
}

// PermissionStore manages the permission catalog. Permissions are immutable
// once created except for deletion.
type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	Find(ctx context.Context, id string) (Permission, error)
	FindByName(ctx context.Context, name string) (Permission, error)
	List(ctx context.Context) ([]Permission, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SessionStore manages live transport sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (Session, error)
	FindByConnection(ctx context.Context, connectionID string) (Session, error)
	List(ctx context.Context) ([]Session, error)
	ByUser(ctx context.Context, userID string) ([]Session, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) (bool, error)
}

// AuditStore appends immutable entries under a bounded retention cap and
// serves filtered queries, newest first.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
