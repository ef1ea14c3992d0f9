package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"accesscore.org/internal/ids"
)

const DefaultAuditRetention = 1000

// Memory implements Store with in-process concurrency safety. All reads
// return snapshots so callers can never corrupt the internal maps or the
// derived user→role / role→permission indices.
type Memory struct {
	mu sync.RWMutex

	users       map[string]*User
	roles       map[string]*Role
	permissions map[string]*Permission
	sessions    map[string]*Session

	userRoles map[string]map[string]struct{}
	rolePerms map[string]map[string]struct{}

	audit    []AuditEntry
	auditCap int

	now func() time.Time
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithAuditRetention caps the number of retained audit entries. Oldest
// entries are dropped first when the cap is exceeded.
func WithAuditRetention(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.auditCap = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		permissions: make(map[string]*Permission),
		sessions:    make(map[string]*Session),
		userRoles:   make(map[string]map[string]struct{}),
		rolePerms:   make(map[string]map[string]struct{}),
		auditCap:    DefaultAuditRetention,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Users(context.Context) UserStore             { return &memUsers{m} }
func (m *Memory) Roles(context.Context) RoleStore             { return &memRoles{m} }
func (m *Memory) Permissions(context.Context) PermissionStore { return &memPermissions{m} }
func (m *Memory) Sessions(context.Context) SessionStore       { return &memSessions{m} }
func (m *Memory) Audit(context.Context) AuditStore            { return &memAudit{m} }

// User store ---------------------------------------------------------------

type memUsers struct{ m *Memory }

func (s *memUsers) Create(ctx context.Context, u *User) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	for _, existing := range s.m.users {
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username %s", ErrConflict, u.Username)
		}
		if existing.Email == u.Email {
			return fmt.Errorf("%w: email %s", ErrConflict, u.Email)
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.m.now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.RoleIDs = dedupe(u.RoleIDs)

	rec := cloneUser(u)
	s.m.users[u.ID] = &rec
	s.m.userRoles[u.ID] = toSet(u.RoleIDs)
	return nil
}

func (s *memUsers) Find(ctx context.Context, id string) (User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	u, ok := s.m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *memUsers) FindByUsername(ctx context.Context, username string) (User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, u := range s.m.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memUsers) FindByEmail(ctx context.Context, email string) (User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, u := range s.m.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memUsers) List(ctx context.Context) ([]User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]User, 0, len(s.m.users))
	for _, u := range s.m.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memUsers) Update(ctx context.Context, id string, upd UserUpdate) (User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	if upd.Email != nil {
		for otherID, other := range s.m.users {
			if otherID != id && other.Email == *upd.Email {
				return User{}, fmt.Errorf("%w: email %s", ErrConflict, *upd.Email)
			}
		}
		u.Email = *upd.Email
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.RoleIDs != nil {
		u.RoleIDs = dedupe(*upd.RoleIDs)
		// Any mutation of the roles field rebuilds the derived index.
		s.m.userRoles[id] = toSet(u.RoleIDs)
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	if upd.IsOnline != nil {
		u.IsOnline = *upd.IsOnline
	}
	if upd.LastLoginAt != nil {
		u.LastLoginAt = *upd.LastLoginAt
	}
	if upd.LastSeenAt != nil {
		u.LastSeenAt = *upd.LastSeenAt
	}
	u.UpdatedAt = s.m.now().UTC()
	return cloneUser(u), nil
}

func (s *memUsers) Delete(ctx context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	_, ok := s.m.users[id]
	delete(s.m.users, id)
	delete(s.m.userRoles, id)
	return ok, nil
}

func (s *memUsers) RoleIDs(ctx context.Context, userID string) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	set, ok := s.m.userRoles[userID]
	if !ok {
		return nil, nil
	}
	return fromSet(set), nil
}

// Role store ---------------------------------------------------------------

type memRoles struct{ m *Memory }

func (s *memRoles) Create(ctx context.Context, r *Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.roles {
		if existing.Name == r.Name {
			return fmt.Errorf("%w: role name %s", ErrConflict, r.Name)
		}
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	now := s.m.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.PermissionIDs = dedupe(r.PermissionIDs)

	rec := cloneRole(r)
	s.m.roles[r.ID] = &rec
	s.m.rolePerms[r.ID] = toSet(r.PermissionIDs)
	return nil
}

func (s *memRoles) Find(ctx context.Context, id string) (Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	r, ok := s.m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return cloneRole(r), nil
}

func (s *memRoles) FindByName(ctx context.Context, name string) (Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, r := range s.m.roles {
		if r.Name == name {
			return cloneRole(r), nil
		}
	}
	return Role{}, ErrNotFound
}

func (s *memRoles) List(ctx context.Context) ([]Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]Role, 0, len(s.m.roles))
	for _, r := range s.m.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memRoles) Update(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		for otherID, other := range s.m.roles {
			if otherID != id && other.Name == *upd.Name {
				return Role{}, fmt.Errorf("%w: role name %s", ErrConflict, *upd.Name)
			}
		}
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.PermissionIDs != nil {
		r.PermissionIDs = dedupe(*upd.PermissionIDs)
		// Any mutation of the permissions field rebuilds the derived index.
		s.m.rolePerms[id] = toSet(r.PermissionIDs)
	}
	if upd.ParentRoleID != nil {
		r.ParentRoleID = *upd.ParentRoleID
	}
	r.UpdatedAt = s.m.now().UTC()
	return cloneRole(r), nil
}

func (s *memRoles) Delete(ctx context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	_, ok := s.m.roles[id]
	delete(s.m.roles, id)
	delete(s.m.rolePerms, id)
	return ok, nil
}

func (s *memRoles) PermissionIDs(ctx context.Context, roleID string) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	set, ok := s.m.rolePerms[roleID]
	if !ok {
		return nil, nil
	}
	return fromSet(set), nil
}

// Permission store ---------------------------------------------------------

type memPermissions struct{ m *Memory }

func (s *memPermissions) Create(ctx context.Context, p *Permission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.permissions {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: permission name %s", ErrConflict, p.Name)
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.CreatedAt = s.m.now().UTC()
	rec := *p
	s.m.permissions[p.ID] = &rec
	return nil
}

func (s *memPermissions) Find(ctx context.Context, id string) (Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	p, ok := s.m.permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return *p, nil
}

func (s *memPermissions) FindByName(ctx context.Context, name string) (Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, p := range s.m.permissions {
		if p.Name == name {
			return *p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (s *memPermissions) List(ctx context.Context) ([]Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]Permission, 0, len(s.m.permissions))
	for _, p := range s.m.permissions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memPermissions) Delete(ctx context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	_, ok := s.m.permissions[id]
	delete(s.m.permissions, id)
	return ok, nil
}

// Session store ------------------------------------------------------------

type memSessions struct{ m *Memory }

func (s *memSessions) Create(ctx context.Context, sess *Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if sess.ID == "" {
		sess.ID = ids.NewSortable()
	}
	now := s.m.now().UTC()
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = now
	}
	sess.LastActivityAt = now
	rec := *sess
	s.m.sessions[sess.ID] = &rec
	return nil
}

func (s *memSessions) Find(ctx context.Context, id string) (Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

func (s *memSessions) FindByConnection(ctx context.Context, connectionID string) (Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, sess := range s.m.sessions {
		if sess.ConnectionID == connectionID {
			return *sess, nil
		}
	}
	return Session{}, ErrNotFound
}

func (s *memSessions) List(ctx context.Context) ([]Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]Session, 0, len(s.m.sessions))
	for _, sess := range s.m.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memSessions) ByUser(ctx context.Context, userID string) ([]Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []Session
	for _, sess := range s.m.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memSessions) CountByUser(ctx context.Context, userID string) (int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	n := 0
	for _, sess := range s.m.sessions {
		if sess.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *memSessions) Touch(ctx context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastActivityAt = at.UTC()
	return nil
}

func (s *memSessions) Delete(ctx context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	_, ok := s.m.sessions[id]
	delete(s.m.sessions, id)
	return ok, nil
}

// Audit store --------------------------------------------------------------

type memAudit struct{ m *Memory }

func (s *memAudit) Append(ctx context.Context, entry *AuditEntry) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ids.NewSortable()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.m.now().UTC()
	}
	rec := *entry
	rec.Details = entry.Details.Clone()
	s.m.audit = append(s.m.audit, rec)
	// Bounded retention: drop oldest entries first. Lossy on purpose.
	if over := len(s.m.audit) - s.m.auditCap; over > 0 {
		s.m.audit = append(s.m.audit[:0:0], s.m.audit[over:]...)
	}
	return nil
}

func (s *memAudit) Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []AuditEntry
	// Entries are held in insertion order; walking backward yields newest
	// first with a stable tie-break.
	for i := len(s.m.audit) - 1; i >= 0; i-- {
		e := s.m.audit[i]
		if !matchesAudit(e, f) {
			continue
		}
		rec := e
		rec.Details = e.Details.Clone()
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matchesAudit(e AuditEntry, f AuditFilter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.OccurredAt.After(f.Until) {
		return false
	}
	return true
}

// helpers ------------------------------------------------------------------

func cloneUser(u *User) User {
	out := *u
	out.RoleIDs = append([]string(nil), u.RoleIDs...)
	return out
}

func cloneRole(r *Role) Role {
	out := *r
	out.PermissionIDs = append([]string(nil), r.PermissionIDs...)
	return out
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
