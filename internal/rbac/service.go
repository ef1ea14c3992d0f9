package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"accesscore.org/internal/store"
)

var (
	ErrNotFound     = store.ErrNotFound
	ErrConflict     = store.ErrConflict
	ErrInvalidState = store.ErrInvalidState
	ErrInvalidInput = errors.New("rbac: invalid input")
)

// Wildcard matches any resource or action during permission checks.
const Wildcard = "*"

// Service provides role and permission management plus permission
// resolution. It holds no state of its own; everything reads and writes
// through the injected store.
type Service struct {
	store store.Store
}

// NewService constructs the RBAC service.
func NewService(st store.Store) (*Service, error) {
	if st == nil {
		return nil, errors.New("rbac: store is required")
	}
	return &Service{store: st}, nil
}

// Role management ----------------------------------------------------------

// CreateRole registers a new role. The name must be unique; a parent role,
// when given, must exist.
func (s *Service) CreateRole(ctx context.Context, name, description string, permissionIDs []string, parentRoleID string) (store.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	parentRoleID = strings.TrimSpace(parentRoleID)
	if parentRoleID != "" {
		if _, err := s.store.Roles(ctx).Find(ctx, parentRoleID); err != nil {
			return store.Role{}, fmt.Errorf("%w: parent role %s", ErrInvalidState, parentRoleID)
		}
	}
	role := store.Role{
		Name:          name,
		Description:   strings.TrimSpace(description),
		PermissionIDs: permissionIDs,
		ParentRoleID:  parentRoleID,
	}
	if err := s.store.Roles(ctx).Create(ctx, &role); err != nil {
		return store.Role{}, err
	}
	return role, nil
}

// GetRole loads a role by id.
func (s *Service) GetRole(ctx context.Context, roleID string) (store.Role, error) {
	return s.store.Roles(ctx).Find(ctx, roleID)
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]store.Role, error) {
	return s.store.Roles(ctx).List(ctx)
}

// UpdateRole merges the provided fields into a role. Re-parenting is
// rejected when the new parent chain would loop back to the role itself.
func (s *Service) UpdateRole(ctx context.Context, roleID string, upd store.RoleUpdate) (store.Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return store.Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return store.Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.ParentRoleID != nil {
		parent := strings.TrimSpace(*upd.ParentRoleID)
		if parent != "" {
			if err := s.checkNoCycle(ctx, roleID, parent); err != nil {
				return store.Role{}, err
			}
		}
		upd.ParentRoleID = &parent
	}
	return s.store.Roles(ctx).Update(ctx, roleID, upd)
}

// DeleteRole removes a role. Deletion does not cascade: user assignments and
// child-role parent references become dangling and are filtered by readers.
func (s *Service) DeleteRole(ctx context.Context, roleID string) (bool, error) {
	return s.store.Roles(ctx).Delete(ctx, roleID)
}

// AddPermissionsToRole unions the given permission ids into the role's set.
func (s *Service) AddPermissionsToRole(ctx context.Context, roleID string, permissionIDs []string) (store.Role, error) {
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return store.Role{}, err
	}
	merged := append(append([]string(nil), role.PermissionIDs...), permissionIDs...)
	return s.store.Roles(ctx).Update(ctx, roleID, store.RoleUpdate{PermissionIDs: &merged})
}

// RemovePermissionsFromRole drops the given permission ids from the role's set.
func (s *Service) RemovePermissionsFromRole(ctx context.Context, roleID string, permissionIDs []string) (store.Role, error) {
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return store.Role{}, err
	}
	drop := make(map[string]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		drop[id] = struct{}{}
	}
	kept := make([]string, 0, len(role.PermissionIDs))
	for _, id := range role.PermissionIDs {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	return s.store.Roles(ctx).Update(ctx, roleID, store.RoleUpdate{PermissionIDs: &kept})
}

// checkNoCycle walks the parent chain starting at newParentID and fails when
// it reaches roleID. A dangling parent terminates the walk.
func (s *Service) checkNoCycle(ctx context.Context, roleID, newParentID string) error {
	seen := map[string]struct{}{}
	current := newParentID
	for current != "" {
		if current == roleID {
			return fmt.Errorf("%w: role cycle via %s", ErrInvalidState, newParentID)
		}
		if _, ok := seen[current]; ok {
			return fmt.Errorf("%w: role cycle via %s", ErrInvalidState, newParentID)
		}
		seen[current] = struct{}{}
		role, err := s.store.Roles(ctx).Find(ctx, current)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: parent role %s", ErrInvalidState, current)
			}
			return err
		}
		current = role.ParentRoleID
	}
	return nil
}

// Permission management ----------------------------------------------------

// CreatePermission registers a capability named resource:action. The name
// must be unique.
func (s *Service) CreatePermission(ctx context.Context, name, resource, action, description string) (store.Permission, error) {
	name = strings.TrimSpace(name)
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return store.Permission{}, fmt.Errorf("%w: resource and action are required", ErrInvalidInput)
	}
	if name == "" {
		name = resource + ":" + action
	}
	perm := store.Permission{
		Name:        name,
		Resource:    resource,
		Action:      action,
		Description: strings.TrimSpace(description),
	}
	if err := s.store.Permissions(ctx).Create(ctx, &perm); err != nil {
		return store.Permission{}, err
	}
	return perm, nil
}

// GetPermission loads a permission by id.
func (s *Service) GetPermission(ctx context.Context, permissionID string) (store.Permission, error) {
	return s.store.Permissions(ctx).Find(ctx, permissionID)
}

// ListPermissions returns the full catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]store.Permission, error) {
	return s.store.Permissions(ctx).List(ctx)
}

// DeletePermission removes a permission. Role references become dangling and
// are filtered by readers.
func (s *Service) DeletePermission(ctx context.Context, permissionID string) (bool, error) {
	return s.store.Permissions(ctx).Delete(ctx, permissionID)
}

// EnsureBuiltins creates any missing builtin permission. Existing entries
// are left untouched.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	perms := s.store.Permissions(ctx)
	for _, b := range BuiltinPermissions {
		if _, err := perms.FindByName(ctx, b.Name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		p := b
		if err := perms.Create(ctx, &p); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

// EnsureBuiltinRoles creates any missing builtin role, resolving its
// permissions and parent by name. Call after EnsureBuiltins.
func (s *Service) EnsureBuiltinRoles(ctx context.Context) error {
	roles := s.store.Roles(ctx)
	perms := s.store.Permissions(ctx)
	for _, b := range BuiltinRoles {
		if _, err := roles.FindByName(ctx, b.Name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		permIDs := make([]string, 0, len(b.PermissionNames))
		for _, name := range b.PermissionNames {
			p, err := perms.FindByName(ctx, name)
			if err != nil {
				return fmt.Errorf("builtin role %s: %w", b.Name, err)
			}
			permIDs = append(permIDs, p.ID)
		}
		parentID := ""
		if b.ParentRoleName != "" {
			parent, err := roles.FindByName(ctx, b.ParentRoleName)
			if err != nil {
				return fmt.Errorf("builtin role %s: %w", b.Name, err)
			}
			parentID = parent.ID
		}
		role := store.Role{
			Name:          b.Name,
			Description:   b.Description,
			PermissionIDs: permIDs,
			ParentRoleID:  parentID,
		}
		if err := roles.Create(ctx, &role); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

// User-role assignment -------------------------------------------------------

// AssignRolesToUser unions the given roles into the user's assignment set.
// Every role must exist at assignment time.
func (s *Service) AssignRolesToUser(ctx context.Context, userID string, roleIDs []string) (store.User, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return store.User{}, err
	}
	for _, roleID := range roleIDs {
		if _, err := s.store.Roles(ctx).Find(ctx, roleID); err != nil {
			return store.User{}, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
		}
	}
	merged := append(append([]string(nil), user.RoleIDs...), roleIDs...)
	return s.store.Users(ctx).Update(ctx, userID, store.UserUpdate{RoleIDs: &merged})
}

// RemoveRolesFromUser drops the given roles from the user's assignment set.
// Removing a role that is not assigned fails with ErrInvalidState.
func (s *Service) RemoveRolesFromUser(ctx context.Context, userID string, roleIDs []string) (store.User, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return store.User{}, err
	}
	assigned := make(map[string]struct{}, len(user.RoleIDs))
	for _, id := range user.RoleIDs {
		assigned[id] = struct{}{}
	}
	drop := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		if _, ok := assigned[id]; !ok {
			return store.User{}, fmt.Errorf("%w: role %s is not assigned", ErrInvalidState, id)
		}
		drop[id] = struct{}{}
	}
	kept := make([]string, 0, len(user.RoleIDs))
	for _, id := range user.RoleIDs {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	return s.store.Users(ctx).Update(ctx, userID, store.UserUpdate{RoleIDs: &kept})
}

// UserRoles returns the user's assigned roles, filtered against live role
// existence so dangling assignment ids never surface.
func (s *Service) UserRoles(ctx context.Context, userID string) ([]store.Role, error) {
	roleIDs, err := s.store.Users(ctx).RoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]store.Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		role, err := s.store.Roles(ctx).Find(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

// Permission resolution ------------------------------------------------------

// EffectivePermissions resolves the user's permission set: the union of
// permissions of all directly-assigned roles plus, for each such role, its
// immediate parent's permissions. The walk deliberately stops at one parent
// level; RoleHierarchy follows the full chain for a single role and the two
// behaviors are kept distinct on purpose.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]store.Permission, error) {
	roleIDs, err := s.store.Users(ctx).RoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	permIDs := map[string]struct{}{}
	roles := s.store.Roles(ctx)
	for _, roleID := range roleIDs {
		role, err := roles.Find(ctx, roleID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // dangling assignment
			}
			return nil, err
		}
		ids, err := roles.PermissionIDs(ctx, roleID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			permIDs[id] = struct{}{}
		}
		if role.ParentRoleID != "" {
			parentIDs, err := roles.PermissionIDs(ctx, role.ParentRoleID)
			if err != nil {
				return nil, err
			}
			for _, id := range parentIDs {
				permIDs[id] = struct{}{}
			}
		}
	}
	return s.resolvePermissions(ctx, permIDs)
}

// resolvePermissions maps ids to live permission entities, dropping dangling
// references, and returns a name-sorted slice.
func (s *Service) resolvePermissions(ctx context.Context, permIDs map[string]struct{}) ([]store.Permission, error) {
	perms := s.store.Permissions(ctx)
	out := make([]store.Permission, 0, len(permIDs))
	for id := range permIDs {
		p, err := perms.Find(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// HasPermission reports whether the user's effective set contains the named
// permission, or a full wildcard.
func (s *Service) HasPermission(ctx context.Context, userID, name string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Name == name || p.Name == Wildcard || (p.Resource == Wildcard && p.Action == Wildcard) {
			return true, nil
		}
	}
	return false, nil
}

// HasResourcePermission reports whether the user may perform action on
// resource. A wildcard in either field of a held permission grants the check.
func (s *Service) HasResourcePermission(ctx context.Context, userID, resource, action string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Resource == Wildcard || p.Action == Wildcard {
			return true, nil
		}
		if p.Resource == resource && p.Action == action {
			return true, nil
		}
	}
	return false, nil
}

// RoleHierarchy returns the role followed by its ancestors, walking the full
// parent chain. The walk stops at a dangling parent or a repeated role.
func (s *Service) RoleHierarchy(ctx context.Context, roleID string) ([]store.Role, error) {
	roles := s.store.Roles(ctx)
	var chain []store.Role
	seen := map[string]struct{}{}
	current := roleID
	for current != "" {
		if _, ok := seen[current]; ok {
			break
		}
		seen[current] = struct{}{}
		role, err := roles.Find(ctx, current)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) && len(chain) > 0 {
				break // dangling parent reference
			}
			return nil, err
		}
		chain = append(chain, role)
		current = role.ParentRoleID
	}
	return chain, nil
}

// PermissionsInHierarchy unions the permissions of a role and all its
// ancestors.
func (s *Service) PermissionsInHierarchy(ctx context.Context, roleID string) ([]store.Permission, error) {
	chain, err := s.RoleHierarchy(ctx, roleID)
	if err != nil {
		return nil, err
	}
	permIDs := map[string]struct{}{}
	for _, role := range chain {
		for _, id := range role.PermissionIDs {
			permIDs[id] = struct{}{}
		}
	}
	return s.resolvePermissions(ctx, permIDs)
}
