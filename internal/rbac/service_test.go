package rbac

import (
	"context"
	"errors"
	"testing"

	"accesscore.org/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	svc, err := NewService(st)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, st
}

func mustCreateUser(t *testing.T, st store.Store, username string) store.User {
	t.Helper()
	u := store.User{Username: username, Email: username + "@example.com", IsActive: true}
	if err := st.Users(context.Background()).Create(context.Background(), &u); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func TestCreateRoleValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, "  ", "", nil, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
	if _, err := svc.CreateRole(ctx, "editor", "", nil, "missing-parent"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for unknown parent, got %v", err)
	}

	role, err := svc.CreateRole(ctx, "editor", "Edits things", nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateRole(ctx, "editor", "", nil, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	child, err := svc.CreateRole(ctx, "junior-editor", "", nil, role.ID)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if child.ParentRoleID != role.ID {
		t.Fatalf("parent not recorded: %+v", child)
	}
}

func TestUpdateRoleRejectsCycles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, _ := svc.CreateRole(ctx, "a", "", nil, "")
	b, _ := svc.CreateRole(ctx, "b", "", nil, a.ID)
	c, _ := svc.CreateRole(ctx, "c", "", nil, b.ID)

	// a -> c would close the loop a -> b -> c -> a.
	if _, err := svc.UpdateRole(ctx, a.ID, store.RoleUpdate{ParentRoleID: &c.ID}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	// Self-parenting is the degenerate cycle.
	if _, err := svc.UpdateRole(ctx, a.ID, store.RoleUpdate{ParentRoleID: &a.ID}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected self-cycle rejection, got %v", err)
	}
	// Clearing the parent is always allowed.
	empty := ""
	if _, err := svc.UpdateRole(ctx, b.ID, store.RoleUpdate{ParentRoleID: &empty}); err != nil {
		t.Fatalf("clear parent: %v", err)
	}
}

func TestRolePermissionMutation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p1, _ := svc.CreatePermission(ctx, "", "docs", "read", "")
	p2, _ := svc.CreatePermission(ctx, "", "docs", "write", "")
	role, _ := svc.CreateRole(ctx, "editor", "", []string{p1.ID}, "")

	role, err := svc.AddPermissionsToRole(ctx, role.ID, []string{p2.ID, p1.ID})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(role.PermissionIDs) != 2 {
		t.Fatalf("expected deduped union, got %v", role.PermissionIDs)
	}

	role, err = svc.RemovePermissionsFromRole(ctx, role.ID, []string{p1.ID})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(role.PermissionIDs) != 1 || role.PermissionIDs[0] != p2.ID {
		t.Fatalf("expected only %s, got %v", p2.ID, role.PermissionIDs)
	}
}

func TestCreatePermissionDefaultsName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.CreatePermission(ctx, "", "docs", "read", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Name != "docs:read" {
		t.Fatalf("expected derived name, got %q", p.Name)
	}
	if _, err := svc.CreatePermission(ctx, "", "", "read", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAssignAndRemoveRoles(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	user := mustCreateUser(t, st, "alice")
	role, _ := svc.CreateRole(ctx, "editor", "", nil, "")

	if _, err := svc.AssignRolesToUser(ctx, user.ID, []string{"missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}

	updated, err := svc.AssignRolesToUser(ctx, user.ID, []string{role.ID})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(updated.RoleIDs) != 1 {
		t.Fatalf("role not assigned: %v", updated.RoleIDs)
	}

	// Removing a role that was never assigned is a state error, not a no-op.
	other, _ := svc.CreateRole(ctx, "viewer", "", nil, "")
	if _, err := svc.RemoveRolesFromUser(ctx, user.ID, []string{other.ID}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	updated, err = svc.RemoveRolesFromUser(ctx, user.ID, []string{role.ID})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(updated.RoleIDs) != 0 {
		t.Fatalf("role not removed: %v", updated.RoleIDs)
	}
}

func TestEffectivePermissionsOneParentLevel(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	pGrand, _ := svc.CreatePermission(ctx, "", "grand", "read", "")
	pParent, _ := svc.CreatePermission(ctx, "", "parent", "read", "")
	pChild, _ := svc.CreatePermission(ctx, "", "child", "read", "")

	grand, _ := svc.CreateRole(ctx, "grand", "", []string{pGrand.ID}, "")
	parent, _ := svc.CreateRole(ctx, "parent", "", []string{pParent.ID}, grand.ID)
	child, _ := svc.CreateRole(ctx, "child", "", []string{pChild.ID}, parent.ID)

	user := mustCreateUser(t, st, "alice")
	if _, err := svc.AssignRolesToUser(ctx, user.ID, []string{child.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	perms, err := svc.EffectivePermissions(ctx, user.ID)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	names := map[string]bool{}
	for _, p := range perms {
		names[p.Name] = true
	}
	// The resolution walks exactly one parent level: the grandparent's
	// permission must not leak in.
	if !names["child:read"] || !names["parent:read"] {
		t.Fatalf("missing expected permissions: %v", names)
	}
	if names["grand:read"] {
		t.Fatalf("grandparent permission leaked into effective set: %v", names)
	}

	// The full-chain hierarchy view does include the grandparent.
	all, err := svc.PermissionsInHierarchy(ctx, child.ID)
	if err != nil {
		t.Fatalf("hierarchy permissions: %v", err)
	}
	found := false
	for _, p := range all {
		if p.Name == "grand:read" {
			found = true
		}
	}
	if !found {
		t.Fatalf("hierarchy union should include grandparent: %v", all)
	}
}

func TestEffectivePermissionsSkipsDanglingReferences(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	p1, _ := svc.CreatePermission(ctx, "", "docs", "read", "")
	p2, _ := svc.CreatePermission(ctx, "", "docs", "write", "")
	keep, _ := svc.CreateRole(ctx, "keep", "", []string{p1.ID, p2.ID}, "")
	gone, _ := svc.CreateRole(ctx, "gone", "", []string{p1.ID}, "")

	user := mustCreateUser(t, st, "alice")
	if _, err := svc.AssignRolesToUser(ctx, user.ID, []string{keep.ID, gone.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Deleting role and permission does not cascade; readers filter.
	if _, err := svc.DeleteRole(ctx, gone.ID); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if _, err := svc.DeletePermission(ctx, p2.ID); err != nil {
		t.Fatalf("delete permission: %v", err)
	}

	perms, err := svc.EffectivePermissions(ctx, user.ID)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if len(perms) != 1 || perms[0].Name != "docs:read" {
		t.Fatalf("dangling references surfaced: %+v", perms)
	}

	roles, err := svc.UserRoles(ctx, user.ID)
	if err != nil {
		t.Fatalf("user roles: %v", err)
	}
	if len(roles) != 1 || roles[0].ID != keep.ID {
		t.Fatalf("dangling role assignment surfaced: %+v", roles)
	}
}

func TestHasResourcePermissionWildcards(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	full, _ := svc.CreatePermission(ctx, "*", "*", "*", "")
	admin, _ := svc.CreateRole(ctx, "admin", "", []string{full.ID}, "")
	adminUser := mustCreateUser(t, st, "root")
	if _, err := svc.AssignRolesToUser(ctx, adminUser.ID, []string{admin.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	ok, err := svc.HasResourcePermission(ctx, adminUser.ID, "anything", "at-all")
	if err != nil || !ok {
		t.Fatalf("full wildcard should grant: %v %v", ok, err)
	}

	// A wildcard in a single field also grants.
	anyAction, _ := svc.CreatePermission(ctx, "", "docs", "*", "")
	editor, _ := svc.CreateRole(ctx, "editor", "", []string{anyAction.ID}, "")
	editorUser := mustCreateUser(t, st, "ed")
	if _, err := svc.AssignRolesToUser(ctx, editorUser.ID, []string{editor.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	ok, err = svc.HasResourcePermission(ctx, editorUser.ID, "docs", "publish")
	if err != nil || !ok {
		t.Fatalf("action wildcard should grant: %v %v", ok, err)
	}

	// No permission at all.
	plain := mustCreateUser(t, st, "plain")
	ok, err = svc.HasResourcePermission(ctx, plain.ID, "docs", "read")
	if err != nil || ok {
		t.Fatalf("expected deny, got %v %v", ok, err)
	}
}

func TestHasPermissionByName(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	p, _ := svc.CreatePermission(ctx, "", "docs", "read", "")
	role, _ := svc.CreateRole(ctx, "viewer", "", []string{p.ID}, "")
	user := mustCreateUser(t, st, "alice")
	if _, err := svc.AssignRolesToUser(ctx, user.ID, []string{role.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	ok, err := svc.HasPermission(ctx, user.ID, "docs:read")
	if err != nil || !ok {
		t.Fatalf("expected grant: %v %v", ok, err)
	}
	ok, err = svc.HasPermission(ctx, user.ID, "docs:write")
	if err != nil || ok {
		t.Fatalf("expected deny: %v %v", ok, err)
	}
}

func TestRoleHierarchyStopsOnDanglingParent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	grand, _ := svc.CreateRole(ctx, "grand", "", nil, "")
	parent, _ := svc.CreateRole(ctx, "parent", "", nil, grand.ID)
	child, _ := svc.CreateRole(ctx, "child", "", nil, parent.ID)

	chain, err := svc.RoleHierarchy(ctx, child.ID)
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if len(chain) != 3 || chain[0].ID != child.ID || chain[2].ID != grand.ID {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	if _, err := svc.DeleteRole(ctx, grand.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	chain, err = svc.RoleHierarchy(ctx, child.ID)
	if err != nil {
		t.Fatalf("hierarchy after delete: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected truncated chain, got %+v", chain)
	}
}

func TestEnsureBuiltins(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	if err := svc.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("ensure permissions: %v", err)
	}
	if err := svc.EnsureBuiltinRoles(ctx); err != nil {
		t.Fatalf("ensure roles: %v", err)
	}
	// Idempotent on a second run.
	if err := svc.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("second ensure permissions: %v", err)
	}
	if err := svc.EnsureBuiltinRoles(ctx); err != nil {
		t.Fatalf("second ensure roles: %v", err)
	}

	operator, err := st.Roles(ctx).FindByName(ctx, "operator")
	if err != nil {
		t.Fatalf("find operator: %v", err)
	}
	if operator.ParentRoleID == "" {
		t.Fatalf("operator should inherit from viewer: %+v", operator)
	}

	admin, err := st.Roles(ctx).FindByName(ctx, "admin")
	if err != nil {
		t.Fatalf("find admin: %v", err)
	}
	user := mustCreateUser(t, st, "root")
	if _, err := svc.AssignRolesToUser(ctx, user.ID, []string{admin.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	ok, err := svc.HasResourcePermission(ctx, user.ID, "users", "delete")
	if err != nil || !ok {
		t.Fatalf("admin wildcard should grant: %v %v", ok, err)
	}
}
