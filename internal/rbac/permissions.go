package rbac

import "accesscore.org/internal/store"

// BuiltinPermissions is the baseline capability catalog seeded at startup.
// EnsureBuiltins creates any entry that is missing without touching ones an
// operator has already customized.
var BuiltinPermissions = []store.Permission{
	{Name: "users:read", Resource: "users", Action: "read", Description: "View user accounts"},
	{Name: "users:write", Resource: "users", Action: "write", Description: "Create and update user accounts"},
	{Name: "users:delete", Resource: "users", Action: "delete", Description: "Remove user accounts"},
	{Name: "roles:read", Resource: "roles", Action: "read", Description: "View roles"},
	{Name: "roles:write", Resource: "roles", Action: "write", Description: "Create and update roles"},
	{Name: "roles:delete", Resource: "roles", Action: "delete", Description: "Remove roles"},
	{Name: "permissions:read", Resource: "permissions", Action: "read", Description: "View the permission catalog"},
	{Name: "permissions:write", Resource: "permissions", Action: "write", Description: "Create and update permissions"},
	{Name: "audit:read", Resource: "audit", Action: "read", Description: "Query the audit trail"},
	{Name: "sessions:read", Resource: "sessions", Action: "read", Description: "View active sessions"},
	{Name: "sessions:write", Resource: "sessions", Action: "write", Description: "Terminate sessions"},
	{Name: "*", Resource: "*", Action: "*", Description: "Full access"},
}

// BuiltinRoles describes the default role set. Permission ids are resolved
// by name at seed time.
var BuiltinRoles = []struct {
	Name            string
	Description     string
	PermissionNames []string
	ParentRoleName  string
}{
	{
		Name:            "viewer",
		Description:     "Read-only access",
		PermissionNames: []string{"users:read", "roles:read", "permissions:read"},
	},
	{
		Name:            "operator",
		Description:     "Day-to-day user and session management",
		PermissionNames: []string{"users:write", "sessions:read", "sessions:write", "audit:read"},
		ParentRoleName:  "viewer",
	},
	{
		Name:            "admin",
		Description:     "Full administrative access",
		PermissionNames: []string{"*"},
	},
}
