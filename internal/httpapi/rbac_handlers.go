package httpapi

import (
	"net/http"
	"strings"

	"accesscore.org/internal/authn"
	"accesscore.org/internal/store"
	"accesscore.org/internal/stream"
)

type createRoleRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	PermissionIDs []string `json:"permission_ids"`
	ParentRoleID  string   `json:"parent_role_id"`
}

type updateRoleRequest struct {
	Name          *string   `json:"name"`
	Description   *string   `json:"description"`
	PermissionIDs *[]string `json:"permission_ids"`
	ParentRoleID  *string   `json:"parent_role_id"`
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

type roleIDsRequest struct {
	RoleIDs []string `json:"role_ids"`
}

type permissionIDsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

type resetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// publishChange fans out a mutation event. The actor is recorded as the
// origin so subscribers that opted out of their own events are skipped.
func (a *API) publishChange(r *http.Request, eventType string, payload map[string]any) {
	if a.broker == nil {
		return
	}
	userID, _ := authn.UserIDFromContext(r.Context())
	username, _ := authn.UsernameFromContext(r.Context())
	a.broker.Publish(stream.Event{
		Type:     eventType,
		UserID:   userID,
		Username: username,
		Payload:  payload,
	})
}

// Users ---------------------------------------------------------------------

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "users", "read") {
		return
	}
	users, err := a.store.Users(r.Context()).List(r.Context())
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	switch len(parts) {
	case 1:
		a.handleUser(w, r, userID)
	case 2:
		switch parts[1] {
		case "roles":
			a.handleUserRoles(w, r, userID)
		case "permissions":
			a.handleUserPermissions(w, r, userID)
		case "check":
			a.handleUserCheck(w, r, userID)
		case "active":
			a.handleUserActive(w, r, userID)
		case "password":
			a.handleUserPassword(w, r, userID)
		case "sessions":
			a.handleUserSessions(w, r, userID)
		case "presence":
			a.handleUserPresence(w, r, userID)
		case "notify":
			a.handleUserNotify(w, r, userID)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "users", "read") {
			return
		}
		user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if !a.ensureResource(w, r, "users", "delete") {
			return
		}
		existed, err := a.store.Users(r.Context()).Delete(r.Context(), userID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		if !existed {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "delete", "users", userID, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

type notifyRequest struct {
	Message string         `json:"message"`
	Payload map[string]any `json:"payload"`
}

// handleUserNotify pushes a direct notification to every live connection of
// one user.
func (a *API) handleUserNotify(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureResource(w, r, "users", "write") {
		return
	}
	var req notifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Message == "" && len(req.Payload) == 0 {
		writeError(w, r, http.StatusBadRequest, "message or payload is required")
		return
	}
	if _, err := a.store.Users(r.Context()).Find(r.Context(), userID); err != nil {
		handleCoreError(w, r, err)
		return
	}
	payload := req.Payload
	if req.Message != "" {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["message"] = req.Message
	}
	delivered := a.broker.SendToUser(userID, stream.Event{
		Type:    stream.TypeNotification,
		Payload: payload,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "users", "read") {
			return
		}
		roles, err := a.authz.UserRoles(r.Context(), userID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	case http.MethodPost:
		if !a.ensureResource(w, r, "users", "write") {
			return
		}
		var req roleIDsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.authz.AssignRolesToUser(r.Context(), userID, req.RoleIDs)
		if err != nil {
			a.recorder.Failure(r.Context(), a.actor(r), "assign_roles", "users", userID, err, nil)
			handleCoreError(w, r, err)
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "assign_roles", "users", userID, store.Details{"role_ids": req.RoleIDs})
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "assign_roles", "user_id": userID})
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if !a.ensureResource(w, r, "users", "write") {
			return
		}
		var req roleIDsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.authz.RemoveRolesFromUser(r.Context(), userID, req.RoleIDs)
		if err != nil {
			a.recorder.Failure(r.Context(), a.actor(r), "remove_roles", "users", userID, err, nil)
			handleCoreError(w, r, err)
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "remove_roles", "users", userID, store.Details{"role_ids": req.RoleIDs})
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "remove_roles", "user_id": userID})
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "users", "read") {
		return
	}
	perms, err := a.authz.EffectivePermissions(r.Context(), userID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

func (a *API) handleUserCheck(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "users", "read") {
		return
	}
	q := r.URL.Query()
	resource := strings.TrimSpace(q.Get("resource"))
	action := strings.TrimSpace(q.Get("action"))
	name := strings.TrimSpace(q.Get("permission"))
	if name == "" && (resource == "" || action == "") {
		writeError(w, r, http.StatusBadRequest, "permission or resource and action are required")
		return
	}
	var (
		granted bool
		err     error
	)
	if name != "" {
		granted, err = a.authz.HasPermission(r.Context(), userID, name)
	} else {
		granted, err = a.authz.HasResourcePermission(r.Context(), userID, resource, action)
	}
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": granted})
}

func (a *API) handleUserActive(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensureResource(w, r, "users", "write") {
		return
	}
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.authn.SetActive(r.Context(), userID, req.Active)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUserPassword(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensureResource(w, r, "users", "write") {
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.authn.ResetPassword(r.Context(), userID, req.NewPassword); err != nil {
		handleCoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Roles ---------------------------------------------------------------------

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "roles", "read") {
			return
		}
		roles, err := a.authz.ListRoles(r.Context())
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	case http.MethodPost:
		if !a.ensureResource(w, r, "roles", "write") {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.authz.CreateRole(r.Context(), req.Name, req.Description, req.PermissionIDs, req.ParentRoleID)
		if err != nil {
			a.recorder.Failure(r.Context(), a.actor(r), "create", "roles", "", err, store.Details{"name": req.Name})
			handleCoreError(w, r, err)
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "create", "roles", role.ID, store.Details{"name": role.Name})
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "create", "role_id": role.ID, "name": role.Name})
		w.Header().Set("Location", "/v1/roles/"+role.ID)
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]

	switch len(parts) {
	case 1:
		a.handleRole(w, r, roleID)
	case 2:
		switch parts[1] {
		case "permissions":
			a.handleRolePermissions(w, r, roleID)
		case "hierarchy":
			a.handleRoleHierarchy(w, r, roleID)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "roles", "read") {
			return
		}
		role, err := a.authz.GetRole(r.Context(), roleID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPut:
		if !a.ensureResource(w, r, "roles", "write") {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.authz.UpdateRole(r.Context(), roleID, store.RoleUpdate{
			Name:          req.Name,
			Description:   req.Description,
			PermissionIDs: req.PermissionIDs,
			ParentRoleID:  req.ParentRoleID,
		})
		if err != nil {
			a.recorder.Failure(r.Context(), a.actor(r), "update", "roles", roleID, err, nil)
			handleCoreError(w, r, err)
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "update", "roles", roleID, store.Details{"name": role.Name})
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "update", "role_id": roleID, "name": role.Name})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if !a.ensureResource(w, r, "roles", "delete") {
			return
		}
		existed, err := a.authz.DeleteRole(r.Context(), roleID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		if !existed {
			writeError(w, r, http.StatusNotFound, "role not found")
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "delete", "roles", roleID, nil)
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "delete", "role_id": roleID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "roles", "read") {
			return
		}
		perms, err := a.authz.PermissionsInHierarchy(r.Context(), roleID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": perms})
	case http.MethodPost:
		if !a.ensureResource(w, r, "roles", "write") {
			return
		}
		var req permissionIDsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.authz.AddPermissionsToRole(r.Context(), roleID, req.PermissionIDs)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "add_permissions", "roles", roleID, store.Details{"permission_ids": req.PermissionIDs})
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "add_permissions", "role_id": roleID})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if !a.ensureResource(w, r, "roles", "write") {
			return
		}
		var req permissionIDsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.authz.RemovePermissionsFromRole(r.Context(), roleID, req.PermissionIDs)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "remove_permissions", "roles", roleID, store.Details{"permission_ids": req.PermissionIDs})
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "remove_permissions", "role_id": roleID})
		writeJSON(w, http.StatusOK, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleRoleHierarchy(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "roles", "read") {
		return
	}
	chain, err := a.authz.RoleHierarchy(r.Context(), roleID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": chain})
}

// Permissions ---------------------------------------------------------------

func (a *API) handlePermissionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "permissions", "read") {
			return
		}
		perms, err := a.authz.ListPermissions(r.Context())
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": perms})
	case http.MethodPost:
		if !a.ensureResource(w, r, "permissions", "write") {
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.authz.CreatePermission(r.Context(), req.Name, req.Resource, req.Action, req.Description)
		if err != nil {
			a.recorder.Failure(r.Context(), a.actor(r), "create", "permissions", "", err, store.Details{"name": req.Name})
			handleCoreError(w, r, err)
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "create", "permissions", perm.ID, store.Details{"name": perm.Name})
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "create_permission", "permission_id": perm.ID, "name": perm.Name})
		w.Header().Set("Location", "/v1/permissions/"+perm.ID)
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePermissionResource(w http.ResponseWriter, r *http.Request) {
	permID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/permissions/"), "/")
	if permID == "" || strings.Contains(permID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !a.ensureResource(w, r, "permissions", "read") {
			return
		}
		perm, err := a.authz.GetPermission(r.Context(), permID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, perm)
	case http.MethodDelete:
		if !a.ensureResource(w, r, "permissions", "write") {
			return
		}
		existed, err := a.authz.DeletePermission(r.Context(), permID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		if !existed {
			writeError(w, r, http.StatusNotFound, "permission not found")
			return
		}
		a.recorder.Success(r.Context(), a.actor(r), "delete", "permissions", permID, nil)
		a.publishChange(r, stream.TypeRoleChanged, map[string]any{"op": "delete_permission", "permission_id": permID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}
