package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"accesscore.org/internal/ids"
	"accesscore.org/internal/store"
)

// User store ---------------------------------------------------------------

type pgUsers struct{ s *Store }

const userColumns = `id, username, email, password_hash, is_active, is_online, created_at, updated_at, last_login_at, last_seen_at`

func (p *pgUsers) Create(ctx context.Context, u *store.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	tx, err := p.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into users (id, username, email, password_hash, is_active, is_online)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.IsActive, u.IsOnline)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username or email taken", store.ErrConflict)
		}
		return err
	}
	if err := replaceUserRoles(ctx, tx, u.ID, u.RoleIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *pgUsers) Find(ctx context.Context, id string) (store.User, error) {
	return p.findBy(ctx, `id = $1`, id)
}

func (p *pgUsers) FindByUsername(ctx context.Context, username string) (store.User, error) {
	return p.findBy(ctx, `username = $1`, username)
}

func (p *pgUsers) FindByEmail(ctx context.Context, email string) (store.User, error) {
	return p.findBy(ctx, `email = $1`, email)
}

func (p *pgUsers) findBy(ctx context.Context, where string, arg any) (store.User, error) {
	row := p.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where `+where, arg)
	u, err := scanUser(row)
	if err != nil {
		return store.User{}, err
	}
	u.RoleIDs, err = p.RoleIDs(ctx, u.ID)
	if err != nil {
		return store.User{}, err
	}
	return u, nil
}

func (p *pgUsers) List(ctx context.Context) ([]store.User, error) {
	rows, err := p.s.db.QueryContext(ctx, `select `+userColumns+` from users order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range result {
		result[i].RoleIDs, err = p.RoleIDs(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *pgUsers) Update(ctx context.Context, id string, upd store.UserUpdate) (store.User, error) {
	tx, err := p.s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1 for update`, id)
	u, err := scanUser(row)
	if err != nil {
		return store.User{}, err
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
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

	err = tx.QueryRowContext(ctx, `
		update users
		set email = $2, password_hash = $3, is_active = $4, is_online = $5,
		    last_login_at = $6, last_seen_at = $7, updated_at = now()
		where id = $1
		returning updated_at
	`, id, u.Email, u.PasswordHash, u.IsActive, u.IsOnline,
		nullIfZero(u.LastLoginAt), nullIfZero(u.LastSeenAt)).Scan(&u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.User{}, fmt.Errorf("%w: email taken", store.ErrConflict)
		}
		return store.User{}, err
	}

	if upd.RoleIDs != nil {
		if err := replaceUserRoles(ctx, tx, id, *upd.RoleIDs); err != nil {
			return store.User{}, err
		}
		u.RoleIDs = append([]string(nil), *upd.RoleIDs...)
	} else {
		u.RoleIDs, err = userRoleIDsTx(ctx, tx, id)
		if err != nil {
			return store.User{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return store.User{}, err
	}
	return u, nil
}

func (p *pgUsers) Delete(ctx context.Context, id string) (bool, error) {
	res, err := p.s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *pgUsers) RoleIDs(ctx context.Context, userID string) ([]string, error) {
	return collectIDs(ctx, p.s.db, `select role_id from user_roles where user_id = $1`, userID)
}

func scanUser(row interface{ Scan(...any) error }) (store.User, error) {
	var (
		u                   store.User
		lastLogin, lastSeen sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsActive, &u.IsOnline,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	u.LastLoginAt = fromNullTime(lastLogin)
	u.LastSeenAt = fromNullTime(lastSeen)
	return u, nil
}

func replaceUserRoles(ctx context.Context, tx *sql.Tx, userID string, roleIDs []string) error {
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id)
			values ($1, $2) on conflict do nothing
		`, userID, roleID); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: user %s does not exist", store.ErrInvalidState, userID)
			}
			return err
		}
	}
	return nil
}

func userRoleIDsTx(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `select role_id from user_roles where user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Role store ---------------------------------------------------------------

type pgRoles struct{ s *Store }

const roleColumns = `id, name, description, parent_role_id, created_at, updated_at`

func (p *pgRoles) Create(ctx context.Context, r *store.Role) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	tx, err := p.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into roles (id, name, description, parent_role_id)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, r.ID, r.Name, r.Description, nullIfEmpty(r.ParentRoleID))
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role name %s", store.ErrConflict, r.Name)
		}
		return err
	}
	if err := replaceRolePermissions(ctx, tx, r.ID, r.PermissionIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *pgRoles) Find(ctx context.Context, id string) (store.Role, error) {
	return p.findBy(ctx, `id = $1`, id)
}

func (p *pgRoles) FindByName(ctx context.Context, name string) (store.Role, error) {
	return p.findBy(ctx, `name = $1`, name)
}

func (p *pgRoles) findBy(ctx context.Context, where string, arg any) (store.Role, error) {
	row := p.s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where `+where, arg)
	r, err := scanRole(row)
	if err != nil {
		return store.Role{}, err
	}
	r.PermissionIDs, err = p.PermissionIDs(ctx, r.ID)
	if err != nil {
		return store.Role{}, err
	}
	return r, nil
}

func (p *pgRoles) List(ctx context.Context) ([]store.Role, error) {
	rows, err := p.s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range result {
		result[i].PermissionIDs, err = p.PermissionIDs(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *pgRoles) Update(ctx context.Context, id string, upd store.RoleUpdate) (store.Role, error) {
	tx, err := p.s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1 for update`, id)
	r, err := scanRole(row)
	if err != nil {
		return store.Role{}, err
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.ParentRoleID != nil {
		r.ParentRoleID = *upd.ParentRoleID
	}

	err = tx.QueryRowContext(ctx, `
		update roles
		set name = $2, description = $3, parent_role_id = $4, updated_at = now()
		where id = $1
		returning updated_at
	`, id, r.Name, r.Description, nullIfEmpty(r.ParentRoleID)).Scan(&r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Role{}, fmt.Errorf("%w: role name %s", store.ErrConflict, r.Name)
		}
		return store.Role{}, err
	}

	if upd.PermissionIDs != nil {
		if err := replaceRolePermissions(ctx, tx, id, *upd.PermissionIDs); err != nil {
			return store.Role{}, err
		}
		r.PermissionIDs = append([]string(nil), *upd.PermissionIDs...)
	}
	if err := tx.Commit(); err != nil {
		return store.Role{}, err
	}
	return r, nil
}

// Delete removes the role row only. Assignment rows referencing it are left
// behind as dangling references and filtered on read.
func (p *pgRoles) Delete(ctx context.Context, id string) (bool, error) {
	res, err := p.s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *pgRoles) PermissionIDs(ctx context.Context, roleID string) ([]string, error) {
	return collectIDs(ctx, p.s.db, `select permission_id from role_permissions where role_id = $1`, roleID)
}

func scanRole(row interface{ Scan(...any) error }) (store.Role, error) {
	var (
		r            store.Role
		desc, parent sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &desc, &parent, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Role{}, store.ErrNotFound
	}
	if err != nil {
		return store.Role{}, err
	}
	r.Description = fromNullString(desc)
	r.ParentRoleID = fromNullString(parent)
	return r, nil
}

func replaceRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, permissionIDs []string) error {
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2) on conflict do nothing
		`, roleID, permID); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: role %s does not exist", store.ErrInvalidState, roleID)
			}
			return err
		}
	}
	return nil
}

// Permission store ---------------------------------------------------------

type pgPermissions struct{ s *Store }

const permColumns = `id, name, resource, action, description, created_at`

func (p *pgPermissions) Create(ctx context.Context, perm *store.Permission) error {
	if perm.ID == "" {
		perm.ID = ids.New()
	}
	row := p.s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, resource, action, description)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, perm.ID, perm.Name, perm.Resource, perm.Action, perm.Description)
	if err := row.Scan(&perm.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: permission %s", store.ErrConflict, perm.Name)
		}
		return err
	}
	return nil
}

func (p *pgPermissions) Find(ctx context.Context, id string) (store.Permission, error) {
	return p.findBy(ctx, `id = $1`, id)
}

func (p *pgPermissions) FindByName(ctx context.Context, name string) (store.Permission, error) {
	return p.findBy(ctx, `name = $1`, name)
}

func (p *pgPermissions) findBy(ctx context.Context, where string, arg any) (store.Permission, error) {
	var (
		perm store.Permission
		desc sql.NullString
	)
	err := p.s.db.QueryRowContext(ctx, `select `+permColumns+` from permissions where `+where, arg).
		Scan(&perm.ID, &perm.Name, &perm.Resource, &perm.Action, &desc, &perm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Permission{}, store.ErrNotFound
	}
	if err != nil {
		return store.Permission{}, err
	}
	perm.Description = fromNullString(desc)
	return perm, nil
}

func (p *pgPermissions) List(ctx context.Context) ([]store.Permission, error) {
	rows, err := p.s.db.QueryContext(ctx, `select `+permColumns+` from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Permission
	for rows.Next() {
		var (
			perm store.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Resource, &perm.Action, &desc, &perm.CreatedAt); err != nil {
			return nil, err
		}
		perm.Description = fromNullString(desc)
		result = append(result, perm)
	}
	return result, rows.Err()
}

func (p *pgPermissions) Delete(ctx context.Context, id string) (bool, error) {
	res, err := p.s.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// collectIDs runs a single-column id query against the shared pool.
func collectIDs(ctx context.Context, db *sql.DB, query string, arg any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
