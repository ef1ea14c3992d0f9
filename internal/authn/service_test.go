package authn

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"accesscore.org/internal/rbac"
	"accesscore.org/internal/store"
)

const testSecret = "test-secret-0123456789"

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *rbac.Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	authz, err := rbac.NewService(st)
	if err != nil {
		t.Fatalf("rbac.NewService: %v", err)
	}
	svc, err := NewService(st, authz, testSecret, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, authz, st
}

func TestRegisterAndLogin(t *testing.T) {
	svc, authz, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "Alice@Example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if user.PasswordHash == "s3cret-pass" || user.PasswordHash == "" {
		t.Fatal("password stored in plaintext or missing")
	}

	p, err := authz.CreatePermission(ctx, "", "docs", "read", "")
	if err != nil {
		t.Fatalf("create permission: %v", err)
	}
	role, err := authz.CreateRole(ctx, "viewer", "", []string{p.ID}, "")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if _, err := authz.AssignRolesToUser(ctx, user.ID, []string{role.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	token, loggedIn, err := svc.Login(ctx, "alice", "s3cret-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if loggedIn.LastLoginAt.IsZero() {
		t.Fatal("last_login_at not stamped")
	}

	claims, err := svc.ParseAndValidate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != user.ID || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !slices.Contains(claims.Roles, "viewer") {
		t.Fatalf("roles not embedded: %v", claims.Roles)
	}
	if !slices.Contains(claims.Permissions, "docs:read") {
		t.Fatalf("permissions not embedded: %v", claims.Permissions)
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Register(context.Background(), "alice", "a@example.com", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestLoginFailures(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "a@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, err := svc.Login(ctx, "nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password: expected ErrInvalidCredentials, got %v", err)
	}

	inactive := false
	if _, err := st.Users(ctx).Update(ctx, user.ID, store.UserUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "s3cret-pass"); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("disabled: expected ErrUserDisabled, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t,
		WithTokenTTL(time.Minute),
		WithClock(func() time.Time { return current }),
	)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "a@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := svc.GenerateToken(ctx, user)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.ParseAndValidate(ctx, token); err != nil {
		t.Fatalf("validate fresh token: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := svc.ParseAndValidate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "a@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := svc.GenerateToken(ctx, user)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := svc.ParseAndValidate(ctx, tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.ParseAndValidate(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestChangeAndResetPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "a@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.ChangePassword(ctx, user.ID, "wrong", "another-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "s3cret-pass", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "s3cret-pass", "another-pass"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "another-pass"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	if err := svc.ResetPassword(ctx, user.ID, "admin-set-pass"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "admin-set-pass"); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}

func TestSetActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "a@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	disabled, err := svc.SetActive(ctx, user.ID, false)
	if err != nil || disabled.IsActive {
		t.Fatalf("disable: %+v %v", disabled, err)
	}
	enabled, err := svc.SetActive(ctx, user.ID, true)
	if err != nil || !enabled.IsActive {
		t.Fatalf("enable: %+v %v", enabled, err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", "alice", []string{"Admin", "Admin", "viewer"})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	name, ok := UsernameFromContext(ctx)
	if !ok || name != "alice" {
		t.Fatalf("unexpected username: %s, ok=%v", name, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "viewer") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatal("unexpected role found")
	}
}
