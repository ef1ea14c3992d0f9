package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryUserCreateConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	u := User{Username: "alice", Email: "alice@example.com", IsActive: true}
	if err := m.Users(ctx).Create(ctx, &u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected generated id")
	}

	dupName := User{Username: "alice", Email: "other@example.com"}
	if err := m.Users(ctx).Create(ctx, &dupName); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
	dupMail := User{Username: "bob", Email: "alice@example.com"}
	if err := m.Users(ctx).Create(ctx, &dupMail); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}
}

func TestMemoryUserSnapshotIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	u := User{Username: "alice", Email: "alice@example.com", RoleIDs: []string{"r1"}}
	if err := m.Users(ctx).Create(ctx, &u); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := m.Users(ctx).Find(ctx, u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got.RoleIDs[0] = "mutated"
	got.Username = "mutated"

	again, err := m.Users(ctx).Find(ctx, u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if again.Username != "alice" || again.RoleIDs[0] != "r1" {
		t.Fatalf("stored record was mutated through a snapshot: %+v", again)
	}
}

func TestMemoryUserUpdateMergesAndRebuildsIndex(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	u := User{Username: "alice", Email: "alice@example.com", RoleIDs: []string{"r1", "r2"}}
	if err := m.Users(ctx).Create(ctx, &u); err != nil {
		t.Fatalf("create: %v", err)
	}

	roles := []string{"r2", "r3", "r3"}
	updated, err := m.Users(ctx).Update(ctx, u.ID, UserUpdate{RoleIDs: &roles})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.RoleIDs) != 2 {
		t.Fatalf("expected deduped roles, got %v", updated.RoleIDs)
	}
	if updated.Email != "alice@example.com" {
		t.Fatalf("untouched field changed: %q", updated.Email)
	}

	ids, err := m.Users(ctx).RoleIDs(ctx, u.ID)
	if err != nil {
		t.Fatalf("role ids: %v", err)
	}
	set := map[string]bool{}
	for _, id := range ids {
		set[id] = true
	}
	if !set["r2"] || !set["r3"] || set["r1"] {
		t.Fatalf("index not rebuilt: %v", ids)
	}
}

func TestMemoryUserDeleteReportsExistence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	u := User{Username: "alice", Email: "alice@example.com"}
	if err := m.Users(ctx).Create(ctx, &u); err != nil {
		t.Fatalf("create: %v", err)
	}
	existed, err := m.Users(ctx).Delete(ctx, u.ID)
	if err != nil || !existed {
		t.Fatalf("expected existed=true, got %v %v", existed, err)
	}
	existed, err = m.Users(ctx).Delete(ctx, u.ID)
	if err != nil || existed {
		t.Fatalf("expected existed=false on second delete, got %v %v", existed, err)
	}
	if _, err := m.Users(ctx).Find(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRoleNameConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	r := Role{Name: "editor"}
	if err := m.Roles(ctx).Create(ctx, &r); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := Role{Name: "editor"}
	if err := m.Roles(ctx).Create(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	found, err := m.Roles(ctx).FindByName(ctx, "editor")
	if err != nil || found.ID != r.ID {
		t.Fatalf("find by name: %+v %v", found, err)
	}
}

func TestMemoryRolePermissionIndex(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	r := Role{Name: "editor", PermissionIDs: []string{"p1", "p1", "p2"}}
	if err := m.Roles(ctx).Create(ctx, &r); err != nil {
		t.Fatalf("create: %v", err)
	}
	ids, err := m.Roles(ctx).PermissionIDs(ctx, r.ID)
	if err != nil {
		t.Fatalf("permission ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected deduped index, got %v", ids)
	}

	perms := []string{"p3"}
	if _, err := m.Roles(ctx).Update(ctx, r.ID, RoleUpdate{PermissionIDs: &perms}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ids, err = m.Roles(ctx).PermissionIDs(ctx, r.ID)
	if err != nil || len(ids) != 1 || ids[0] != "p3" {
		t.Fatalf("index not rebuilt: %v %v", ids, err)
	}
}

func TestMemorySessionLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s1 := Session{UserID: "u1", ConnectionID: "c1"}
	s2 := Session{UserID: "u1", ConnectionID: "c2"}
	s3 := Session{UserID: "u2", ConnectionID: "c3"}
	for _, s := range []*Session{&s1, &s2, &s3} {
		if err := m.Sessions(ctx).Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := m.Sessions(ctx).CountByUser(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 sessions for u1, got %d %v", n, err)
	}

	found, err := m.Sessions(ctx).FindByConnection(ctx, "c3")
	if err != nil || found.UserID != "u2" {
		t.Fatalf("find by connection: %+v %v", found, err)
	}

	at := time.Now().Add(time.Minute).UTC()
	if err := m.Sessions(ctx).Touch(ctx, s1.ID, at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := m.Sessions(ctx).Find(ctx, s1.ID)
	if err != nil || !got.LastActivityAt.Equal(at) {
		t.Fatalf("touch not applied: %+v %v", got, err)
	}

	existed, err := m.Sessions(ctx).Delete(ctx, s1.ID)
	if err != nil || !existed {
		t.Fatalf("delete: %v %v", existed, err)
	}
	n, _ = m.Sessions(ctx).CountByUser(ctx, "u1")
	if n != 1 {
		t.Fatalf("expected 1 session after delete, got %d", n)
	}
}

func TestMemoryAuditRetentionDropsOldest(t *testing.T) {
	m := NewMemory(WithAuditRetention(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := AuditEntry{ActorID: "u1", Action: fmt.Sprintf("act-%d", i), Resource: "thing"}
		if err := m.Audit(ctx).Append(ctx, &e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := m.Audit(ctx).Query(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected retention cap of 3, got %d", len(got))
	}
	// Newest first.
	if got[0].Action != "act-4" || got[2].Action != "act-2" {
		t.Fatalf("unexpected order or retained set: %v %v", got[0].Action, got[2].Action)
	}
}

func TestMemoryAuditQueryFilters(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	m := NewMemory(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	ctx := context.Background()

	entries := []AuditEntry{
		{ActorID: "u1", Action: "create", Resource: "roles"},
		{ActorID: "u2", Action: "delete", Resource: "roles"},
		{ActorID: "u1", Action: "create", Resource: "users"},
		{ActorID: "u1", Action: "update", Resource: "users"},
	}
	for i := range entries {
		if err := m.Audit(ctx).Append(ctx, &entries[i]); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := m.Audit(ctx).Query(ctx, AuditFilter{ActorID: "u1", Resource: "users"})
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d %v", len(got), err)
	}
	if got[0].Action != "update" {
		t.Fatalf("expected newest first, got %q", got[0].Action)
	}

	got, err = m.Audit(ctx).Query(ctx, AuditFilter{Since: base.Add(3 * time.Minute)})
	if err != nil || len(got) != 2 {
		t.Fatalf("since filter: got %d %v", len(got), err)
	}

	got, err = m.Audit(ctx).Query(ctx, AuditFilter{Limit: 1})
	if err != nil || len(got) != 1 || got[0].Action != "update" {
		t.Fatalf("limit filter: %v %v", got, err)
	}
}

func TestMemoryAuditDetailsCloned(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	details := Details{"key": "original"}
	e := AuditEntry{ActorID: "u1", Action: "create", Resource: "roles", Details: details}
	if err := m.Audit(ctx).Append(ctx, &e); err != nil {
		t.Fatalf("append: %v", err)
	}
	details["key"] = "mutated"

	got, err := m.Audit(ctx).Query(ctx, AuditFilter{})
	if err != nil || len(got) != 1 {
		t.Fatalf("query: %v %v", got, err)
	}
	if got[0].Details["key"] != "original" {
		t.Fatalf("details aliased caller map: %v", got[0].Details)
	}
}
