package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"accesscore.org/internal/store"
	"accesscore.org/internal/stream"
)

func newRecorder(t *testing.T, opts ...store.MemoryOption) (*Recorder, store.Store) {
	t.Helper()
	st := store.NewMemory(opts...)
	return NewRecorder(st, nil), st
}

func TestSuccessAndFailureRecord(t *testing.T) {
	r, st := newRecorder(t)
	ctx := context.Background()
	actor := Actor{ID: "u1", Username: "alice"}

	r.Success(ctx, actor, "create", "roles", "r1", store.Details{"name": "editor"})
	r.Failure(ctx, actor, "delete", "roles", "r2", errors.New("permission denied"), nil)

	got, err := st.Audit(ctx).Query(ctx, store.AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	// Newest first.
	if got[0].Action != "delete" || got[0].Success || got[0].Error != "permission denied" {
		t.Fatalf("unexpected failure entry: %+v", got[0])
	}
	if got[1].Action != "create" || !got[1].Success || got[1].Details["name"] != "editor" {
		t.Fatalf("unexpected success entry: %+v", got[1])
	}
}

func TestRecordStampsRequestMetadata(t *testing.T) {
	r, st := newRecorder(t)
	ctx := WithRequest(context.Background(), Request{RemoteAddr: "10.0.0.1:4321", UserAgent: "cli/1.0"})

	r.Success(ctx, Actor{ID: "u1", Username: "alice"}, "login", "auth", "", nil)

	got, _ := st.Audit(ctx).Query(ctx, store.AuditFilter{})
	if len(got) != 1 || got[0].RemoteAddr != "10.0.0.1:4321" || got[0].UserAgent != "cli/1.0" {
		t.Fatalf("request metadata missing: %+v", got)
	}
}

func TestRecordPublishesEvent(t *testing.T) {
	st := store.NewMemory()
	broker := stream.New()
	r := NewRecorder(st, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := broker.Subscribe(ctx, stream.OnlyTypes(stream.TypeAuditRecorded))

	r.Success(context.Background(), Actor{ID: "u1", Username: "alice"}, "create", "roles", "r1", nil)

	select {
	case evt := <-ch:
		if evt.Payload["action"] != "create" || evt.Payload["resource"] != "roles" {
			t.Fatalf("unexpected payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no audit_recorded event published")
	}
}

func TestSearchCaseInsensitive(t *testing.T) {
	r, _ := newRecorder(t)
	ctx := context.Background()
	actor := Actor{ID: "u1", Username: "Alice"}

	r.Success(ctx, actor, "CREATE", "Roles", "r1", store.Details{"note": "Granted EDITOR"})
	r.Success(ctx, actor, "login", "auth", "", nil)

	got, err := r.Search(ctx, "editor", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("detail search: %v %v", got, err)
	}
	got, err = r.Search(ctx, "alice", 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("username search: %d %v", len(got), err)
	}
	got, err = r.Search(ctx, "create", 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("limited search: %d %v", len(got), err)
	}
	got, err = r.Search(ctx, "   ", 0)
	if err != nil || got != nil {
		t.Fatalf("blank term should match nothing: %v %v", got, err)
	}
}

func TestStatsSinglePass(t *testing.T) {
	r, _ := newRecorder(t)
	ctx := context.Background()
	alice := Actor{ID: "u1", Username: "alice"}
	bob := Actor{ID: "u2", Username: "bob"}

	r.Success(ctx, alice, "create", "roles", "", nil)
	r.Success(ctx, alice, "create", "users", "", nil)
	r.Failure(ctx, bob, "delete", "roles", "", errors.New("denied"), nil)

	st, err := r.Stats(ctx, store.AuditFilter{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.Successes != 2 || st.Failures != 1 {
		t.Fatalf("unexpected totals: %+v", st)
	}
	if st.ByAction["create"] != 2 || st.ByResource["roles"] != 2 || st.ByActor["alice"] != 2 {
		t.Fatalf("unexpected aggregates: %+v", st)
	}
	if len(st.TopActions) == 0 || st.TopActions[0] != "create" {
		t.Fatalf("unexpected top actions: %v", st.TopActions)
	}

	filtered, err := r.Stats(ctx, store.AuditFilter{Resource: "roles"})
	if err != nil {
		t.Fatalf("filtered stats: %v", err)
	}
	if filtered.Total != 2 || filtered.Successes != 1 || filtered.Failures != 1 {
		t.Fatalf("unexpected filtered totals: %+v", filtered)
	}
	if filtered.ByAction["create"] != 1 || filtered.ByAction["delete"] != 1 {
		t.Fatalf("unexpected filtered actions: %+v", filtered.ByAction)
	}
	if filtered.ByActor["alice"] != 1 || filtered.ByActor["bob"] != 1 {
		t.Fatalf("unexpected filtered actors: %+v", filtered.ByActor)
	}
}

func TestRetentionVisibleThroughRecorder(t *testing.T) {
	r, _ := newRecorder(t, store.WithAuditRetention(2))
	ctx := context.Background()
	actor := Actor{ID: "u1", Username: "alice"}

	r.Success(ctx, actor, "one", "x", "", nil)
	r.Success(ctx, actor, "two", "x", "", nil)
	r.Success(ctx, actor, "three", "x", "", nil)

	got, err := r.Query(ctx, store.AuditFilter{})
	if err != nil || len(got) != 2 {
		t.Fatalf("expected cap of 2, got %d %v", len(got), err)
	}
	if got[0].Action != "three" || got[1].Action != "two" {
		t.Fatalf("oldest entry should be dropped: %+v", got)
	}
}
