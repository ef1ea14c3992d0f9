package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"accesscore.org/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store backs the persistence contracts with Postgres via the pgx stdlib
// driver. One *sql.DB is shared by every sub-store.
type Store struct {
	db       *sql.DB
	auditCap int
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithAuditRetention caps the audit table row count; Append trims the oldest
// rows past the cap.
func WithAuditRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.auditCap = n
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing connection pool. Used by tests with sqlmock.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, auditCap: store.DefaultAuditRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Users(context.Context) store.UserStore             { return &pgUsers{s} }
func (s *Store) Roles(context.Context) store.RoleStore             { return &pgRoles{s} }
func (s *Store) Permissions(context.Context) store.PermissionStore { return &pgPermissions{s} }
func (s *Store) Sessions(context.Context) store.SessionStore       { return &pgSessions{s} }
func (s *Store) Audit(context.Context) store.AuditStore            { return &pgAudit{s} }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrForeignKeyViolation
}

// nullIfEmpty is for genuinely nullable columns (parent_role_id); columns
// declared not null with an empty-string default take the value directly.
func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullTime(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}
