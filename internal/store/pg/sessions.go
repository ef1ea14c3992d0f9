package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"accesscore.org/internal/ids"
	"accesscore.org/internal/store"
)

type pgSessions struct{ s *Store }

const sessionColumns = `id, user_id, connection_id, connected_at, last_activity_at, remote_addr, user_agent`

func (p *pgSessions) Create(ctx context.Context, sess *store.Session) error {
	if sess.ID == "" {
		sess.ID = ids.NewSortable()
	}
	row := p.s.db.QueryRowContext(ctx, `
		insert into sessions (id, user_id, connection_id, remote_addr, user_agent)
		values ($1, $2, $3, $4, $5)
		returning connected_at, last_activity_at
	`, sess.ID, sess.UserID, sess.ConnectionID, sess.RemoteAddr, sess.UserAgent)
	if err := row.Scan(&sess.ConnectedAt, &sess.LastActivityAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: connection %s", store.ErrConflict, sess.ConnectionID)
		}
		return err
	}
	return nil
}

func (p *pgSessions) Find(ctx context.Context, id string) (store.Session, error) {
	return p.findBy(ctx, `id = $1`, id)
}

func (p *pgSessions) FindByConnection(ctx context.Context, connectionID string) (store.Session, error) {
	return p.findBy(ctx, `connection_id = $1`, connectionID)
}

func (p *pgSessions) findBy(ctx context.Context, where string, arg any) (store.Session, error) {
	row := p.s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where `+where, arg)
	return scanSession(row)
}

func (p *pgSessions) List(ctx context.Context) ([]store.Session, error) {
	return p.list(ctx, `select `+sessionColumns+` from sessions order by connected_at`)
}

func (p *pgSessions) ByUser(ctx context.Context, userID string) ([]store.Session, error) {
	return p.list(ctx, `select `+sessionColumns+` from sessions where user_id = $1 order by connected_at`, userID)
}

func (p *pgSessions) list(ctx context.Context, query string, args ...any) ([]store.Session, error) {
	rows, err := p.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (p *pgSessions) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.s.db.QueryRowContext(ctx, `select count(*) from sessions where user_id = $1`, userID).Scan(&n)
	return n, err
}

func (p *pgSessions) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := p.s.db.ExecContext(ctx, `update sessions set last_activity_at = $2 where id = $1`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *pgSessions) Delete(ctx context.Context, id string) (bool, error) {
	res, err := p.s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanSession(row interface{ Scan(...any) error }) (store.Session, error) {
	var (
		sess        store.Session
		addr, agent sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ConnectionID, &sess.ConnectedAt,
		&sess.LastActivityAt, &addr, &agent)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, err
	}
	sess.RemoteAddr = fromNullString(addr)
	sess.UserAgent = fromNullString(agent)
	return sess, nil
}
