package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"accesscore.org/internal/ids"
	"accesscore.org/internal/store"
)

type pgAudit struct{ s *Store }

const auditColumns = `id, actor_id, actor_username, action, resource, resource_id, details, remote_addr, user_agent, occurred_at, success, error`

func (p *pgAudit) Append(ctx context.Context, entry *store.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ids.NewSortable()
	}
	detailsJSON := []byte("{}")
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = raw
	}

	tx, err := p.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into audit_log (id, actor_id, actor_username, action, resource, resource_id, details, remote_addr, user_agent, success, error)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning occurred_at
	`, entry.ID, entry.ActorID, entry.ActorUsername, entry.Action, entry.Resource,
		entry.ResourceID, detailsJSON, entry.RemoteAddr,
		entry.UserAgent, entry.Success, entry.Error)
	if err := row.Scan(&entry.OccurredAt); err != nil {
		return err
	}

	// Bounded retention: ULID ids sort by creation time, so trimming by id
	// drops the oldest rows first.
	if _, err := tx.ExecContext(ctx, `
		delete from audit_log
		where id in (
			select id from audit_log order by id desc offset $1
		)
	`, p.s.auditCap); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *pgAudit) Query(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorID != "" {
		add(`actor_id = $%d`, f.ActorID)
	}
	if f.Resource != "" {
		add(`resource = $%d`, f.Resource)
	}
	if f.Action != "" {
		add(`action = $%d`, f.Action)
	}
	if !f.Since.IsZero() {
		add(`occurred_at >= $%d`, f.Since)
	}
	if !f.Until.IsZero() {
		add(`occurred_at <= $%d`, f.Until)
	}

	query := `select ` + auditColumns + ` from audit_log`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, ` and `)
	}
	query += ` order by id desc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` limit $%d`, len(args))
	}

	rows, err := p.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.AuditEntry
	for rows.Next() {
		var (
			e                           store.AuditEntry
			resourceID, addr, agent, ee sql.NullString
			rawDetails                  []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorUsername, &e.Action, &e.Resource,
			&resourceID, &rawDetails, &addr, &agent, &e.OccurredAt, &e.Success, &ee); err != nil {
			return nil, err
		}
		if len(rawDetails) > 0 {
			if err := json.Unmarshal(rawDetails, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		e.ResourceID = fromNullString(resourceID)
		e.RemoteAddr = fromNullString(addr)
		e.UserAgent = fromNullString(agent)
		e.Error = fromNullString(ee)
		result = append(result, e)
	}
	return result, rows.Err()
}
