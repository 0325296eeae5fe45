package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"giftmarket.dev/internal/audit"
)

var _ audit.Store = (*AuditStore)(nil)

// AuditStore appends to auth_audit. Rows are never updated.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into auth_audit(id, occurred_at, action, outcome, identity_id, email, role, service,
		 session_id, request_id, reason, metadata) values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.OccurredAt.UTC(), e.Action, e.Outcome, e.IdentityID, e.Email, e.Role, e.Service,
		e.SessionID, e.RequestID, e.Reason, meta,
	)
	return err
}

func (s *AuditStore) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.IdentityID != "" {
		add("identity_id=$%d", f.IdentityID)
	}
	if f.Action != "" {
		add("action=$%d", string(f.Action))
	}
	if !f.Since.IsZero() {
		add("occurred_at>=$%d", f.Since.UTC())
	}
	q := `select id, occurred_at, action, outcome, identity_id, email, role, service, session_id,
		request_id, reason, metadata from auth_audit`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by occurred_at asc, id asc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var (
			e               audit.Entry
			action, outcome string
			meta            []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &action, &outcome, &e.IdentityID, &e.Email, &e.Role,
			&e.Service, &e.SessionID, &e.RequestID, &e.Reason, &meta); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		e.Outcome = audit.Outcome(outcome)
		_ = json.Unmarshal(meta, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *AuditStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_audit where occurred_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
