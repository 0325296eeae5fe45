package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/session"
)

var _ session.Store = (*SessionStore)(nil)

// SessionStore is the central session table every gateway validates against.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `id, family_id, parent_id, identity_id, role, service, issued_at, expires_at,
	refresh_hash, refresh_expires_at, revoked, revoked_at, rotated_at`

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	return insertSession(ctx, s.db, sess)
}

func insertSession(ctx context.Context, db execer, sess *session.Session) error {
	_, err := db.ExecContext(ctx,
		`insert into sessions(`+sessionColumns+`) values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sess.ID, sess.FamilyID, sess.ParentID, sess.IdentityID, sess.Role, sess.Service,
		sess.IssuedAt.UTC(), sess.ExpiresAt.UTC(), sess.RefreshHash, sess.RefreshExpiresAt.UTC(),
		sess.Revoked, nullTime(sess.RevokedAt), nullTime(sess.RotatedAt),
	)
	if isUniqueViolation(err) {
		return errs.New(errs.KindConflict, "session id already exists")
	}
	return err
}

func (s *SessionStore) Find(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id=$1`, id)
	var (
		sess             session.Session
		role, service    string
		revoked, rotated sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.FamilyID, &sess.ParentID, &sess.IdentityID, &role, &service,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.RefreshHash, &sess.RefreshExpiresAt, &sess.Revoked,
		&revoked, &rotated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	sess.Role = identity.Role(role)
	sess.Service = identity.Service(service)
	sess.RevokedAt = timePtr(revoked)
	sess.RotatedAt = timePtr(rotated)
	return &sess, nil
}

func (s *SessionStore) Rotate(ctx context.Context, oldID string, at time.Time, next *session.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update sessions set revoked=true, revoked_at=$2, rotated_at=$2
		 where id=$1 and not revoked and rotated_at is null`, oldID, at.UTC())
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from sessions where id=$1)`, oldID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return session.ErrNotFound
		}
		return errs.New(errs.KindRevoked, "refresh token already used")
	}
	if err := insertSession(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SessionStore) RevokeFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	return s.revoke(ctx, `family_id=$1`, familyID, at)
}

func (s *SessionStore) RevokeIdentity(ctx context.Context, identityID string, at time.Time) (int, error) {
	return s.revoke(ctx, `identity_id=$1`, identityID, at)
}

func (s *SessionStore) revoke(ctx context.Context, where, arg string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true, revoked_at=$2 where `+where+` and not revoked`, arg, at.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
