package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/otp"
)

var _ otp.Store = (*OTPStore)(nil)

var errOTPStale = errs.New(errs.KindConflict, "otp record modified concurrently")

// OTPStore persists OTP records. Inserts for one key are serialised with a
// transaction-scoped advisory lock so the cooldown check and the supersede
// of the predecessor happen atomically.
type OTPStore struct {
	db *sql.DB
}

func NewOTPStore(db *sql.DB) *OTPStore {
	return &OTPStore{db: db}
}

const otpColumns = `id, email, purpose, role, service, identity_id, code_hash, status, attempts,
	created_at, expires_at, consumed_at, version`

func lockKey(k otp.Key) string {
	return strings.Join([]string{k.Email, string(k.Purpose), string(k.Role), string(k.Service)}, "|")
}

func (s *OTPStore) Insert(ctx context.Context, rec *otp.Record, cooldown time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	key := rec.Key()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, lockKey(key)); err != nil {
		return err
	}
	prev, err := scanOTP(tx.QueryRowContext(ctx,
		`select `+otpColumns+` from otp_records
		 where email=$1 and purpose=$2 and role=$3 and service=$4
		 order by created_at desc, id desc limit 1`,
		key.Email, key.Purpose, key.Role, key.Service))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if prev != nil {
		if err := otp.CheckCooldown(prev, rec.CreatedAt, cooldown); err != nil {
			return err
		}
		if prev.Status == otp.StatusPending {
			if _, err := tx.ExecContext(ctx,
				`update otp_records set status=$2, version=version+1 where id=$1`,
				prev.ID, otp.StatusSuperseded); err != nil {
				return err
			}
		}
	}
	rec.Version = 1
	if _, err := tx.ExecContext(ctx,
		`insert into otp_records(`+otpColumns+`) values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rec.ID, rec.Email, rec.Purpose, rec.Role, rec.Service, rec.IdentityID, rec.CodeHash, rec.Status,
		rec.Attempts, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), nullTime(rec.ConsumedAt), rec.Version,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *OTPStore) Latest(ctx context.Context, key otp.Key) (*otp.Record, error) {
	rec, err := scanOTP(s.db.QueryRowContext(ctx,
		`select `+otpColumns+` from otp_records
		 where email=$1 and purpose=$2 and role=$3 and service=$4
		 order by created_at desc, id desc limit 1`,
		key.Email, key.Purpose, key.Role, key.Service))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, "no pending code")
	}
	return rec, err
}

func (s *OTPStore) Update(ctx context.Context, rec *otp.Record, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`update otp_records set status=$3, attempts=$4, consumed_at=$5, identity_id=$6, version=version+1
		 where id=$1 and version=$2`,
		rec.ID, expectedVersion, rec.Status, rec.Attempts, nullTime(rec.ConsumedAt), rec.IdentityID)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return errOTPStale
	}
	rec.Version = expectedVersion + 1
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOTP(row rowScanner) (*otp.Record, error) {
	var (
		rec      otp.Record
		purpose  string
		role     string
		service  string
		status   string
		consumed sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Email, &purpose, &role, &service, &rec.IdentityID, &rec.CodeHash, &status,
		&rec.Attempts, &rec.CreatedAt, &rec.ExpiresAt, &consumed, &rec.Version); err != nil {
		return nil, err
	}
	rec.Purpose = otp.Purpose(purpose)
	rec.Role = identity.Role(role)
	rec.Service = identity.Service(service)
	rec.Status = otp.Status(status)
	rec.ConsumedAt = timePtr(consumed)
	return &rec, nil
}
