package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"giftmarket.dev/internal/identity"
)

var _ identity.Store = (*IdentityStore)(nil)

// IdentityStore keeps one table per role; the profile variant is stored as
// JSONB and decoded by role.
type IdentityStore struct {
	db *sql.DB
}

func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

var identityTables = map[identity.Role]string{
	identity.RoleAdmin:     "admins",
	identity.RoleSeller:    "sellers",
	identity.RoleCustomer:  "customers",
	identity.RoleCorporate: "corporate_users",
}

func identityTable(role identity.Role) (string, error) {
	t, ok := identityTables[role]
	if !ok {
		return "", fmt.Errorf("no identity table for role %q", role)
	}
	return t, nil
}

func (s *IdentityStore) Create(ctx context.Context, ident *identity.Identity) error {
	table, err := identityTable(ident.Role)
	if err != nil {
		return err
	}
	profile, err := json.Marshal(ident.Profile)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into `+table+`(id, email, password_hash, verified, verified_at, profile, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		ident.ID, ident.Email, ident.PasswordHash, ident.Verified, nullTime(ident.VerifiedAt), profile,
		ident.CreatedAt.UTC(), ident.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return identity.ErrDuplicateEmail
	}
	return err
}

func (s *IdentityStore) Find(ctx context.Context, role identity.Role, id string) (*identity.Identity, error) {
	return s.findBy(ctx, role, "id", id)
}

func (s *IdentityStore) FindByEmail(ctx context.Context, role identity.Role, email string) (*identity.Identity, error) {
	return s.findBy(ctx, role, "email", email)
}

func (s *IdentityStore) findBy(ctx context.Context, role identity.Role, column, value string) (*identity.Identity, error) {
	table, err := identityTable(role)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, verified, verified_at, profile, created_at, updated_at
		 from `+table+` where `+column+`=$1`, value)
	var (
		ident      identity.Identity
		verifiedAt sql.NullTime
		profile    []byte
	)
	if err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordHash, &ident.Verified, &verifiedAt, &profile,
		&ident.CreatedAt, &ident.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.NotFound(role, value)
		}
		return nil, err
	}
	ident.Role = role
	ident.VerifiedAt = timePtr(verifiedAt)
	if ident.Profile, err = identity.DecodeProfile(role, profile); err != nil {
		return nil, fmt.Errorf("decode %s profile: %w", role, err)
	}
	return &ident, nil
}

func (s *IdentityStore) MarkVerified(ctx context.Context, role identity.Role, id string, at time.Time) error {
	table, err := identityTable(role)
	if err != nil {
		return err
	}
	// coalesce keeps the first verification time on repeat calls
	res, err := s.db.ExecContext(ctx,
		`update `+table+` set verified=true, verified_at=coalesce(verified_at, $2), updated_at=$2 where id=$1`,
		id, at.UTC())
	return s.checkFound(res, err, role, id)
}

func (s *IdentityStore) UpdatePassword(ctx context.Context, role identity.Role, id, passwordHash string) error {
	table, err := identityTable(role)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`update `+table+` set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
	return s.checkFound(res, err, role, id)
}

func (s *IdentityStore) UpdateProfile(ctx context.Context, role identity.Role, id string, profile identity.Profile) error {
	table, err := identityTable(role)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`update `+table+` set profile=$2, updated_at=now() where id=$1`, id, raw)
	return s.checkFound(res, err, role, id)
}

func (s *IdentityStore) checkFound(res sql.Result, err error, role identity.Role, id string) error {
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return identity.NotFound(role, id)
	}
	return nil
}
