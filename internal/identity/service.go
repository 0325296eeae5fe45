package identity

import (
	"context"
	"time"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/ids"
)

// Registry creates identities and checks credentials on top of a Store.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry builds a Registry. A nil clock defaults to time.Now.
func NewRegistry(store Store, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{store: store, now: now}
}

// Store exposes the underlying store.
func (r *Registry) Store() Store { return r.store }

// Registration is the input to Register.
type Registration struct {
	Email    string
	Password string
	Role     Role
	Profile  Profile
}

// Register validates and persists a new, unverified identity.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Identity, error) {
	email, err := NormalizeEmail(reg.Email)
	if err != nil {
		return nil, err
	}
	hash, err := HashPassword(reg.Password)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	ident := &Identity{
		ID:           ids.Prefixed(IDPrefix(reg.Role)),
		Role:         reg.Role,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
		Profile:      reg.Profile,
	}
	if err := ident.Validate(); err != nil {
		return nil, err
	}
	if err := r.store.Create(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

// CheckPassword returns the identity when the password matches. Unknown emails
// and wrong passwords yield the same Unauthorized error.
func (r *Registry) CheckPassword(ctx context.Context, role Role, email, password string) (*Identity, error) {
	email, err := NormalizeEmail(email)
	if err != nil || password == "" {
		return nil, errs.New(errs.KindUnauthorized, "invalid credentials")
	}
	ident, err := r.store.FindByEmail(ctx, role, email)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, errs.New(errs.KindUnauthorized, "invalid credentials")
		}
		return nil, err
	}
	if err := VerifyPassword(ident.PasswordHash, password); err != nil {
		return nil, errs.New(errs.KindUnauthorized, "invalid credentials")
	}
	return ident, nil
}

// Lookup finds an identity by role and email, normalising the email first.
func (r *Registry) Lookup(ctx context.Context, role Role, email string) (*Identity, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return r.store.FindByEmail(ctx, role, email)
}
