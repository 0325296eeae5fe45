package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	store *InMemory
	reg   *identity.Registry
	clock *clock
	audit *audit.InMemory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewInMemory(),
		clock: &clock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
		audit: audit.NewInMemory(),
	}
	f.reg = identity.NewRegistry(identity.NewInMemory(), f.clock.Now)
	svc, err := NewService(f.store, f.reg,
		WithTokenSecret(testSecret),
		WithClock(f.clock.Now),
		WithAudit(audit.NewRecorder(f.audit)),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, email string, role identity.Role, p identity.Profile, verified bool) *identity.Identity {
	t.Helper()
	ctx := context.Background()
	ident, err := f.reg.Register(ctx, identity.Registration{Email: email, Password: "password123", Role: role, Profile: p})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if verified {
		if err := f.reg.Store().MarkVerified(ctx, role, ident.ID, f.clock.Now()); err != nil {
			t.Fatal(err)
		}
		ident, _ = f.reg.Store().Find(ctx, role, ident.ID)
	}
	return ident
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService(NewInMemory(), identity.NewRegistry(identity.NewInMemory(), nil)); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestLoginRequiresVerification(t *testing.T) {
	f := newFixture(t)
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, false)
	if _, err := f.svc.Login(context.Background(), ident, identity.ServiceMain); !errors.Is(err, errs.ErrUnverified) {
		t.Fatalf("expected Unverified, got %v", err)
	}
	entries, _ := f.audit.List(context.Background(), audit.Filter{Action: audit.ActionLoginFailed})
	if len(entries) != 1 || entries[0].Reason != string(errs.KindUnverified) {
		t.Fatalf("expected login_failed audit, got %+v", entries)
	}
}

func TestLoginRejectsForeignService(t *testing.T) {
	f := newFixture(t)
	ident := f.register(t, "shop@example.com", identity.RoleSeller, identity.SellerProfile{StoreName: "Shop"}, true)
	if _, err := f.svc.Login(context.Background(), ident, identity.ServiceMain); !errors.Is(err, errs.ErrScopeMismatch) {
		t.Fatalf("expected ScopeMismatch, got %v", err)
	}
}

func TestValidateAndAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)

	pair, err := f.svc.Login(ctx, ident, identity.ServiceMain)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := f.svc.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.IdentityID != ident.ID || claims.Role != identity.RoleCustomer || claims.Service != identity.ServiceMain {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := f.svc.Authorize(ctx, pair.AccessToken, identity.ServiceMain, identity.RoleCustomer); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if _, err := f.svc.Authorize(ctx, pair.AccessToken, identity.ServiceMain, identity.RoleAdmin); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected role rejection, got %v", err)
	}
}

func TestSellerTokenRejectedByOtherServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := f.register(t, "shop@example.com", identity.RoleSeller, identity.SellerProfile{StoreName: "Shop"}, true)
	pair, err := f.svc.Login(ctx, seller, identity.ServiceSeller)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	for _, svc := range []identity.Service{identity.ServiceMain, identity.ServiceCorporate} {
		if _, err := f.svc.Authorize(ctx, pair.AccessToken, svc); !errors.Is(err, errs.ErrScopeMismatch) {
			t.Fatalf("%s: expected ScopeMismatch, got %v", svc, err)
		}
	}
	if _, err := f.svc.Authorize(ctx, pair.AccessToken, identity.ServiceSeller, identity.RoleSeller); err != nil {
		t.Fatalf("seller gateway should accept: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)
	pair, err := f.svc.Login(ctx, ident, identity.ServiceMain)
	if err != nil {
		t.Fatal(err)
	}

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := f.svc.Validate(ctx, tampered); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected Malformed for tampered token, got %v", err)
	}
	if _, err := f.svc.Validate(ctx, "not-a-jwt"); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected Malformed, got %v", err)
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Role: "customer", Service: "main", Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "giftmarket", Subject: ident.ID, ID: "x",
			ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Hour))},
	})
	signed, _ := foreign.SignedString([]byte("another-secret-another-secret-00"))
	if _, err := f.svc.Validate(ctx, signed); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected Malformed for foreign signature, got %v", err)
	}

	f.clock.Advance(16 * time.Minute)
	if _, err := f.svc.Validate(ctx, pair.AccessToken); !errors.Is(err, errs.ErrExpired) {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestRevokeIsImmediateAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)
	pair, err := f.svc.Login(ctx, ident, identity.ServiceMain)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Revoke(ctx, pair.AccessToken, identity.ServiceMain); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := f.svc.Validate(ctx, pair.AccessToken); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("expected Revoked, got %v", err)
	}
	if err := f.svc.Revoke(ctx, pair.AccessToken, identity.ServiceMain); err != nil {
		t.Fatalf("second Revoke should be a no-op: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, identity.ServiceMain); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("refresh of revoked lineage should fail Revoked, got %v", err)
	}
	revoked, _ := f.audit.List(ctx, audit.Filter{Action: audit.ActionSessionRevoked})
	if len(revoked) != 1 {
		t.Fatalf("expected one revocation entry, got %d", len(revoked))
	}
}

func TestRevokeRejectsForeignService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)
	pair, err := f.svc.Login(ctx, ident, identity.ServiceMain)
	if err != nil {
		t.Fatal(err)
	}
	for _, svc := range []identity.Service{identity.ServiceSeller, identity.ServiceCorporate} {
		if err := f.svc.Revoke(ctx, pair.AccessToken, svc); !errors.Is(err, errs.ErrScopeMismatch) {
			t.Fatalf("Revoke on %s: expected ScopeMismatch, got %v", svc, err)
		}
	}
	if _, err := f.svc.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("token should survive a foreign logout: %v", err)
	}
}

func TestRevokeAcceptsExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)
	pair, err := f.svc.Login(ctx, ident, identity.ServiceMain)
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Hour)
	if err := f.svc.Revoke(ctx, pair.AccessToken, identity.ServiceMain); err != nil {
		t.Fatalf("Revoke expired: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, identity.ServiceMain); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("expected lineage revoked, got %v", err)
	}
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)
	first, err := f.svc.Login(ctx, ident, identity.ServiceMain)
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(time.Minute)
	second, err := f.svc.Refresh(ctx, first.RefreshToken, identity.ServiceMain)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if _, err := f.svc.Validate(ctx, first.AccessToken); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("rotated session must be revoked, got %v", err)
	}
	if _, err := f.svc.Validate(ctx, second.AccessToken); err != nil {
		t.Fatalf("new access token invalid: %v", err)
	}

	// Replaying the first refresh token burns the whole family.
	if _, err := f.svc.Refresh(ctx, first.RefreshToken, identity.ServiceMain); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("expected reuse detection, got %v", err)
	}
	if _, err := f.svc.Validate(ctx, second.AccessToken); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("family must be revoked after reuse, got %v", err)
	}
}

func TestRefreshFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)
	pair, err := f.svc.Login(ctx, ident, identity.ServiceMain)
	if err != nil {
		t.Fatal(err)
	}
	id, _, _ := strings.Cut(pair.RefreshToken, ".")

	cases := []struct {
		name  string
		token string
		svc   identity.Service
		kind  errs.Kind
	}{
		{"malformed", "garbage", identity.ServiceMain, errs.KindMalformed},
		{"wrong secret", id + ".wrong", identity.ServiceMain, errs.KindUnauthorized},
		{"unknown id", "nope.secret", identity.ServiceMain, errs.KindUnauthorized},
		{"other service", pair.RefreshToken, identity.ServiceCorporate, errs.KindScopeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Refresh(ctx, tc.token, tc.svc); errs.KindOf(err) != tc.kind {
				t.Fatalf("got %v, want %s", err, tc.kind)
			}
		})
	}

	f.clock.Advance(8 * 24 * time.Hour)
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, identity.ServiceMain); !errors.Is(err, errs.ErrExpired) {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)
	a, _ := f.svc.Login(ctx, ident, identity.ServiceMain)
	b, _ := f.svc.Login(ctx, ident, identity.ServiceMain)

	n, err := f.svc.RevokeAll(ctx, ident.ID)
	if err != nil || n != 2 {
		t.Fatalf("RevokeAll = %d, %v", n, err)
	}
	for _, tok := range []string{a.AccessToken, b.AccessToken} {
		if _, err := f.svc.Validate(ctx, tok); !errors.Is(err, errs.ErrRevoked) {
			t.Fatalf("expected Revoked, got %v", err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", identity.RoleCustomer, identity.CustomerProfile{FullName: "Alice"}, true)

	if _, _, err := f.svc.Authenticate(ctx, "Alice@Example.com", "password123", identity.RoleCustomer, identity.ServiceMain); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, _, err := f.svc.Authenticate(ctx, "alice@example.com", "wrong-password", identity.RoleCustomer, identity.ServiceMain); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if _, _, err := f.svc.Authenticate(ctx, "alice@example.com", "password123", identity.RoleCustomer, identity.ServiceSeller); !errors.Is(err, errs.ErrScopeMismatch) {
		t.Fatalf("expected ScopeMismatch, got %v", err)
	}
}
