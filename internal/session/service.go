package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "giftmarket"
	accessTokenType   = "access"
)

// Service issues, validates, rotates and revokes sessions.
type Service struct {
	store      Store
	registry   *identity.Registry
	audit      *audit.Recorder
	log        *zap.Logger
	now        func() time.Time
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret sets the HS256 signing key.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("session: token secret is empty")
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithAudit records session events.
func WithAudit(r *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.audit = r
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration. A token secret
// is mandatory.
func NewService(store Store, registry *identity.Registry, opts ...ServiceOption) (*Service, error) {
	svc := &Service{
		store:      store,
		registry:   registry,
		log:        zap.NewNop(),
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		return nil, errors.New("session: token secret is required")
	}
	return svc, nil
}

// Login issues a token pair scoped to (ident.Role, svc). The identity must
// have completed OTP verification at least once.
func (s *Service) Login(ctx context.Context, ident *identity.Identity, svc identity.Service) (TokenPair, error) {
	if err := identity.CheckScope(ident.Role, svc); err != nil {
		s.loginFailed(ctx, ident.Email, ident.Role, svc, err)
		return TokenPair{}, err
	}
	if !ident.Verified {
		err := errs.New(errs.KindUnverified, "identity has not completed verification")
		s.loginFailed(ctx, ident.Email, ident.Role, svc, err)
		return TokenPair{}, err
	}

	now := s.now().UTC()
	sess, refresh, err := s.newSession(ident.ID, ident.Role, svc, now)
	if err != nil {
		return TokenPair{}, err
	}
	sess.FamilyID = sess.ID
	if err := s.store.Create(ctx, sess); err != nil {
		return TokenPair{}, err
	}
	pair, err := s.pair(sess, refresh)
	if err != nil {
		return TokenPair{}, err
	}
	obs.SessionIssued(string(svc), string(ident.Role))
	s.record(ctx, audit.Entry{
		Action: audit.ActionSessionIssued, IdentityID: ident.ID, Email: ident.Email,
		Role: string(ident.Role), Service: string(svc), SessionID: sess.ID,
	})
	return pair, nil
}

// Authenticate checks a password and logs the identity in. Unknown emails and
// wrong passwords fail identically.
func (s *Service) Authenticate(ctx context.Context, email, password string, role identity.Role, svc identity.Service) (TokenPair, *identity.Identity, error) {
	if err := identity.CheckScope(role, svc); err != nil {
		return TokenPair{}, nil, err
	}
	ident, err := s.registry.CheckPassword(ctx, role, email, password)
	if err != nil {
		s.loginFailed(ctx, strings.ToLower(strings.TrimSpace(email)), role, svc, err)
		return TokenPair{}, nil, err
	}
	pair, err := s.Login(ctx, ident, svc)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, ident, nil
}

// Validate verifies signature and expiry of an access token and confirms the
// session is still live in the central store.
func (s *Service) Validate(ctx context.Context, token string) (Claims, error) {
	tc, err := s.parse(token, true)
	if err != nil {
		return Claims{}, err
	}
	sess, err := s.store.Find(ctx, tc.ID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Claims{}, errs.New(errs.KindRevoked, "session no longer exists")
		}
		return Claims{}, err
	}
	if sess.Revoked {
		return Claims{}, errs.New(errs.KindRevoked, "session revoked")
	}
	if sess.IdentityID != tc.Subject || string(sess.Role) != tc.Role || string(sess.Service) != tc.Service {
		return Claims{}, errs.New(errs.KindMalformed, "token does not match session")
	}
	return Claims{
		SessionID:  sess.ID,
		IdentityID: sess.IdentityID,
		Role:       sess.Role,
		Service:    sess.Service,
		IssuedAt:   tc.IssuedAt.Time,
		ExpiresAt:  tc.ExpiresAt.Time,
	}, nil
}

// Authorize validates token and checks it was minted for svc. When roles are
// given the token's role must be one of them.
func (s *Service) Authorize(ctx context.Context, token string, svc identity.Service, roles ...identity.Role) (Claims, error) {
	c, err := s.Validate(ctx, token)
	if err != nil {
		return Claims{}, err
	}
	if c.Service != svc {
		return Claims{}, errs.Newf(errs.KindScopeMismatch, "token scoped to %s service cannot be used on %s", c.Service, svc)
	}
	if len(roles) > 0 && !slices.Contains(roles, c.Role) {
		return Claims{}, errs.Newf(errs.KindUnauthorized, "role %s may not perform this action", c.Role)
	}
	return c, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated revokes its whole family.
func (s *Service) Refresh(ctx context.Context, refreshToken string, svc identity.Service) (TokenPair, error) {
	id, secret, ok := splitRefreshToken(refreshToken)
	if !ok {
		return TokenPair{}, errs.New(errs.KindMalformed, "malformed refresh token")
	}
	old, err := s.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return TokenPair{}, errs.New(errs.KindUnauthorized, "invalid refresh token")
		}
		return TokenPair{}, err
	}
	if !secureCompareHash(old.RefreshHash, secret) {
		return TokenPair{}, errs.New(errs.KindUnauthorized, "invalid refresh token")
	}
	if old.Service != svc {
		return TokenPair{}, errs.Newf(errs.KindScopeMismatch, "refresh token scoped to %s service cannot be used on %s", old.Service, svc)
	}
	now := s.now().UTC()
	if old.RotatedAt != nil {
		n, err := s.store.RevokeFamily(ctx, old.FamilyID, now)
		if err != nil {
			return TokenPair{}, err
		}
		s.record(ctx, audit.Entry{
			Action: audit.ActionSessionRevoked, IdentityID: old.IdentityID, Role: string(old.Role),
			Service: string(old.Service), SessionID: old.ID, Reason: "refresh_reuse",
			Metadata: map[string]string{"family_id": old.FamilyID, "revoked": strconv.Itoa(n)},
		})
		return TokenPair{}, errs.New(errs.KindRevoked, "refresh token reuse detected; session family revoked")
	}
	if old.Revoked {
		return TokenPair{}, errs.New(errs.KindRevoked, "session revoked")
	}
	if now.After(old.RefreshExpiresAt) {
		return TokenPair{}, errs.New(errs.KindExpired, "refresh token expired")
	}
	ident, err := s.registry.Store().Find(ctx, old.Role, old.IdentityID)
	if err != nil {
		return TokenPair{}, errs.Wrap(errs.KindUnauthorized, "identity unavailable", err)
	}

	next, refresh, err := s.newSession(ident.ID, ident.Role, svc, now)
	if err != nil {
		return TokenPair{}, err
	}
	next.FamilyID = old.FamilyID
	next.ParentID = old.ID
	if err := s.store.Rotate(ctx, old.ID, now, next); err != nil {
		return TokenPair{}, err
	}
	pair, err := s.pair(next, refresh)
	if err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, audit.Entry{
		Action: audit.ActionSessionRefreshed, IdentityID: ident.ID, Email: ident.Email,
		Role: string(ident.Role), Service: string(svc), SessionID: next.ID,
		Metadata: map[string]string{"parent_id": old.ID},
	})
	return pair, nil
}

// Revoke invalidates the session behind an access token together with its
// refresh lineage. Expired tokens are accepted and revoking twice is a no-op.
// A token minted for another service is rejected with ScopeMismatch.
func (s *Service) Revoke(ctx context.Context, token string, svc identity.Service) error {
	tc, err := s.parse(token, false)
	if err != nil {
		return err
	}
	if identity.Service(tc.Service) != svc {
		return errs.Newf(errs.KindScopeMismatch, "token scoped to %s service cannot be used on %s", tc.Service, svc)
	}
	sess, err := s.store.Find(ctx, tc.ID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	n, err := s.store.RevokeFamily(ctx, sess.FamilyID, s.now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		s.record(ctx, audit.Entry{
			Action: audit.ActionSessionRevoked, IdentityID: sess.IdentityID, Role: string(sess.Role),
			Service: string(sess.Service), SessionID: sess.ID, Reason: "logout",
			Metadata: map[string]string{"family_id": sess.FamilyID, "revoked": strconv.Itoa(n)},
		})
	}
	return nil
}

// RevokeAll ends every session of an identity on every service.
func (s *Service) RevokeAll(ctx context.Context, identityID string) (int, error) {
	n, err := s.store.RevokeIdentity(ctx, identityID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.record(ctx, audit.Entry{
			Action: audit.ActionSessionRevoked, IdentityID: identityID, Reason: "revoke_all",
			Metadata: map[string]string{"revoked": strconv.Itoa(n)},
		})
	}
	return n, nil
}

type tokenClaims struct {
	Role    string `json:"role"`
	Service string `json:"svc"`
	Type    string `json:"typ"`
	jwt.RegisteredClaims
}

func (s *Service) newSession(identityID string, role identity.Role, svc identity.Service, now time.Time) (*Session, string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", errs.Wrap(errs.KindInternal, "generate refresh secret", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	sess := &Session{
		ID:               uuid.NewString(),
		IdentityID:       identityID,
		Role:             role,
		Service:          svc,
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.accessTTL),
		RefreshHash:      hex.EncodeToString(sum[:]),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}
	return sess, sess.ID + "." + secret, nil
}

func (s *Service) pair(sess *Session, refresh string) (TokenPair, error) {
	claims := tokenClaims{
		Role:    string(sess.Role),
		Service: string(sess.Service),
		Type:    accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sess.IdentityID,
			ID:        sess.ID,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return TokenPair{}, errs.Wrap(errs.KindInternal, "sign token", err)
	}
	return TokenPair{
		AccessToken:      signed,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  sess.ExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
	}, nil
}

func (s *Service) parse(token string, checkExpiry bool) (*tokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.New(errs.KindUnauthorized, "missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if !checkExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	tc := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, tc, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.New(errs.KindExpired, "token expired")
		}
		return nil, errs.Wrap(errs.KindMalformed, "malformed token", err)
	}
	if tc.Type != accessTokenType || tc.Subject == "" || tc.ID == "" || tc.Role == "" || tc.Service == "" {
		return nil, errs.New(errs.KindMalformed, "malformed token")
	}
	if !checkExpiry && tc.Issuer != s.issuer {
		return nil, errs.New(errs.KindMalformed, "malformed token")
	}
	return tc, nil
}

func (s *Service) loginFailed(ctx context.Context, email string, role identity.Role, svc identity.Service, cause error) {
	s.record(ctx, audit.Entry{
		Action: audit.ActionLoginFailed, Outcome: audit.OutcomeFailure, Email: email,
		Role: string(role), Service: string(svc), Reason: string(errs.KindOf(cause)),
	})
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.log.Warn("session audit failed", zap.String("action", string(e.Action)), zap.Error(err))
	}
}

func splitRefreshToken(raw string) (id, secret string, ok bool) {
	id, secret, found := strings.Cut(strings.TrimSpace(raw), ".")
	if !found || id == "" || secret == "" || strings.Contains(secret, ".") {
		return "", "", false
	}
	return id, secret, true
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
