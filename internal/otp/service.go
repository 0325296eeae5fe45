package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/ids"
	"giftmarket.dev/internal/obs"
)

const (
	defaultLength      = 6
	defaultTTL         = 10 * time.Minute
	defaultCooldown    = 60 * time.Second
	defaultMaxAttempts = 5
	casRetries         = 4
)

// Revoker ends every session of an identity after a password reset.
type Revoker interface {
	RevokeAll(ctx context.Context, identityID string) (int, error)
}

// Service issues and verifies codes.
type Service struct {
	store       Store
	identities  identity.Store
	audit       *audit.Recorder
	revoker     Revoker
	delivery    *dispatcher
	log         *zap.Logger
	now         func() time.Time
	length      int
	ttl         time.Duration
	cooldown    time.Duration
	maxAttempts int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithCodeLength sets the number of digits per code.
func WithCodeLength(n int) ServiceOption {
	return func(s *Service) error {
		if n < 4 || n > 10 {
			return fmt.Errorf("otp: code length %d out of range", n)
		}
		s.length = n
		return nil
	}
}

// WithTTL sets how long a code stays valid.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// WithCooldown sets the minimum gap between two codes for the same key.
func WithCooldown(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d >= 0 {
			s.cooldown = d
		}
		return nil
	}
}

// WithMaxAttempts sets how many wrong codes burn a record.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.maxAttempts = n
		}
		return nil
	}
}

// WithDeliverer sets the out-of-band sender.
func WithDeliverer(d Deliverer) ServiceOption {
	return func(s *Service) error {
		if d == nil {
			return errors.New("otp: nil deliverer")
		}
		s.delivery.deliverer = d
		return nil
	}
}

// WithDeliveryRetry tunes delivery retries.
func WithDeliveryRetry(attempts int, backoff time.Duration) ServiceOption {
	return func(s *Service) error {
		if attempts > 0 {
			s.delivery.attempts = attempts
		}
		if backoff > 0 {
			s.delivery.backoff = backoff
		}
		return nil
	}
}

// WithAudit records issuance and verification events.
func WithAudit(r *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.audit = r
		return nil
	}
}

// WithRevoker revokes sessions after a password reset.
func WithRevoker(r Revoker) ServiceOption {
	return func(s *Service) error {
		s.revoker = r
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
			s.delivery.log = l
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

// NewService constructs Service with optional configuration.
func NewService(store Store, identities identity.Store, opts ...ServiceOption) (*Service, error) {
	log := zap.NewNop()
	svc := &Service{
		store:       store,
		identities:  identities,
		log:         log,
		now:         time.Now,
		length:      defaultLength,
		ttl:         defaultTTL,
		cooldown:    defaultCooldown,
		maxAttempts: defaultMaxAttempts,
		delivery: &dispatcher{
			deliverer: LogDeliverer{Log: log},
			log:       log,
			attempts:  3,
			backoff:   200 * time.Millisecond,
			timeout:   10 * time.Second,
		},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// IssueRequest asks for a code for one OTP flow.
type IssueRequest struct {
	Email   string
	Purpose Purpose
	Role    identity.Role
	Service identity.Service
}

func (r IssueRequest) normalize() (Key, error) {
	email, err := identity.NormalizeEmail(r.Email)
	if err != nil {
		return Key{}, err
	}
	if _, err := ParsePurpose(string(r.Purpose)); err != nil {
		return Key{}, err
	}
	if _, err := identity.ParseRole(string(r.Role)); err != nil {
		return Key{}, err
	}
	if err := identity.CheckScope(r.Role, r.Service); err != nil {
		return Key{}, err
	}
	return Key{Email: email, Purpose: r.Purpose, Role: r.Role, Service: r.Service}, nil
}

// Issue creates a fresh code for the flow and hands it to the deliverer. For
// login-adjacent purposes an unknown email is reported as success without
// creating anything.
func (s *Service) Issue(ctx context.Context, req IssueRequest) error {
	key, err := req.normalize()
	if err != nil {
		return err
	}

	ident, err := s.identities.FindByEmail(ctx, key.Role, key.Email)
	if err != nil {
		if errs.KindOf(err) != errs.KindNotFound {
			return err
		}
		if key.Purpose.LoginAdjacent() {
			s.suppress(ctx, key, "unknown_email")
			return nil
		}
		return err
	}

	code, err := s.generateCode()
	if err != nil {
		return errs.Wrap(errs.KindInternal, "generate code", err)
	}
	now := s.now().UTC()
	rec := &Record{
		ID:         ids.Prefixed("otp"),
		Email:      key.Email,
		Purpose:    key.Purpose,
		Role:       key.Role,
		Service:    key.Service,
		IdentityID: ident.ID,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	rec.CodeHash = HashCode(rec.ID, code)
	if err := s.store.Insert(ctx, rec, s.cooldown); err != nil {
		// An unknown email is always acknowledged, so a known one must not
		// answer differently while its cooldown runs.
		if key.Purpose.LoginAdjacent() && errs.KindOf(err) == errs.KindRateLimited {
			s.suppress(ctx, key, "cooldown")
			return nil
		}
		return err
	}

	obs.OTPIssued(string(key.Purpose), string(key.Service))
	s.record(ctx, audit.Entry{
		Action: audit.ActionOTPIssued, IdentityID: ident.ID,
		Email: key.Email, Role: string(key.Role), Service: string(key.Service),
		Metadata: map[string]string{"purpose": string(key.Purpose), "otp_id": rec.ID},
	})
	s.delivery.send(Delivery{Email: key.Email, Code: code, Purpose: key.Purpose, Service: key.Service})
	return nil
}

func (s *Service) suppress(ctx context.Context, key Key, reason string) {
	s.record(ctx, audit.Entry{
		Action: audit.ActionOTPIssued, Outcome: audit.OutcomeSuppressed,
		Email: key.Email, Role: string(key.Role), Service: string(key.Service), Reason: reason,
		Metadata: map[string]string{"purpose": string(key.Purpose)},
	})
}

// VerifyRequest presents a code for one OTP flow.
type VerifyRequest struct {
	Email   string
	Purpose Purpose
	Role    identity.Role
	Service identity.Service
	Code    string
}

// Verify consumes the latest code for the flow. Expiry is checked before the
// code itself, so a late code never reports Mismatch.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*Record, error) {
	key, err := IssueRequest{Email: req.Email, Purpose: req.Purpose, Role: req.Role, Service: req.Service}.normalize()
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, errs.Invalid("code is required")
	}

	for i := 0; i < casRetries; i++ {
		rec, err := s.verifyOnce(ctx, key, req.Code)
		if errs.KindOf(err) == errs.KindConflict {
			continue
		}
		s.observe(ctx, key, rec, err)
		return rec, err
	}
	return nil, errs.New(errs.KindConflict, "code is being verified concurrently; retry")
}

func (s *Service) verifyOnce(ctx context.Context, key Key, code string) (*Record, error) {
	rec, err := s.store.Latest(ctx, key)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusConsumed:
		return nil, errs.New(errs.KindAlreadyConsumed, "code already used")
	case StatusBurned:
		return nil, errs.New(errs.KindTooManyAttempts, "too many attempts; request a new code")
	case StatusExpired, StatusSuperseded:
		return nil, errs.New(errs.KindExpired, "code expired")
	}

	now := s.now().UTC()
	version := rec.Version
	if now.After(rec.ExpiresAt) {
		rec.Status = StatusExpired
		if err := s.store.Update(ctx, rec, version); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.KindExpired, "code expired")
	}

	if !rec.matches(code) {
		rec.Attempts++
		failure := errs.New(errs.KindMismatch, "code does not match")
		if rec.Attempts >= s.maxAttempts {
			rec.Status = StatusBurned
			failure = errs.New(errs.KindTooManyAttempts, "too many attempts; request a new code")
		}
		if err := s.store.Update(ctx, rec, version); err != nil {
			return nil, err
		}
		return rec, failure
	}

	rec.Status = StatusConsumed
	rec.ConsumedAt = &now
	if err := s.store.Update(ctx, rec, version); err != nil {
		return nil, err
	}
	// Only the verify that won the consume flips the identity.
	if rec.IdentityID != "" {
		if err := s.identities.MarkVerified(ctx, rec.Role, rec.IdentityID, now); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "code accepted but verification could not be stored; request a new code", err)
		}
	}
	return rec, nil
}

func (s *Service) observe(ctx context.Context, key Key, rec *Record, err error) {
	entry := audit.Entry{
		Action: audit.ActionOTPVerified, Email: key.Email,
		Role: string(key.Role), Service: string(key.Service),
		Metadata: map[string]string{"purpose": string(key.Purpose)},
	}
	if rec != nil {
		entry.IdentityID = rec.IdentityID
		entry.Metadata["otp_id"] = rec.ID
	}
	result := "success"
	if err != nil {
		result = string(errs.KindOf(err))
		entry.Action = audit.ActionOTPFailed
		entry.Outcome = audit.OutcomeFailure
		entry.Reason = result
	}
	obs.OTPVerification(result)
	s.record(ctx, entry)
}

// ResetPassword verifies a reset code, stores the new password and revokes
// every session of the identity.
func (s *Service) ResetPassword(ctx context.Context, req VerifyRequest, newPassword string) error {
	if req.Purpose != PurposeReset {
		return errs.Invalid("purpose must be %s", PurposeReset)
	}
	hash, err := identity.HashPassword(newPassword)
	if err != nil {
		return err
	}
	rec, err := s.Verify(ctx, req)
	if err != nil {
		return err
	}
	if err := s.identities.UpdatePassword(ctx, rec.Role, rec.IdentityID, hash); err != nil {
		return err
	}
	revoked := 0
	if s.revoker != nil {
		if revoked, err = s.revoker.RevokeAll(ctx, rec.IdentityID); err != nil {
			return err
		}
	}
	s.record(ctx, audit.Entry{
		Action: audit.ActionPasswordReset, IdentityID: rec.IdentityID,
		Email: rec.Email, Role: string(rec.Role), Service: string(rec.Service),
		Metadata: map[string]string{"sessions_revoked": fmt.Sprint(revoked)},
	})
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	return s.delivery.wait(ctx)
}

func (s *Service) generateCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", s.length, n), nil
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.log.Warn("otp audit failed", zap.String("action", string(e.Action)), zap.Error(err))
	}
}
