package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type inbox struct {
	mu    sync.Mutex
	codes map[string]string
	calls int
}

func (b *inbox) Deliver(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.codes == nil {
		b.codes = make(map[string]string)
	}
	b.calls++
	b.codes[d.Email+"/"+string(d.Purpose)] = d.Code
	return nil
}

func (b *inbox) code(email string, p Purpose) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[email+"/"+string(p)]
}

type fixture struct {
	svc        *Service
	clock      *fakeClock
	inbox      *inbox
	identities *identity.InMemory
	audit      *audit.InMemory
	alice      *identity.Identity
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		clock:      &fakeClock{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)},
		inbox:      &inbox{},
		identities: identity.NewInMemory(),
		audit:      audit.NewInMemory(),
	}
	reg := identity.NewRegistry(f.identities, f.clock.Now)
	alice, err := reg.Register(context.Background(), identity.Registration{
		Email:    "alice@example.com",
		Password: "wonderland",
		Role:     identity.RoleCustomer,
		Profile:  identity.CustomerProfile{FullName: "Alice"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.alice = alice
	base := []ServiceOption{
		WithClock(f.clock.Now),
		WithDeliverer(f.inbox),
		WithAudit(audit.NewRecorder(f.audit)),
	}
	svc, err := NewService(NewInMemory(), f.identities, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) issue(t *testing.T, p Purpose) string {
	t.Helper()
	ctx := context.Background()
	if err := f.svc.Issue(ctx, IssueRequest{Email: "alice@example.com", Purpose: p, Role: identity.RoleCustomer, Service: identity.ServiceMain}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := f.svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	code := f.inbox.code("alice@example.com", p)
	if code == "" {
		t.Fatal("no code delivered")
	}
	return code
}

func (f *fixture) verify(p Purpose, code string) (*Record, error) {
	return f.svc.Verify(context.Background(), VerifyRequest{
		Email: "alice@example.com", Purpose: p, Role: identity.RoleCustomer, Service: identity.ServiceMain, Code: code,
	})
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestIssueVerifySucceedsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, PurposeRegistration)
	if len(code) != 6 {
		t.Fatalf("expected 6 digit code, got %q", code)
	}

	rec, err := f.verify(PurposeRegistration, code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rec.Status != StatusConsumed || rec.ConsumedAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	got, _ := f.identities.Find(context.Background(), identity.RoleCustomer, f.alice.ID)
	if !got.Verified {
		t.Fatal("identity not marked verified")
	}

	if _, err := f.verify(PurposeRegistration, code); !errors.Is(err, errs.ErrAlreadyConsumed) {
		t.Fatalf("expected AlreadyConsumed, got %v", err)
	}
}

func TestVerifyAfterExpiryNeverMismatch(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, PurposeRegistration)
	f.clock.Advance(10*time.Minute + time.Second)

	for _, c := range []string{code, wrongCode(code), code} {
		if _, err := f.verify(PurposeRegistration, c); !errors.Is(err, errs.ErrExpired) {
			t.Fatalf("expected Expired for %q, got %v", c, err)
		}
	}
}

func TestWrongCodesBurnRecord(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, PurposeRegistration)
	bad := wrongCode(code)

	var kinds []errs.Kind
	for i := 0; i < 6; i++ {
		_, err := f.verify(PurposeRegistration, bad)
		kinds = append(kinds, errs.KindOf(err))
	}
	want := []errs.Kind{
		errs.KindMismatch, errs.KindMismatch, errs.KindMismatch, errs.KindMismatch,
		errs.KindTooManyAttempts, errs.KindTooManyAttempts,
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("attempt %d: got %s, want %s (all: %v)", i+1, kinds[i], want[i], kinds)
		}
	}
	if _, err := f.verify(PurposeRegistration, code); !errors.Is(err, errs.ErrTooManyAttempts) {
		t.Fatalf("correct code after burn must fail, got %v", err)
	}
	if errs.Retryable(errs.ErrTooManyAttempts) {
		t.Fatal("TooManyAttempts must not be retryable")
	}
}

func TestIssueCooldown(t *testing.T) {
	f := newFixture(t)
	first := f.issue(t, PurposeLogin)
	ctx := context.Background()
	req := IssueRequest{Email: "alice@example.com", Purpose: PurposeRegistration, Role: identity.RoleCustomer, Service: identity.ServiceMain}
	f.issue(t, PurposeRegistration)
	if err := f.svc.Issue(ctx, req); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("expected RateLimited inside cooldown, got %v", err)
	}

	// Login requests inside the cooldown look like those for unknown emails:
	// acknowledged, nothing sent, the pending code untouched.
	calls := f.inbox.calls
	req.Purpose = PurposeLogin
	if err := f.svc.Issue(ctx, req); err != nil {
		t.Fatalf("login inside cooldown should be acknowledged, got %v", err)
	}
	_ = f.svc.Wait(ctx)
	if f.inbox.calls != calls {
		t.Fatalf("no code should be sent inside the cooldown, got %d deliveries", f.inbox.calls-calls)
	}
	entries, _ := f.audit.List(ctx, audit.Filter{Action: audit.ActionOTPIssued})
	if last := entries[len(entries)-1]; last.Outcome != audit.OutcomeSuppressed || last.Reason != "cooldown" {
		t.Fatalf("expected suppressed cooldown entry, got %+v", last)
	}

	f.clock.Advance(61 * time.Second)
	second := f.issue(t, PurposeLogin)
	if _, err := f.verify(PurposeLogin, first); err == nil && first != second {
		t.Fatal("superseded code must not verify")
	}
	if _, err := f.verify(PurposeLogin, second); err != nil {
		t.Fatalf("latest code should verify: %v", err)
	}
}

func TestLoginIssueForUnknownEmailIsSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := IssueRequest{Email: "mallory@example.com", Purpose: PurposeLogin, Role: identity.RoleCustomer, Service: identity.ServiceMain}
	if err := f.svc.Issue(ctx, req); err != nil {
		t.Fatalf("expected silent success, got %v", err)
	}
	_ = f.svc.Wait(ctx)
	if f.inbox.calls != 0 {
		t.Fatalf("nothing should be delivered, got %d", f.inbox.calls)
	}
	entries, _ := f.audit.List(ctx, audit.Filter{Action: audit.ActionOTPIssued})
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeSuppressed {
		t.Fatalf("expected suppressed audit entry, got %+v", entries)
	}

	req.Purpose = PurposeRegistration
	if err := f.svc.Issue(ctx, req); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("registration for unknown email should fail NotFound, got %v", err)
	}
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name string
		req  IssueRequest
		kind errs.Kind
	}{
		{"bad email", IssueRequest{Email: "nope", Purpose: PurposeLogin, Role: identity.RoleCustomer, Service: identity.ServiceMain}, errs.KindValidation},
		{"bad purpose", IssueRequest{Email: "alice@example.com", Purpose: "signup", Role: identity.RoleCustomer, Service: identity.ServiceMain}, errs.KindValidation},
		{"wrong service", IssueRequest{Email: "alice@example.com", Purpose: PurposeLogin, Role: identity.RoleCustomer, Service: identity.ServiceSeller}, errs.KindScopeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := f.svc.Issue(ctx, tc.req); errs.KindOf(err) != tc.kind {
				t.Fatalf("got %v, want %s", err, tc.kind)
			}
		})
	}
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, PurposeRegistration)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		consumed  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.verify(PurposeRegistration, code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, errs.ErrAlreadyConsumed):
				consumed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || consumed != n-1 {
		t.Fatalf("successes=%d consumed=%d", successes, consumed)
	}
}

type revokeCounter struct{ ids []string }

func (r *revokeCounter) RevokeAll(_ context.Context, id string) (int, error) {
	r.ids = append(r.ids, id)
	return 2, nil
}

func TestResetPassword(t *testing.T) {
	rev := &revokeCounter{}
	f := newFixture(t, WithRevoker(rev))
	code := f.issue(t, PurposeReset)
	req := VerifyRequest{Email: "alice@example.com", Purpose: PurposeReset, Role: identity.RoleCustomer, Service: identity.ServiceMain, Code: code}

	if err := f.svc.ResetPassword(context.Background(), req, "short"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected weak password rejection, got %v", err)
	}
	if err := f.svc.ResetPassword(context.Background(), req, "through the looking glass"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	got, _ := f.identities.Find(context.Background(), identity.RoleCustomer, f.alice.ID)
	if identity.VerifyPassword(got.PasswordHash, "through the looking glass") != nil {
		t.Fatal("password not updated")
	}
	if len(rev.ids) != 1 || rev.ids[0] != f.alice.ID {
		t.Fatalf("expected sessions revoked for alice, got %v", rev.ids)
	}
}

func TestDeliveryRetriesWithoutAffectingRecord(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	flaky := DelivererFunc(func(_ context.Context, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("smtp unavailable")
		}
		return nil
	})
	f := newFixture(t, WithDeliverer(flaky), WithDeliveryRetry(3, time.Millisecond))
	ctx := context.Background()
	if err := f.svc.Issue(ctx, IssueRequest{Email: "alice@example.com", Purpose: PurposeLogin, Role: identity.RoleCustomer, Service: identity.ServiceMain}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := f.svc.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", calls)
	}
}

// losingStore rejects every consume as if a concurrent verify got there first.
type losingStore struct {
	*InMemory
}

func (s losingStore) Update(ctx context.Context, rec *Record, expectedVersion int64) error {
	if rec.Status == StatusConsumed {
		return errs.New(errs.KindConflict, "record modified concurrently")
	}
	return s.InMemory.Update(ctx, rec, expectedVersion)
}

func TestVerifyLosingConsumeLeavesIdentityUnverified(t *testing.T) {
	f := newFixture(t)
	svc, err := NewService(losingStore{NewInMemory()}, f.identities,
		WithClock(f.clock.Now), WithDeliverer(f.inbox))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	code := f.issue(t, PurposeRegistration)

	if _, err := f.verify(PurposeRegistration, code); errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("expected Conflict when every consume loses, got %v", err)
	}
	ident, err := f.identities.Find(context.Background(), identity.RoleCustomer, f.alice.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ident.VerifiedAt != nil {
		t.Fatal("identity must stay unverified when the code was never consumed")
	}
}
