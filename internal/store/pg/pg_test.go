package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/corporate"
	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/order"
	"giftmarket.dev/internal/otp"
	"giftmarket.dev/internal/session"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestIdentityCreateDuplicateEmail(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("insert into customers").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := NewIdentityStore(db).Create(context.Background(), &identity.Identity{
		ID: "cus_1", Role: identity.RoleCustomer, Email: "alice@example.com",
		Profile: identity.CustomerProfile{FullName: "Alice"}, CreatedAt: t0, UpdatedAt: t0,
	})
	if !errors.Is(err, identity.ErrDuplicateEmail) {
		t.Fatalf("expected duplicate email, got %v", err)
	}
}

func TestIdentityFindDecodesProfileByRole(t *testing.T) {
	db, mock := newMock(t)
	cols := []string{"id", "email", "password_hash", "verified", "verified_at", "profile", "created_at", "updated_at"}
	mock.ExpectQuery("select .* from sellers where email=\\$1").WithArgs("bob@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("sel_1", "bob@example.com", "hash", true, t0, `{"store_name":"Bob's"}`, t0, t0))
	mock.ExpectQuery("select .* from sellers where id=\\$1").WithArgs("sel_2").
		WillReturnError(sql.ErrNoRows)

	store := NewIdentityStore(db)
	got, err := store.FindByEmail(context.Background(), identity.RoleSeller, "bob@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	p, ok := got.Profile.(identity.SellerProfile)
	if !ok || p.StoreName != "Bob's" || got.Role != identity.RoleSeller || got.VerifiedAt == nil {
		t.Fatalf("unexpected identity %+v", got)
	}
	if _, err := store.Find(context.Background(), identity.RoleSeller, "sel_2"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIdentityMarkVerifiedMissing(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("update corporate_users set verified=true").WithArgs("corp_x", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := NewIdentityStore(db).MarkVerified(context.Background(), identity.RoleCorporate, "corp_x", t0)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

var otpCols = []string{"id", "email", "purpose", "role", "service", "identity_id", "code_hash", "status",
	"attempts", "created_at", "expires_at", "consumed_at", "version"}

func TestOTPInsertSupersedesPendingPredecessor(t *testing.T) {
	db, mock := newMock(t)
	rec := &otp.Record{
		ID: "otp_2", Email: "a@example.com", Purpose: otp.PurposeLogin, Role: identity.RoleCustomer,
		Service: identity.ServiceMain, CodeHash: "h", Status: otp.StatusPending,
		CreatedAt: t0.Add(2 * time.Minute), ExpiresAt: t0.Add(12 * time.Minute),
	}
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs("a@example.com|login|customer|main").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select .* from otp_records").
		WillReturnRows(sqlmock.NewRows(otpCols).AddRow("otp_1", "a@example.com", "login", "customer", "main", "cus_1", "h0",
			"pending", 0, t0, t0.Add(10*time.Minute), nil, 1))
	mock.ExpectExec("update otp_records set status").WithArgs("otp_1", otp.StatusSuperseded).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into otp_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := NewOTPStore(db).Insert(context.Background(), rec, time.Minute); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}
}

func TestOTPInsertWithinCooldown(t *testing.T) {
	db, mock := newMock(t)
	rec := &otp.Record{ID: "otp_2", Email: "a@example.com", Purpose: otp.PurposeLogin, Role: identity.RoleCustomer,
		Service: identity.ServiceMain, Status: otp.StatusPending, CreatedAt: t0.Add(10 * time.Second)}
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select .* from otp_records").
		WillReturnRows(sqlmock.NewRows(otpCols).AddRow("otp_1", "a@example.com", "login", "customer", "main", "", "h0",
			"pending", 0, t0, t0.Add(10*time.Minute), nil, 1))
	mock.ExpectRollback()

	err := NewOTPStore(db).Insert(context.Background(), rec, time.Minute)
	if !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestOTPUpdateStaleVersion(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("update otp_records set status=\\$3").WithArgs("otp_1", int64(3), otp.StatusConsumed, 0, sqlmock.AnyArg(), "cus_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	consumed := t0
	rec := &otp.Record{ID: "otp_1", Status: otp.StatusConsumed, ConsumedAt: &consumed, IdentityID: "cus_1", Version: 3}
	if err := NewOTPStore(db).Update(context.Background(), rec, 3); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOTPLatestMissing(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("select .* from otp_records").WillReturnError(sql.ErrNoRows)
	_, err := NewOTPStore(db).Latest(context.Background(), otp.Key{Email: "x@example.com"})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionRotateReuse(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update sessions set revoked=true, revoked_at=\\$2, rotated_at=\\$2").WithArgs("s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("s1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := NewSessionStore(db).Rotate(context.Background(), "s1", t0, &session.Session{ID: "s2"})
	if !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}

func TestSessionRotateCreatesSuccessor(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update sessions set revoked=true").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into sessions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	next := &session.Session{ID: "s2", FamilyID: "s1", ParentID: "s1", IdentityID: "cus_1",
		Role: identity.RoleCustomer, Service: identity.ServiceMain, IssuedAt: t0, ExpiresAt: t0.Add(time.Hour),
		RefreshExpiresAt: t0.Add(24 * time.Hour)}
	if err := NewSessionStore(db).Rotate(context.Background(), "s1", t0, next); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
}

func TestSessionRevokeIdentityCounts(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("update sessions set revoked=true, revoked_at=\\$2 where identity_id=\\$1 and not revoked").
		WithArgs("cus_1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := NewSessionStore(db).RevokeIdentity(context.Background(), "cus_1", t0)
	if err != nil || n != 3 {
		t.Fatalf("RevokeIdentity = %d, %v", n, err)
	}
}

func TestAuditListBuildsFilter(t *testing.T) {
	db, mock := newMock(t)
	cols := []string{"id", "occurred_at", "action", "outcome", "identity_id", "email", "role", "service",
		"session_id", "request_id", "reason", "metadata"}
	mock.ExpectQuery("from auth_audit where identity_id=\\$1 and action=\\$2 order by occurred_at asc, id asc limit \\$3").
		WithArgs("cus_1", "otp_failed", 10).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("aud_1", t0, "otp_failed", "failure", "cus_1", "a@example.com",
			"customer", "main", "", "req-1", "mismatch", `{"attempts":"1"}`))

	entries, err := NewAuditStore(db).List(context.Background(), audit.Filter{IdentityID: "cus_1", Action: audit.ActionOTPFailed, Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Metadata["attempts"] != "1" || entries[0].Outcome != audit.OutcomeFailure {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestAuditPrune(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("delete from auth_audit where occurred_at < \\$1").WillReturnResult(sqlmock.NewResult(0, 7))
	n, err := NewAuditStore(db).Prune(context.Background(), t0)
	if err != nil || n != 7 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
}

func TestOrderApplyCompareAndSwap(t *testing.T) {
	db, mock := newMock(t)
	o := &order.Order{ID: "ord_1", State: order.StatePaymentPending, UpdatedAt: t0, Version: 1,
		History: []order.Transition{{From: order.StatePlaced, To: order.StatePaymentPending,
			Event: order.EventPaymentInitiated, Actor: order.System, At: t0}}}

	mock.ExpectBegin()
	mock.ExpectExec("update orders set state=\\$3").WithArgs("ord_1", int64(1), order.StatePaymentPending, "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into order_transitions").
		WithArgs("ord_1", 1, order.StatePlaced, order.StatePaymentPending, order.EventPaymentInitiated, order.ActorSystem, "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewOrderStore(db)
	if err := store.Apply(context.Background(), o, 1, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if o.Version != 2 {
		t.Fatalf("expected version 2, got %d", o.Version)
	}

	mock.ExpectBegin()
	mock.ExpectExec("update orders set state=\\$3").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("ord_1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	if err := store.Apply(context.Background(), o, 1, nil); !errors.Is(err, order.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
}

func TestOrderGetLoadsHistory(t *testing.T) {
	db, mock := newMock(t)
	cols := []string{"id", "buyer_id", "seller_id", "items", "total_cents", "currency", "state", "payment_ref",
		"shipment_ref", "created_at", "updated_at", "delivered_at", "version", "cancel_pending"}
	mock.ExpectQuery("select .* from orders where id=\\$1").WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("ord_1", "cus_1", "sel_1", `[{"product_id":"p1","quantity":2,"price_cents":500}]`,
			1000, "USD", "payment_pending", "", "", t0, t0, nil, 2, false))
	mock.ExpectQuery("from order_transitions where order_id=\\$1 order by seq").WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"from_state", "to_state", "event", "actor_kind", "actor_id", "reference", "at"}).
			AddRow("placed", "payment_pending", "payment_initiated", "system", "", "", t0))

	o, err := NewOrderStore(db).Get(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(o.Items) != 1 || o.Items[0].Quantity != 2 || len(o.History) != 1 || o.History[0].To != order.StatePaymentPending {
		t.Fatalf("unexpected order %+v", o)
	}
}

func returnRequestedOrder() *order.Order {
	return &order.Order{ID: "ord_1", State: order.StateReturnRequested, UpdatedAt: t0, Version: 5,
		History: []order.Transition{{From: order.StateDelivered, To: order.StateReturnRequested,
			Event: order.EventReturnRequested, Actor: order.Actor{Kind: order.ActorCustomer, ID: "cus_1"}, At: t0}}}
}

func TestOrderApplyRollsBackWhenReturnInsertFails(t *testing.T) {
	db, mock := newMock(t)
	ret := &order.ReturnWrite{Return: &order.ReturnRequest{ID: "ret_1", OrderID: "ord_1", BuyerID: "cus_1",
		Reason: "damaged", Status: order.ReturnRequested, CreatedAt: t0, UpdatedAt: t0}}

	mock.ExpectBegin()
	mock.ExpectExec("update orders set state=\\$3").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into order_transitions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into return_requests").
		WithArgs("ret_1", "ord_1", "cus_1", "damaged", order.ReturnRequested, "", t0, t0).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	o := returnRequestedOrder()
	if err := NewOrderStore(db).Apply(context.Background(), o, 5, ret); err == nil {
		t.Fatal("expected the return insert to fail the transition")
	}
	if o.Version != 5 {
		t.Fatalf("version must not move on rollback, got %d", o.Version)
	}
}

func TestOrderReturnUniquePerOrder(t *testing.T) {
	db, mock := newMock(t)
	ret := &order.ReturnWrite{Return: &order.ReturnRequest{ID: "ret_2", OrderID: "ord_1", CreatedAt: t0, UpdatedAt: t0}}

	mock.ExpectBegin()
	mock.ExpectExec("update orders set state=\\$3").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into order_transitions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into return_requests").WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	mock.ExpectRollback()

	err := NewOrderStore(db).Apply(context.Background(), returnRequestedOrder(), 5, ret)
	if !errors.Is(err, order.ErrReturnExists) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOrderApplySettlesReturnInSameTransaction(t *testing.T) {
	db, mock := newMock(t)
	o := returnRequestedOrder()
	o.State = order.StateRefunded
	o.History = append(o.History, order.Transition{From: order.StateReturnRequested, To: order.StateRefunded,
		Event: order.EventRefunded, Actor: order.Actor{Kind: order.ActorAdmin, ID: "adm_1"}, Reference: "ret_1", At: t0})
	ret := &order.ReturnWrite{
		Return:   &order.ReturnRequest{ID: "ret_1", OrderID: "ord_1", Status: order.ReturnRefunded, DecidedBy: "adm_1", UpdatedAt: t0},
		Expected: order.ReturnApproved,
	}

	mock.ExpectBegin()
	mock.ExpectExec("update orders set state=\\$3").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into order_transitions").WithArgs("ord_1", 2, sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update return_requests set status=\\$3").
		WithArgs("ret_1", order.ReturnApproved, order.ReturnRefunded, "adm_1", t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewOrderStore(db).Apply(context.Background(), o, 5, ret)
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("a return that moved on must abort the transition, got %v", err)
	}
}

func TestOrderSaveClaim(t *testing.T) {
	db, mock := newMock(t)
	o := &order.Order{ID: "ord_1", State: order.StateFulfilling, UpdatedAt: t0, Version: 3, CancelPending: true}

	mock.ExpectBegin()
	mock.ExpectExec("update orders set cancel_pending=\\$3").WithArgs("ord_1", int64(3), true, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	store := NewOrderStore(db)
	if err := store.Save(context.Background(), o, 3); err != nil || o.Version != 4 {
		t.Fatalf("Save = v%d, %v", o.Version, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("update orders set cancel_pending=\\$3").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("ord_1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	if err := store.Save(context.Background(), o, 3); !errors.Is(err, order.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
}

func TestInquirySetStatusConflict(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("update corporate_inquiries set status=\\$3").
		WithArgs("inq_1", corporate.StatusOpen, corporate.StatusWithdrawn, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select .* from corporate_inquiries where id=\\$1").WithArgs("inq_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "company", "subject", "quantity", "budget_cents", "status", "created_at", "updated_at"}).
			AddRow("inq_1", "corp_1", "Acme", "Gifts", 50, 100000, "withdrawn", t0, t0))

	err := NewInquiryStore(db).SetStatus(context.Background(), "inq_1", corporate.StatusOpen, corporate.StatusWithdrawn, t0)
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
