package corporate

import (
	"context"
	"errors"
	"testing"

	"giftmarket.dev/internal/errs"
)

func TestInquiryLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewInMemory(), nil)

	in, err := svc.Create(ctx, CreateRequest{OwnerID: "corp_1", Company: "Acme", Subject: "Holiday hampers", Quantity: 250, BudgetCents: 1_250_000})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if in.Status != StatusOpen {
		t.Fatalf("unexpected status %s", in.Status)
	}
	if _, err := svc.Get(ctx, "corp_2", in.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("foreign owner must not see inquiry, got %v", err)
	}
	list, _ := svc.List(ctx, "corp_1")
	if len(list) != 1 {
		t.Fatalf("expected one inquiry, got %d", len(list))
	}

	in, err = svc.Withdraw(ctx, "corp_1", in.ID)
	if err != nil || in.Status != StatusWithdrawn {
		t.Fatalf("Withdraw: %v %+v", err, in)
	}
	if _, err := svc.Withdraw(ctx, "corp_1", in.ID); !errors.Is(err, errs.ErrAlreadyInState) {
		t.Fatalf("expected AlreadyInState, got %v", err)
	}
}

func TestInquiryValidation(t *testing.T) {
	svc := NewService(NewInMemory(), nil)
	for _, req := range []CreateRequest{
		{OwnerID: "corp_1", Quantity: 1},
		{OwnerID: "corp_1", Subject: "x", Quantity: 0},
		{OwnerID: "corp_1", Subject: "x", Quantity: 1, BudgetCents: -5},
	} {
		if _, err := svc.Create(context.Background(), req); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("expected validation error for %+v, got %v", req, err)
		}
	}
}
