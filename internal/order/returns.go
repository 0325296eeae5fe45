package order

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/ids"
)

const maxReasonLength = 1000

// RequestReturn opens the return for a delivered order within the return
// window and moves the order to ReturnRequested.
func (e *Engine) RequestReturn(ctx context.Context, orderID string, buyer Actor, reason string) (*ReturnRequest, *Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, errs.Invalid("a reason is required")
	}
	if len(reason) > maxReasonLength {
		return nil, nil, errs.Invalid("reason must be at most %d characters", maxReasonLength)
	}
	var r *ReturnRequest
	o, err := e.transition(ctx, Command{OrderID: orderID, Event: EventReturnRequested, Actor: buyer},
		func(_ context.Context, cur *Order, now time.Time) (*ReturnWrite, error) {
			r = &ReturnRequest{
				ID:        ids.Prefixed("ret"),
				OrderID:   cur.ID,
				BuyerID:   cur.BuyerID,
				Reason:    reason,
				Status:    ReturnRequested,
				CreatedAt: now,
				UpdatedAt: now,
			}
			return &ReturnWrite{Return: r}, nil
		})
	if err != nil {
		return nil, nil, err
	}
	return r, o, nil
}

// GetReturn returns a return request visible to actor.
func (e *Engine) GetReturn(ctx context.Context, id string, actor Actor) (*ReturnRequest, error) {
	r, err := e.store.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Kind == ActorCustomer && r.BuyerID != actor.ID {
		return nil, ErrReturnNotFound
	}
	return r, nil
}

// ApproveReturn refunds the buyer and settles the order at Refunded. The
// return is held at Approved while the refund is outstanding; a failed refund
// puts it back to Requested so the decision can be retried or reversed.
func (e *Engine) ApproveReturn(ctx context.Context, returnID string, admin Actor) (*ReturnRequest, *Order, error) {
	if admin.Kind != ActorAdmin {
		return nil, nil, errs.New(errs.KindUnauthorized, "only administrators decide returns")
	}
	r, err := e.claimReturn(ctx, returnID, admin)
	if err != nil {
		return nil, nil, err
	}
	o, err := e.store.Get(ctx, r.OrderID)
	if err != nil {
		e.releaseReturn(ctx, r)
		return nil, nil, err
	}
	if _, err := Resolve(o.State, EventRefunded, admin.Kind); err != nil {
		e.releaseReturn(ctx, r)
		return nil, nil, err
	}
	if err := e.refund(ctx, o, "return approved"); err != nil {
		e.releaseReturn(ctx, r)
		return nil, nil, err
	}
	var settled *ReturnRequest
	o, err = e.transition(ctx, Command{OrderID: r.OrderID, Event: EventRefunded, Actor: admin, Reference: r.ID},
		e.settleReturn(returnID, ReturnApproved, ReturnRefunded, admin, &settled))
	if err != nil {
		return nil, nil, err
	}
	return settled, o, nil
}

// RejectReturn declines the return and closes the order in one write.
func (e *Engine) RejectReturn(ctx context.Context, returnID string, admin Actor) (*ReturnRequest, *Order, error) {
	if admin.Kind != ActorAdmin {
		return nil, nil, errs.New(errs.KindUnauthorized, "only administrators decide returns")
	}
	r, err := e.store.GetReturn(ctx, returnID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != ReturnRequested {
		return nil, nil, errs.Newf(errs.KindIllegalTransition, "return is already %s", r.Status)
	}
	var settled *ReturnRequest
	o, err := e.transition(ctx, Command{OrderID: r.OrderID, Event: EventClosed, Actor: admin, Reference: r.ID},
		e.settleReturn(returnID, ReturnRequested, ReturnRejected, admin, &settled))
	if err != nil {
		return nil, nil, err
	}
	return settled, o, nil
}

// claimReturn moves a requested return to Approved. An approval left behind
// by an earlier caller is taken over once it is older than claimTTL.
func (e *Engine) claimReturn(ctx context.Context, returnID string, admin Actor) (*ReturnRequest, error) {
	r, err := e.store.GetReturn(ctx, returnID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	switch r.Status {
	case ReturnRequested:
	case ReturnApproved:
		if now.Sub(r.UpdatedAt) < claimTTL {
			return nil, errs.New(errs.KindConflict, "return approval is already in progress")
		}
	default:
		return nil, errs.Newf(errs.KindIllegalTransition, "return is already %s", r.Status)
	}
	from := r.Status
	claimed := *r
	claimed.Status = ReturnApproved
	claimed.DecidedBy = admin.ID
	claimed.UpdatedAt = now
	if err := e.store.UpdateReturn(ctx, &claimed, from); err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (e *Engine) releaseReturn(ctx context.Context, claimed *ReturnRequest) {
	released := *claimed
	released.Status = ReturnRequested
	released.DecidedBy = ""
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.UpdateReturn(ctx, &released, ReturnApproved); err != nil {
		e.log.Warn("return approval not released", zap.String("return_id", claimed.ID), zap.Error(err))
	}
}

// settleReturn builds the return write that moves returnID from one status
// to another together with the order transition. The written request is
// stored in out.
func (e *Engine) settleReturn(returnID string, from, to ReturnStatus, admin Actor, out **ReturnRequest) returnBuilder {
	return func(ctx context.Context, _ *Order, now time.Time) (*ReturnWrite, error) {
		r, err := e.store.GetReturn(ctx, returnID)
		if err != nil {
			return nil, err
		}
		if r.Status != from {
			return nil, errs.Newf(errs.KindIllegalTransition, "return is already %s", r.Status)
		}
		r.Status = to
		r.DecidedBy = admin.ID
		r.UpdatedAt = now
		*out = r
		return &ReturnWrite{Return: r, Expected: from}, nil
	}
}
