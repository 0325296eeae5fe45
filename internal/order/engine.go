package order

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/ids"
	"giftmarket.dev/internal/obs"
)

const (
	defaultReturnWindow = 14 * 24 * time.Hour
	casRetries          = 5
	// claimTTL is how long a pending cancellation or return approval holds
	// its claim before another caller may take it over.
	claimTTL = 5 * time.Minute
)

// returnBuilder derives the return request change that commits together with
// a transition out of cur.
type returnBuilder func(ctx context.Context, cur *Order, now time.Time) (*ReturnWrite, error)

// Command reports an event for one order.
type Command struct {
	OrderID   string
	Event     Event
	Actor     Actor
	Reference string
}

// Applier applies commands. Engine applies them directly; Dispatcher routes
// them through per-order lanes first.
type Applier interface {
	Apply(ctx context.Context, cmd Command) (*Order, error)
}

// Engine validates and persists transitions.
type Engine struct {
	store        Store
	payments     Payments
	feed         *Feed
	log          *zap.Logger
	now          func() time.Time
	returnWindow time.Duration
	autoFulfil   bool
	retry        retryPolicy
	bg           sync.WaitGroup
}

type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithPayments sets the payment collaborator.
func WithPayments(p Payments) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.payments = p
		}
	}
}

// WithFeed publishes every applied transition to f.
func WithFeed(f *Feed) EngineOption {
	return func(e *Engine) { e.feed = f }
}

// WithReturnWindow sets how long after delivery a return may be requested.
func WithReturnWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.returnWindow = d
		}
	}
}

// WithAutoFulfil controls whether payment confirmation immediately starts
// fulfilment.
func WithAutoFulfil(on bool) EngineOption {
	return func(e *Engine) { e.autoFulfil = on }
}

// WithPaymentRetry tunes retries of payment collaborator calls.
func WithPaymentRetry(attempts int, backoff time.Duration) EngineOption {
	return func(e *Engine) {
		if attempts > 0 {
			e.retry.attempts = attempts
		}
		if backoff > 0 {
			e.retry.backoff = backoff
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine builds an Engine over store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		payments:     NopPayments{},
		log:          zap.NewNop(),
		now:          time.Now,
		returnWindow: defaultReturnWindow,
		autoFulfil:   true,
		retry:        retryPolicy{attempts: 3, backoff: 200 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Place creates an order and moves it to PaymentPending. The payment request
// is sent in the background once the pending state is persisted.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (*Order, error) {
	total, err := req.validate()
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	o := &Order{
		ID:         ids.Prefixed("ord"),
		BuyerID:    req.BuyerID,
		SellerID:   req.SellerID,
		Items:      append([]LineItem(nil), req.Items...),
		TotalCents: total,
		Currency:   req.Currency,
		State:      StatePlaced,
		History:    []Transition{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.Create(ctx, o); err != nil {
		return nil, err
	}
	placed, err := e.Apply(ctx, Command{OrderID: o.ID, Event: EventPaymentInitiated, Actor: System})
	if err != nil {
		return nil, err
	}
	payment := PaymentRequest{OrderID: placed.ID, BuyerID: placed.BuyerID, AmountCents: placed.TotalCents, Currency: placed.Currency}
	e.background("payment request", placed.ID, func(ctx context.Context) error {
		return e.payments.RequestPayment(ctx, payment)
	})
	return placed, nil
}

// Get returns an order the actor may see. Orders owned by someone else are
// reported as not found.
func (e *Engine) Get(ctx context.Context, id string, actor Actor) (*Order, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.visibleTo(actor) {
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns orders visible to actor matching f.
func (e *Engine) List(ctx context.Context, actor Actor, f Filter) ([]*Order, error) {
	switch actor.Kind {
	case ActorCustomer:
		f.BuyerID = actor.ID
	case ActorSeller:
		f.SellerID = actor.ID
	}
	return e.store.List(ctx, f)
}

// Apply validates cmd against the current state and persists the transition
// with compare-and-swap, re-evaluating on conflict.
func (e *Engine) Apply(ctx context.Context, cmd Command) (*Order, error) {
	o, err := e.apply(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if cmd.Event == EventPaymentConfirmed && e.autoFulfil {
		next, err := e.apply(ctx, Command{OrderID: o.ID, Event: EventFulfilmentStarted, Actor: System})
		switch {
		case err == nil:
			return next, nil
		case errs.KindOf(err) == errs.KindAlreadyInState || errs.KindOf(err) == errs.KindIllegalTransition:
			// Fulfilment was started, or the order moved on, concurrently.
			return e.store.Get(ctx, o.ID)
		default:
			return o, err
		}
	}
	return o, nil
}

func (e *Engine) apply(ctx context.Context, cmd Command) (*Order, error) {
	return e.transition(ctx, cmd, nil)
}

func (e *Engine) transition(ctx context.Context, cmd Command, withReturn returnBuilder) (*Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return nil, errs.Invalid("order id is required")
	}
	if cmd.Event == EventShipped && strings.TrimSpace(cmd.Reference) == "" {
		return nil, errs.Invalid("a shipment reference is required")
	}

	refunded := false
	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := e.store.Get(ctx, cmd.OrderID)
		if err != nil {
			return nil, err
		}
		if !cur.visibleTo(cmd.Actor) {
			return nil, ErrNotFound
		}
		to, err := Resolve(cur.State, cmd.Event, cmd.Actor.Kind)
		if err != nil {
			return nil, err
		}
		if err := e.precondition(cur, cmd); err != nil {
			return nil, err
		}
		if cmd.Event == EventCancelled && requiresRefund(cur.State) && !refunded {
			if cur.CancelPending && e.now().UTC().Sub(cur.UpdatedAt) < claimTTL {
				return nil, errs.New(errs.KindConflict, "order cancellation is already in progress")
			}
			claimed, err := e.claimCancel(ctx, cur)
			if errors.Is(err, ErrStale) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if err := e.refund(ctx, claimed, "order cancelled"); err != nil {
				e.releaseCancel(ctx, claimed)
				return nil, err
			}
			refunded = true
			cur = claimed
		}

		next := cur.Clone()
		next.CancelPending = false
		now := e.now().UTC()
		if last, ok := cur.LastTransition(); ok && now.Before(last.At) {
			now = last.At
		}
		t := Transition{From: cur.State, To: to, Event: cmd.Event, Actor: cmd.Actor, Reference: cmd.Reference, At: now}
		next.State = to
		next.History = append(next.History, t)
		next.UpdatedAt = now
		switch cmd.Event {
		case EventPaymentConfirmed:
			next.PaymentRef = cmd.Reference
		case EventShipped:
			next.ShipmentRef = cmd.Reference
		case EventDelivered:
			next.DeliveredAt = &now
		}

		var ret *ReturnWrite
		if withReturn != nil {
			if ret, err = withReturn(ctx, cur, now); err != nil {
				return nil, err
			}
		}
		if err := e.store.Apply(ctx, next, cur.Version, ret); err != nil {
			if errors.Is(err, ErrStale) {
				continue
			}
			return nil, err
		}
		obs.OrderTransition(string(to))
		e.log.Info("order transition",
			zap.String("order_id", next.ID),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.String("event", string(t.Event)),
			zap.String("actor", string(t.Actor.Kind)))
		e.feed.Publish(Update{OrderID: next.ID, State: next.State, Version: next.Version, Transition: t})
		return next, nil
	}
	return nil, errs.New(errs.KindConflict, "order is being updated concurrently; retry")
}

func (e *Engine) precondition(cur *Order, cmd Command) error {
	if cur.CancelPending && cmd.Event != EventCancelled {
		return errs.New(errs.KindIllegalTransition, "order is being cancelled")
	}
	if cmd.Event != EventReturnRequested {
		return nil
	}
	if cur.DeliveredAt == nil || e.now().UTC().Sub(*cur.DeliveredAt) > e.returnWindow {
		return errs.New(errs.KindIllegalTransition, "the return window for this order has closed")
	}
	return nil
}

// claimCancel marks cur as cancel-pending so no other event can move it while
// the refund is outstanding. An expired claim is simply renewed.
func (e *Engine) claimCancel(ctx context.Context, cur *Order) (*Order, error) {
	now := e.now().UTC()
	claimed := cur.Clone()
	claimed.CancelPending = true
	if now.After(claimed.UpdatedAt) {
		claimed.UpdatedAt = now
	}
	if err := e.store.Save(ctx, claimed, cur.Version); err != nil {
		return nil, err
	}
	return claimed, nil
}

// releaseCancel lifts a claim whose refund failed. A failed release leaves
// the claim to expire.
func (e *Engine) releaseCancel(ctx context.Context, claimed *Order) {
	released := claimed.Clone()
	released.CancelPending = false
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.Save(ctx, released, claimed.Version); err != nil {
		e.log.Warn("cancel claim not released", zap.String("order_id", claimed.ID), zap.Error(err))
	}
}

func (e *Engine) refund(ctx context.Context, o *Order, reason string) error {
	req := RefundRequest{OrderID: o.ID, PaymentRef: o.PaymentRef, AmountCents: o.TotalCents, Currency: o.Currency, Reason: reason}
	err := e.withRetry(ctx, func(ctx context.Context) error { return e.payments.Refund(ctx, req) })
	if err != nil {
		e.log.Error("refund failed", zap.String("order_id", o.ID), zap.Error(err))
		return errs.Wrap(errs.KindInternal, "refund could not be issued", err)
	}
	return nil
}

func (e *Engine) withRetry(ctx context.Context, fn func(context.Context) error) error {
	wait := e.retry.backoff
	var err error
	for attempt := 1; attempt <= e.retry.attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == e.retry.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

// background runs fn detached from the caller's context.
func (e *Engine) background(what, orderID string, fn func(context.Context) error) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.withRetry(ctx, fn); err != nil {
			e.log.Error(what+" failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}()
}

// Wait blocks until background collaborator calls finish or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
