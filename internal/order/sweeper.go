package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"giftmarket.dev/internal/errs"
)

const defaultPaymentTimeout = 30 * time.Minute

// Sweeper cancels orders stuck in PaymentPending, finishes abandoned
// cancellations and closes delivered orders whose return window has passed.
// It goes through the same Applier as every other event, so it obeys the same
// compare-and-swap discipline.
type Sweeper struct {
	store          Store
	applier        Applier
	log            *zap.Logger
	now            func() time.Time
	paymentTimeout time.Duration
	returnWindow   time.Duration
	batch          int
}

// SweepReport counts what one pass changed.
type SweepReport struct {
	Cancelled int
	Closed    int
	Skipped   int
}

// NewSweeper builds a Sweeper. Zero durations fall back to the defaults.
func NewSweeper(store Store, applier Applier, paymentTimeout, returnWindow time.Duration, log *zap.Logger) *Sweeper {
	if paymentTimeout <= 0 {
		paymentTimeout = defaultPaymentTimeout
	}
	if returnWindow <= 0 {
		returnWindow = defaultReturnWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:          store,
		applier:        applier,
		log:            log,
		now:            time.Now,
		paymentTimeout: paymentTimeout,
		returnWindow:   returnWindow,
		batch:          500,
	}
}

// SetClock overrides time source (useful for tests).
func (s *Sweeper) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.now().UTC()

	stale, err := s.store.List(ctx, Filter{State: StatePaymentPending, UpdatedBefore: now.Add(-s.paymentTimeout), Limit: s.batch})
	if err != nil {
		return rep, err
	}
	for _, o := range stale {
		if s.apply(ctx, o.ID, EventCancelled, "payment_timeout") {
			rep.Cancelled++
		} else {
			rep.Skipped++
		}
	}

	// Cancellations whose caller died between claim and settlement.
	pending, err := s.store.List(ctx, Filter{CancelPending: true, UpdatedBefore: now.Add(-claimTTL), Limit: s.batch})
	if err != nil {
		return rep, err
	}
	for _, o := range pending {
		if s.apply(ctx, o.ID, EventCancelled, "cancel_resumed") {
			rep.Cancelled++
		} else {
			rep.Skipped++
		}
	}

	done, err := s.store.List(ctx, Filter{State: StateDelivered, DeliveredUntil: now.Add(-s.returnWindow), Limit: s.batch})
	if err != nil {
		return rep, err
	}
	for _, o := range done {
		if s.apply(ctx, o.ID, EventClosed, "return_window_elapsed") {
			rep.Closed++
		} else {
			rep.Skipped++
		}
	}
	return rep, nil
}

func (s *Sweeper) apply(ctx context.Context, orderID string, ev Event, reason string) bool {
	_, err := s.applier.Apply(ctx, Command{OrderID: orderID, Event: ev, Actor: System, Reference: reason})
	if err == nil {
		return true
	}
	// Another event won the race; the order is no longer a sweep candidate.
	switch errs.KindOf(err) {
	case errs.KindAlreadyInState, errs.KindIllegalTransition:
	default:
		s.log.Warn("sweep transition failed", zap.String("order_id", orderID), zap.String("event", string(ev)), zap.Error(err))
	}
	return false
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rep, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Error("order sweep failed", zap.Error(err))
				continue
			}
			if rep.Cancelled+rep.Closed > 0 {
				s.log.Info("order sweep", zap.Int("cancelled", rep.Cancelled), zap.Int("closed", rep.Closed), zap.Int("skipped", rep.Skipped))
			}
		}
	}
}
