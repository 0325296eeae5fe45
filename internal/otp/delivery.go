package otp

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"giftmarket.dev/internal/identity"
)

// Delivery is what the out-of-band sender needs to reach the user.
type Delivery struct {
	Email   string           `json:"email"`
	Code    string           `json:"code"`
	Purpose Purpose          `json:"purpose"`
	Service identity.Service `json:"service"`
}

// Deliverer sends codes by email or SMS.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, d Delivery) error

func (f DelivererFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// LogDeliverer writes codes to the logger. Only suitable for development.
type LogDeliverer struct{ Log *zap.Logger }

func (l LogDeliverer) Deliver(_ context.Context, d Delivery) error {
	l.Log.Info("otp delivery", zap.String("email", d.Email), zap.String("purpose", string(d.Purpose)),
		zap.String("service", string(d.Service)), zap.String("code", d.Code))
	return nil
}

// dispatcher runs deliveries in the background with exponential backoff.
// Delivery failure never affects the persisted record.
type dispatcher struct {
	deliverer Deliverer
	log       *zap.Logger
	attempts  int
	backoff   time.Duration
	timeout   time.Duration
	wg        sync.WaitGroup
}

func (d *dispatcher) send(del Delivery) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		wait := d.backoff
		for attempt := 1; attempt <= d.attempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := d.deliverer.Deliver(ctx, del)
			cancel()
			if err == nil {
				return
			}
			d.log.Warn("otp delivery failed",
				zap.String("email", del.Email),
				zap.String("purpose", string(del.Purpose)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt < d.attempts {
				time.Sleep(wait)
				wait *= 2
			}
		}
		d.log.Error("otp delivery abandoned", zap.String("email", del.Email), zap.String("purpose", string(del.Purpose)))
	}()
}

func (d *dispatcher) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
