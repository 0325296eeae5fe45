package broker

import (
	"context"

	"giftmarket.dev/internal/order"
	"giftmarket.dev/internal/otp"
)

// OTPDeliverer hands codes to the mail/SMS workers listening on otp.delivery.
type OTPDeliverer struct {
	Pub Publisher
}

func (d OTPDeliverer) Deliver(ctx context.Context, del otp.Delivery) error {
	return d.Pub.Publish(ctx, QueueOTPDelivery, del)
}

// Payments is the payment collaborator reached through the broker. The
// payment service confirms captures on order.events.
type Payments struct {
	Pub Publisher
}

func (p Payments) RequestPayment(ctx context.Context, req order.PaymentRequest) error {
	return p.Pub.Publish(ctx, QueuePaymentRequests, req)
}

func (p Payments) Refund(ctx context.Context, req order.RefundRequest) error {
	return p.Pub.Publish(ctx, QueuePaymentRefunds, req)
}

var (
	_ otp.Deliverer  = OTPDeliverer{}
	_ order.Payments = Payments{}
)
