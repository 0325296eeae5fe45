package order

import "context"

// PaymentRequest asks the payment collaborator to collect for an order.
type PaymentRequest struct {
	OrderID     string `json:"order_id"`
	BuyerID     string `json:"buyer_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// RefundRequest asks the payment collaborator to return captured funds. The
// order id doubles as the idempotency key.
type RefundRequest struct {
	OrderID     string `json:"order_id"`
	PaymentRef  string `json:"payment_ref,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason"`
}

// Payments is the external payment collaborator. Its confirmation callback
// reaches the engine as an EventPaymentConfirmed command.
type Payments interface {
	RequestPayment(ctx context.Context, req PaymentRequest) error
	Refund(ctx context.Context, req RefundRequest) error
}

// NopPayments accepts every request.
type NopPayments struct{}

func (NopPayments) RequestPayment(context.Context, PaymentRequest) error { return nil }
func (NopPayments) Refund(context.Context, RefundRequest) error          { return nil }
