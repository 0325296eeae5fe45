package order

import (
	"math"
	"strings"
	"time"

	"giftmarket.dev/internal/errs"
)

const (
	maxItems        = 100
	defaultCurrency = "USD"
)

// LineItem is one product line with the price captured at checkout.
type LineItem struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Transition is one applied edge of the state graph.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Event     Event     `json:"event"`
	Actor     Actor     `json:"actor"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

// Order is a checkout and its lifecycle. History excludes creation.
type Order struct {
	ID          string       `json:"id"`
	BuyerID     string       `json:"buyer_id"`
	SellerID    string       `json:"seller_id"`
	Items       []LineItem   `json:"items"`
	TotalCents  int64        `json:"total_cents"`
	Currency    string       `json:"currency"`
	State       State        `json:"state"`
	History     []Transition `json:"history"`
	PaymentRef  string       `json:"payment_ref,omitempty"`
	ShipmentRef string       `json:"shipment_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
	Version     int64        `json:"version"`
	// CancelPending is set while a cancellation waits on its refund. Only
	// the cancellation may move the order until it is cleared.
	CancelPending bool `json:"cancel_pending,omitempty"`
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	cp.History = append([]Transition(nil), o.History...)
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}

// LastTransition returns the most recent transition, if any.
func (o *Order) LastTransition() (Transition, bool) {
	if len(o.History) == 0 {
		return Transition{}, false
	}
	return o.History[len(o.History)-1], true
}

// visibleTo reports whether actor may see the order.
func (o *Order) visibleTo(a Actor) bool {
	switch a.Kind {
	case ActorCustomer:
		return o.BuyerID == a.ID
	case ActorSeller:
		return o.SellerID == a.ID
	}
	return true
}

// PlaceRequest is a checkout.
type PlaceRequest struct {
	BuyerID  string
	SellerID string
	Items    []LineItem
	Currency string
}

func (r *PlaceRequest) validate() (int64, error) {
	if strings.TrimSpace(r.BuyerID) == "" {
		return 0, errs.Invalid("buyer is required")
	}
	if strings.TrimSpace(r.SellerID) == "" {
		return 0, errs.Invalid("seller_id is required")
	}
	if len(r.Items) == 0 || len(r.Items) > maxItems {
		return 0, errs.Invalid("an order needs between 1 and %d items", maxItems)
	}
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if r.Currency == "" {
		r.Currency = defaultCurrency
	}
	if len(r.Currency) != 3 {
		return 0, errs.Invalid("currency must be a 3-letter code")
	}
	var total int64
	for i, it := range r.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return 0, errs.Invalid("item %d: product_id is required", i)
		}
		if it.Quantity < 1 {
			return 0, errs.Invalid("item %d: quantity must be at least 1", i)
		}
		if it.PriceCents < 0 {
			return 0, errs.Invalid("item %d: price must not be negative", i)
		}
		if it.PriceCents > 0 && int64(it.Quantity) > (math.MaxInt64-total)/it.PriceCents {
			return 0, errs.Invalid("order total overflows")
		}
		total += int64(it.Quantity) * it.PriceCents
	}
	return total, nil
}

// ReturnStatus is the sub-state of a return request.
type ReturnStatus string

const (
	ReturnRequested ReturnStatus = "requested"
	ReturnApproved  ReturnStatus = "approved"
	ReturnRejected  ReturnStatus = "rejected"
	ReturnRefunded  ReturnStatus = "refunded"
)

// ReturnRequest is the single return attached to a delivered order.
type ReturnRequest struct {
	ID        string       `json:"id"`
	OrderID   string       `json:"order_id"`
	BuyerID   string       `json:"buyer_id"`
	Reason    string       `json:"reason"`
	Status    ReturnStatus `json:"status"`
	DecidedBy string       `json:"decided_by,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	BuyerID        string
	SellerID       string
	State          State
	UpdatedBefore  time.Time
	DeliveredUntil time.Time
	CancelPending  bool
	Limit          int
}

func (f Filter) matches(o *Order) bool {
	if f.BuyerID != "" && o.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && o.SellerID != f.SellerID {
		return false
	}
	if f.State != "" && o.State != f.State {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !o.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.DeliveredUntil.IsZero() && (o.DeliveredAt == nil || o.DeliveredAt.After(f.DeliveredUntil)) {
		return false
	}
	if f.CancelPending && !o.CancelPending {
		return false
	}
	return true
}
