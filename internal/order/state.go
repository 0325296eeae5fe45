// Package order implements the order lifecycle engine: a one-directional
// state machine advanced by externally reported events, persisted with
// compare-and-swap so concurrent deliveries of one event apply at most once.
package order

import (
	"slices"

	"giftmarket.dev/internal/errs"
)

// State is the lifecycle position of an order.
type State string

const (
	StatePlaced           State = "placed"
	StatePaymentPending   State = "payment_pending"
	StatePaymentConfirmed State = "payment_confirmed"
	StateFulfilling       State = "fulfilling"
	StateShipped          State = "shipped"
	StateDelivered        State = "delivered"
	StateReturnRequested  State = "return_requested"
	StateRefunded         State = "refunded"
	StateClosed           State = "closed"
	StateCancelled        State = "cancelled"
)

var rank = map[State]int{
	StatePlaced:           0,
	StatePaymentPending:   1,
	StatePaymentConfirmed: 2,
	StateFulfilling:       3,
	StateShipped:          4,
	StateDelivered:        5,
	StateReturnRequested:  6,
	StateRefunded:         7,
	StateClosed:           7,
}

// Rank is the position of s in the canonical ordering. Cancelled has no rank
// and reports -1.
func (s State) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no event can move the order any further.
func (s State) Terminal() bool {
	return s == StateRefunded || s == StateClosed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StateCancelled || s.Rank() >= 0
}

// Event is an externally reported fact that may advance an order.
type Event string

const (
	EventPaymentInitiated  Event = "payment_initiated"
	EventPaymentConfirmed  Event = "payment_confirmed"
	EventFulfilmentStarted Event = "fulfilment_started"
	EventShipped           Event = "shipped"
	EventDelivered         Event = "delivered"
	EventReturnRequested   Event = "return_requested"
	EventRefunded          Event = "refunded"
	EventClosed            Event = "closed"
	EventCancelled         Event = "cancelled"
)

// ActorKind is who reported an event.
type ActorKind string

const (
	ActorCustomer ActorKind = "customer"
	ActorSeller   ActorKind = "seller"
	ActorAdmin    ActorKind = "admin"
	ActorSystem   ActorKind = "system"
	ActorPayment  ActorKind = "payment"
	ActorCarrier  ActorKind = "carrier"
)

// Actor identifies the reporter of an event.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// System is the actor for engine-initiated transitions.
var System = Actor{Kind: ActorSystem}

type edge struct {
	from   []State
	to     State
	actors []ActorKind
}

var edges = map[Event]edge{
	EventPaymentInitiated:  {from: []State{StatePlaced}, to: StatePaymentPending, actors: []ActorKind{ActorSystem}},
	EventPaymentConfirmed:  {from: []State{StatePaymentPending}, to: StatePaymentConfirmed, actors: []ActorKind{ActorPayment}},
	EventFulfilmentStarted: {from: []State{StatePaymentConfirmed}, to: StateFulfilling, actors: []ActorKind{ActorSeller, ActorSystem}},
	EventShipped:           {from: []State{StateFulfilling}, to: StateShipped, actors: []ActorKind{ActorSeller}},
	EventDelivered:         {from: []State{StateShipped}, to: StateDelivered, actors: []ActorKind{ActorCarrier, ActorAdmin}},
	EventReturnRequested:   {from: []State{StateDelivered}, to: StateReturnRequested, actors: []ActorKind{ActorCustomer}},
	EventRefunded:          {from: []State{StateReturnRequested}, to: StateRefunded, actors: []ActorKind{ActorAdmin}},
	EventClosed:            {from: []State{StateDelivered, StateReturnRequested}, to: StateClosed, actors: []ActorKind{ActorSystem, ActorAdmin}},
	EventCancelled: {
		from:   []State{StatePlaced, StatePaymentPending, StatePaymentConfirmed, StateFulfilling},
		to:     StateCancelled,
		actors: []ActorKind{ActorCustomer, ActorAdmin, ActorSystem},
	},
}

// ParseEvent validates an event name.
func ParseEvent(s string) (Event, error) {
	ev := Event(s)
	if _, ok := edges[ev]; !ok {
		return "", errs.Invalid("unknown event %q", s)
	}
	return ev, nil
}

// Resolve returns the state ev moves an order in cur to when reported by
// actor. An event whose target is the current state yields AlreadyInState.
func Resolve(cur State, ev Event, actor ActorKind) (State, error) {
	e, ok := edges[ev]
	if !ok {
		return "", errs.Invalid("unknown event %q", ev)
	}
	if !slices.Contains(e.actors, actor) {
		return "", errs.Newf(errs.KindUnauthorized, "%s may not report %s", actor, ev)
	}
	if cur == e.to {
		return "", errs.Newf(errs.KindAlreadyInState, "order is already %s", cur)
	}
	if !slices.Contains(e.from, cur) {
		return "", errs.Newf(errs.KindIllegalTransition, "cannot apply %s to an order in %s", ev, cur)
	}
	return e.to, nil
}

// Legal reports whether from → to is an edge of the state graph.
func Legal(from, to State) bool {
	for _, e := range edges {
		if e.to == to && slices.Contains(e.from, from) {
			return true
		}
	}
	return false
}

// requiresRefund reports whether cancelling from s must refund a captured payment.
func requiresRefund(s State) bool {
	return s == StatePaymentConfirmed || s == StateFulfilling
}
