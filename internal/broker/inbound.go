package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/order"
)

// OrderEvent is the inbound message on order.events.
type OrderEvent struct {
	OrderID   string `json:"order_id"`
	Event     string `json:"event"`
	Source    string `json:"source"`
	Reference string `json:"reference,omitempty"`
}

// inboundActors maps message sources to the actor kinds allowed to report
// through the broker.
var inboundActors = map[string]order.ActorKind{
	"payment": order.ActorPayment,
	"carrier": order.ActorCarrier,
}

// OrderEventHandler applies inbound events through applier. Events that can
// never succeed are dropped; transient failures are requeued.
func OrderEventHandler(applier order.Applier, log *zap.Logger) Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, body []byte) error {
		var msg OrderEvent
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: decode order event: %v", ErrPermanent, err)
		}
		cmd, err := msg.Command()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		o, err := applier.Apply(ctx, cmd)
		switch errs.KindOf(err) {
		case "":
			log.Info("order event applied", zap.String("order_id", o.ID), zap.String("state", string(o.State)))
			return nil
		case errs.KindAlreadyInState:
			// redelivery of an event that already took effect
			return nil
		case errs.KindInternal, errs.KindConflict:
			return err
		default:
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
	}
}

// Command converts the message into an engine command.
func (m OrderEvent) Command() (order.Command, error) {
	if strings.TrimSpace(m.OrderID) == "" {
		return order.Command{}, errs.Invalid("order_id is required")
	}
	ev, err := order.ParseEvent(m.Event)
	if err != nil {
		return order.Command{}, err
	}
	kind, ok := inboundActors[strings.ToLower(strings.TrimSpace(m.Source))]
	if !ok {
		return order.Command{}, errs.Invalid("unknown event source %q", m.Source)
	}
	return order.Command{
		OrderID:   m.OrderID,
		Event:     ev,
		Actor:     order.Actor{Kind: kind, ID: m.Source},
		Reference: m.Reference,
	}, nil
}
