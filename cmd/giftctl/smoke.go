package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"giftmarket.dev/internal/app"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/order"
	"giftmarket.dev/internal/otp"
)

// inbox keeps the last code delivered per email and purpose.
type inbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (b *inbox) Deliver(_ context.Context, d otp.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes[d.Email+"/"+string(d.Purpose)] = d.Code
	return nil
}

func (b *inbox) code(email string, p otp.Purpose) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[email+"/"+string(p)]
}

func smokeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Run the buyer and seller lifecycle end to end against in-memory stores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			id, err := runSmoke(ctx, e)
			if err != nil {
				return fmt.Errorf("smoke failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "smoke passed: order %s refunded\n", id)
			return nil
		},
	}
}

func runSmoke(ctx context.Context, e *env) (string, error) {
	cfg := e.cfg
	cfg.Orders.AutoFulfil = false
	box := &inbox{codes: map[string]string{}}
	st := app.MemoryStores()
	svc, err := app.NewServices(cfg, st, app.Collaborators{Deliverer: box}, e.log)
	if err != nil {
		return "", err
	}

	dispatcher := order.NewDispatcher(svc.Orders, cfg.Orders.Lanes, e.log)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = dispatcher.Run(runCtx) }()
	<-dispatcher.Started()

	signup := func(role identity.Role, gw identity.Service, email string, profile identity.Profile) (*identity.Identity, error) {
		ident, err := svc.Identities.Register(ctx, identity.Registration{Email: email, Password: "smoke-password", Role: role, Profile: profile})
		if err != nil {
			return nil, err
		}
		if err := svc.OTP.Issue(ctx, otp.IssueRequest{Email: email, Purpose: otp.PurposeRegistration, Role: role, Service: gw}); err != nil {
			return nil, err
		}
		if err := svc.OTP.Wait(ctx); err != nil {
			return nil, err
		}
		if _, err := svc.OTP.Verify(ctx, otp.VerifyRequest{
			Email: email, Purpose: otp.PurposeRegistration, Role: role, Service: gw,
			Code: box.code(ident.Email, otp.PurposeRegistration),
		}); err != nil {
			return nil, fmt.Errorf("verify %s: %w", email, err)
		}
		if _, _, err := svc.Sessions.Authenticate(ctx, email, "smoke-password", role, gw); err != nil {
			return nil, fmt.Errorf("login %s: %w", email, err)
		}
		return ident, nil
	}

	buyer, err := signup(identity.RoleCustomer, identity.ServiceMain, "smoke-buyer@example.com", identity.CustomerProfile{FullName: "Smoke Buyer"})
	if err != nil {
		return "", err
	}
	seller, err := signup(identity.RoleSeller, identity.ServiceSeller, "smoke-seller@example.com", identity.SellerProfile{StoreName: "Smoke Shop"})
	if err != nil {
		return "", err
	}

	o, err := svc.Orders.Place(ctx, order.PlaceRequest{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Items:    []order.LineItem{{ProductID: "smoke-bouquet", Quantity: 1, PriceCents: 4200}},
	})
	if err != nil {
		return "", err
	}

	steps := []order.Command{
		{Event: order.EventPaymentConfirmed, Actor: order.Actor{Kind: order.ActorPayment, ID: "psp"}, Reference: "pay_smoke"},
		{Event: order.EventFulfilmentStarted, Actor: order.Actor{Kind: order.ActorSeller, ID: seller.ID}},
		{Event: order.EventShipped, Actor: order.Actor{Kind: order.ActorSeller, ID: seller.ID}, Reference: "TRK-SMOKE"},
		{Event: order.EventDelivered, Actor: order.Actor{Kind: order.ActorCarrier, ID: "carrier"}},
	}
	for _, step := range steps {
		step.OrderID = o.ID
		if _, err := dispatcher.Apply(ctx, step); err != nil {
			return "", fmt.Errorf("%s: %w", step.Event, err)
		}
	}

	ret, _, err := svc.Orders.RequestReturn(ctx, o.ID, order.Actor{Kind: order.ActorCustomer, ID: buyer.ID}, "smoke test")
	if err != nil {
		return "", err
	}
	if _, _, err := svc.Orders.ApproveReturn(ctx, ret.ID, order.Actor{Kind: order.ActorAdmin, ID: "smoke-admin"}); err != nil {
		return "", err
	}

	final, err := svc.Orders.Get(ctx, o.ID, order.Actor{Kind: order.ActorCustomer, ID: buyer.ID})
	if err != nil {
		return "", err
	}
	var path []string
	for _, t := range final.History {
		path = append(path, string(t.To))
	}
	want := "payment_pending,payment_confirmed,fulfilling,shipped,delivered,return_requested,refunded"
	if got := strings.Join(path, ","); got != want {
		return "", fmt.Errorf("unexpected history %s", got)
	}
	return final.ID, nil
}
