// Package app assembles stores and domain services from configuration. The
// gateway and the operator CLI share it so both see the same wiring.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/config"
	"giftmarket.dev/internal/corporate"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/order"
	"giftmarket.dev/internal/otp"
	"giftmarket.dev/internal/session"
	"giftmarket.dev/internal/store/pg"
)

// Stores bundles one implementation of every persistence port. DB is nil
// when the in-memory stores are in use.
type Stores struct {
	DB         *sql.DB
	Identities identity.Store
	OTP        otp.Store
	Sessions   session.Store
	Audit      audit.Store
	Orders     order.Store
	Inquiries  corporate.Store
}

// OpenStores connects to Postgres when a DSN is configured and falls back to
// process memory otherwise.
func OpenStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	if cfg.PostgresDSN == "" {
		return MemoryStores(), nil
	}
	db, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.Ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Stores{
		DB:         db,
		Identities: pg.NewIdentityStore(db),
		OTP:        pg.NewOTPStore(db),
		Sessions:   pg.NewSessionStore(db),
		Audit:      pg.NewAuditStore(db),
		Orders:     pg.NewOrderStore(db),
		Inquiries:  pg.NewInquiryStore(db),
	}, nil
}

// MemoryStores returns fresh in-memory stores.
func MemoryStores() *Stores {
	return &Stores{
		Identities: identity.NewInMemory(),
		OTP:        otp.NewInMemory(),
		Sessions:   session.NewInMemory(),
		Audit:      audit.NewInMemory(),
		Orders:     order.NewInMemory(),
		Inquiries:  corporate.NewInMemory(),
	}
}

// Close releases the database pool, if any.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Collaborators are the outbound ports that depend on deployment.
type Collaborators struct {
	Deliverer otp.Deliverer
	Payments  order.Payments
	AuditSink audit.Sink
}

// Services are the domain services built on a set of stores.
type Services struct {
	Audit      *audit.Recorder
	Identities *identity.Registry
	OTP        *otp.Service
	Sessions   *session.Service
	Feed       *order.Feed
	Orders     *order.Engine
	Inquiries  *corporate.Service
}

// NewServices wires the domain services. Nil collaborators fall back to the
// logging deliverer and the no-op payment collaborator.
func NewServices(cfg config.Config, st *Stores, c Collaborators, log *zap.Logger) (*Services, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if c.Deliverer == nil {
		c.Deliverer = otp.LogDeliverer{Log: log}
	}
	if c.Payments == nil {
		c.Payments = order.NopPayments{}
	}

	recOpts := []audit.RecorderOption{audit.WithLogger(log)}
	if c.AuditSink != nil {
		recOpts = append(recOpts, audit.WithSink(c.AuditSink))
	}
	recorder := audit.NewRecorder(st.Audit, recOpts...)
	registry := identity.NewRegistry(st.Identities, nil)

	sessions, err := session.NewService(st.Sessions, registry,
		session.WithTokenSecret(cfg.TokenSecret),
		session.WithIssuer(cfg.TokenIssuer),
		session.WithAccessTTL(cfg.AccessTTL),
		session.WithRefreshTTL(cfg.RefreshTTL),
		session.WithAudit(recorder),
		session.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	otpSvc, err := otp.NewService(st.OTP, st.Identities,
		otp.WithCodeLength(cfg.OTP.Length),
		otp.WithTTL(cfg.OTP.TTL),
		otp.WithCooldown(cfg.OTP.Cooldown),
		otp.WithMaxAttempts(cfg.OTP.MaxAttempts),
		otp.WithDeliverer(c.Deliverer),
		otp.WithAudit(recorder),
		otp.WithRevoker(sessions),
		otp.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	feed := order.NewFeed()
	engine := order.NewEngine(st.Orders,
		order.WithPayments(c.Payments),
		order.WithFeed(feed),
		order.WithReturnWindow(cfg.Orders.ReturnWindow),
		order.WithAutoFulfil(cfg.Orders.AutoFulfil),
		order.WithLogger(log),
	)

	return &Services{
		Audit:      recorder,
		Identities: registry,
		OTP:        otpSvc,
		Sessions:   sessions,
		Feed:       feed,
		Orders:     engine,
		Inquiries:  corporate.NewService(st.Inquiries, nil),
	}, nil
}

// NewSweeper builds the order sweeper on top of applier.
func NewSweeper(cfg config.Config, st *Stores, applier order.Applier, log *zap.Logger) *order.Sweeper {
	return order.NewSweeper(st.Orders, applier, cfg.Orders.PaymentTimeout, cfg.Orders.ReturnWindow, log)
}
