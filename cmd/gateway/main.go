package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"giftmarket.dev/internal/app"
	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/broker"
	"giftmarket.dev/internal/config"
	"giftmarket.dev/internal/httpapi"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/obs"
	"giftmarket.dev/internal/order"
	"giftmarket.dev/internal/ratelimit"
)

var version = "0.1.0"

func main() {
	service := flag.String("service", "", "gateway to run: main, seller or corporate")
	flag.Parse()

	cfg, err := config.Load(*service)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}
	log, err := obs.Init(cfg.Env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer obs.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gateway stopped with error", zap.Error(err))
		obs.Sync()
		os.Exit(1)
	}
	log.Info("gateway stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	svc, err := identity.ParseService(cfg.Service)
	if err != nil {
		return err
	}
	log = log.With(zap.String("service", string(svc)))
	obs.InitMetrics()
	obs.InitBuildInfo(cfg.Version, string(svc))

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	if stores.DB == nil {
		log.Warn("POSTGRES_DSN not set; using in-memory stores")
	}

	ready := httpapi.ReadyCheck{DB: stores.DB}
	var collab app.Collaborators

	var mq *broker.Client
	if cfg.AMQPURL != "" {
		mq = broker.New(cfg.AMQPURL, log)
		defer mq.Close()
		collab.Deliverer = broker.OTPDeliverer{Pub: mq}
		collab.Payments = broker.Payments{Pub: mq}
	} else {
		log.Warn("AMQP_URL not set; OTP codes are logged and payments are not requested")
	}

	if len(cfg.Audit.KafkaBrokers) > 0 {
		sink := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, log)
		defer sink.Close()
		collab.AuditSink = sink
	}

	services, err := app.NewServices(cfg, stores, collab, log)
	if err != nil {
		return err
	}

	otpPolicy := ratelimit.Policy{Limit: cfg.Limits.OTPPerWindow, Window: cfg.Limits.OTPWindow}
	var otpLimiter ratelimit.Limiter = ratelimit.NewLocal(otpPolicy)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		otpLimiter = ratelimit.NewRedis(rdb, "giftmarket:otp", otpPolicy)
		ready.Extra = append(ready.Extra, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	dispatcher := order.NewDispatcher(services.Orders, cfg.Orders.Lanes, log)

	api := httpapi.New(svc, httpapi.Deps{
		Identities: services.Identities,
		OTP:        services.OTP,
		Sessions:   services.Sessions,
		Orders:     services.Orders,
		Applier:    dispatcher,
		Feed:       services.Feed,
		Inquiries:  services.Inquiries,
		OTPLimiter: otpLimiter,
	},
		httpapi.WithVersion(cfg.Version),
		httpapi.WithLogger(log),
		httpapi.WithReadiness(ready),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.Limits.RatePerSecond, cfg.Limits.RateBurst),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithWebhookSecret(cfg.WebhookSecret),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	// Event streams outlive any write deadline; only the main gateway serves them.
	if svc != identity.ServiceMain {
		srv.WriteTimeout = cfg.HTTP.WriteTimeout
	}

	health := httpapi.NewHealthServer(string(svc), ready, log)
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, health)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return health.Run(ctx, 5*time.Second) })

	if svc == identity.ServiceMain {
		sweeper := app.NewSweeper(cfg, stores, dispatcher, log)
		g.Go(func() error { return sweeper.Run(ctx, cfg.Orders.SweepInterval) })
		if mq != nil {
			g.Go(func() error {
				return mq.Consume(ctx, broker.QueueOrderEvents, 16, broker.OrderEventHandler(dispatcher, log))
			})
		}
	}

	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			log.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		if werr := services.OTP.Wait(shutdownCtx); werr != nil {
			log.Warn("pending otp deliveries abandoned", zap.Error(werr))
		}
		if werr := services.Orders.Wait(shutdownCtx); werr != nil {
			log.Warn("pending payment calls abandoned", zap.Error(werr))
		}
		return err
	})

	return g.Wait()
}
