package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"giftmarket.dev/internal/obs"
)

// HealthServer publishes gateway readiness over the standard gRPC health
// protocol. The overall status ("") and the gateway's own service name track
// the readiness check.
type HealthServer struct {
	*health.Server

	name      string
	readiness readinessChecker
	log       *zap.Logger
}

// NewHealthServer creates a health server for the named gateway. It reports
// NOT_SERVING until the first check succeeds.
func NewHealthServer(name string, r readinessChecker, log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	hs := &HealthServer{Server: health.NewServer(), name: name, readiness: r, log: log}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Refresh runs the readiness check once and updates the published status.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		h.log.Warn("readiness check failed", zap.String("service", h.name), zap.Error(err))
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run checks every interval until ctx ends, then marks the server as
// shutting down so clients drain.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return nil
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", status)
	h.SetServingStatus(h.name, status)
}
