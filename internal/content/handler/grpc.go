package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DistributedService is the health service name carrying the state of the
// distributed cache tier.
const DistributedService = "cache.distributed"

const defaultHealthInterval = 15 * time.Second

type healthChecker interface {
	Healthy(ctx context.Context) bool
}

// GRPCHealth serves grpc.health.v1. The overall service is always SERVING;
// the distributed tier is reported separately since the cache keeps
// working without it.
type GRPCHealth struct {
	server  *health.Server
	checker healthChecker
	logger  *zap.Logger
}

func NewGRPCHealth(checker healthChecker, logger *zap.Logger) *GRPCHealth {
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	server.SetServingStatus(DistributedService, healthpb.HealthCheckResponse_UNKNOWN)

	return &GRPCHealth{
		server:  server,
		checker: checker,
		logger:  logger,
	}
}

func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Refresh checks the distributed tier once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if !h.checker.Healthy(ctx) {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(DistributedService, status)
	return status
}

// Watch refreshes the distributed status every interval until ctx is done.
func (h *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := h.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if status := h.Refresh(ctx); status != last {
				h.logger.Info("Distributed cache health changed",
					zap.String("status", status.String()))
				last = status
			}
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *GRPCHealth) Shutdown() {
	h.server.Shutdown()
}
