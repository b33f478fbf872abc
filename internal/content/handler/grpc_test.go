package handler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type flagChecker struct {
	healthy atomic.Bool
}

func (f *flagChecker) Healthy(context.Context) bool { return f.healthy.Load() }

func serving(t *testing.T, h *GRPCHealth, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestGRPCHealthReportsDistributedTier(t *testing.T) {
	checker := &flagChecker{}
	checker.healthy.Store(true)
	h := NewGRPCHealth(checker, zap.NewNop())

	require.Equal(t, healthpb.HealthCheckResponse_SERVING, serving(t, h, ""))
	require.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, serving(t, h, DistributedService))

	h.Refresh(context.Background())
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, serving(t, h, DistributedService))

	checker.healthy.Store(false)
	h.Refresh(context.Background())
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, serving(t, h, DistributedService))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, serving(t, h, ""))
}

func TestGRPCHealthWatch(t *testing.T) {
	checker := &flagChecker{}
	h := NewGRPCHealth(checker, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Watch(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: DistributedService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, time.Millisecond)

	checker.healthy.Store(true)
	require.Eventually(t, func() bool {
		resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: DistributedService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	h.Shutdown()
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, serving(t, h, ""))
}
