package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// CartHealthService is the name probes can ask for besides the server-wide "".
const CartHealthService = "card.cart.v1.Cart"

// GRPCHealthHandler serves grpc.health.v1.Health and keeps its status in step
// with the store.
type GRPCHealthHandler struct {
	health   *health.Server
	store    Pinger
	logger   *zap.Logger
	interval time.Duration
}

func NewGRPCHealthHandler(store Pinger, logger *zap.Logger, interval time.Duration) *GRPCHealthHandler {
	h := &GRPCHealthHandler{
		health:   health.NewServer(),
		store:    store,
		logger:   logger,
		interval: interval,
	}
	h.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *GRPCHealthHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
}

// Run probes the store until ctx ends, then marks the server as shutting down.
func (h *GRPCHealthHandler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.probe(ctx)
	for {
		select {
		case <-ticker.C:
			h.probe(ctx)
		case <-ctx.Done():
			h.health.Shutdown()
			return
		}
	}
}

func (h *GRPCHealthHandler) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if err := h.store.Ping(pctx); err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("store ping failed", zap.Error(err))
		}
		h.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	h.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (h *GRPCHealthHandler) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(CartHealthService, status)
}
