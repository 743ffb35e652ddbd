package status

import (
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/stuartshay/device-aggregator/internal/ledger"
)

// Health reports the aggregator's serving state through grpc.health.v1.
// The overall status and the named service move together.
type Health struct {
	service string
	server  *health.Server
}

// NewHealth returns a Health that starts SERVING.
func NewHealth(service string) *Health {
	h := &Health{service: service, server: health.NewServer()}
	h.set(grpc_health_v1.HealthCheckResponse_SERVING)
	return h
}

// NewGRPCServer builds a traced gRPC server with the health and reflection
// services registered.
func NewGRPCServer(h *Health) *grpc.Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	grpc_health_v1.RegisterHealthServer(srv, h.server)
	reflection.Register(srv)
	return srv
}

// Observe flips the status after a run: NOT_SERVING on failure, SERVING on success.
func (h *Health) Observe(run *ledger.Run, err error) {
	if err != nil {
		h.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		return
	}
	if run != nil && run.Status == ledger.StatusCompleted {
		h.set(grpc_health_v1.HealthCheckResponse_SERVING)
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}

func (h *Health) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(h.service, status)
	log.Debug().Str("status", status.String()).Msg("Health status updated")
}
