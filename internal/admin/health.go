package admin

import (
	"context"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/bayleafwalker/bindery-kernel/internal/events"
)

// HealthReporter mirrors bootstrap outcomes into a gRPC health server. Every unit gets
// a service named after it; the overall "" service reports SERVING while the reporter runs.
type HealthReporter struct {
	server *health.Server
}

func NewHealthReporter(server *health.Server) *HealthReporter {
	return &HealthReporter{server: server}
}

// Run follows bus until ctx is done, then shuts the health server down so clients see
// NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context, bus *events.Bus) {
	sub, cancel := bus.Subscribe(64, events.UnitBootstrapped, events.BootstrapFailed)
	defer cancel()

	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case ev := <-sub:
			status := healthpb.HealthCheckResponse_SERVING
			if ev.Kind == events.BootstrapFailed {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			h.server.SetServingStatus(ev.Name, status)
		}
	}
}
