// ABOUTME: gRPC health service mirroring per-tenant session states
// ABOUTME: Service "session/<tenant>" is SERVING only while the session is READY

package gateway

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-inbox/internal/session"
)

// HealthServiceName is the grpc.health.v1 service name for a tenant's session.
func HealthServiceName(tenantID string) string {
	return "session/" + tenantID
}

// sessionHealth observes the session registry.
type sessionHealth struct {
	server *health.Server
}

func newSessionHealth() *sessionHealth {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &sessionHealth{server: srv}
}

// SessionStateChanged implements session.Observer.
func (h *sessionHealth) SessionStateChanged(tenantID string, state session.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == session.StateReady {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(HealthServiceName(tenantID), status)
}
