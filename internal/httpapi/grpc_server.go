package httpapi

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the name load balancers probe for readiness of the
// entitlement API.
const HealthService = "ursly.entitlements.v1"

// GRPCServer exposes the standard gRPC health checking protocol so the
// service can sit behind gRPC-aware load balancers alongside the HTTP
// listener.
type GRPCServer struct {
	srv    *grpc.Server
	health *health.Server
}

func NewGRPCServer() *GRPCServer {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	h.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCServer{srv: srv, health: h}
}

// SetServing flips the health status reported for the entitlement
// service.
func (g *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(HealthService, status)
	g.health.SetServingStatus("", status)
}

// Serve blocks serving gRPC on the listener.
func (g *GRPCServer) Serve(lis net.Listener) error {
	return g.srv.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the server down.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.srv.GracefulStop()
}
