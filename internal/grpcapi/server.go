package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"accesscore.org/internal/obs"
)

// ReadinessChecker reports whether the service can take traffic.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Server exposes the standard gRPC health service backed by the readiness
// probe, so the same check drives /readyz and gRPC load-balancer probes.
type Server struct {
	healthpb.UnimplementedHealthServer

	readiness ReadinessChecker
}

// NewServer creates the health service wrapper.
func NewServer(r ReadinessChecker) *Server {
	return &Server{readiness: r}
}

// Register attaches the health service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s)
}

// Check evaluates readiness once.
func (s *Server) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	return &healthpb.HealthCheckResponse{Status: s.status(ctx)}, nil
}

// Watch streams the readiness status, re-evaluating periodically until the
// client goes away.
func (s *Server) Watch(req *healthpb.HealthCheckRequest, ws healthpb.Health_WatchServer) error {
	ctx := ws.Context()
	last := s.status(ctx)
	if err := ws.Send(&healthpb.HealthCheckResponse{Status: last}); err != nil {
		return err
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := s.status(ctx)
			if current == last {
				continue
			}
			last = current
			if err := ws.Send(&healthpb.HealthCheckResponse{Status: current}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if s.readiness == nil {
		return healthpb.HealthCheckResponse_SERVING
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(true)
	return healthpb.HealthCheckResponse_SERVING
}
