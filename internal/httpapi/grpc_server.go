package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"spikeshield.io/internal/obs"
)

// GRPCServer serves the standard grpc.health.v1 service, with serving status
// following readiness, plus reflection.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC server. Status starts NOT_SERVING until the
// first Refresh.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	s := &GRPCServer{
		server:    grpc.NewServer(),
		health:    health.NewServer(),
		readiness: r,
		version:   version,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh evaluates readiness once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Watch refreshes readiness every interval until ctx ends.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	log := obs.Component("grpc")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("not ready")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *GRPCServer) Serve(lis net.Listener) error {
	obs.Component("grpc").Info().Str("addr", lis.Addr().String()).Str("version", s.version).Msg("grpc listening")
	return s.server.Serve(lis)
}

// GracefulStop marks the service NOT_SERVING and drains connections.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *GRPCServer) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}
