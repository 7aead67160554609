// Package health exposes the console's connection state over the standard
// gRPC health protocol (grpc.health.v1), so orchestrators can probe it with
// grpc_health_probe or similar tools.
//
// The overall service ("") and ServiceStatus follow the status connection;
// ServiceResults follows the ASR result stream.
package health

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devwatch/devwatch/console/internal/auth"
)

// Service names reported by the health server.
const (
	ServiceStatus  = "devwatch.status"
	ServiceResults = "devwatch.results"
)

// Server is a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
}

// New creates a Server. Every call must carry key in header unless key
// returns "".
func New(header string, key auth.KeyFunc) *Server {
	g := grpc.NewServer(
		grpc.UnaryInterceptor(auth.UnaryInterceptor(header, key)),
		grpc.StreamInterceptor(auth.StreamInterceptor(header, key)),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(g, hs)

	s := &Server{grpc: g, health: hs}
	s.SetStatusConnected(false)
	hs.SetServingStatus(ServiceResults, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetStatusConnected updates the overall and status-connection services.
func (s *Server) SetStatusConnected(connected bool) {
	st := servingStatus(connected)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceStatus, st)
}

// SetResultsConnected updates the result-stream service.
func (s *Server) SetResultsConnected(connected bool) {
	s.health.SetServingStatus(ServiceResults, servingStatus(connected))
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	slog.Info("health: gRPC listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
