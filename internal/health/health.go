// Package health exposes the standard gRPC health service so probes can
// tell whether the server is accepting connections.
package health

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall "" service.
const ServiceName = "rdmakv.Server"

// Server serves grpc.health.v1.Health.
type Server struct {
	server *grpc.Server
	health *health.Server
}

// NewServer returns a server reporting NOT_SERVING until SetServing(true).
func NewServer() *Server {
	s := &Server{
		server: grpc.NewServer(),
		health: health.NewServer(),
	}
	grpc_health_v1.RegisterHealthServer(s.server, s.health)
	s.SetServing(false)
	return s
}

// SetServing updates the reported status.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	log.Debug().Str("status", status.String()).Msg("Health status updated")
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
