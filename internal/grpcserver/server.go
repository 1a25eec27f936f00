// Package grpcserver exposes the service health over the standard gRPC
// health checking protocol.
package grpcserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the service name reported next to the overall ("") status.
const ServiceName = "zigbee-beacon"

// HealthChecker reports whether the upstream connection is usable.
type HealthChecker interface {
	Health() error
}

// Server wraps the gRPC server and its health service.
type Server struct {
	grpcServer    *grpc.Server
	health        *health.Server
	checker       HealthChecker
	listenAddr    string
	checkInterval time.Duration
	log           zerolog.Logger
}

// ServerDeps holds the dependencies for the gRPC server.
type ServerDeps struct {
	ListenAddr    string
	Checker       HealthChecker
	CheckInterval time.Duration
	// TLSConfig enables TLS when set.
	TLSConfig *tls.Config
	Logger    zerolog.Logger
}

// NewServer creates a gRPC server with the health service registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		health:        health.NewServer(),
		checker:       deps.Checker,
		listenAddr:    deps.ListenAddr,
		checkInterval: deps.CheckInterval,
		log:           deps.Logger,
	}
	if s.checkInterval <= 0 {
		s.checkInterval = 5 * time.Second
	}

	var opts []grpc.ServerOption
	if deps.TLSConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(deps.TLSConfig)))
	}

	// Keepalive parameters
	opts = append(opts,
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.Refresh()
	return s
}

// Refresh copies the checker result into the health service.
func (s *Server) Refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.checker.Health(); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// WatchHealth refreshes the health status every check interval until ctx
// is cancelled.
func (s *Server) WatchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Refresh()
		case <-ctx.Done():
			return
		}
	}
}

// Start begins listening for gRPC connections.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve accepts gRPC connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("starting gRPC server")
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("gRPC serve: %w", err)
	}
	return nil
}

// Shutdown marks every service as not serving and stops the server gracefully.
func (s *Server) Shutdown(_ context.Context) {
	s.log.Info().Msg("shutting down gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
