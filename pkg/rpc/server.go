package rpc

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/syncengine"
)

// Server owns the gRPC listener. Unlike the teacher's mTLS-secured
// Server, Quilt runs single-host with no cluster to join, so the
// listener is plain TCP (or a Unix socket, via the same Listen call)
// rather than behind client-cert auth.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer builds a Server around engine. It registers the standard
// grpc_health_v1 service alongside quilt.RPC, serving NOT_SERVING until
// MarkServing is called once the engine has finished startup (bridge
// setup, monitor reattach).
func NewServer(engine *syncengine.Engine) *Server {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor()))
	RegisterRPCServer(grpcServer, NewService(engine))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{grpc: grpcServer, health: healthServer}
}

// MarkServing flips the grpc_health_v1 status to SERVING for the
// service as a whole (empty service name), and for quilt.RPC
// specifically, so health-checking clients can probe either.
func (s *Server) MarkServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
}

// Start listens on network/addr (e.g. "tcp"/"127.0.0.1:7777" or
// "unix"/"/run/quilt/quilt.sock") and serves until Stop is called.
func (s *Server) Start(network, addr string) error {
	lis, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s %s: %w", network, addr, err)
	}
	log.WithComponent("rpc").Info().Str("network", network).Str("addr", addr).Msg("rpc server listening")
	return s.Serve(lis)
}

// Serve runs the gRPC server on an already-open listener, letting a
// caller (or a test) pick the address itself.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight calls and stops serving.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
