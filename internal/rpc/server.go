package rpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/echenim/Bedrock/finality/internal/config"
)

// Server hosts the operator gRPC endpoint: the standard health service,
// server reflection and, once registered, the node service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	cfg        config.RPCConfig
	logger     *zap.Logger

	grpcLis net.Listener
}

// NewServer creates a new RPC server.
func NewServer(cfg config.RPCConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("rpc")

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(logger),
			LoggingUnaryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			RecoveryStreamInterceptor(logger),
			LoggingStreamInterceptor(logger),
		),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	// Enable gRPC server reflection for debugging with grpcurl.
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		health:     hs,
		cfg:        cfg,
		logger:     logger,
	}
}

// RegisterNodeService registers the node service implementation. It must be
// called before Start.
func (s *Server) RegisterNodeService(svc NodeServiceServer) {
	s.grpcServer.RegisterService(&NodeServiceDesc, svc)
	s.health.SetServingStatus(NodeServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Start begins serving gRPC requests and reports the node as serving.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", s.cfg.GRPCAddr, err)
	}

	s.logger.Info("gRPC server starting", zap.String("addr", s.grpcLis.Addr().String()))

	go func() {
		if err := s.grpcServer.Serve(s.grpcLis); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(NodeServiceName, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Stop marks every service as not serving and shuts down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	return nil
}

// Name returns the service name.
func (s *Server) Name() string {
	return "rpc"
}

// GRPCServer returns the underlying gRPC server (for testing).
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// GRPCAddr returns the actual address the gRPC server is listening on.
// Useful when configured with port 0 for tests.
func (s *Server) GRPCAddr() string {
	if s.grpcLis != nil {
		return s.grpcLis.Addr().String()
	}
	return s.cfg.GRPCAddr
}
