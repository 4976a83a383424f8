// Package grpcsrv runs a bare gRPC server carrying only health checking
// and reflection, for container orchestration liveness probes (spec §6:
// "does not reimplement the control surface as RPCs"). otelgrpc and the
// go-grpc-middleware chain are wired in purely as ambient instrumentation.
package grpcsrv

import (
	"context"
	"log/slog"
	"net"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type Server struct {
	logger *slog.Logger
	addr   string
	Server *grpc.Server
	health *health.Server
	lis    net.Listener
}

// New builds a server bound to addr, wired with a slog-backed logging
// interceptor, otelgrpc stats handler, the standard health service
// (initially SERVING), and reflection.
func New(logger *slog.Logger, addr string) *Server {
	health := health.NewServer()

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(logging.UnaryServerInterceptor(slogInterceptorLogger(logger))),
	)
	healthpb.RegisterHealthServer(srv, health)
	reflection.Register(srv)

	return &Server{logger: logger, addr: addr, Server: srv, health: health}
}

// slogInterceptorLogger adapts *slog.Logger to go-grpc-middleware/v2's
// logging.Logger interface, the documented bridge for that package.
func slogInterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}

func (s *Server) Start(context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.lis = lis
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.Server.Serve(lis); err != nil {
			s.logger.Error("grpcsrv: serve exited", "error", err)
		}
	}()
	s.logger.Info("grpcsrv: listening", "addr", s.addr)
	return nil
}

func (s *Server) Stop(context.Context) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.Server.GracefulStop()
	return nil
}
