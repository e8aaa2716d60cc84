// Package grpcserver wires the grpc bidi-stream transport variant for C2:
// a single Surface/Attach RPC carrying the same SurfaceEvent/
// ConductorMessage JSON envelope every other transport uses (see
// internal/transport/grpc.go's rawCodec), fronted by a recovery
// interceptor chain modelled on the teacher's
// infra/server/grpc/interceptors/stream_auth.go for its own
// DeliveryService.Stream. No auth interceptor is installed.
package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/yollayah/conductor/internal/conductor"
	"github.com/yollayah/conductor/internal/transport"
)

// Server hosts the grpc transport endpoint and feeds every accepted stream
// to the conductor, mirroring http.Server's acceptLoop.
type Server struct {
	addr string
	log  *slog.Logger

	grpc      *grpc.Server
	surface   *transport.GRPCServer
	health    *health.Server
	conductor *conductor.Conductor
}

func New(addr string, c *conductor.Conductor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	recoveryOpt := recovery.WithRecoveryHandlerContext(func(ctx context.Context, p interface{}) error {
		log.Error("grpc stream panic recovered", "panic", p)
		return status.Errorf(codes.Internal, "internal error")
	})

	gs := grpc.NewServer(
		grpc.ForceServerCodec(encoding.GetCodec("conductor-raw")),
		grpcmiddleware.WithStreamServerChain(
			recovery.StreamServerInterceptor(recoveryOpt),
		),
	)

	surface := transport.NewGRPCServer()
	surface.Register(gs)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthSrv)
	healthSrv.SetServingStatus("conductor.v1.Surface", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(gs)

	return &Server{addr: addr, log: log, grpc: gs, surface: surface, health: healthSrv, conductor: c}
}

// Run listens and serves until ctx is cancelled, feeding every accepted
// stream to the conductor the same way the HTTP server's acceptLoop does.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go s.acceptLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() { s.grpc.GracefulStop(); close(stopped) }()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			s.grpc.Stop()
		}
		s.surface.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.surface.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("grpc accept failed", "err", err)
			continue
		}
		s.conductor.Attach(ctx, conn)
	}
}
