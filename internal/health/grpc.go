// Package health exposes the standard gRPC health service backed by store pings.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "trax.Tutor"

// Pinger is satisfied by store.Repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves grpc.health.v1.Health and keeps its status in sync with the database.
type Server struct {
	srv      *grpc.Server
	health   *health.Server
	db       Pinger
	interval time.Duration
	timeout  time.Duration
}

// NewServer creates a health server probing db every interval.
func NewServer(db Pinger, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		srv:      srv,
		health:   hs,
		db:       db,
		interval: interval,
		timeout:  5 * time.Second,
	}
}

// Serve probes once, then accepts connections on lis and probes until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.probe(ctx)
	go s.probeLoop(ctx)

	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.srv.Serve(lis); err != nil {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop marks the service as not serving and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

func (s *Server) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Server) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.db.Ping(pingCtx); err != nil {
		slog.Warn("Health probe failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
