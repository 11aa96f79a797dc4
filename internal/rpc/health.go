// Package rpc exposes the standard gRPC health service. The engine reports
// SERVING only while a classification model is loaded.
package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the engine.
const ServiceName = "go2netguard.Engine"

// Server wraps a grpc.Server carrying the health and reflection services.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	ready    func() bool
	interval time.Duration
	log      *logrus.Logger
	serving  bool
	known    bool
}

// NewServer builds the server. ready is polled every interval.
func NewServer(ready func() bool, interval time.Duration, log *logrus.Logger) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		ready:    ready,
		interval: interval,
		log:      log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.refresh()
	return s
}

// refresh publishes the current readiness. It is called from a single
// goroutine.
func (s *Server) refresh() {
	serving := s.ready()
	if s.known && serving == s.serving {
		return
	}
	s.known, s.serving = true, serving
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.log.WithField("status", status.String()).Info("gRPC health status changed")
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", lis.Addr().String()).Info("gRPC server starting")
		errCh <- s.grpc.Serve(lis)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			s.log.Info("gRPC server stopped")
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.refresh()
		}
	}
}
