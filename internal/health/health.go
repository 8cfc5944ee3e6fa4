// Package health serves the standard gRPC health protocol for load balancers
// and orchestrators.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported alongside the overall ("") status.
const (
	ServiceGateway = "realmgate.gateway"
	ServiceStorage = "realmgate.storage"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Server owns a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *grpchealth.Server

	mu       sync.Mutex
	listener net.Listener
	probes   map[string]Probe
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a health server that will listen on addr. Every service starts
// NOT_SERVING.
//
// Precondition: logger must be non-nil.
func New(addr string, logger *zap.Logger) *Server {
	s := &Server{
		addr:   addr,
		logger: logger,
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
		probes: make(map[string]Probe),
		stop:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	for _, svc := range []string{"", ServiceGateway} {
		s.health.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// SetServing flips the overall and gateway status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceGateway, status)
}

// AddProbe registers a dependency check reported under service. Probes run
// every interval once Watch is called.
func (s *Server) AddProbe(service string, p Probe) {
	s.mu.Lock()
	s.probes[service] = p
	s.mu.Unlock()
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// CheckNow runs every probe once and records the results.
func (s *Server) CheckNow(ctx context.Context, timeout time.Duration) {
	s.mu.Lock()
	probes := make(map[string]Probe, len(s.probes))
	for k, v := range s.probes {
		probes[k] = v
	}
	s.mu.Unlock()

	for service, probe := range probes {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := probe(pctx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("health probe failed", zap.String("service", service), zap.Error(err))
		}
		s.health.SetServingStatus(service, status)
	}
}

// Watch runs the probes every interval until Stop.
func (s *Server) Watch(interval, timeout time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.CheckNow(context.Background(), timeout)
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.CheckNow(context.Background(), timeout)
			}
		}
	}()
}

// ListenAndServe listens on the configured address and serves until Stop.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("health service listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING to open watchers, stops the probes and shuts the
// server down.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	s.health.Shutdown()
	s.wg.Wait()
	s.grpc.GracefulStop()
}

// Addr returns the listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
