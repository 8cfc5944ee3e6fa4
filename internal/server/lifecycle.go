// Package server runs the game server's long-lived services and shuts them
// down in reverse order on a signal, a failure or context cancellation.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopWarning is how long a Stop may take before it is logged as slow.
const DefaultStopWarning = 5 * time.Second

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start runs the service. It blocks until the service is stopped or
	// fails; a nil return before Stop means the service finished its work.
	Start() error
	// Stop gracefully stops the service.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function, if any.
func (f *FuncService) Stop() {
	if f.StopFn != nil {
		f.StopFn()
	}
}

// Hook runs at a lifecycle transition.
type Hook func()

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger      *zap.Logger
	stopWarning time.Duration
	signals     []os.Signal

	mu         sync.Mutex
	services   []namedService
	onStarted  []Hook
	onStopping []Hook
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:      logger,
		stopWarning: DefaultStopWarning,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service for lifecycle management.
// Services are started in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// OnStarted registers a hook run once every service has been launched.
func (l *Lifecycle) OnStarted(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStarted = append(l.onStarted, h)
}

// OnStopping registers a hook run before the first service is stopped.
func (l *Lifecycle) OnStopping(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStopping = append(l.onStopping, h)
}

// Run starts all services and blocks until a termination signal arrives, a
// service fails, or ctx is cancelled. Services are then stopped in reverse
// order.
//
// Postcondition: All services are stopped when this method returns. The
// returned error is the first service failure, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	onStarted := append([]Hook(nil), l.onStarted...)
	onStopping := append([]Hook(nil), l.onStopping...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		go func() {
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)
	for _, h := range onStarted {
		h()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	for _, h := range onStopping {
		h()
	}
	l.shutdown(services)

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))

		done := make(chan struct{})
		go func() {
			ns.service.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(l.stopWarning):
			l.logger.Warn("service slow to stop",
				zap.String("service", ns.name),
				zap.Duration("waited", l.stopWarning),
			)
			<-done
		}

		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
