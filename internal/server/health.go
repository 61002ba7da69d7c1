package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the broker.
const ServiceName = "lobby"

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Health serves the standard gRPC health protocol. The broker is SERVING
// while every registered check passes and shutdown has not begun.
type Health struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	grpc   *grpc.Server
	status *health.Server

	mu       sync.Mutex
	checks   map[string]Check
	listener net.Listener
	quit      chan struct{}
	drainOnce sync.Once
	stopOnce  sync.Once
}

// NewHealth creates a health endpoint bound to addr, polling checks every interval.
//
// Precondition: interval and timeout must be positive; logger must be non-nil.
// Postcondition: The endpoint reports NOT_SERVING until the first poll passes.
func NewHealth(addr string, interval, timeout time.Duration, logger *zap.Logger) *Health {
	h := &Health{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		grpc:     grpc.NewServer(),
		status:   health.NewServer(),
		checks:   make(map[string]Check),
		quit:     make(chan struct{}),
	}
	h.status.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(h.grpc, h.status)
	return h
}

// AddCheck registers a named dependency check.
func (h *Health) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Start listens and serves until Stop is called.
func (h *Health) Start() error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.logger.Info("health endpoint listening", zap.String("addr", listener.Addr().String()))
	go h.poll()

	if err := h.grpc.Serve(listener); err != nil {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (h *Health) Stop() {
	h.Draining()
	h.stopOnce.Do(func() {
		h.status.Shutdown()
		h.grpc.GracefulStop()
	})
}

// Draining flips the endpoint to NOT_SERVING ahead of Stop so balancers stop
// routing new clients while sessions wind down.
func (h *Health) Draining() {
	h.drainOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		close(h.quit)
		h.status.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		h.status.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	})
}

// Addr returns the bound address, or empty string before Start has listened.
func (h *Health) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *Health) poll() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.evaluate()
		select {
		case <-h.quit:
			return
		case <-ticker.C:
		}
	}
}

// evaluate runs every check once and publishes the combined status.
func (h *Health) evaluate() {
	h.mu.Lock()
	checks := make(map[string]Check, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	for name, check := range checks {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		err := check(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.quit:
		return
	default:
	}
	h.status.SetServingStatus(ServiceName, status)
	h.status.SetServingStatus("", status)
}
