package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	ServiceLeaseStore = "lease-store"
	ServiceCapacity   = "capacity"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// Prober periodically runs dependency checks and publishes the results to a
// gRPC health server. The overall service ("") is SERVING only while every
// check passes.
type Prober struct {
	server   *health.Server
	checks   map[string]Check
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewProber(server *health.Server, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		server:   server,
		checks:   make(map[string]Check),
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
		last:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Register adds a named check. A nil check is always healthy.
func (p *Prober) Register(service string, check Check) {
	if check == nil {
		check = func(context.Context) error { return nil }
	}
	p.checks[service] = check
	p.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.server.Shutdown()
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs every check once and returns the overall status.
func (p *Prober) ProbeOnce(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	overall := healthpb.HealthCheckResponse_SERVING
	for service, check := range p.checks {
		checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := check(checkCtx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		p.set(service, status, err)
	}
	p.set("", overall, nil)
	return overall
}

func (p *Prober) set(service string, status healthpb.HealthCheckResponse_ServingStatus, err error) {
	p.mu.Lock()
	previous, seen := p.last[service]
	p.last[service] = status
	p.mu.Unlock()

	p.server.SetServingStatus(service, status)
	if seen && previous == status {
		return
	}
	if err != nil {
		p.logger.Warn("health status changed", zap.String("component", service), zap.String("status", status.String()), zap.Error(err))
		return
	}
	p.logger.Info("health status changed", zap.String("component", service), zap.String("status", status.String()))
}
