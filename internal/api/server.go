package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/VenkatGGG/leasekeeper/internal/events"
	"github.com/VenkatGGG/leasekeeper/internal/idempotency"
	"github.com/VenkatGGG/leasekeeper/internal/lease"
	"github.com/VenkatGGG/leasekeeper/internal/reservation"
	"github.com/VenkatGGG/leasekeeper/pkg/httpx"
)

// Reservations is the engine surface the HTTP handlers depend on.
type Reservations interface {
	Acquire(ctx context.Context, input reservation.AcquireInput) (lease.Lease, error)
	Release(ctx context.Context, id, token string) (bool, error)
	Extend(ctx context.Context, id, token string, ttl time.Duration) (lease.Lease, error)
	Status(ctx context.Context, id string) (reservation.Status, error)
	Availability(ctx context.Context, scope, category string, start, end time.Time) (reservation.Availability, error)
}

type Options struct {
	Idempotency        idempotency.Store
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration
	RateLimit          int
	RateWindow         time.Duration
	Events             *events.Hub
	Logger             *zap.Logger
	Registry           *prometheus.Registry
	Ready              func(ctx context.Context) error
	Now                func() time.Time
}

type Server struct {
	leases          Reservations
	idempotency     idempotency.Store
	idempotencyTTL  time.Duration
	idempotencyLock time.Duration
	rateLimiter     *acquireLimiter
	hub             *events.Hub
	logger          *zap.Logger
	registry        *prometheus.Registry
	httpMetrics     *httpMetrics
	ready           func(ctx context.Context) error
	now             func() time.Time
}

func NewServer(leases Reservations, opts Options) *Server {
	s := &Server{
		leases:          leases,
		idempotency:     opts.Idempotency,
		idempotencyTTL:  opts.IdempotencyTTL,
		idempotencyLock: opts.IdempotencyLockTTL,
		hub:             opts.Events,
		logger:          opts.Logger,
		registry:        opts.Registry,
		ready:           opts.Ready,
		now:             opts.Now,
	}
	if s.idempotencyTTL <= 0 {
		s.idempotencyTTL = 24 * time.Hour
	}
	if s.idempotencyLock <= 0 {
		s.idempotencyLock = 30 * time.Second
	}
	if opts.RateLimit > 0 {
		s.rateLimiter = newAcquireLimiter(opts.RateLimit, opts.RateWindow)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.registry != nil {
		s.httpMetrics = newHTTPMetrics(s.registry)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/v1/leases", s.handleLeases)
	mux.HandleFunc("/v1/leases/", s.handleLeaseByID)
	mux.HandleFunc("/v1/availability", s.handleAvailability)
	if s.hub != nil {
		mux.HandleFunc("/v1/events", s.handleEvents)
	}
	if s.registry != nil {
		mux.Handle("/metrics", metricsHandler(s.registry))
	}

	return s.withMetrics(s.withRateLimit(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			httpx.WriteError(w, http.StatusServiceUnavailable, reservation.CodeUnavailable, err.Error())
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
