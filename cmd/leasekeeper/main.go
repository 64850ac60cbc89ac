package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VenkatGGG/leasekeeper/internal/api"
	"github.com/VenkatGGG/leasekeeper/internal/config"
	"github.com/VenkatGGG/leasekeeper/internal/events"
	"github.com/VenkatGGG/leasekeeper/internal/janitor"
	"github.com/VenkatGGG/leasekeeper/internal/lease"
	"github.com/VenkatGGG/leasekeeper/internal/reservation"
	"github.com/VenkatGGG/leasekeeper/internal/telemetry"
)

const serviceName = "leasekeeper"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "leasekeeper: invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "leasekeeper: logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("leasekeeper stopped", zap.Error(err))
	}
	logger.Info("leasekeeper stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	deps, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := events.NewHub(64)
	registry.MustRegister(hub.DroppedCollector())
	publishers := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer func() {
			if err := kafka.Close(); err != nil {
				logger.Warn("kafka publisher close failed", zap.Error(err))
			}
		}()
		publishers = append(publishers, kafka)
		logger.Info("publishing lease events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	engine, err := reservation.NewEngine(deps.store, deps.capacity, reservation.Limits{
		MaxQuantity: cfg.MaxQuantity,
		DefaultTTL:  cfg.DefaultTTL,
		MinTTL:      cfg.MinTTL,
		MaxTTL:      cfg.MaxTTL,
	},
		reservation.WithStoreTimeout(cfg.StoreTimeout),
		reservation.WithLogger(logger.Named("reservation")),
		reservation.WithMetrics(reservation.NewMetrics(registry)),
		reservation.WithPublisher(publishers),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	server := api.NewServer(engine, api.Options{
		Idempotency:        deps.idempotency,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		IdempotencyLockTTL: cfg.IdempotencyLockTTL,
		RateLimit:          cfg.RateLimit,
		RateWindow:         cfg.RateWindow,
		Events:             hub,
		Logger:             logger.Named("api"),
		Registry:           registry,
		Ready:              deps.store.Ping,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	prober := newProber(healthServer, cfg, deps, logger.Named("health"))

	var sweeper lease.Sweeper
	if s, ok := deps.store.(lease.Sweeper); ok {
		sweeper = s
	}
	sweeps := janitor.New(sweeper, cfg.JanitorInterval, logger.Named("janitor"))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store), zap.String("capacity", cfg.Capacity))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		prober.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		sweeps.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownHTTP(httpServer, cfg.ShutdownTimeout, logger)
		shutdownGRPC(grpcServer, cfg.ShutdownTimeout)
		return nil
	})

	return group.Wait()
}

func shutdownHTTP(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
}

func shutdownGRPC(server *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		server.Stop()
	}
}
