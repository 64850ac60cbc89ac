package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"

	"github.com/VenkatGGG/leasekeeper/internal/capacity"
	"github.com/VenkatGGG/leasekeeper/internal/config"
	"github.com/VenkatGGG/leasekeeper/internal/idempotency"
	hprobe "github.com/VenkatGGG/leasekeeper/internal/health"
	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

type backends struct {
	store       lease.Store
	capacity    capacity.Provider
	idempotency idempotency.Store

	redis    redis.UniversalClient
	postgres *pgxpool.Pool
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if cfg.Store == config.StoreRedis {
		b.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}
	if cfg.Store == config.StorePostgres || cfg.Capacity == config.CapacityPostgres {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		b.postgres = pool
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
	}

	switch cfg.Store {
	case config.StoreRedis:
		b.store = lease.NewRedisStore(b.redis, cfg.RedisPrefix, lease.WithRedisMaxAttempts(cfg.StoreMaxAttempts))
		b.idempotency = idempotency.NewRedisStore(b.redis, cfg.RedisPrefix+":idempotency")
	case config.StorePostgres:
		store, err := lease.NewPostgresStore(ctx, b.postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres lease store: %w", err)
		}
		b.store = store
		b.idempotency = idempotency.NewInMemoryStore()
	default:
		b.store = lease.NewInMemoryStore()
		b.idempotency = idempotency.NewInMemoryStore()
		logger.Warn("using in-memory lease store; leases do not survive restarts and are not shared between instances")
	}

	switch cfg.Capacity {
	case config.CapacityPostgres:
		provider, err := capacity.NewPostgresProvider(b.postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres capacity: %w", err)
		}
		b.capacity = provider
	case config.CapacityHTTP:
		provider, err := capacity.NewHTTPProvider(cfg.CapacityURL, cfg.CapacityTimeout)
		if err != nil {
			return nil, fmt.Errorf("http capacity: %w", err)
		}
		b.capacity = provider
	default:
		provider, err := capacity.LoadStaticFile(cfg.CapacityFile)
		if err != nil {
			return nil, fmt.Errorf("static capacity: %w", err)
		}
		b.capacity = provider
	}

	ok = true
	return b, nil
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.postgres != nil {
		b.postgres.Close()
	}
}

func newProber(server *health.Server, cfg config.Config, b *backends, logger *zap.Logger) *hprobe.Prober {
	prober := hprobe.NewProber(server, cfg.HealthProbeEvery, logger)
	prober.Register(hprobe.ServiceLeaseStore, b.store.Ping)
	var capacityCheck hprobe.Check
	if checker, ok := b.capacity.(capacity.Checker); ok {
		capacityCheck = checker.Ping
	}
	prober.Register(hprobe.ServiceCapacity, capacityCheck)
	return prober
}
