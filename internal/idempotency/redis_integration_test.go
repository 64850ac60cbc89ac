package idempotency

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreBeginCompleteReplay(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}

	store := NewRedisStore(client, "leasekeeper:test:"+uuid.NewString())
	req := acquireRequest("k", `{"quantity":1}`)

	claim, err := store.Begin(ctx, req, time.Second)
	if err != nil || claim.Outcome != Started {
		t.Fatalf("expected Started, got %+v (%v)", claim, err)
	}
	if got, err := store.Begin(ctx, req, time.Second); err != nil || got.Outcome != InFlight {
		t.Fatalf("expected InFlight, got %+v (%v)", got, err)
	}
	if got, err := store.Begin(ctx, acquireRequest("k", `{"quantity":2}`), time.Second); err != nil || got.Outcome != Conflict {
		t.Fatalf("expected Conflict, got %+v (%v)", got, err)
	}

	if err := store.Complete(ctx, req, claim.Token, Entry{StatusCode: 201, Body: []byte(`{}`)}, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	replay, err := store.Begin(ctx, req, time.Second)
	if err != nil || replay.Outcome != Replay {
		t.Fatalf("expected Replay, got %+v (%v)", replay, err)
	}
	if replay.Entry.StatusCode != 201 || string(replay.Entry.Body) != `{}` {
		t.Fatalf("unexpected entry %+v", replay.Entry)
	}
}

func TestRedisStoreAbandon(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}

	store := NewRedisStore(client, "leasekeeper:test:"+uuid.NewString())
	req := acquireRequest("k", `{}`)
	claim, err := store.Begin(ctx, req, time.Minute)
	if err != nil || claim.Outcome != Started {
		t.Fatalf("expected Started, got %+v (%v)", claim, err)
	}
	if err := store.Abandon(ctx, req, claim.Token); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if got, err := store.Begin(ctx, req, time.Minute); err != nil || got.Outcome != Started {
		t.Fatalf("expected Started after abandon, got %+v (%v)", got, err)
	}
}
