package lease

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresStoreAcquireReleaseRenew(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	key := NewResourceKey("pg-"+uuid.NewString(), "double",
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC))
	id := "lease_" + uuid.NewString()

	if err := store.Atomically(ctx, key, putLease(id, "tok", key, 2, time.Now().UTC(), time.Minute)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Key.String() != key.String() || got.Quantity != 2 {
		t.Fatalf("unexpected lease %+v", got)
	}

	if _, err := store.Renew(ctx, id, "nope", time.Minute); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected token mismatch, got %v", err)
	}
	if _, err := store.Renew(ctx, id, "tok", 3*time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := store.Delete(ctx, id, "tok"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Delete(ctx, id, "tok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStoreRenewWrapsQueryErrors(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Renew(ctx, "lease_"+uuid.NewString(), "tok", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "lease renew: ") {
		t.Fatalf("expected renew context in %q", err)
	}
}

func TestPostgresStoreConcurrentAcquiresNeverOvercommit(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	key := NewResourceKey("pg-"+uuid.NewString(), "single",
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))
	const capacity = 4

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Atomically(ctx, key, func(held []Lease) (WriteSet, error) {
				if Held(held, time.Now().UTC())+1 > capacity {
					return WriteSet{}, errors.New("full")
				}
				now := time.Now().UTC()
				return WriteSet{Put: &Lease{
					ID: "lease_" + uuid.NewString(), Key: key, Quantity: 1,
					OwnerToken: "t", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
				}}, nil
			})
		}()
	}
	wg.Wait()

	held, err := store.Snapshot(ctx, key)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(held) != capacity {
		t.Fatalf("expected exactly %d leases, got %d", capacity, len(held))
	}
}

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TEST_POSTGRES_DSN to run postgres integration tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create postgres pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}
	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return store
}
