package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testKey(category string) ResourceKey {
	return NewResourceKey("hotel-1", category,
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC))
}

func putLease(id, token string, key ResourceKey, quantity int, now time.Time, ttl time.Duration) AcquireFunc {
	return func(held []Lease) (WriteSet, error) {
		return WriteSet{Put: &Lease{
			ID:         id,
			Key:        key,
			Quantity:   quantity,
			OwnerToken: token,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}}, nil
	}
}

func TestInMemoryStoreAtomicallySeesCommittedLeases(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore(WithClock(clock.Now))
	ctx := context.Background()
	key := testKey("double")

	if err := store.Atomically(ctx, key, putLease("lease_1", "tok-1", key, 2, clock.Now(), time.Minute)); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	var observed []Lease
	err := store.Atomically(ctx, key, func(held []Lease) (WriteSet, error) {
		observed = held
		return WriteSet{}, nil
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(observed) != 1 || observed[0].ID != "lease_1" {
		t.Fatalf("expected lease_1 in held set, got %+v", observed)
	}
	if got := Held(observed, clock.Now()); got != 2 {
		t.Fatalf("expected held=2, got %d", got)
	}
}

func TestInMemoryStoreAbortWritesNothing(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	key := testKey("single")
	abort := errors.New("abort")

	err := store.Atomically(ctx, key, func(held []Lease) (WriteSet, error) {
		return WriteSet{Put: &Lease{ID: "lease_x"}}, abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if _, err := store.Get(ctx, "lease_x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected aborted lease to be absent, got %v", err)
	}
}

func TestInMemoryStoreExpiryHidesLease(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore(WithClock(clock.Now))
	ctx := context.Background()
	key := testKey("suite")

	if err := store.Atomically(ctx, key, putLease("lease_1", "tok", key, 1, clock.Now(), time.Second)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(1500 * time.Millisecond)

	if _, err := store.Get(ctx, "lease_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired lease to be not found, got %v", err)
	}
	held, err := store.Snapshot(ctx, key)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("expected empty snapshot, got %d leases", len(held))
	}
}

func TestInMemoryStoreDeleteAndRenewCompareToken(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore(WithClock(clock.Now))
	ctx := context.Background()
	key := testKey("deluxe")

	if err := store.Atomically(ctx, key, putLease("lease_1", "right", key, 1, clock.Now(), time.Minute)); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := store.Delete(ctx, "lease_1", "wrong"); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected token mismatch on delete, got %v", err)
	}
	if _, err := store.Renew(ctx, "lease_1", "wrong", time.Hour); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected token mismatch on renew, got %v", err)
	}
	current, err := store.Get(ctx, "lease_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !current.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("expected expiry untouched after rejected renew, got %s", current.ExpiresAt)
	}

	clock.Advance(30 * time.Second)
	renewed, err := store.Renew(ctx, "lease_1", "right", 2*time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.Equal(clock.Now().Add(2 * time.Minute)) {
		t.Fatalf("unexpected renewed expiry %s", renewed.ExpiresAt)
	}

	removed, err := store.Delete(ctx, "lease_1", "right")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed.ID != "lease_1" || removed.Key.String() != key.String() {
		t.Fatalf("expected deleted lease to be returned, got %+v", removed)
	}
	if _, err := store.Delete(ctx, "lease_1", "right"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestInMemoryStoreSweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore(WithClock(clock.Now))
	ctx := context.Background()
	a := testKey("single")
	b := testKey("double")

	if err := store.Atomically(ctx, a, putLease("lease_a", "t", a, 1, clock.Now(), time.Second)); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := store.Atomically(ctx, b, putLease("lease_b", "t", b, 1, clock.Now(), time.Hour)); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	clock.Advance(time.Minute)

	removed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := store.Get(ctx, "lease_b"); err != nil {
		t.Fatalf("expected lease_b to survive sweep: %v", err)
	}

	// the retired bucket for a must be recreated on demand
	if err := store.Atomically(ctx, a, putLease("lease_a2", "t", a, 1, clock.Now(), time.Minute)); err != nil {
		t.Fatalf("acquire after sweep: %v", err)
	}
	if _, err := store.Get(ctx, "lease_a2"); err != nil {
		t.Fatalf("get after sweep: %v", err)
	}
}

func TestInMemoryStoreKeysDoNotContend(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	a := testKey("single")
	b := testKey("double")

	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.Atomically(ctx, a, func(held []Lease) (WriteSet, error) {
			close(entered)
			<-unblock
			return WriteSet{}, nil
		})
	}()
	<-entered

	finished := make(chan error, 1)
	go func() {
		finished <- store.Atomically(ctx, b, putLease("lease_b", "t", b, 1, time.Now().UTC(), time.Minute))
	}()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("acquire b: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("acquire on key b blocked behind key a")
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("acquire a: %v", err)
	}
}
