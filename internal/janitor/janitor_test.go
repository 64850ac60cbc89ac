package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context) (int, error) {
	s.calls.Add(1)
	return 2, s.err
}

func TestRunSweepsOnEveryTick(t *testing.T) {
	sweeper := &countingSweeper{}
	j := New(sweeper, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sweeper.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 sweeps, got %d", sweeper.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop after cancel")
	}
}

func TestRunWithoutSweeperReturns(t *testing.T) {
	j := New(nil, time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		j.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return immediately without a sweeper")
	}
}

func TestSweepPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	j := New(&countingSweeper{err: boom}, time.Minute, nil)
	if _, err := j.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestSweepAgainstInMemoryStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := lease.NewInMemoryStore(lease.WithClock(func() time.Time { return now }))
	key := lease.NewResourceKey("hotel-1", "single", now, now.Add(24*time.Hour))
	err := store.Atomically(context.Background(), key, func([]lease.Lease) (lease.WriteSet, error) {
		return lease.WriteSet{Put: &lease.Lease{ID: "lease_1", Key: key, Quantity: 1, OwnerToken: "t", CreatedAt: now, ExpiresAt: now.Add(time.Second)}}, nil
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(time.Minute)

	removed, err := New(store, time.Minute, nil).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}
