package lease

import (
	"context"
	"time"
)

// WriteSet is what an AcquireFunc asks the store to commit. An empty WriteSet
// commits nothing.
type WriteSet struct {
	Put *Lease
}

// AcquireFunc receives the live leases of a key and decides what to write.
// Returning an error aborts the atomic step and the error is passed through
// unchanged.
type AcquireFunc func(held []Lease) (WriteSet, error)

type Store interface {
	// Atomically runs fn against the live lease set of key. Concurrent calls
	// for the same key observe each other's commits; calls for different keys
	// do not contend.
	Atomically(ctx context.Context, key ResourceKey, fn AcquireFunc) error
	Snapshot(ctx context.Context, key ResourceKey) ([]Lease, error)
	Get(ctx context.Context, id string) (Lease, error)
	Delete(ctx context.Context, id, token string) (Lease, error)
	Renew(ctx context.Context, id, token string, ttl time.Duration) (Lease, error)
	Ping(ctx context.Context) error
}

// Sweeper is implemented by stores without native key expiry.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
