package capacity

import (
	"context"
	"errors"

	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

var ErrUnknownResource = errors.New("unknown resource")

// Provider reports the total units of a pool for a period, ignoring leases.
type Provider interface {
	Capacity(ctx context.Context, key lease.ResourceKey) (int, error)
}

// Checker is implemented by providers that can report reachability.
type Checker interface {
	Ping(ctx context.Context) error
}
