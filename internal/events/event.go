package events

import (
	"context"
	"time"
)

type Type string

const (
	TypeAcquired Type = "lease.acquired"
	TypeRejected Type = "lease.rejected"
	TypeReleased Type = "lease.released"
	TypeExtended Type = "lease.extended"
)

// Event never carries the owner token.
type Event struct {
	Type      Type      `json:"type"`
	LeaseID   string    `json:"lease_id,omitempty"`
	Resource  string    `json:"resource_key"`
	Quantity  int       `json:"quantity,omitempty"`
	Available *int      `json:"available,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	At        time.Time `json:"at"`
}

// Publisher delivers events best effort. Implementations must not block the
// caller for long; a failed publish never fails the lease operation.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
