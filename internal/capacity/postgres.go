package capacity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

// PostgresProvider reads capacity from the booking system of record: active,
// bookable rooms of the category minus rooms with an overlapping confirmed or
// checked-in booking.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

func NewPostgresProvider(pool *pgxpool.Pool) (*PostgresProvider, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	return &PostgresProvider{pool: pool}, nil
}

func (p *PostgresProvider) Capacity(ctx context.Context, key lease.ResourceKey) (int, error) {
	var known bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM hotels WHERE id::text = $1)`, key.OwnerScope).Scan(&known); err != nil {
		return 0, fmt.Errorf("capacity hotel lookup: %w", err)
	}
	if !known {
		return 0, ErrUnknownResource
	}

	var units int
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM rooms r
WHERE r.hotel_id::text = $1
  AND lower(r.room_type) = $2
  AND r.is_active
  AND r.is_available
  AND NOT EXISTS (
	SELECT 1 FROM bookings b
	WHERE b.room_id = r.id
	  AND b.check_in_date < $4
	  AND b.check_out_date > $3
	  AND lower(b.status) IN ('confirmed', 'checked_in')
  )
`, key.OwnerScope, key.CategoryID, key.PeriodStart, key.PeriodEnd).Scan(&units)
	if err != nil {
		return 0, fmt.Errorf("capacity room count: %w", err)
	}
	return units, nil
}

func (p *PostgresProvider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
