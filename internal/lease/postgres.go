package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore serializes acquires per resource key with a transaction-scoped
// advisory lock. Expired rows are invisible to every read and are removed by
// Atomically and Sweep.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	s := &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Atomically(ctx context.Context, key ResourceKey, fn AcquireFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("lease begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	resource := key.String()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, resource); err != nil {
		return fmt.Errorf("lease advisory lock: %w", err)
	}

	now := s.now()
	if _, err := tx.Exec(ctx, `DELETE FROM leases WHERE resource_key = $1 AND expires_at <= $2`, resource, now); err != nil {
		return fmt.Errorf("lease prune: %w", err)
	}

	rows, err := tx.Query(ctx, selectLeaseColumns+` WHERE resource_key = $1`, resource)
	if err != nil {
		return fmt.Errorf("lease list: %w", err)
	}
	held, err := collectLeases(rows)
	if err != nil {
		return err
	}

	writes, err := fn(held)
	if err != nil {
		return err
	}
	if writes.Put != nil {
		put := *writes.Put
		_, err := tx.Exec(ctx, `
INSERT INTO leases (id, resource_key, owner_scope, category_id, period_start, period_end, quantity, owner_token, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, put.ID, resource, put.Key.OwnerScope, put.Key.CategoryID, put.Key.PeriodStart, put.Key.PeriodEnd,
			put.Quantity, put.OwnerToken, put.CreatedAt, put.ExpiresAt)
		if err != nil {
			return fmt.Errorf("lease insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("lease commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, key ResourceKey) ([]Lease, error) {
	rows, err := s.pool.Query(ctx, selectLeaseColumns+` WHERE resource_key = $1 AND expires_at > $2`, key.String(), s.now())
	if err != nil {
		return nil, fmt.Errorf("lease snapshot: %w", err)
	}
	return collectLeases(rows)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Lease, error) {
	row := s.pool.QueryRow(ctx, selectLeaseColumns+` WHERE id = $1 AND expires_at > $2`, strings.TrimSpace(id), s.now())
	return scanLease(row)
}

func (s *PostgresStore) Delete(ctx context.Context, id, token string) (Lease, error) {
	id = strings.TrimSpace(id)
	row := s.pool.QueryRow(ctx, `
DELETE FROM leases
WHERE id = $1 AND owner_token = $2 AND expires_at > $3
RETURNING `+leaseColumns, id, token, s.now())
	l, err := scanLease(row)
	if errors.Is(err, ErrNotFound) {
		return Lease{}, s.classifyMiss(ctx, id)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lease release: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) Renew(ctx context.Context, id, token string, ttl time.Duration) (Lease, error) {
	id = strings.TrimSpace(id)
	now := s.now()
	row := s.pool.QueryRow(ctx, `
UPDATE leases SET expires_at = $4
WHERE id = $1 AND owner_token = $2 AND expires_at > $3
RETURNING `+leaseColumns, id, token, now, now.Add(ttl))
	l, err := scanLease(row)
	if errors.Is(err, ErrNotFound) {
		return Lease{}, s.classifyMiss(ctx, id)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lease renew: %w", err)
	}
	return l, nil
}

// classifyMiss tells a live lease held under another token apart from a
// lease that no longer exists.
func (s *PostgresStore) classifyMiss(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leases WHERE id = $1 AND expires_at > $2)`, id, s.now()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lease lookup: %w", err)
	}
	if exists {
		return ErrTokenMismatch
	}
	return ErrNotFound
}

func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("lease sweep: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS leases (
	id TEXT PRIMARY KEY,
	resource_key TEXT NOT NULL,
	owner_scope TEXT NOT NULL,
	category_id TEXT NOT NULL,
	period_start DATE NOT NULL,
	period_end DATE NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	owner_token TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`,
		`CREATE INDEX IF NOT EXISTS idx_leases_resource_key ON leases (resource_key, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_leases_expires_at ON leases (expires_at);`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize leases schema: %w", err)
		}
	}
	return nil
}

const leaseColumns = `id, owner_scope, category_id, period_start, period_end, quantity, owner_token, created_at, expires_at`

const selectLeaseColumns = `SELECT ` + leaseColumns + ` FROM leases`

type leaseRowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row leaseRowScanner) (Lease, error) {
	var (
		out        Lease
		scope      string
		category   string
		start, end time.Time
	)
	err := row.Scan(&out.ID, &scope, &category, &start, &end, &out.Quantity, &out.OwnerToken, &out.CreatedAt, &out.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, err
	}
	out.Key = NewResourceKey(scope, category, start, end)
	out.CreatedAt = out.CreatedAt.UTC()
	out.ExpiresAt = out.ExpiresAt.UTC()
	return out, nil
}

func collectLeases(rows pgx.Rows) ([]Lease, error) {
	defer rows.Close()
	var out []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease rows: %w", err)
	}
	return out, nil
}
