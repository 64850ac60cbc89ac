package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	mu     sync.Mutex
	dead   bool
	leases map[string]Lease
}

// InMemoryStore keeps leases in process memory. Each resource key has its own
// bucket and mutex, so keys never contend with each other.
type InMemoryStore struct {
	buckets sync.Map // key string -> *bucket
	index   sync.Map // lease id -> key string
	now     func() time.Time
}

type InMemoryOption func(*InMemoryStore)

func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockBucket returns the locked live bucket for key, creating it if needed.
func (s *InMemoryStore) lockBucket(key string) *bucket {
	for {
		value, _ := s.buckets.LoadOrStore(key, &bucket{leases: make(map[string]Lease)})
		b := value.(*bucket)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

func (s *InMemoryStore) pruneLocked(b *bucket, now time.Time) int {
	removed := 0
	for id, l := range b.leases {
		if !l.Live(now) {
			delete(b.leases, id)
			s.index.Delete(id)
			removed++
		}
	}
	return removed
}

func (s *InMemoryStore) Atomically(ctx context.Context, key ResourceKey, fn AcquireFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.lockBucket(key.String())
	defer b.mu.Unlock()

	now := s.now()
	s.pruneLocked(b, now)
	held := make([]Lease, 0, len(b.leases))
	for _, l := range b.leases {
		held = append(held, l)
	}

	writes, err := fn(held)
	if err != nil {
		return err
	}
	if writes.Put == nil {
		return nil
	}
	put := *writes.Put
	if strings.TrimSpace(put.ID) == "" {
		return errors.New("lease id is required")
	}
	b.leases[put.ID] = put
	s.index.Store(put.ID, key.String())
	return nil
}

func (s *InMemoryStore) Snapshot(_ context.Context, key ResourceKey) ([]Lease, error) {
	value, ok := s.buckets.Load(key.String())
	if !ok {
		return nil, nil
	}
	b := value.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.now()
	out := make([]Lease, 0, len(b.leases))
	for _, l := range b.leases {
		if l.Live(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// withLease runs fn with the bucket holding id locked. fn is only invoked for
// live leases.
func (s *InMemoryStore) withLease(id string, fn func(b *bucket, l Lease, now time.Time) error) error {
	id = strings.TrimSpace(id)
	keyValue, ok := s.index.Load(id)
	if !ok {
		return ErrNotFound
	}
	value, ok := s.buckets.Load(keyValue.(string))
	if !ok {
		return ErrNotFound
	}
	b := value.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leases[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	if !l.Live(now) {
		delete(b.leases, id)
		s.index.Delete(id)
		return ErrNotFound
	}
	return fn(b, l, now)
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Lease, error) {
	var out Lease
	err := s.withLease(id, func(_ *bucket, l Lease, _ time.Time) error {
		out = l
		return nil
	})
	return out, err
}

func (s *InMemoryStore) Delete(_ context.Context, id, token string) (Lease, error) {
	var out Lease
	err := s.withLease(id, func(b *bucket, l Lease, _ time.Time) error {
		if l.OwnerToken != token {
			return ErrTokenMismatch
		}
		delete(b.leases, l.ID)
		s.index.Delete(l.ID)
		out = l
		return nil
	})
	return out, err
}

func (s *InMemoryStore) Renew(_ context.Context, id, token string, ttl time.Duration) (Lease, error) {
	var out Lease
	err := s.withLease(id, func(b *bucket, l Lease, now time.Time) error {
		if l.OwnerToken != token {
			return ErrTokenMismatch
		}
		l.ExpiresAt = now.Add(ttl)
		b.leases[l.ID] = l
		out = l
		return nil
	})
	return out, err
}

func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}

// Sweep drops expired leases and retires empty buckets.
func (s *InMemoryStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	now := s.now()
	s.buckets.Range(func(k, value any) bool {
		if ctx.Err() != nil {
			return false
		}
		b := value.(*bucket)
		b.mu.Lock()
		removed += s.pruneLocked(b, now)
		if len(b.leases) == 0 {
			b.dead = true
			s.buckets.Delete(k)
		}
		b.mu.Unlock()
		return true
	})
	return removed, ctx.Err()
}
