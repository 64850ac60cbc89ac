package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recorded struct {
	entry     Entry
	expiresAt time.Time
}

type holder struct {
	token       string
	fingerprint string
	expiresAt   time.Time
}

// InMemoryStore keeps recorded responses in process. Suitable for a single
// instance only.
type InMemoryStore struct {
	mu       sync.Mutex
	recorded map[string]recorded
	holders  map[string]holder
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		recorded: make(map[string]recorded),
		holders:  make(map[string]holder),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Begin(_ context.Context, req Request, lockTTL time.Duration) (Claim, error) {
	compound, err := req.compound()
	if err != nil {
		return Claim{}, err
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	if rec, ok := s.recorded[compound]; ok {
		return judge(req, rec.entry), nil
	}
	if h, ok := s.holders[compound]; ok {
		if h.fingerprint != req.Fingerprint {
			return Claim{Outcome: Conflict}, nil
		}
		return Claim{Outcome: InFlight}, nil
	}
	token := uuid.NewString()
	s.holders[compound] = holder{token: token, fingerprint: req.Fingerprint, expiresAt: now.Add(lockTTL)}
	return Claim{Outcome: Started, Token: token}, nil
}

func (s *InMemoryStore) Complete(_ context.Context, req Request, token string, entry Entry, ttl time.Duration) error {
	compound, err := req.compound()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	entry.Fingerprint = req.Fingerprint
	entry.Body = append([]byte(nil), entry.Body...)

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded[compound] = recorded{entry: entry, expiresAt: now.Add(ttl)}
	if h, ok := s.holders[compound]; ok && h.token == token {
		delete(s.holders, compound)
	}
	return nil
}

func (s *InMemoryStore) Abandon(_ context.Context, req Request, token string) error {
	compound, err := req.compound()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.holders[compound]; ok && h.token == token {
		delete(s.holders, compound)
	}
	return nil
}

func (s *InMemoryStore) pruneLocked(now time.Time) {
	for k, rec := range s.recorded {
		if !now.Before(rec.expiresAt) {
			delete(s.recorded, k)
		}
	}
	for k, h := range s.holders {
		if !now.Before(h.expiresAt) {
			delete(s.holders, k)
		}
	}
}
