package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

const defaultRedisAttempts = 5

// RedisStore keeps one hash per lease with a native PX expiry and a sorted set
// per resource key indexing lease ids by expiry. Acquire is an optimistic
// WATCH/MULTI on the index; release and renew are server-side scripts.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts uint
	now         func() time.Time
}

type RedisOption func(*RedisStore)

func WithRedisMaxAttempts(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxAttempts = uint(n)
		}
	}
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedisStore(client redis.UniversalClient, prefix string, opts ...RedisOption) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "leasekeeper"
	}
	s := &RedisStore{
		client:      client,
		prefix:      normalized,
		maxAttempts: defaultRedisAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Atomically(ctx context.Context, key ResourceKey, fn AcquireFunc) error {
	poolKey := s.poolKey(key)
	attempt := func() (struct{}, error) {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := s.now()
			held, stale, err := s.loadPool(ctx, tx, poolKey, now)
			if err != nil {
				return err
			}
			writes, err := fn(held)
			if err != nil {
				return backoff.Permanent(err)
			}
			if writes.Put == nil && len(stale) == 0 {
				return nil
			}

			poolExpiry := now
			for _, l := range held {
				if l.ExpiresAt.After(poolExpiry) {
					poolExpiry = l.ExpiresAt
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(stale) > 0 {
					members := make([]any, 0, len(stale))
					for _, id := range stale {
						members = append(members, id)
					}
					pipe.ZRem(ctx, poolKey, members...)
				}
				if writes.Put != nil {
					put := *writes.Put
					leaseKey := s.leaseKey(put.ID)
					pipe.HSet(ctx, leaseKey, encodeLease(put, poolKey))
					pipe.PExpireAt(ctx, leaseKey, put.ExpiresAt)
					pipe.ZAdd(ctx, poolKey, redis.Z{Score: float64(put.ExpiresAt.UnixMilli()), Member: put.ID})
					if put.ExpiresAt.After(poolExpiry) {
						poolExpiry = put.ExpiresAt
					}
				}
				if poolExpiry.After(now) {
					pipe.PExpireAt(ctx, poolKey, poolExpiry)
				}
				return nil
			})
			return err
		}, poolKey)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, redis.TxFailedErr):
			return struct{}{}, err
		default:
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(fmt.Errorf("lease redis atomically: %w", err))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.maxAttempts),
	)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrBusy
	}
	return err
}

type poolReader interface {
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

func (s *RedisStore) loadPool(ctx context.Context, c poolReader, poolKey string, now time.Time) ([]Lease, []string, error) {
	ids, err := c.ZRange(ctx, poolKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("lease pool range: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.leaseKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("lease pool load: %w", err)
	}

	held := make([]Lease, 0, len(ids))
	var stale []string
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		l, err := decodeLease(fields)
		if err != nil {
			return nil, nil, err
		}
		if !l.Live(now) {
			stale = append(stale, ids[i])
			continue
		}
		held = append(held, l)
	}
	return held, stale, nil
}

func (s *RedisStore) Snapshot(ctx context.Context, key ResourceKey) ([]Lease, error) {
	held, _, err := s.loadPool(ctx, s.client, s.poolKey(key), s.now())
	return held, err
}

func (s *RedisStore) Get(ctx context.Context, id string) (Lease, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Lease{}, ErrNotFound
	}
	fields, err := s.client.HGetAll(ctx, s.leaseKey(id)).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("lease get: %w", err)
	}
	if len(fields) == 0 {
		return Lease{}, ErrNotFound
	}
	l, err := decodeLease(fields)
	if err != nil {
		return Lease{}, err
	}
	if !l.Live(s.now()) {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

func (s *RedisStore) Delete(ctx context.Context, id, token string) (Lease, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Lease{}, ErrNotFound
	}
	raw, err := releaseLeaseScript.Run(ctx, s.client, []string{s.leaseKey(id)}, token, id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, fmt.Errorf("lease release: %w", err)
	}
	return scriptResult(raw)
}

func (s *RedisStore) Renew(ctx context.Context, id, token string, ttl time.Duration) (Lease, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Lease{}, ErrNotFound
	}
	expiresAt := s.now().Add(ttl)
	raw, err := renewLeaseScript.Run(ctx, s.client, []string{s.leaseKey(id)}, token, expiresAt.UnixMilli(), id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, fmt.Errorf("lease renew: %w", err)
	}
	return scriptResult(raw)
}

// scriptResult decodes the reply of the release and renew scripts: the lease
// hash on success, 0 when the lease is gone, -1 on token mismatch.
func scriptResult(raw any) (Lease, error) {
	switch v := raw.(type) {
	case int64:
		if v == -1 {
			return Lease{}, ErrTokenMismatch
		}
		return Lease{}, ErrNotFound
	case []any:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		return decodeLease(fields)
	default:
		return Lease{}, ErrNotFound
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) leaseKey(id string) string {
	return s.prefix + ":lease:" + id
}

func (s *RedisStore) poolKey(key ResourceKey) string {
	return s.prefix + ":pool:" + key.String()
}

func encodeLease(l Lease, poolKey string) map[string]any {
	return map[string]any{
		"id":            l.ID,
		"owner_scope":   l.Key.OwnerScope,
		"category_id":   l.Key.CategoryID,
		"period_start":  l.Key.PeriodStart.Format(DateLayout),
		"period_end":    l.Key.PeriodEnd.Format(DateLayout),
		"quantity":      l.Quantity,
		"owner_token":   l.OwnerToken,
		"created_at_ms": l.CreatedAt.UnixMilli(),
		"expires_at_ms": l.ExpiresAt.UnixMilli(),
		"pool":          poolKey,
	}
}

func decodeLease(fields map[string]string) (Lease, error) {
	quantity, err := strconv.Atoi(fields["quantity"])
	if err != nil {
		return Lease{}, fmt.Errorf("decode lease quantity: %w", err)
	}
	createdMs, err := strconv.ParseInt(fields["created_at_ms"], 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("decode lease created_at: %w", err)
	}
	expiresMs, err := strconv.ParseInt(fields["expires_at_ms"], 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("decode lease expires_at: %w", err)
	}
	start, err := time.Parse(DateLayout, fields["period_start"])
	if err != nil {
		return Lease{}, fmt.Errorf("decode lease period_start: %w", err)
	}
	end, err := time.Parse(DateLayout, fields["period_end"])
	if err != nil {
		return Lease{}, fmt.Errorf("decode lease period_end: %w", err)
	}
	return Lease{
		ID:         fields["id"],
		Key:        NewResourceKey(fields["owner_scope"], fields["category_id"], start, end),
		Quantity:   quantity,
		OwnerToken: fields["owner_token"],
		CreatedAt:  time.UnixMilli(createdMs).UTC(),
		ExpiresAt:  time.UnixMilli(expiresMs).UTC(),
	}, nil
}

var releaseLeaseScript = redis.NewScript(`
local token = redis.call("HGET", KEYS[1], "owner_token")
if not token then
  return 0
end
if token ~= ARGV[1] then
  return -1
end
local fields = redis.call("HGETALL", KEYS[1])
local pool = redis.call("HGET", KEYS[1], "pool")
redis.call("DEL", KEYS[1])
if pool then
  redis.call("ZREM", pool, ARGV[2])
end
return fields
`)

var renewLeaseScript = redis.NewScript(`
local token = redis.call("HGET", KEYS[1], "owner_token")
if not token then
  return 0
end
if token ~= ARGV[1] then
  return -1
end
redis.call("HSET", KEYS[1], "expires_at_ms", ARGV[2])
redis.call("PEXPIREAT", KEYS[1], ARGV[2])
local pool = redis.call("HGET", KEYS[1], "pool")
if pool then
  redis.call("ZADD", pool, ARGV[2], ARGV[3])
  local top = redis.call("ZRANGE", pool, -1, -1, "WITHSCORES")
  if top[2] then
    redis.call("PEXPIREAT", pool, top[2])
  end
end
return redis.call("HGETALL", KEYS[1])
`)
