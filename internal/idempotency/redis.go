package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares recorded responses between instances. The response and
// the in-flight marker for one key live under the same hash tag so the Lua
// scripts stay cluster safe.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "leasekeeper:idempotency"
	}
	return &RedisStore{
		client: client,
		prefix: normalized,
	}
}

func (s *RedisStore) Begin(ctx context.Context, req Request, lockTTL time.Duration) (Claim, error) {
	compound, err := req.compound()
	if err != nil {
		return Claim{}, err
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	token := uuid.NewString()
	raw, err := beginScript.Run(ctx, s.client,
		[]string{s.responseKey(compound), s.holderKey(compound)},
		req.Fingerprint, token, lockTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return Claim{}, fmt.Errorf("idempotency begin: %w", err)
	}
	if len(raw) == 0 {
		return Claim{}, fmt.Errorf("idempotency begin: empty script reply")
	}
	code, _ := raw[0].(int64)
	switch code {
	case 0:
		return Claim{Outcome: Started, Token: token}, nil
	case 1:
		stored, _ := raw[1].(string)
		var entry Entry
		if err := json.Unmarshal([]byte(stored), &entry); err != nil {
			return Claim{}, fmt.Errorf("decode idempotency entry: %w", err)
		}
		return judge(req, entry), nil
	case 2:
		return Claim{Outcome: InFlight}, nil
	case 3:
		return Claim{Outcome: Conflict}, nil
	default:
		return Claim{}, fmt.Errorf("idempotency begin: unexpected reply %v", code)
	}
}

func (s *RedisStore) Complete(ctx context.Context, req Request, token string, entry Entry, ttl time.Duration) error {
	compound, err := req.compound()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	entry.Fingerprint = req.Fingerprint
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	err = completeScript.Run(ctx, s.client,
		[]string{s.responseKey(compound), s.holderKey(compound)},
		raw, ttl.Milliseconds(), token,
	).Err()
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, req Request, token string) error {
	compound, err := req.compound()
	if err != nil {
		return err
	}
	if err := abandonScript.Run(ctx, s.client, []string{s.holderKey(compound)}, token).Err(); err != nil {
		return fmt.Errorf("idempotency abandon: %w", err)
	}
	return nil
}

func (s *RedisStore) responseKey(compound string) string {
	return s.prefix + ":{" + compound + "}:resp"
}

func (s *RedisStore) holderKey(compound string) string {
	return s.prefix + ":{" + compound + "}:holder"
}

// Holder values are "<fingerprint>|<token>".
var beginScript = redis.NewScript(`
local stored = redis.call("GET", KEYS[1])
if stored then
  return {1, stored}
end
local holder = redis.call("GET", KEYS[2])
if holder then
  if string.sub(holder, 1, #ARGV[1] + 1) == ARGV[1] .. "|" then
    return {2}
  end
  return {3}
end
redis.call("SET", KEYS[2], ARGV[1] .. "|" .. ARGV[2], "PX", ARGV[3])
return {0}
`)

var completeScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
local holder = redis.call("GET", KEYS[2])
if holder and string.sub(holder, -#ARGV[3]) == ARGV[3] then
  redis.call("DEL", KEYS[2])
end
return 1
`)

var abandonScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder and string.sub(holder, -#ARGV[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
