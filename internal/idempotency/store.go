package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Outcome tells the caller what to do with a request carrying an
// idempotency key.
type Outcome int

const (
	// Started means the caller now holds the key and must Complete or
	// Abandon it.
	Started Outcome = iota
	// Replay means a response was already recorded for the same request.
	Replay
	// InFlight means another request holds the key.
	InFlight
	// Conflict means the key was used with a different request.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Replay:
		return "replay"
	case InFlight:
		return "in_flight"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Entry is a recorded response.
type Entry struct {
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Request identifies one keyed request. Scope separates operations sharing
// the same caller-chosen key.
type Request struct {
	Scope       string
	Key         string
	Fingerprint string
}

// Claim is the result of Begin. Entry is set for Replay, Token for Started.
type Claim struct {
	Outcome Outcome
	Entry   Entry
	Token   string
}

type Store interface {
	Begin(ctx context.Context, req Request, lockTTL time.Duration) (Claim, error)
	Complete(ctx context.Context, req Request, token string, entry Entry, ttl time.Duration) error
	Abandon(ctx context.Context, req Request, token string) error
}

// Fingerprint hashes what makes two requests "the same" for replay purposes.
func Fingerprint(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{0})
	sum.Write([]byte(path))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

func (r Request) compound() (string, error) {
	scope := strings.TrimSpace(r.Scope)
	key := strings.TrimSpace(r.Key)
	if scope == "" {
		return "", errors.New("idempotency scope is required")
	}
	if key == "" {
		return "", errors.New("idempotency key is required")
	}
	if r.Fingerprint == "" {
		return "", errors.New("idempotency fingerprint is required")
	}
	sum := sha256.Sum256([]byte(scope + "|" + key))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

// judge decides between Replay and Conflict for a recorded entry.
func judge(req Request, entry Entry) Claim {
	if entry.Fingerprint != req.Fingerprint {
		return Claim{Outcome: Conflict}
	}
	entry.Body = append([]byte(nil), entry.Body...)
	return Claim{Outcome: Replay, Entry: entry}
}
