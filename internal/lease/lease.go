package lease

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

var (
	ErrNotFound      = errors.New("lease not found")
	ErrTokenMismatch = errors.New("lease owner token mismatch")
	ErrBusy          = errors.New("lease store busy")
)

// ResourceKey identifies one reservable pool: a scope (hotel), a category
// (room type) and a half-open date range.
type ResourceKey struct {
	OwnerScope  string
	CategoryID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

func NewResourceKey(scope, category string, start, end time.Time) ResourceKey {
	return ResourceKey{
		OwnerScope:  strings.TrimSpace(scope),
		CategoryID:  strings.ToLower(strings.TrimSpace(category)),
		PeriodStart: truncateDay(start),
		PeriodEnd:   truncateDay(end),
	}
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s",
		k.OwnerScope,
		k.CategoryID,
		k.PeriodStart.Format(DateLayout),
		k.PeriodEnd.Format(DateLayout),
	)
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type Lease struct {
	ID         string
	Key        ResourceKey
	Quantity   int
	OwnerToken string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (l Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

func (l Lease) Remaining(now time.Time) time.Duration {
	remaining := l.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Held sums the quantity of every live lease in the set.
func Held(leases []Lease, now time.Time) int {
	total := 0
	for _, l := range leases {
		if l.Live(now) {
			total += l.Quantity
		}
	}
	return total
}
