package capacity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

const sampleCapacity = `
pools:
  - owner_scope: hotel-1
    category_id: DOUBLE
    units: 5
    overrides:
      - from: "2026-04-01"
        to: "2026-04-03"
        units: 2
  - owner_scope: hotel-1
    category_id: suite
    units: 1
`

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestStaticProviderCapacityAndOverrides(t *testing.T) {
	provider, err := ParseStatic([]byte(sampleCapacity))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()

	units, err := provider.Capacity(ctx, lease.NewResourceKey("hotel-1", "double", day(2026, 3, 1), day(2026, 3, 3)))
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if units != 5 {
		t.Fatalf("expected 5 units, got %d", units)
	}

	units, err = provider.Capacity(ctx, lease.NewResourceKey("hotel-1", "Double", day(2026, 3, 31), day(2026, 4, 2)))
	if err != nil {
		t.Fatalf("capacity with override: %v", err)
	}
	if units != 2 {
		t.Fatalf("expected override to cap units at 2, got %d", units)
	}

	units, err = provider.Capacity(ctx, lease.NewResourceKey("hotel-1", "double", day(2026, 4, 3), day(2026, 4, 5)))
	if err != nil {
		t.Fatalf("capacity after override: %v", err)
	}
	if units != 5 {
		t.Fatalf("expected override window to be half-open, got %d", units)
	}
}

func TestStaticProviderUnknownResource(t *testing.T) {
	provider := NewStaticProvider()
	_, err := provider.Capacity(context.Background(), lease.NewResourceKey("nope", "single", day(2026, 1, 1), day(2026, 1, 2)))
	if !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource, got %v", err)
	}

	provider.Set("nope", "SINGLE", 4)
	units, err := provider.Capacity(context.Background(), lease.NewResourceKey("nope", "single", day(2026, 1, 1), day(2026, 1, 2)))
	if err != nil || units != 4 {
		t.Fatalf("expected 4 units after Set, got %d (%v)", units, err)
	}
}

func TestParseStaticRejectsInvalidPools(t *testing.T) {
	cases := []string{
		"pools:\n  - category_id: single\n    units: 1\n",
		"pools:\n  - owner_scope: h\n    category_id: single\n    units: -1\n",
		"pools:\n  - owner_scope: h\n    category_id: single\n    units: 1\n    overrides:\n      - from: \"2026-01-02\"\n        to: \"2026-01-01\"\n        units: 0\n",
		"pools: [",
	}
	for _, raw := range cases {
		if _, err := ParseStatic([]byte(raw)); err == nil {
			t.Fatalf("expected parse error for %q", raw)
		}
	}
}
