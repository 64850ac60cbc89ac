package capacity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

type StaticFile struct {
	Pools []StaticPool `yaml:"pools"`
}

type StaticPool struct {
	OwnerScope string           `yaml:"owner_scope"`
	CategoryID string           `yaml:"category_id"`
	Units      int              `yaml:"units"`
	Overrides  []StaticOverride `yaml:"overrides"`
}

// StaticOverride lowers the units of a pool for any period overlapping
// [From, To).
type StaticOverride struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Units int    `yaml:"units"`
}

type staticOverride struct {
	from, to time.Time
	units    int
}

type staticEntry struct {
	units     int
	overrides []staticOverride
}

type StaticProvider struct {
	mu    sync.RWMutex
	pools map[string]staticEntry
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{pools: make(map[string]staticEntry)}
}

func LoadStaticFile(path string) (*StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capacity file: %w", err)
	}
	return ParseStatic(raw)
}

func ParseStatic(raw []byte) (*StaticProvider, error) {
	var file StaticFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode capacity file: %w", err)
	}
	p := NewStaticProvider()
	for i, pool := range file.Pools {
		if strings.TrimSpace(pool.OwnerScope) == "" || strings.TrimSpace(pool.CategoryID) == "" {
			return nil, fmt.Errorf("capacity pool %d: owner_scope and category_id are required", i)
		}
		if pool.Units < 0 {
			return nil, fmt.Errorf("capacity pool %d: units must be >= 0", i)
		}
		entry := staticEntry{units: pool.Units}
		for j, o := range pool.Overrides {
			from, err := time.Parse(lease.DateLayout, o.From)
			if err != nil {
				return nil, fmt.Errorf("capacity pool %d override %d: from: %w", i, j, err)
			}
			to, err := time.Parse(lease.DateLayout, o.To)
			if err != nil {
				return nil, fmt.Errorf("capacity pool %d override %d: to: %w", i, j, err)
			}
			if !to.After(from) || o.Units < 0 {
				return nil, fmt.Errorf("capacity pool %d override %d: invalid range or units", i, j)
			}
			entry.overrides = append(entry.overrides, staticOverride{from: from, to: to, units: o.Units})
		}
		p.pools[poolID(pool.OwnerScope, pool.CategoryID)] = entry
	}
	return p, nil
}

// Set registers or replaces the units of a pool.
func (p *StaticProvider) Set(scope, category string, units int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.pools[poolID(scope, category)]
	entry.units = units
	p.pools[poolID(scope, category)] = entry
}

func (p *StaticProvider) Capacity(_ context.Context, key lease.ResourceKey) (int, error) {
	p.mu.RLock()
	entry, ok := p.pools[poolID(key.OwnerScope, key.CategoryID)]
	p.mu.RUnlock()
	if !ok {
		return 0, ErrUnknownResource
	}
	units := entry.units
	for _, o := range entry.overrides {
		if o.from.Before(key.PeriodEnd) && o.to.After(key.PeriodStart) && o.units < units {
			units = o.units
		}
	}
	return units, nil
}

func poolID(scope, category string) string {
	return strings.TrimSpace(scope) + "|" + strings.ToLower(strings.TrimSpace(category))
}
