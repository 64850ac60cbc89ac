package config

import (
	"strings"
	"testing"
	"time"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(fakeEnv(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Store != StoreMemory || cfg.Capacity != CapacityStatic {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DefaultTTL != 120*time.Second || cfg.MinTTL != 30*time.Second || cfg.MaxTTL != 10*time.Minute {
		t.Fatalf("unexpected ttl defaults %s/%s/%s", cfg.DefaultTTL, cfg.MinTTL, cfg.MaxTTL)
	}
	if cfg.MaxQuantity != 10 || cfg.StoreMaxAttempts != 5 {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("expected no kafka brokers by default")
	}
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(fakeEnv(map[string]string{
		"LEASEKEEPER_STORE":         "Redis",
		"LEASEKEEPER_CAPACITY":      "http",
		"LEASEKEEPER_CAPACITY_URL":  "http://inventory:8081",
		"LEASEKEEPER_DEFAULT_TTL":   "90s",
		"LEASEKEEPER_MAX_QUANTITY":  "4",
		"LEASEKEEPER_KAFKA_BROKERS": "k1:9092, k2:9092,",
		"LEASEKEEPER_RATE_WINDOW":   "not-a-duration",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreRedis || cfg.Capacity != CapacityHTTP {
		t.Fatalf("unexpected backends %q/%q", cfg.Store, cfg.Capacity)
	}
	if cfg.DefaultTTL != 90*time.Second || cfg.MaxQuantity != 4 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.RateWindow != time.Minute {
		t.Fatalf("expected malformed duration to fall back, got %s", cfg.RateWindow)
	}
}

func TestLoadFromRejectsInvalidConfig(t *testing.T) {
	_, err := LoadFrom(fakeEnv(map[string]string{
		"LEASEKEEPER_STORE":       "etcd",
		"LEASEKEEPER_CAPACITY":    "http",
		"LEASEKEEPER_DEFAULT_TTL": "1h",
		"LOG_LEVEL":               "trace",
	}))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"LEASEKEEPER_STORE", "LEASEKEEPER_CAPACITY_URL", "LEASEKEEPER_DEFAULT_TTL", "LOG_LEVEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %v", want, err)
		}
	}
}
