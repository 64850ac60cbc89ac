package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientIdentityPrecedence(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/leases", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	if got := clientIdentity(req); got != "ip:127.0.0.1" {
		t.Fatalf("expected remote host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.10, 10.0.0.5")
	if got := clientIdentity(req); got != "ip:203.0.113.10" {
		t.Fatalf("expected first forwarded ip, got %q", got)
	}

	req.Header.Set(clientIDHeader, "checkout-svc")
	if got := clientIdentity(req); got != "id:checkout-svc" {
		t.Fatalf("expected explicit client id, got %q", got)
	}
}

func TestIsAcquireOnlyMatchesAcquire(t *testing.T) {
	t.Parallel()

	if !isAcquire(httptest.NewRequest(http.MethodPost, "/v1/leases", nil)) {
		t.Fatalf("expected acquire to match")
	}
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/leases/lease_1/release", nil),
		httptest.NewRequest(http.MethodPost, "/v1/leases/lease_1/extend", nil),
		httptest.NewRequest(http.MethodGet, "/v1/leases/lease_1", nil),
		httptest.NewRequest(http.MethodDelete, "/v1/leases/lease_1", nil),
	} {
		if isAcquire(req) {
			t.Fatalf("did not expect %s %s to match", req.Method, req.URL.Path)
		}
	}
}

func TestAcquireLimiterRefills(t *testing.T) {
	t.Parallel()

	limiter := newAcquireLimiter(2, time.Minute)
	now := time.Date(2026, time.February, 12, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if _, ok := limiter.allow("c", now); !ok {
			t.Fatalf("expected burst request %d to be allowed", i)
		}
	}
	wait, ok := limiter.allow("c", now)
	if ok {
		t.Fatalf("expected third request to be throttled")
	}
	if wait <= 0 || wait > 30*time.Second {
		t.Fatalf("expected wait within one refill interval, got %s", wait)
	}
	if _, ok := limiter.allow("other", now); !ok {
		t.Fatalf("expected clients to be limited independently")
	}
	if _, ok := limiter.allow("c", now.Add(31*time.Second)); !ok {
		t.Fatalf("expected a token after the refill interval")
	}
}
