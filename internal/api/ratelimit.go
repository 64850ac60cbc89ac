package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/VenkatGGG/leasekeeper/pkg/httpx"
)

const (
	clientIDHeader = "X-Client-ID"
	idleClientTTL  = 10 * time.Minute
)

// withRateLimit throttles acquires per client. Release, extend and status
// stay unthrottled so a throttled client can still hand back what it holds.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil || !isAcquire(r) {
			next.ServeHTTP(w, r)
			return
		}
		if wait, ok := s.rateLimiter.allow(clientIdentity(r), s.now()); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "acquire rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAcquire(r *http.Request) bool {
	return r.Method == http.MethodPost && r.URL.Path == "/v1/leases"
}

// clientIdentity prefers an explicit client id, then the first forwarded
// address, then the peer address.
func clientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
		return "id:" + id
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return "ip:" + first
		}
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return "ip:" + host
	}
	if raw := strings.TrimSpace(r.RemoteAddr); raw != "" {
		return "ip:" + raw
	}
	return "unknown"
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// acquireLimiter hands each client a token bucket refilling limit tokens per
// window with a burst of limit.
type acquireLimiter struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func newAcquireLimiter(limit int, window time.Duration) *acquireLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &acquireLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		clients: make(map[string]*clientLimiter),
	}
}

// allow reports whether client may acquire at now and, when it may not, how
// long until a token frees up.
func (l *acquireLimiter) allow(client string, now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)
	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.every, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Second, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (l *acquireLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < idleClientTTL {
		return
	}
	l.lastSweep = now
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) >= idleClientTTL {
			delete(l.clients, key)
		}
	}
}
