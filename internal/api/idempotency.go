package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/leasekeeper/internal/idempotency"
	"github.com/VenkatGGG/leasekeeper/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	inFlightWait = 4 * time.Second
	inFlightPoll = 100 * time.Millisecond
)

// handleIdempotentRequest runs execute at most once per Idempotency-Key and
// replays the recorded response for repeats. It reports false when the
// request carries no key and the caller should handle it directly.
func (s *Server) handleIdempotentRequest(w http.ResponseWriter, r *http.Request, scope string, body []byte, execute func(http.ResponseWriter)) bool {
	if s.idempotency == nil {
		return false
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return false
	}
	// Keys are per client; a replay carries the owner token.
	scope = scope + ":" + clientIdentity(r)

	req := idempotency.Request{
		Scope:       scope,
		Key:         key,
		Fingerprint: idempotency.Fingerprint(r.Method, r.URL.Path, body),
	}
	claim, err := s.beginIdempotent(r.Context(), req)
	if err != nil {
		s.logger.Warn("idempotency begin failed", zap.String("scope", scope), zap.Error(err))
		httpx.WriteError(w, http.StatusServiceUnavailable, "idempotency_unavailable", "idempotency store unavailable")
		return true
	}

	switch claim.Outcome {
	case idempotency.Replay:
		w.Header().Set(replayedHeader, "true")
		writeRecorded(w, claim.Entry)
		return true
	case idempotency.Conflict:
		httpx.WriteError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was used with a different request")
		return true
	case idempotency.InFlight:
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
		return true
	}

	rec := httptest.NewRecorder()
	execute(rec)

	// Server-side failures stay retryable under the same key.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if rec.Code < http.StatusInternalServerError {
		entry := idempotency.Entry{
			StatusCode:  rec.Code,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.Body.Bytes(),
			RecordedAt:  s.now(),
		}
		if err := s.idempotency.Complete(storeCtx, req, claim.Token, entry, s.idempotencyTTL); err != nil {
			s.logger.Warn("idempotency record failed", zap.String("scope", scope), zap.Error(err))
		}
	} else if err := s.idempotency.Abandon(storeCtx, req, claim.Token); err != nil {
		s.logger.Warn("idempotency abandon failed", zap.String("scope", scope), zap.Error(err))
	}

	for name, values := range rec.Header() {
		w.Header()[name] = values
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(rec.Body.Bytes())
	return true
}

// beginIdempotent waits briefly for a concurrent holder of the same key to
// finish so the common retry race resolves to a replay instead of a 409.
func (s *Server) beginIdempotent(ctx context.Context, req idempotency.Request) (idempotency.Claim, error) {
	waitCtx, cancel := context.WithTimeout(ctx, inFlightWait)
	defer cancel()

	ticker := time.NewTicker(inFlightPoll)
	defer ticker.Stop()

	for {
		claim, err := s.idempotency.Begin(waitCtx, req, s.idempotencyLock)
		if err != nil || claim.Outcome != idempotency.InFlight {
			return claim, err
		}
		select {
		case <-waitCtx.Done():
			return claim, nil
		case <-ticker.C:
		}
	}
}

func writeRecorded(w http.ResponseWriter, entry idempotency.Entry) {
	if contentType := strings.TrimSpace(entry.ContentType); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	status := entry.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}
