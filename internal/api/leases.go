package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/VenkatGGG/leasekeeper/internal/lease"
	"github.com/VenkatGGG/leasekeeper/internal/reservation"
	"github.com/VenkatGGG/leasekeeper/pkg/httpx"
)

const (
	ownerTokenHeader = "X-Owner-Token"
	maxBodyBytes     = 64 << 10
	maxTTLSeconds    = int64(math.MaxInt64 / time.Second)
)

type resourceKeyJSON struct {
	OwnerScope  string `json:"owner_scope"`
	CategoryID  string `json:"category_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

func toResourceKeyJSON(key lease.ResourceKey) resourceKeyJSON {
	return resourceKeyJSON{
		OwnerScope:  key.OwnerScope,
		CategoryID:  key.CategoryID,
		PeriodStart: key.PeriodStart.Format(lease.DateLayout),
		PeriodEnd:   key.PeriodEnd.Format(lease.DateLayout),
	}
}

type acquireRequest struct {
	resourceKeyJSON
	Quantity   int `json:"quantity"`
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type acquireResponse struct {
	LeaseID     string          `json:"lease_id"`
	OwnerToken  string          `json:"owner_token"`
	ResourceKey resourceKeyJSON `json:"resource_key"`
	Quantity    int             `json:"quantity"`
	ExpiresAt   time.Time       `json:"expires_at"`
	TTLSeconds  int             `json:"ttl_seconds"`
}

type tokenRequest struct {
	OwnerToken string `json:"owner_token"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type releaseResponse struct {
	LeaseID        string `json:"lease_id"`
	Released       bool   `json:"released"`
	PreviouslyHeld bool   `json:"previously_held"`
}

type extendResponse struct {
	LeaseID    string    `json:"lease_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

type statusResponse struct {
	LeaseID             string           `json:"lease_id"`
	Exists              bool             `json:"exists"`
	ResourceKey         *resourceKeyJSON `json:"resource_key,omitempty"`
	Quantity            int              `json:"quantity,omitempty"`
	ExpiresAt           *time.Time       `json:"expires_at,omitempty"`
	RemainingTTLSeconds int              `json:"remaining_ttl_seconds"`
}

type availabilityResponse struct {
	ResourceKey  resourceKeyJSON `json:"resource_key"`
	Capacity     int             `json:"capacity"`
	Held         int             `json:"held"`
	Available    int             `json:"available"`
	ActiveLeases int             `json:"active_leases"`
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	body, err := httpx.ReadBody(r, maxBodyBytes)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if s.handleIdempotentRequest(w, r, "leases:acquire", body, func(rw http.ResponseWriter) {
		s.acquire(rw, r, body)
	}) {
		return
	}
	s.acquire(w, r, body)
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request, body []byte) {
	var req acquireRequest
	if err := httpx.DecodeStrict(body, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
		return
	}
	start, err := parseDate("period_start", req.PeriodStart)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
		return
	}
	end, err := parseDate("period_end", req.PeriodEnd)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
		return
	}

	ttl, err := parseTTLSeconds(req.TTLSeconds)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
		return
	}

	granted, err := s.leases.Acquire(r.Context(), reservation.AcquireInput{
		OwnerScope:  req.OwnerScope,
		CategoryID:  req.CategoryID,
		PeriodStart: start,
		PeriodEnd:   end,
		Quantity:    req.Quantity,
		TTL:         ttl,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, acquireResponse{
		LeaseID:     granted.ID,
		OwnerToken:  granted.OwnerToken,
		ResourceKey: toResourceKeyJSON(granted.Key),
		Quantity:    granted.Quantity,
		ExpiresAt:   granted.ExpiresAt,
		TTLSeconds:  int(granted.ExpiresAt.Sub(granted.CreatedAt).Round(time.Second) / time.Second),
	})
}

func (s *Server) handleLeaseByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/leases/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, "lease id is required")
		return
	}
	id := strings.TrimSpace(parts[0])

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.status(w, r, id)
		case http.MethodDelete:
			s.release(w, r, id, strings.TrimSpace(r.Header.Get(ownerTokenHeader)))
		default:
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
		return
	}

	if len(parts) == 2 && (parts[1] == "release" || parts[1] == "extend") {
		if r.Method != http.MethodPost {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		req, err := readTokenRequest(r)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
			return
		}
		if parts[1] == "release" {
			s.release(w, r, id, req.OwnerToken)
			return
		}
		s.extend(w, r, id, req)
		return
	}

	http.NotFound(w, r)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, id string) {
	found, err := s.leases.Status(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := statusResponse{LeaseID: id, Exists: found.Exists}
	if found.Exists {
		key := toResourceKeyJSON(found.Key)
		expires := found.ExpiresAt
		resp.ResourceKey = &key
		resp.Quantity = found.Quantity
		resp.ExpiresAt = &expires
		resp.RemainingTTLSeconds = int(found.Remaining / time.Second)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request, id, token string) {
	existed, err := s.leases.Release(r.Context(), id, token)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, releaseResponse{LeaseID: id, Released: true, PreviouslyHeld: existed})
}

func (s *Server) extend(w http.ResponseWriter, r *http.Request, id string, req tokenRequest) {
	ttl, err := parseTTLSeconds(req.TTLSeconds)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
		return
	}
	renewed, err := s.leases.Extend(r.Context(), id, req.OwnerToken, ttl)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, extendResponse{
		LeaseID:    renewed.ID,
		ExpiresAt:  renewed.ExpiresAt,
		TTLSeconds: int(renewed.Remaining(s.now()).Round(time.Second) / time.Second),
	})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	q := r.URL.Query()
	start, err := parseDate("period_start", q.Get("period_start"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
		return
	}
	end, err := parseDate("period_end", q.Get("period_end"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, reservation.CodeInvalidRequest, err.Error())
		return
	}

	view, err := s.leases.Availability(r.Context(), q.Get("owner_scope"), q.Get("category_id"), start, end)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, availabilityResponse{
		ResourceKey:  toResourceKeyJSON(view.Key),
		Capacity:     view.Capacity,
		Held:         view.Held,
		Available:    view.Available,
		ActiveLeases: view.ActiveLeases,
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := reservation.Code(err)
	switch code {
	case reservation.CodeInvalidRequest:
		httpx.WriteError(w, http.StatusBadRequest, code, err.Error())
	case reservation.CodeInsufficientCapacity:
		resp := httpx.ErrorResponse{Code: code, Message: err.Error()}
		var capErr *reservation.CapacityError
		if errors.As(err, &capErr) {
			available := capErr.Available
			resp.Available = &available
		}
		httpx.WriteJSON(w, http.StatusConflict, resp)
	case reservation.CodeForbidden:
		httpx.WriteError(w, http.StatusForbidden, code, err.Error())
	case reservation.CodeNotFound:
		httpx.WriteError(w, http.StatusNotFound, code, err.Error())
	case reservation.CodeBusy:
		w.Header().Set("Retry-After", "0")
		httpx.WriteError(w, http.StatusServiceUnavailable, code, err.Error())
	case reservation.CodeUnavailable:
		httpx.WriteError(w, http.StatusServiceUnavailable, code, err.Error())
	default:
		s.logger.Sugar().Errorw("lease operation failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, reservation.CodeInternal, "internal error")
	}
}

func readTokenRequest(r *http.Request) (tokenRequest, error) {
	body, err := httpx.ReadBody(r, maxBodyBytes)
	if err != nil {
		return tokenRequest{}, err
	}
	var req tokenRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := httpx.DecodeStrict(body, &req); err != nil {
			return tokenRequest{}, err
		}
	}
	if req.OwnerToken == "" {
		req.OwnerToken = strings.TrimSpace(r.Header.Get(ownerTokenHeader))
	}
	return req, nil
}

// parseTTLSeconds converts ttl_seconds without overflowing; range checks
// against the configured limits happen in the engine.
func parseTTLSeconds(seconds int) (time.Duration, error) {
	if seconds < 0 || int64(seconds) > maxTTLSeconds {
		return 0, fmt.Errorf("ttl_seconds out of range")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", field)
	}
	parsed, err := time.Parse(lease.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be a YYYY-MM-DD date", field)
	}
	return parsed, nil
}
