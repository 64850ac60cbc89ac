package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) (*HTTPProvider, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("capacity base url is required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProvider{
		baseURL:    normalizeAddress(baseURL),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type capacityResponse struct {
	Units *int `json:"units"`
}

func (p *HTTPProvider) Capacity(ctx context.Context, key lease.ResourceKey) (int, error) {
	query := url.Values{}
	query.Set("owner_scope", key.OwnerScope)
	query.Set("category_id", key.CategoryID)
	query.Set("period_start", key.PeriodStart.Format(lease.DateLayout))
	query.Set("period_end", key.PeriodEnd.Format(lease.DateLayout))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/capacity?"+query.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("capacity request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrUnknownResource
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("capacity request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out capacityResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode capacity response: %w", err)
	}
	if out.Units == nil || *out.Units < 0 {
		return 0, fmt.Errorf("capacity response missing non-negative units")
	}
	return *out.Units, nil
}

func (p *HTTPProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("capacity health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("capacity health returned %d", resp.StatusCode)
	}
	return nil
}

func normalizeAddress(address string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(address), "/")
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "http://" + trimmed
}
