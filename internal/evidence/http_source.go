package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trogers1052/governance-service/internal/apperr"
)

// HTTPSource reads strategy counters from the backtest statistics service.
// Each call is a single attempt; retries belong to the Aggregator.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for the given base URL.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Counters implements Source via GET /strategies/{id}/stats.
func (s *HTTPSource) Counters(ctx context.Context, strategyID string) (Counters, error) {
	endpoint := fmt.Sprintf("%s/strategies/%s/stats", s.baseURL, url.PathEscape(strategyID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Counters{}, apperr.Internal("evidence_request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Counters{}, apperr.Upstream("evidence_provider_unavailable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Counters{}, apperr.Upstream("evidence_provider_unavailable", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Counters{}, apperr.FromHTTPStatus("evidence_provider", resp.StatusCode, resp.Header.Get("Retry-After"), strings.TrimSpace(string(body)))
	}

	var c Counters
	if err := json.Unmarshal(body, &c); err != nil {
		return Counters{}, apperr.Upstream("evidence_provider_malformed", fmt.Errorf("failed to decode counters: %w", err))
	}
	return c, nil
}
