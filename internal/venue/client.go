// Package venue is the HTTP client for the order-routing adapter that holds
// protective orders at the trading venue.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/protection"
)

const maxBody = 1 << 20

// Client implements protection.Venue. Each method is a single attempt; the
// reconciler owns the retry budget.
type Client struct {
	baseURL  string
	apiKey   string
	provider string
	client   *http.Client
}

// NewClient creates a venue client.
func NewClient(baseURL, apiKey, provider string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		provider: provider,
		client:   client,
	}
}

var _ protection.Venue = (*Client)(nil)

// Provider implements protection.Venue.
func (c *Client) Provider() string { return c.provider }

// Ping implements protection.Venue.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// OpenOrders implements protection.Venue.
func (c *Client) OpenOrders(ctx context.Context, positionID string) ([]protection.VenueOrder, error) {
	var out struct {
		Orders []protection.VenueOrder `json:"orders"`
	}
	path := "/positions/" + url.PathEscape(positionID) + "/orders"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, unknownPosition(err)
	}
	return out.Orders, nil
}

// PlaceOrder implements protection.Venue.
func (c *Client) PlaceOrder(ctx context.Context, req protection.OrderRequest) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders", req, &out); err != nil {
		return "", unknownPosition(err)
	}
	if out.Key == "" {
		return "", apperr.Upstream("venue_malformed", errors.New("order acknowledged without a key"))
	}
	return out.Key, nil
}

// CancelOrder implements protection.Venue. A 404 means the order is already
// gone, which is the state the caller wants.
func (c *Client) CancelOrder(ctx context.Context, positionID, key string) error {
	path := "/positions/" + url.PathEscape(positionID) + "/orders/" + url.PathEscape(key)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// unknownPosition turns a 404 on a position into a permanent rejection. Asking
// again will not make the venue know the position.
func unknownPosition(err error) error {
	var e *apperr.Error
	if errors.As(err, &e) && e.Kind == apperr.KindNotFound {
		return &apperr.Error{Kind: apperr.KindUpstream, Code: "venue_rejected", Message: "unknown position: " + e.Message, Permanent: true}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperr.Internal("venue_request", fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Internal("venue_request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Upstream("venue_unavailable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return apperr.Upstream("venue_unavailable", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.FromHTTPStatus("venue", resp.StatusCode, resp.Header.Get("Retry-After"), strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Upstream("venue_malformed", fmt.Errorf("failed to decode %s %s: %w", method, path, err))
	}
	return nil
}
