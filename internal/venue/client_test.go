package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
	"github.com/trogers1052/governance-service/internal/protection"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret-key", "test-venue", srv.Client())
}

func TestClient_PlaceOrder(t *testing.T) {
	var got protection.OrderRequest
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-API-Key"))
		_, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		assert.NoError(t, err)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"key":"ord-77"}`))
	})

	key, err := c.PlaceOrder(context.Background(), protection.OrderRequest{
		ClientOrderID: protection.ClientOrderID("pos-1", protection.StopLoss),
		PositionID:    "pos-1",
		Kind:          protection.StopLoss,
		Side:          "sell",
		Quantity:      decimal.RequireFromString("2.5"),
		TriggerPrice:  decimal.RequireFromString("97.10"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-77", key)
	assert.Equal(t, "pos-1-SL", got.ClientOrderID)
	assert.True(t, got.TriggerPrice.Equal(decimal.RequireFromString("97.1")))
}

func TestClient_PlaceOrderWithoutKey(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.PlaceOrder(context.Background(), protection.OrderRequest{PositionID: "p"})
	assert.Equal(t, "venue_malformed", apperr.CodeOf(err))
}

func TestClient_OpenOrders(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions/pos%2F1/orders", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"orders":[{"key":"a","position_id":"pos/1","kind":"take_profit","quantity":"1","trigger_price":"110"}]}`))
	})

	orders, err := c.OpenOrders(context.Background(), "pos/1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, protection.TakeProfit, orders[0].Kind)
}

func TestClient_CancelMissingOrderSucceeds(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		http.Error(w, "unknown order", http.StatusNotFound)
	})
	assert.NoError(t, c.CancelOrder(context.Background(), "pos-1", "gone"))
}

func TestClient_ErrorClassification(t *testing.T) {
	cases := map[string]struct {
		status    int
		permanent bool
		retry     time.Duration
	}{
		"throttled":   {http.StatusTooManyRequests, false, 7 * time.Second},
		"unavailable": {http.StatusServiceUnavailable, false, 0},
		"rejected":    {http.StatusUnprocessableEntity, true, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.retry > 0 {
					w.Header().Set("Retry-After", "7")
				}
				w.WriteHeader(tc.status)
			})
			err := c.Ping(context.Background())
			require.Error(t, err)
			assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
			assert.Equal(t, tc.permanent, apperr.IsPermanent(err))
			assert.Equal(t, tc.retry, apperr.RetryAfterOf(err))
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	err := NewClient(srv.URL, "", "v", nil).Ping(context.Background())
	assert.Equal(t, "venue_unavailable", apperr.CodeOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestClient_UnknownPositionIsPermanentRejection(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown position", http.StatusNotFound)
	})

	_, err := c.OpenOrders(context.Background(), "pos-404")
	require.Error(t, err)
	assert.Equal(t, "venue_rejected", apperr.CodeOf(err))
	assert.True(t, apperr.IsPermanent(err))
	assert.False(t, apperr.Retryable(err))

	_, err = c.PlaceOrder(context.Background(), protection.OrderRequest{PositionID: "pos-404"})
	assert.True(t, apperr.IsPermanent(err))
}

func TestClient_UnknownPositionIsNotReconciledAgain(t *testing.T) {
	var calls int32
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unknown position", http.StatusNotFound)
	})
	repo := protection.NewMemoryRepository()
	r := protection.NewReconciler(c, repo, protection.Options{
		Workers:        2,
		Interval:       time.Hour,
		RetryInterval:  time.Hour,
		MaxRetryPasses: 3,
	}, nil, zerolog.Nop())
	ctx := context.Background()

	out, err := r.Activate(ctx, "pos-404", models.ProtectionIntent{
		InstrumentID:    "SOL-USDC",
		Side:            "long",
		Quantity:        decimal.RequireFromString("3"),
		TakeProfitPrice: decimal.RequireFromString("190"),
		StopLossPrice:   decimal.RequireFromString("160"),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	assert.Equal(t, models.ProtectionError, out.Status)
	assert.Empty(t, r.Pending())

	rec, found, err := repo.Get(ctx, "pos-404")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Rejected)

	before := atomic.LoadInt32(&calls)
	for i := 0; i < 3; i++ {
		_, err := r.Reconcile(ctx, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, before, atomic.LoadInt32(&calls), "full passes skip rejected positions")
}
