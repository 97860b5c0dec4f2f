package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/kalshibot/internal/domain"
	"github.com/web3guy0/kalshibot/internal/execution"
)

func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		baseURL:      srv.URL,
		apiKeyID:     "key-id",
		apiKeySecret: "key-secret",
		httpClient:   srv.Client(),
	}
}

func TestSubmitOrderYes(t *testing.T) {
	var got createOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/portfolio/orders", r.URL.Path)
		assert.Equal(t, "key-id", r.Header.Get("KALSHI-ACCESS-KEY"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(orderResponse{Order: orderPayload{OrderID: "ord-1", Status: "resting"}})
	}))
	defer srv.Close()

	ack, err := newTestClient(srv).SubmitOrder(context.Background(), execution.OrderRequest{
		ClientOrderID: "client-1",
		MarketTicker:  "KXELECT-26",
		Side:          domain.SideYes,
		Direction:     domain.DirectionBuy,
		Size:          10,
		Price:         decimal.RequireFromString("0.02"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ack.OrderID)

	assert.Equal(t, "KXELECT-26", got.Ticker)
	assert.Equal(t, "client-1", got.ClientOrderID)
	assert.Equal(t, "yes", got.Side)
	assert.Equal(t, "buy", got.Action)
	assert.Equal(t, "limit", got.Type)
	assert.Equal(t, int64(10), got.Count)
	assert.Equal(t, int64(2), got.YesPrice)
	assert.Zero(t, got.NoPrice)
}

func TestSubmitOrderNoSideSell(t *testing.T) {
	var got createOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(orderResponse{Order: orderPayload{OrderID: "ord-2"}})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SubmitOrder(context.Background(), execution.OrderRequest{
		ClientOrderID: "client-2",
		MarketTicker:  "KXELECT-26",
		Side:          domain.SideNo,
		Direction:     domain.DirectionSell,
		Size:          5,
		Price:         decimal.RequireFromString("0.97"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sell", got.Action)
	assert.Equal(t, int64(97), got.NoPrice)
	assert.Zero(t, got.YesPrice)
}

func TestSubmitOrderMissingOrderID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderResponse{})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SubmitOrder(context.Background(), execution.OrderRequest{
		Side:  domain.SideYes,
		Size:  1,
		Price: decimal.RequireFromString("0.50"),
	})
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

func TestOrderStatusMapping(t *testing.T) {
	cases := []struct {
		venue string
		want  string
	}{
		{"executed", execution.OrderFilled},
		{"canceled", execution.OrderRejected},
		{"resting", execution.OrderResting},
	}
	for _, tc := range cases {
		t.Run(tc.venue, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/portfolio/orders/ord-9", r.URL.Path)
				json.NewEncoder(w).Encode(orderResponse{Order: orderPayload{
					OrderID:        "ord-9",
					Status:         tc.venue,
					Side:           "no",
					Count:          10,
					RemainingCount: 4,
					NoPrice:        96,
				}})
			}))
			defer srv.Close()

			status, err := newTestClient(srv).OrderStatus(context.Background(), "ord-9")
			require.NoError(t, err)
			assert.Equal(t, tc.want, status.Status)
			assert.Equal(t, int64(6), status.FilledSize)
			assert.True(t, status.FilledPrice.Equal(decimal.RequireFromString("0.96")))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			_, err := newTestClient(srv).OrderStatus(context.Background(), "ord-1")
			require.Error(t, err)
			assert.Equal(t, tc.transient, domain.IsTransient(err))
			assert.Equal(t, !tc.transient, domain.IsFatal(err))
		})
	}
}

func TestPortfolioPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/portfolio/positions", r.URL.Path)
		if r.URL.Query().Get("cursor") == "" {
			json.NewEncoder(w).Encode(positionsResponse{
				MarketPositions: []positionPayload{
					{Ticker: "KX-A", Position: 100, MarketExposure: 200},
					{Ticker: "KX-FLAT", Position: 0},
				},
				Cursor: "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(positionsResponse{
			MarketPositions: []positionPayload{
				{Ticker: "KX-B", Position: -50, MarketExposure: 4800},
			},
		})
	}))
	defer srv.Close()

	entries, err := newTestClient(srv).Portfolio(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "KX-A", entries[0].MarketTicker)
	assert.Equal(t, domain.SideYes, entries[0].Side)
	assert.Equal(t, int64(100), entries[0].Size)
	assert.True(t, entries[0].AvgPrice.Equal(decimal.RequireFromString("0.02")))

	assert.Equal(t, "KX-B", entries[1].MarketTicker)
	assert.Equal(t, domain.SideNo, entries[1].Side)
	assert.Equal(t, int64(50), entries[1].Size)
	assert.True(t, entries[1].AvgPrice.Equal(decimal.RequireFromString("0.96")))
}

func TestPriceToCentsClamp(t *testing.T) {
	assert.Equal(t, int64(1), priceToCents(decimal.RequireFromString("0.001")))
	assert.Equal(t, int64(1), priceToCents(decimal.Zero))
	assert.Equal(t, int64(50), priceToCents(decimal.RequireFromString("0.50")))
	assert.Equal(t, int64(99), priceToCents(decimal.RequireFromString("0.999")))
	assert.Equal(t, int64(99), priceToCents(decimal.NewFromInt(1)))
}
