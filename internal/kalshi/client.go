package kalshi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/domain"
	"github.com/web3guy0/kalshibot/internal/execution"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KALSHI TRADING CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Handles order placement and portfolio queries against the Kalshi
// Trade API v2. Prices cross the wire in cents (1..99); everything
// above this package works in side-normalized dollars.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DemoBaseURL = "https://demo-api.kalshi.co/trade-api/v2"
	LiveBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
)

// Client is the live Kalshi brokerage client.
type Client struct {
	baseURL      string
	apiKeyID     string
	apiKeySecret string
	httpClient   *http.Client
}

var _ execution.Broker = (*Client)(nil)

// NewClient builds a client for the configured environment.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg.KalshiAPIKeyID == "" || cfg.KalshiAPIKeySecret == "" {
		return nil, fmt.Errorf("%w: kalshi credentials not set", domain.ErrValidation)
	}

	baseURL := LiveBaseURL
	if cfg.KalshiEnv == "demo" {
		baseURL = DemoBaseURL
	}

	client := &Client{
		baseURL:      baseURL,
		apiKeyID:     cfg.KalshiAPIKeyID,
		apiKeySecret: cfg.KalshiAPIKeySecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}

	log.Info().
		Str("env", cfg.KalshiEnv).
		Str("base_url", baseURL).
		Msg("🚀 Kalshi client initialized")

	return client, nil
}

type createOrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Type          string `json:"type"`
	Count         int64  `json:"count"`
	YesPrice      int64  `json:"yes_price,omitempty"`
	NoPrice       int64  `json:"no_price,omitempty"`
}

type orderPayload struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Count          int64  `json:"count"`
	RemainingCount int64  `json:"remaining_count"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

// SubmitOrder places a limit buy for the requested side. The limit
// price is clamped to Kalshi's 1..99 cent band.
func (c *Client) SubmitOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderAck, error) {
	if !req.Side.Valid() {
		return execution.OrderAck{}, fmt.Errorf("%w: side %q", domain.ErrValidation, req.Side)
	}

	action := "buy"
	if req.Direction == domain.DirectionSell {
		action = "sell"
	}
	body := createOrderRequest{
		Ticker:        req.MarketTicker,
		ClientOrderID: req.ClientOrderID,
		Side:          string(req.Side),
		Action:        action,
		Type:          "limit",
		Count:         req.Size,
	}
	cents := priceToCents(req.Price)
	if req.Side == domain.SideYes {
		body.YesPrice = cents
	} else {
		body.NoPrice = cents
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/portfolio/orders", body, &resp); err != nil {
		return execution.OrderAck{}, err
	}
	if resp.Order.OrderID == "" {
		return execution.OrderAck{}, domain.Fatal("order accepted without an order id")
	}

	log.Info().
		Str("order_id", resp.Order.OrderID).
		Str("ticker", req.MarketTicker).
		Str("side", string(req.Side)).
		Int64("count", req.Size).
		Int64("price_cents", cents).
		Msg("📤 Kalshi order placed")

	return execution.OrderAck{OrderID: resp.Order.OrderID}, nil
}

// OrderStatus fetches the remote state of one order and maps it onto
// the executor's vocabulary.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (execution.OrderStatus, error) {
	var resp orderResponse
	path := fmt.Sprintf("/portfolio/orders/%s", orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return execution.OrderStatus{}, err
	}

	order := resp.Order
	status := execution.OrderStatus{
		FilledSize: order.Count - order.RemainingCount,
	}
	side := domain.Side(order.Side)
	if side == domain.SideNo {
		status.FilledPrice = centsToPrice(order.NoPrice)
	} else {
		status.FilledPrice = centsToPrice(order.YesPrice)
	}

	switch order.Status {
	case "executed":
		status.Status = execution.OrderFilled
	case "canceled", "cancelled":
		status.Status = execution.OrderRejected
		status.Reason = "order canceled by venue"
	default:
		status.Status = execution.OrderResting
	}
	return status, nil
}

type positionPayload struct {
	Ticker         string `json:"ticker"`
	Position       int64  `json:"position"` // signed: positive YES, negative NO
	MarketExposure int64  `json:"market_exposure"`
}

type positionsResponse struct {
	MarketPositions []positionPayload `json:"market_positions"`
	Cursor          string            `json:"cursor"`
}

// Portfolio returns open brokerage positions as side/size entries.
// Kalshi reports a signed YES count; a negative count is a NO
// position of the same magnitude.
func (c *Client) Portfolio(ctx context.Context) ([]domain.PortfolioEntry, error) {
	entries := []domain.PortfolioEntry{}
	cursor := ""
	for {
		path := "/portfolio/positions?limit=200"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		var resp positionsResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		for _, pos := range resp.MarketPositions {
			if pos.Position == 0 {
				continue
			}
			entry := domain.PortfolioEntry{
				MarketTicker: pos.Ticker,
				Side:         domain.SideYes,
				Size:         pos.Position,
			}
			if pos.Position < 0 {
				entry.Side = domain.SideNo
				entry.Size = -pos.Position
			}
			entry.AvgPrice = centsToPrice(pos.MarketExposure).
				Div(decimal.NewFromInt(entry.Size))
			entries = append(entries, entry)
		}
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}
	return entries, nil
}

// do runs one authenticated request and decodes the response. Network
// failures, timeouts, 429 and 5xx map to transient errors; other
// non-2xx statuses are fatal.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("Authorization", "Bearer "+c.apiKeySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Transient("kalshi request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Transient("reading kalshi response: %v", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding kalshi response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.Transient("kalshi %s %s: status %d: %s", method, path, resp.StatusCode, truncate(data))
	default:
		return domain.Fatal("kalshi %s %s: status %d: %s", method, path, resp.StatusCode, truncate(data))
	}
}

func truncate(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// priceToCents clamps a dollar price into Kalshi's valid cent band.
func priceToCents(price decimal.Decimal) int64 {
	cents := price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	if cents < 1 {
		cents = 1
	}
	if cents > 99 {
		cents = 99
	}
	return cents
}

func centsToPrice(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}
