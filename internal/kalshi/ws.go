package kalshi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KALSHI FILL FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to the account fill channel over WebSocket so live fills
// reach the reconciler ahead of the next polling pass. Reconnects
// with a fixed delay; the REST reconciler remains the source of truth
// when the feed is down.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DemoWSURL = "wss://demo-api.kalshi.co/trade-api/ws/v2"
	LiveWSURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"

	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Fill is one account fill event from the feed.
type Fill struct {
	OrderID      string
	MarketTicker string
	Side         domain.Side
	Count        int64
	Price        decimal.Decimal // side-normalized dollars
	Timestamp    time.Time
}

// FillFeed maintains the WebSocket subscription and fans fills out to
// subscribers.
type FillFeed struct {
	mu sync.Mutex

	wsURL        string
	apiKeyID     string
	apiKeySecret string
	conn         *websocket.Conn
	running      bool

	subscribers []chan Fill
}

// NewFillFeed builds a feed for the configured environment.
func NewFillFeed(cfg *config.Config) *FillFeed {
	wsURL := LiveWSURL
	if cfg.KalshiEnv == "demo" {
		wsURL = DemoWSURL
	}
	return &FillFeed{
		wsURL:        wsURL,
		apiKeyID:     cfg.KalshiAPIKeyID,
		apiKeySecret: cfg.KalshiAPIKeySecret,
	}
}

// Subscribe registers a fill channel. Slow subscribers drop events
// rather than stall the feed.
func (f *FillFeed) Subscribe() <-chan Fill {
	ch := make(chan Fill, 64)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()
	return ch
}

// Start runs the connection loop until ctx is done.
func (f *FillFeed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop(ctx)
	log.Info().Str("url", f.wsURL).Msg("📡 Fill feed started")
}

func (f *FillFeed) connectionLoop(ctx context.Context) {
	for {
		if err := f.connectAndRead(ctx); err != nil {
			log.Warn().Err(err).Msg("⚠️ Fill feed disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

type wsCommand struct {
	ID     int      `json:"id"`
	Cmd    string   `json:"cmd"`
	Params wsParams `json:"params"`
}

type wsParams struct {
	Channels []string `json:"channels"`
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

type wsFill struct {
	OrderID      string `json:"order_id"`
	MarketTicker string `json:"market_ticker"`
	Side         string `json:"side"`
	Count        int64  `json:"count"`
	YesPrice     int64  `json:"yes_price"`
	NoPrice      int64  `json:"no_price"`
	Ts           int64  `json:"ts"`
}

func (f *FillFeed) connectAndRead(ctx context.Context) error {
	header := map[string][]string{
		"KALSHI-ACCESS-KEY": {f.apiKeyID},
		"Authorization":     {"Bearer " + f.apiKeySecret},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	sub := wsCommand{ID: 1, Cmd: "subscribe", Params: wsParams{Channels: []string{"fill"}}}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Info().Msg("✅ Fill feed connected")

	go f.pingLoop(ctx, conn)

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if env.Type != "fill" {
			continue
		}
		var raw wsFill
		if err := json.Unmarshal(env.Msg, &raw); err != nil {
			log.Warn().Err(err).Msg("⚠️ Malformed fill message")
			continue
		}
		f.publish(toFill(raw))
	}
}

func (f *FillFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func toFill(raw wsFill) Fill {
	side := domain.Side(raw.Side)
	cents := raw.YesPrice
	if side == domain.SideNo {
		cents = raw.NoPrice
	}
	return Fill{
		OrderID:      raw.OrderID,
		MarketTicker: raw.MarketTicker,
		Side:         side,
		Count:        raw.Count,
		Price:        centsToPrice(cents),
		Timestamp:    time.Unix(raw.Ts, 0).UTC(),
	}
}

func (f *FillFeed) publish(fill Fill) {
	f.mu.Lock()
	subs := f.subscribers
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- fill:
		default:
			log.Warn().Str("order_id", fill.OrderID).Msg("⚠️ Fill subscriber full, dropping")
		}
	}
}
