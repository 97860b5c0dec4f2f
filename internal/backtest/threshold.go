package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THRESHOLD BACKTEST
// ═══════════════════════════════════════════════════════════════════════════════
//
// Replays resolved markets against a simple threshold rule:
//
//   direction yes: buy YES at the first quote with mark >= threshold
//   direction no:  buy NO  at the first quote with mark <= threshold
//
// One trade per market, held to resolution. Results persist as
// BacktestResult rows keyed by strategy name.
//
// ═══════════════════════════════════════════════════════════════════════════════

const minOpenInterest = 10

// Params pins down one backtest run.
type Params struct {
	Threshold    decimal.Decimal     `json:"threshold"`
	Direction    domain.Side         `json:"direction"`
	Category     string              `json:"category,omitempty"`
	ExpiryBucket domain.ExpiryBucket `json:"expiry_bucket,omitempty"`
}

// Trade is one simulated entry held to resolution.
type Trade struct {
	MarketTicker string
	EntryPrice   decimal.Decimal // side-normalized
	EntryTS      time.Time
	Resolution   string
	Profit       decimal.Decimal
}

// Summary aggregates one backtest run.
type Summary struct {
	Params        Params
	NumTrades     int
	WinRate       decimal.Decimal
	AverageEntry  decimal.Decimal
	AverageProfit decimal.Decimal
	TotalProfit   decimal.Decimal
	MaxDrawdown   decimal.Decimal
}

// Runner replays threshold strategies over stored history.
type Runner struct {
	db *database.Database
}

func NewRunner(db *database.Database) *Runner {
	return &Runner{db: db}
}

// Run executes one threshold backtest over all resolved markets and
// persists the summary.
func (r *Runner) Run(ctx context.Context, params Params) (*Summary, []Trade, error) {
	if !params.Direction.Valid() {
		return nil, nil, fmt.Errorf("%w: direction %q", domain.ErrValidation, params.Direction)
	}

	markets, err := r.db.ResolvedMarkets()
	if err != nil {
		return nil, nil, fmt.Errorf("loading resolved markets: %w", err)
	}

	var trades []Trade
	for i := range markets {
		market := &markets[i]
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if params.Category != "" && market.Category != params.Category {
			continue
		}
		if !matchesExpiryBucket(market, params.ExpiryBucket) {
			continue
		}

		trade, err := r.findEntry(market, params)
		if err != nil {
			return nil, nil, err
		}
		if trade != nil {
			trades = append(trades, *trade)
		}
	}

	summary := summarize(params, trades)
	if err := r.persist(summary); err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("threshold", params.Threshold.StringFixed(2)).
		Str("direction", string(params.Direction)).
		Int("trades", summary.NumTrades).
		Str("total_profit", summary.TotalProfit.StringFixed(2)).
		Msg("📊 Backtest complete")

	return summary, trades, nil
}

// findEntry scans the market's quote history for the first qualifying
// mark. Illiquid quotes are passed over.
func (r *Runner) findEntry(market *database.Market, params Params) (*Trade, error) {
	quotes, err := r.db.QuotesByMarket(market.Ticker)
	if err != nil {
		return nil, fmt.Errorf("loading quotes for %s: %w", market.Ticker, err)
	}

	for i := range quotes {
		q := &quotes[i]
		if q.OpenInterest > 0 && q.OpenInterest < minOpenInterest {
			continue
		}
		mark := q.Mark()
		if !mark.IsPositive() {
			continue
		}

		var triggers bool
		if params.Direction == domain.SideYes {
			triggers = mark.GreaterThanOrEqual(params.Threshold)
		} else {
			triggers = mark.LessThanOrEqual(params.Threshold)
		}
		if !triggers {
			continue
		}

		entry := params.Direction.NormalizedPrice(mark)
		return &Trade{
			MarketTicker: market.Ticker,
			EntryPrice:   entry,
			EntryTS:      q.Timestamp,
			Resolution:   market.Resolution,
			Profit:       profit(params.Direction, market.Resolution, entry),
		}, nil
	}
	return nil, nil
}

// profit is the payout of holding one side-normalized contract to
// resolution: 1-entry on a win, -entry on a loss.
func profit(side domain.Side, resolution string, entry decimal.Decimal) decimal.Decimal {
	won := (side == domain.SideYes && resolution == domain.ResolutionYes) ||
		(side == domain.SideNo && resolution == domain.ResolutionNo)
	if won {
		return decimal.NewFromInt(1).Sub(entry)
	}
	return entry.Neg()
}

func matchesExpiryBucket(market *database.Market, bucket domain.ExpiryBucket) bool {
	if bucket == "" {
		return true
	}
	if market.ResolvedAt == nil {
		return false
	}
	// Bucket by the market's lifetime at resolution.
	lifetime := market.ExpirationTS.Sub(market.CreatedAt)
	switch bucket {
	case domain.ExpiryShort:
		return lifetime <= 24*time.Hour
	case domain.ExpiryMedium:
		return lifetime > 24*time.Hour && lifetime <= 7*24*time.Hour
	case domain.ExpiryLong:
		return lifetime > 7*24*time.Hour
	}
	return true
}

func summarize(params Params, trades []Trade) *Summary {
	summary := &Summary{Params: params, NumTrades: len(trades)}
	if len(trades) == 0 {
		return summary
	}

	winSide := domain.ResolutionYes
	if params.Direction == domain.SideNo {
		winSide = domain.ResolutionNo
	}

	wins := 0
	entrySum := decimal.Zero
	for _, t := range trades {
		if t.Resolution == winSide {
			wins++
		}
		entrySum = entrySum.Add(t.EntryPrice)
		summary.TotalProfit = summary.TotalProfit.Add(t.Profit)
	}

	n := decimal.NewFromInt(int64(len(trades)))
	summary.WinRate = decimal.NewFromInt(int64(wins)).Div(n)
	summary.AverageEntry = entrySum.Div(n)
	summary.AverageProfit = summary.TotalProfit.Div(n)
	summary.MaxDrawdown = maxDrawdown(trades)
	return summary
}

// maxDrawdown is the deepest peak-to-trough equity drop when trades
// execute in entry order.
func maxDrawdown(trades []Trade) decimal.Decimal {
	ordered := make([]Trade, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].EntryTS.Before(ordered[j].EntryTS)
	})

	equity := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, t := range ordered {
		equity = equity.Add(t.Profit)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

func (r *Runner) persist(summary *Summary) error {
	paramsJSON, err := json.Marshal(summary.Params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	return r.db.SaveBacktestResult(&database.BacktestResult{
		StrategyName:  fmt.Sprintf("threshold_%s", string(summary.Params.Direction)),
		Params:        string(paramsJSON),
		NumTrades:     summary.NumTrades,
		WinRate:       summary.WinRate,
		AverageProfit: summary.AverageProfit,
		TotalProfit:   summary.TotalProfit,
	})
}
