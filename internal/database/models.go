package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Models

// Market is a Kalshi binary market. Immutable once resolved.
type Market struct {
	Ticker       string `gorm:"primaryKey"`
	Title        string
	Category     string `gorm:"index"`
	ExpirationTS time.Time
	Resolution   string // "", "YES" or "NO"
	ResolvedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Resolved reports whether the market has a final outcome.
func (m *Market) Resolved() bool {
	return m.Resolution != ""
}

// Quote is one observation of the YES-side book. Append-only; the
// unique (market, timestamp) index drops duplicate ingestion.
type Quote struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	MarketTicker string          `gorm:"uniqueIndex:idx_quotes_market_ts"`
	Timestamp    time.Time       `gorm:"uniqueIndex:idx_quotes_market_ts"`
	BidYes       decimal.Decimal `gorm:"type:decimal(10,6)"`
	AskYes       decimal.Decimal `gorm:"type:decimal(10,6)"`
	LastYes      decimal.Decimal `gorm:"type:decimal(10,6)"`
	Volume       int64
	OpenInterest int64
}

// Mark returns the YES probability implied by the quote: the bid/ask
// midpoint when both sides are present, otherwise the last trade.
func (q *Quote) Mark() decimal.Decimal {
	if q.BidYes.IsPositive() && q.AskYes.IsPositive() {
		return q.BidYes.Add(q.AskYes).Div(decimal.NewFromInt(2))
	}
	return q.LastYes
}

// Signal is one EV trade candidate and its execution lifecycle. Status
// writes go through domain.SignalStatus transitions; rows are never
// reused.
type Signal struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	MarketTicker  string          `gorm:"index:idx_signals_market_side_status,priority:1"`
	Side          string          `gorm:"index:idx_signals_market_side_status,priority:2"`
	Threshold     decimal.Decimal `gorm:"type:decimal(10,6)"`
	Category      string
	ExpiryBucket  string
	PMkt          decimal.Decimal `gorm:"type:decimal(10,6)"`
	PTrueEst      decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExpectedValue decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size          int64
	Status        string `gorm:"index:idx_signals_market_side_status,priority:3;index:idx_signals_status_created,priority:1"`
	ExecutionMode string
	OrderID       string
	SentAt        *time.Time
	FilledAt      *time.Time
	ExecutedPrice decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExecutedSize  int64
	LastError     string
	CreatedAt     time.Time `gorm:"index:idx_signals_status_created,priority:2"`
	UpdatedAt     time.Time
}

// Trade is a single fill, entry or exit, simulated or live. Price is
// side-normalized: the cost per contract of the traded side.
type Trade struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	SignalID     *uint  `gorm:"index"`
	MarketTicker string `gorm:"index"`
	Side         string
	Size         int64
	Price        decimal.Decimal `gorm:"type:decimal(10,6)"`
	Direction    string          // "buy" or "sell"
	ExecutedAt   time.Time       `gorm:"index"`
	CreatedAt    time.Time
}

// Position is the open exposure per (market, side). Size is the
// non-negative open contract count; AvgEntryPrice is volume-weighted
// and side-normalized. Rows persist at size 0 once trades reference
// them.
type Position struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	MarketTicker  string `gorm:"uniqueIndex:idx_positions_market_side"`
	Side          string `gorm:"uniqueIndex:idx_positions_market_side"`
	Size          int64
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(10,6)"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,6)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AccountPnlSnapshot is the daily equity ledger, one row per date.
type AccountPnlSnapshot struct {
	AsOfDate      string          `gorm:"primaryKey"` // YYYY-MM-DD
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,6)"`
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(20,6)"`
	TotalEquity   decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CalibrationSnapshot is an immutable calibration result: the binning
// parameters and bucket stats serialized as JSON, stamped at creation
// so historical signal computations stay reproducible.
type CalibrationSnapshot struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	BinningMode string    `gorm:"index"`
	Params      string    // JSON
	Buckets     string    // JSON
	CreatedAt   time.Time `gorm:"index"`
}

// BacktestResult is one backtest summary row.
type BacktestResult struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	StrategyName  string `gorm:"index"`
	Params        string // JSON
	NumTrades     int
	WinRate       decimal.Decimal `gorm:"type:decimal(10,6)"`
	AverageProfit decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalProfit   decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt     time.Time
}
