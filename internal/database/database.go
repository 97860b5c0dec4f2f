package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/kalshibot/internal/domain"
)

type Database struct {
	db *gorm.DB
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dbPath); dir != "." && !strings.HasPrefix(dbPath, ":memory:") && !strings.HasPrefix(dbPath, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&Market{}, &Quote{}, &Signal{}, &Trade{},
		&Position{}, &AccountPnlSnapshot{}, &CalibrationSnapshot{}, &BacktestResult{},
	); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Transaction runs fn inside a single database transaction. The fn
// receives a Database scoped to the transaction.
func (d *Database) Transaction(fn func(tx *Database) error) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
}

// Market operations

func (d *Database) SaveMarket(market *Market) error {
	return d.db.Save(market).Error
}

func (d *Database) GetMarket(ticker string) (*Market, error) {
	var market Market
	err := d.db.First(&market, "ticker = ?", ticker).Error
	return &market, err
}

func (d *Database) MarketsByTickers(tickers []string) (map[string]Market, error) {
	var markets []Market
	if err := d.db.Where("ticker IN ?", tickers).Find(&markets).Error; err != nil {
		return nil, err
	}
	out := make(map[string]Market, len(markets))
	for _, m := range markets {
		out[m.Ticker] = m
	}
	return out, nil
}

func (d *Database) ResolvedMarkets() ([]Market, error) {
	var markets []Market
	err := d.db.Where("resolution <> ''").Find(&markets).Error
	return markets, err
}

// Quote operations

// InsertQuote appends a quote; the unique (market, timestamp) index
// makes duplicate ingestion a no-op.
func (d *Database) InsertQuote(q *Quote) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(q).Error
}

// LatestQuotes returns the most recent quote per market as of the
// given timestamp.
func (d *Database) LatestQuotes(asOf time.Time) ([]Quote, error) {
	var quotes []Quote
	err := d.db.Raw(`
		SELECT q.* FROM quotes q
		JOIN (
			SELECT market_ticker, MAX(timestamp) AS ts
			FROM quotes
			WHERE timestamp <= ?
			GROUP BY market_ticker
		) latest ON q.market_ticker = latest.market_ticker AND q.timestamp = latest.ts
	`, asOf).Scan(&quotes).Error
	return quotes, err
}

// LatestQuote returns the most recent quote for one market as of the
// given timestamp.
func (d *Database) LatestQuote(ticker string, asOf time.Time) (*Quote, error) {
	var quote Quote
	err := d.db.Where("market_ticker = ? AND timestamp <= ?", ticker, asOf).
		Order("timestamp DESC").First(&quote).Error
	return &quote, err
}

// QuotesByMarket returns the full quote history for one market in
// chronological order.
func (d *Database) QuotesByMarket(ticker string) ([]Quote, error) {
	var quotes []Quote
	err := d.db.Where("market_ticker = ?", ticker).
		Order("timestamp ASC").Find(&quotes).Error
	return quotes, err
}

// Signal operations

func (d *Database) CreateSignal(sig *Signal) error {
	return d.db.Create(sig).Error
}

func (d *Database) SaveSignal(sig *Signal) error {
	return d.db.Save(sig).Error
}

func (d *Database) SignalByOrderID(orderID string) (*Signal, error) {
	var sig Signal
	err := d.db.Where("order_id = ?", orderID).First(&sig).Error
	return &sig, err
}

func (d *Database) GetSignal(id uint) (*Signal, error) {
	var sig Signal
	err := d.db.First(&sig, id).Error
	return &sig, err
}

// PendingSignals returns pending signals oldest-first.
func (d *Database) PendingSignals(limit int) ([]Signal, error) {
	var sigs []Signal
	err := d.db.Where("status = ?", string(domain.StatusPending)).
		Order("created_at ASC").Limit(limit).Find(&sigs).Error
	return sigs, err
}

// SentSignals returns in-flight signals awaiting reconciliation.
func (d *Database) SentSignals(limit int) ([]Signal, error) {
	var sigs []Signal
	err := d.db.Where("status = ?", string(domain.StatusSent)).
		Order("created_at ASC").Limit(limit).Find(&sigs).Error
	return sigs, err
}

var nonTerminalStatuses = []string{
	string(domain.StatusPending),
	string(domain.StatusSized),
	string(domain.StatusSent),
}

// HasOpenSignal reports whether a non-terminal signal already exists
// for the market/side pair.
func (d *Database) HasOpenSignal(ticker string, side domain.Side) (bool, error) {
	var count int64
	err := d.db.Model(&Signal{}).
		Where("market_ticker = ? AND side = ? AND status IN ?", ticker, string(side), nonTerminalStatuses).
		Count(&count).Error
	return count > 0, err
}

// OpenSignalRisk sums the dollar cost of non-terminal signals, in
// total and per market, so sizing accounts for orders not yet folded
// into positions.
func (d *Database) OpenSignalRisk() (total decimal.Decimal, perMarket map[string]decimal.Decimal, err error) {
	var sigs []Signal
	if err = d.db.Where("status IN ?", []string{string(domain.StatusSized), string(domain.StatusSent)}).
		Find(&sigs).Error; err != nil {
		return decimal.Zero, nil, err
	}
	perMarket = make(map[string]decimal.Decimal)
	total = decimal.Zero
	for _, sig := range sigs {
		rpc := domain.Side(sig.Side).NormalizedPrice(sig.PMkt)
		risk := rpc.Mul(decimal.NewFromInt(sig.Size))
		perMarket[sig.MarketTicker] = perMarket[sig.MarketTicker].Add(risk)
		total = total.Add(risk)
	}
	return total, perMarket, nil
}

// CancelStale marks non-terminal signals older than cutoff as errored
// so they stop holding risk budget. Returns the number touched.
func (d *Database) CancelStale(cutoff time.Time) (int64, error) {
	res := d.db.Model(&Signal{}).
		Where("status IN ? AND created_at < ?", nonTerminalStatuses, cutoff).
		Updates(map[string]any{
			"status":     string(domain.StatusError),
			"last_error": "auto-cancelled stale signal",
		})
	return res.RowsAffected, res.Error
}

// Trade operations

func (d *Database) CreateTrade(trade *Trade) error {
	return d.db.Create(trade).Error
}

func (d *Database) TradesByMarket(ticker string) ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("market_ticker = ?", ticker).Order("executed_at ASC").Find(&trades).Error
	return trades, err
}

func (d *Database) TradesBySignal(signalID uint) ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("signal_id = ?", signalID).Order("executed_at ASC").Find(&trades).Error
	return trades, err
}

// Position operations

func (d *Database) GetPosition(ticker string, side domain.Side) (*Position, error) {
	var pos Position
	err := d.db.Where("market_ticker = ? AND side = ?", ticker, string(side)).First(&pos).Error
	return &pos, err
}

func (d *Database) SavePosition(pos *Position) error {
	return d.db.Save(pos).Error
}

// OpenPositions returns positions with open size.
func (d *Database) OpenPositions() ([]Position, error) {
	var positions []Position
	err := d.db.Where("size > 0").Find(&positions).Error
	return positions, err
}

func (d *Database) AllPositions() ([]Position, error) {
	var positions []Position
	err := d.db.Find(&positions).Error
	return positions, err
}

// SyncPositions reconciles the positions table against a portfolio
// snapshot, as one transaction. Reported positions are upserted by
// (market, side); local rows the snapshot no longer reports have
// their size zeroed. Realized PnL columns are never touched, so
// closed positions keep their history.
func (d *Database) SyncPositions(positions []Position) error {
	return d.Transaction(func(tx *Database) error {
		reported := make(map[string]bool, len(positions))
		for i := range positions {
			p := &positions[i]
			reported[p.MarketTicker+"|"+p.Side] = true
			err := tx.db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "market_ticker"}, {Name: "side"}},
				DoUpdates: clause.AssignmentColumns([]string{"size", "avg_entry_price", "updated_at"}),
			}).Create(p).Error
			if err != nil {
				return err
			}
		}

		var open []Position
		if err := tx.db.Where("size > 0").Find(&open).Error; err != nil {
			return err
		}
		for i := range open {
			if reported[open[i].MarketTicker+"|"+open[i].Side] {
				continue
			}
			err := tx.db.Model(&Position{}).
				Where("market_ticker = ? AND side = ?", open[i].MarketTicker, open[i].Side).
				Update("size", 0).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PnL snapshot operations

// UpsertPnlSnapshot writes the snapshot for its date, overwriting any
// existing row for that date.
func (d *Database) UpsertPnlSnapshot(snap *AccountPnlSnapshot) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "as_of_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"realized_pnl", "unrealized_pnl", "total_equity", "updated_at"}),
	}).Create(snap).Error
}

// LatestPnlSnapshot returns the most recent snapshot on or before the
// given date, or gorm.ErrRecordNotFound.
func (d *Database) LatestPnlSnapshot(asOfDate string) (*AccountPnlSnapshot, error) {
	var snap AccountPnlSnapshot
	err := d.db.Where("as_of_date <= ?", asOfDate).Order("as_of_date DESC").First(&snap).Error
	return &snap, err
}

// Calibration snapshot operations

func (d *Database) SaveCalibrationSnapshot(snap *CalibrationSnapshot) error {
	return d.db.Create(snap).Error
}

func (d *Database) LatestCalibrationSnapshot(binningMode string) (*CalibrationSnapshot, error) {
	var snap CalibrationSnapshot
	err := d.db.Where("binning_mode = ?", binningMode).Order("created_at DESC").First(&snap).Error
	return &snap, err
}

// Backtest operations

func (d *Database) SaveBacktestResult(result *BacktestResult) error {
	return d.db.Create(result).Error
}

func (d *Database) LatestBacktestResults(limit int) ([]BacktestResult, error) {
	var results []BacktestResult
	err := d.db.Order("created_at DESC").Limit(limit).Find(&results).Error
	return results, err
}
