package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION & PNL LEDGER
// ═══════════════════════════════════════════════════════════════════════════════
//
// All trade prices are side-normalized (cost per contract of the
// traded side), so the math is identical for YES and NO:
//
//   buy:  avg = (old_size*old_avg + size*price) / (old_size + size)
//   sell: realized += (price - avg) * size, avg unchanged
//
// A sell that would drive size negative is a ledger inconsistency and
// is surfaced, never clamped.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PortfolioSource supplies externally held positions for sync.
type PortfolioSource interface {
	Portfolio(ctx context.Context) ([]domain.PortfolioEntry, error)
}

type Ledger struct {
	db  *database.Database
	cfg *config.Config
}

func New(db *database.Database, cfg *config.Config) *Ledger {
	return &Ledger{db: db, cfg: cfg}
}

// ApplyFill persists the trade and folds it into the matching
// position, atomically. Per-key serialization comes from the
// transaction being scoped to one (market, side) row.
func (l *Ledger) ApplyFill(trade *database.Trade) error {
	if err := validateTrade(trade); err != nil {
		return err
	}

	return l.db.Transaction(func(tx *database.Database) error {
		if err := tx.CreateTrade(trade); err != nil {
			return err
		}

		side := domain.Side(trade.Side)
		pos, err := tx.GetPosition(trade.MarketTicker, side)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			pos = &database.Position{
				MarketTicker:  trade.MarketTicker,
				Side:          trade.Side,
				AvgEntryPrice: decimal.Zero,
				RealizedPnL:   decimal.Zero,
			}
		}

		qty := decimal.NewFromInt(trade.Size)
		switch domain.Direction(trade.Direction) {
		case domain.DirectionBuy:
			oldQty := decimal.NewFromInt(pos.Size)
			totalCost := pos.AvgEntryPrice.Mul(oldQty).Add(trade.Price.Mul(qty))
			pos.Size += trade.Size
			pos.AvgEntryPrice = totalCost.Div(decimal.NewFromInt(pos.Size))
		case domain.DirectionSell:
			if trade.Size > pos.Size {
				return fmt.Errorf("%w: sell %d exceeds open size %d for %s/%s",
					domain.ErrLedgerInconsistency, trade.Size, pos.Size, trade.MarketTicker, trade.Side)
			}
			pnl := trade.Price.Sub(pos.AvgEntryPrice).Mul(qty)
			pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
			pos.Size -= trade.Size
			// avg entry is left unchanged on reducing fills
		}

		if err := tx.SavePosition(pos); err != nil {
			return err
		}

		log.Info().
			Str("market", trade.MarketTicker).
			Str("side", trade.Side).
			Str("direction", trade.Direction).
			Int64("size", trade.Size).
			Str("price", trade.Price.StringFixed(4)).
			Int64("position_size", pos.Size).
			Str("realized_pnl", pos.RealizedPnL.StringFixed(4)).
			Msg("💰 Fill applied")
		return nil
	})
}

func validateTrade(trade *database.Trade) error {
	if !domain.Side(trade.Side).Valid() {
		return fmt.Errorf("%w: side %q", domain.ErrValidation, trade.Side)
	}
	d := domain.Direction(trade.Direction)
	if d != domain.DirectionBuy && d != domain.DirectionSell {
		return fmt.Errorf("%w: direction %q", domain.ErrValidation, trade.Direction)
	}
	if trade.Size <= 0 {
		return fmt.Errorf("%w: size %d", domain.ErrValidation, trade.Size)
	}
	if trade.Price.IsNegative() || trade.Price.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: price %s outside [0,1]", domain.ErrValidation, trade.Price)
	}
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = time.Now().UTC()
	}
	return nil
}

// SnapshotDailyPnL computes realized, unrealized and total equity as
// of asOf and upserts the snapshot row for that date. Re-running on
// the same date overwrites, never duplicates.
func (l *Ledger) SnapshotDailyPnL(asOf time.Time) (*database.AccountPnlSnapshot, error) {
	positions, err := l.db.AllPositions()
	if err != nil {
		return nil, err
	}

	realized := decimal.Zero
	for _, pos := range positions {
		realized = realized.Add(pos.RealizedPnL)
	}

	quotes, err := l.db.LatestQuotes(asOf)
	if err != nil {
		return nil, err
	}
	marks := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		marks[q.MarketTicker] = q.Mark()
	}

	unrealized := decimal.Zero
	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		yesMark, ok := marks[pos.MarketTicker]
		if !ok {
			continue
		}
		mark := domain.Side(pos.Side).NormalizedPrice(yesMark)
		unrealized = unrealized.Add(mark.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(pos.Size)))
	}

	snap := &database.AccountPnlSnapshot{
		AsOfDate:      asOf.UTC().Format("2006-01-02"),
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		TotalEquity:   l.cfg.InitialBankrollUSD.Add(realized).Add(unrealized),
	}
	if err := l.db.UpsertPnlSnapshot(snap); err != nil {
		return nil, err
	}

	log.Info().
		Str("date", snap.AsOfDate).
		Str("realized", realized.StringFixed(2)).
		Str("unrealized", unrealized.StringFixed(2)).
		Str("equity", snap.TotalEquity.StringFixed(2)).
		Msg("📊 PnL snapshot stored")
	return snap, nil
}

// SyncPortfolio reconciles local positions against the broker's view:
// reported positions are upserted by (market, side), local positions
// the broker no longer holds are zeroed out. Position rows are never
// deleted, so realized PnL of closed positions survives the sync.
func (l *Ledger) SyncPortfolio(ctx context.Context, src PortfolioSource) (int, error) {
	entries, err := src.Portfolio(ctx)
	if err != nil {
		return 0, err
	}

	positions := make([]database.Position, 0, len(entries))
	for _, e := range entries {
		if e.Size == 0 || !e.Side.Valid() {
			continue
		}
		positions = append(positions, database.Position{
			MarketTicker:  e.MarketTicker,
			Side:          string(e.Side),
			Size:          e.Size,
			AvgEntryPrice: e.AvgPrice,
		})
	}

	if err := l.db.SyncPositions(positions); err != nil {
		return 0, err
	}
	log.Info().Int("positions", len(positions)).Msg("🔄 Portfolio synced")
	return len(positions), nil
}
