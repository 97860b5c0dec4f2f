package exits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
	"github.com/web3guy0/kalshibot/internal/execution"
	"github.com/web3guy0/kalshibot/internal/ledger"
	"github.com/web3guy0/kalshibot/internal/notify"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TAKE-PROFIT MONITOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Scans open positions and closes the whole position when the
// side-normalized mark has multiplied past the take-profit factor:
//
//   current_value >= entry_value * factor
//
// Exits are all-or-nothing; partial take-profit is not supported.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Categories eligible for the cheap-entry fast exit.
var fastExitCategories = map[string]bool{
	"college": true,
	"ncaa":    true,
	"ncaaf":   true,
	"ncaab":   true,
}

var (
	fastExitMaxEntry   = decimal.RequireFromString("0.02")
	fastExitMinCurrent = decimal.RequireFromString("0.10")
)

// Monitor evaluates take-profit exits across open positions.
type Monitor struct {
	db       *database.Database
	cfg      *config.Config
	ledger   *ledger.Ledger
	broker   execution.Broker // nil in simulate mode
	notifier *notify.Notifier // nil when Telegram is unconfigured
}

func NewMonitor(db *database.Database, cfg *config.Config, lgr *ledger.Ledger, broker execution.Broker, notifier *notify.Notifier) *Monitor {
	return &Monitor{db: db, cfg: cfg, ledger: lgr, broker: broker, notifier: notifier}
}

// Run scans every open position once and closes the ones whose exit
// condition holds. Per-position failures are logged and skipped; the
// scan always completes. Returns the number of positions closed.
func (m *Monitor) Run(ctx context.Context, asOf time.Time) (int, error) {
	positions, err := m.db.OpenPositions()
	if err != nil {
		return 0, fmt.Errorf("loading open positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	tickers := make([]string, 0, len(positions))
	for _, pos := range positions {
		tickers = append(tickers, pos.MarketTicker)
	}
	markets, err := m.db.MarketsByTickers(tickers)
	if err != nil {
		return 0, fmt.Errorf("loading markets: %w", err)
	}

	hardCutoff := asOf.Add(m.cfg.ExpiryHardCap)
	closed := 0
	for i := range positions {
		pos := &positions[i]
		if err := ctx.Err(); err != nil {
			return closed, err
		}

		market, ok := markets[pos.MarketTicker]
		if !ok || market.Resolved() {
			continue
		}
		if market.ExpirationTS.Before(asOf) || market.ExpirationTS.After(hardCutoff) {
			continue
		}

		current, err := m.currentPrice(pos, asOf)
		if errors.Is(err, domain.ErrNoQuote) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("market", pos.MarketTicker).Msg("❌ Exit price lookup failed")
			continue
		}

		if !m.shouldExit(pos, &market, current) {
			continue
		}

		if err := m.closePosition(ctx, pos, current, asOf); err != nil {
			log.Error().Err(err).
				Str("market", pos.MarketTicker).
				Str("side", pos.Side).
				Msg("❌ Take-profit exit failed")
			continue
		}
		closed++
	}
	return closed, nil
}

// currentPrice returns the side-normalized mark for the position's
// market.
func (m *Monitor) currentPrice(pos *database.Position, asOf time.Time) (decimal.Decimal, error) {
	quote, err := m.db.LatestQuote(pos.MarketTicker, asOf)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, domain.ErrNoQuote
	}
	if err != nil {
		return decimal.Zero, err
	}
	return domain.Side(pos.Side).NormalizedPrice(quote.Mark()), nil
}

// shouldExit applies the take-profit rule plus the fast exit for
// near-zero entries in college sports markets, where thin books jump
// hard on news.
func (m *Monitor) shouldExit(pos *database.Position, market *database.Market, current decimal.Decimal) bool {
	entry := pos.AvgEntryPrice
	if !entry.IsPositive() {
		return false
	}
	if current.GreaterThanOrEqual(entry.Mul(m.cfg.TakeProfitFactor)) {
		return true
	}

	fastExit := fastExitCategories[strings.ToLower(market.Category)] &&
		domain.Side(pos.Side) == domain.SideYes &&
		entry.LessThanOrEqual(fastExitMaxEntry) &&
		current.GreaterThanOrEqual(fastExitMinCurrent)
	return fastExit
}

// closePosition sells the full open size at the current mark. In live
// mode the order goes to the brokerage first; the ledger records
// whatever actually executed.
func (m *Monitor) closePosition(ctx context.Context, pos *database.Position, current decimal.Decimal, asOf time.Time) error {
	executedPrice := current
	executedSize := pos.Size

	if m.cfg.ExecutionMode == domain.ModeLive {
		if m.broker == nil {
			return fmt.Errorf("%w: live exits require a broker", domain.ErrValidation)
		}
		req := execution.OrderRequest{
			ClientOrderID: uuid.NewString(),
			MarketTicker:  pos.MarketTicker,
			Side:          domain.Side(pos.Side),
			Direction:     domain.DirectionSell,
			Size:          pos.Size,
			Price:         current,
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.OrderTimeout)
		ack, err := m.broker.SubmitOrder(callCtx, req)
		cancel()
		if err != nil {
			return fmt.Errorf("submitting exit order: %w", err)
		}

		callCtx, cancel = context.WithTimeout(ctx, m.cfg.OrderTimeout)
		status, err := m.broker.OrderStatus(callCtx, ack.OrderID)
		cancel()
		if err == nil && status.Status == execution.OrderFilled {
			executedPrice = status.FilledPrice
			if status.FilledSize > 0 {
				executedSize = status.FilledSize
			}
		}
	}

	trade := &database.Trade{
		MarketTicker: pos.MarketTicker,
		Side:         pos.Side,
		Size:         executedSize,
		Price:        executedPrice,
		Direction:    string(domain.DirectionSell),
		ExecutedAt:   asOf,
	}
	if err := m.ledger.ApplyFill(trade); err != nil {
		return fmt.Errorf("recording exit: %w", err)
	}

	log.Info().
		Str("market", pos.MarketTicker).
		Str("side", pos.Side).
		Int64("size", executedSize).
		Str("entry", pos.AvgEntryPrice.StringFixed(4)).
		Str("exit", executedPrice.StringFixed(4)).
		Msg("💰 Take-profit exit")
	m.notifier.NotifyExit(pos.MarketTicker, pos.Side, executedSize, pos.AvgEntryPrice, executedPrice)
	return nil
}
