package risk

import (
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
// RISK SIZER - Bankroll-aware sizing under layered caps
// ═══════════════════════════════════════════════════════════════════════════════
//
// usable_cap = max(0, min(per_trade_cap, remaining_market_cap, remaining_total_cap))
// size       = floor(usable_cap / risk_per_contract)
//
// A zero size is a normal outcome (signal skipped), not an error.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Exposure is the dollar cost of open risk, total and per market.
type Exposure struct {
	Total     decimal.Decimal
	PerMarket map[string]decimal.Decimal
}

// Add folds a newly accepted trade's risk into the running exposure so
// later signals in the same batch see it.
func (e *Exposure) Add(market string, risk decimal.Decimal) {
	if e.PerMarket == nil {
		e.PerMarket = make(map[string]decimal.Decimal)
	}
	e.PerMarket[market] = e.PerMarket[market].Add(risk)
	e.Total = e.Total.Add(risk)
}

// Sizer converts candidate signals into bounded contract counts.
type Sizer struct {
	db  *database.Database
	cfg *config.Config
}

func NewSizer(db *database.Database, cfg *config.Config) *Sizer {
	return &Sizer{db: db, cfg: cfg}
}

// RiskPerContract is the price paid per contract for the signal's
// side: p_mkt for YES, 1-p_mkt for NO.
func RiskPerContract(side domain.Side, pMkt decimal.Decimal) decimal.Decimal {
	return side.NormalizedPrice(pMkt)
}

// Bankroll returns the latest snapshot equity as of the given time,
// or the configured initial bankroll when no snapshot exists yet.
func (s *Sizer) Bankroll(asOf time.Time) (decimal.Decimal, error) {
	snap, err := s.db.LatestPnlSnapshot(asOf.UTC().Format("2006-01-02"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.cfg.InitialBankrollUSD, nil
		}
		return decimal.Zero, err
	}
	return snap.TotalEquity, nil
}

// CurrentExposure derives open risk from open positions (size × entry
// cost) plus signals already sized or in flight. Recomputed per batch,
// never cached across passes.
func (s *Sizer) CurrentExposure() (Exposure, error) {
	exp := Exposure{PerMarket: make(map[string]decimal.Decimal)}

	positions, err := s.db.OpenPositions()
	if err != nil {
		return exp, err
	}
	for _, pos := range positions {
		risk := pos.AvgEntryPrice.Mul(decimal.NewFromInt(pos.Size))
		exp.Add(pos.MarketTicker, risk)
	}

	sigTotal, sigPerMarket, err := s.db.OpenSignalRisk()
	if err != nil {
		return exp, err
	}
	for market, risk := range sigPerMarket {
		exp.PerMarket[market] = exp.PerMarket[market].Add(risk)
	}
	exp.Total = exp.Total.Add(sigTotal)

	return exp, nil
}

// Size computes the contract count for a signal under the per-trade,
// per-market, and total caps. A zero size means the signal should be
// skipped and is reported as domain.ErrRiskCapExceeded naming the
// binding cap; callers treat it as a skip, not a failure.
func (s *Sizer) Size(sig *database.Signal, bankroll decimal.Decimal, exp Exposure) (size int64, riskPerContract decimal.Decimal, err error) {
	side := domain.Side(sig.Side)
	riskPerContract = RiskPerContract(side, sig.PMkt)
	if !riskPerContract.IsPositive() {
		return 0, riskPerContract, fmt.Errorf("%w: non-positive risk per contract %s",
			domain.ErrRiskCapExceeded, riskPerContract)
	}

	perTradeCap := decimal.Min(
		s.cfg.MaxRiskPerTradeUSD,
		s.cfg.MaxRiskFractionPerTrade.Mul(bankroll),
	)
	remainingMarketCap := s.cfg.MaxRiskPerMarketUSD.Sub(exp.PerMarket[sig.MarketTicker])
	remainingTotalCap := s.cfg.MaxRiskTotalUSD.Sub(exp.Total)

	usableCap := decimal.Min(perTradeCap, remainingMarketCap, remainingTotalCap)
	if usableCap.IsNegative() {
		usableCap = decimal.Zero
	}

	size = usableCap.Div(riskPerContract).IntPart()
	if size <= 0 {
		switch {
		case usableCap.Equal(remainingMarketCap) && remainingMarketCap.LessThan(perTradeCap):
			err = fmt.Errorf("%w: per-market cap exhausted (open %s, cap %s)",
				domain.ErrRiskCapExceeded, exp.PerMarket[sig.MarketTicker], s.cfg.MaxRiskPerMarketUSD)
		case usableCap.Equal(remainingTotalCap) && remainingTotalCap.LessThan(perTradeCap):
			err = fmt.Errorf("%w: total cap exhausted (open %s, cap %s)",
				domain.ErrRiskCapExceeded, exp.Total, s.cfg.MaxRiskTotalUSD)
		default:
			err = fmt.Errorf("%w: per-trade cap %s below risk per contract %s",
				domain.ErrRiskCapExceeded, perTradeCap, riskPerContract)
		}
		log.Debug().
			Str("market", sig.MarketTicker).
			Str("side", sig.Side).
			Str("usable_cap", usableCap.StringFixed(2)).
			Str("risk_per_contract", riskPerContract.StringFixed(4)).
			Msg("Signal zero-sized")
		return 0, riskPerContract, err
	}

	log.Debug().
		Str("market", sig.MarketTicker).
		Str("side", sig.Side).
		Str("bankroll", bankroll.StringFixed(2)).
		Str("usable_cap", usableCap.StringFixed(2)).
		Int64("size", size).
		Msg("Signal sized")
	return size, riskPerContract, nil
}
