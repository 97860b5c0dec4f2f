package signals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/kalshibot/internal/calibration"
	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
	"github.com/web3guy0/kalshibot/internal/notify"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EV SIGNAL GENERATOR - Mispricing → candidate signals
// ═══════════════════════════════════════════════════════════════════════════════

const evalConcurrency = 8

var one = decimal.NewFromInt(1)

// Generator scans latest marks against the calibration model and emits
// pending signals where the expected edge clears the threshold.
type Generator struct {
	db       *database.Database
	model    *calibration.Model
	cfg      *config.Config
	notifier *notify.Notifier
}

func NewGenerator(db *database.Database, model *calibration.Model, cfg *config.Config, notifier *notify.Notifier) *Generator {
	return &Generator{db: db, model: model, cfg: cfg, notifier: notifier}
}

// candidate is one market/side pair that cleared the threshold.
type candidate struct {
	ticker       string
	side         domain.Side
	category     string
	expiryBucket domain.ExpiryBucket
	pMkt         decimal.Decimal
	pTrue        decimal.Decimal
	ev           decimal.Decimal
}

// Run evaluates every market with a usable quote as of asOf and
// inserts pending signals. Returns the number created. Per-market
// failures are logged and skipped; they never abort the pass.
func (g *Generator) Run(ctx context.Context, asOf time.Time) (int, error) {
	quotes, err := g.db.LatestQuotes(asOf)
	if err != nil {
		return 0, err
	}
	if len(quotes) == 0 {
		return 0, nil
	}

	tickers := make([]string, 0, len(quotes))
	for _, q := range quotes {
		tickers = append(tickers, q.MarketTicker)
	}
	meta, err := g.db.MarketsByTickers(tickers)
	if err != nil {
		return 0, err
	}

	// Per-market evaluation is independent; fan out, then insert
	// serially so the MaxSignals cap and idempotency checks see a
	// consistent view.
	var mu sync.Mutex
	var candidates []candidate
	grp, _ := errgroup.WithContext(ctx)
	grp.SetLimit(evalConcurrency)

	for i := range quotes {
		quote := quotes[i]
		grp.Go(func() error {
			c, ok := g.evaluate(&quote, meta[quote.MarketTicker], asOf)
			if ok {
				mu.Lock()
				candidates = append(candidates, c)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return 0, err
	}

	// Deterministic insert order: best edge first.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ev.Equal(candidates[j].ev) {
			return candidates[i].ev.GreaterThan(candidates[j].ev)
		}
		return candidates[i].ticker < candidates[j].ticker
	})

	created := 0
	for _, c := range candidates {
		if created >= g.cfg.MaxSignals {
			break
		}
		open, err := g.db.HasOpenSignal(c.ticker, c.side)
		if err != nil {
			log.Error().Err(err).Str("market", c.ticker).Msg("Signal dedup check failed")
			continue
		}
		if open {
			log.Debug().Str("market", c.ticker).Str("side", string(c.side)).
				Msg("Non-terminal signal outstanding, skipping")
			continue
		}
		sig := &database.Signal{
			MarketTicker:  c.ticker,
			Side:          string(c.side),
			Threshold:     g.cfg.EVThreshold,
			Category:      c.category,
			ExpiryBucket:  string(c.expiryBucket),
			PMkt:          c.pMkt,
			PTrueEst:      c.pTrue,
			ExpectedValue: c.ev,
			Size:          1, // minimal unit pending sizing
			Status:        string(domain.StatusPending),
		}
		if err := g.db.CreateSignal(sig); err != nil {
			log.Error().Err(err).Str("market", c.ticker).Msg("Failed to create signal")
			continue
		}
		created++
		g.notifier.NotifySignal(sig)
		log.Info().
			Str("market", c.ticker).
			Str("side", string(c.side)).
			Str("p_mkt", c.pMkt.StringFixed(4)).
			Str("p_true", c.pTrue.StringFixed(4)).
			Str("ev", c.ev.StringFixed(4)).
			Msg("📶 Signal created")
	}
	return created, nil
}

// evaluate computes both sides' EV for one market and returns the
// winning candidate, if any. When both sides could clear the
// threshold, the higher-EV side wins; at most one signal per market
// per pass.
func (g *Generator) evaluate(quote *database.Quote, market database.Market, asOf time.Time) (candidate, bool) {
	ticker := quote.MarketTicker

	pMkt := quote.Mark()
	if !pMkt.IsPositive() || pMkt.GreaterThanOrEqual(one) {
		log.Debug().Str("market", ticker).Str("p_mkt", pMkt.String()).Msg("No usable quote")
		return candidate{}, false
	}

	if market.Ticker == "" || market.Resolved() {
		return candidate{}, false
	}
	if market.ExpirationTS.IsZero() || !market.ExpirationTS.After(asOf) {
		return candidate{}, false
	}
	if g.cfg.ExpiryHardCap > 0 && market.ExpirationTS.After(asOf.Add(g.cfg.ExpiryHardCap)) {
		return candidate{}, false
	}

	pTrue, calibrated := g.model.Lookup(pMkt, market.Category)
	if !calibrated {
		pTrue = pMkt
	}

	evYes := EVYes(pMkt, pTrue)
	evNo := EVNo(pMkt, pTrue)

	side := domain.SideYes
	ev := evYes
	if evNo.GreaterThan(evYes) {
		side = domain.SideNo
		ev = evNo
	}
	if ev.LessThan(g.cfg.EVThreshold) {
		return candidate{}, false
	}

	return candidate{
		ticker:       ticker,
		side:         side,
		category:     market.Category,
		expiryBucket: ExpiryBucketFor(market.ExpirationTS, asOf),
		pMkt:         pMkt,
		pTrue:        pTrue,
		ev:           ev,
	}, true
}

// EVYes is the expected edge of buying YES at pMkt.
func EVYes(pMkt, pTrue decimal.Decimal) decimal.Decimal {
	return pTrue.Sub(pMkt)
}

// EVNo is the expected edge of buying NO at 1-pMkt. Always the
// negation of EVYes.
func EVNo(pMkt, pTrue decimal.Decimal) decimal.Decimal {
	return one.Sub(pTrue).Sub(one.Sub(pMkt))
}

// ExpiryBucketFor classifies time remaining to expiry.
func ExpiryBucketFor(expiry, asOf time.Time) domain.ExpiryBucket {
	remaining := expiry.Sub(asOf)
	switch {
	case remaining <= 24*time.Hour:
		return domain.ExpiryShort
	case remaining <= 7*24*time.Hour:
		return domain.ExpiryMedium
	default:
		return domain.ExpiryLong
	}
}
