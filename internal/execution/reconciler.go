package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/kalshibot/internal/domain"
)

const sentBatchSize = 50

// Reconcile resolves signals left in sent by earlier passes: each one
// is polled against the brokerage by its stored order id and moved to
// filled or rejected when the venue reports a terminal state. Signals
// whose order is still resting stay sent. A sent signal without an
// order id cannot be reconciled and moves to error.
func (e *Executor) Reconcile(ctx context.Context, asOf time.Time) (int, error) {
	if e.cfg.ExecutionMode != domain.ModeLive {
		return 0, nil
	}

	sigs, err := e.db.SentSignals(sentBatchSize)
	if err != nil {
		return 0, fmt.Errorf("loading sent signals: %w", err)
	}
	if len(sigs) == 0 {
		return 0, nil
	}

	log.Info().Int("sent", len(sigs)).Msg("🔍 Reconciling sent signals")

	resolved := 0
	for i := range sigs {
		sig := &sigs[i]
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if sig.OrderID == "" {
			e.fail(sig, fmt.Errorf("sent signal has no order id"))
			continue
		}
		// Stale sent signals past the cutoff are abandoned rather
		// than polled forever.
		if sig.SentAt != nil && asOf.Sub(*sig.SentAt) > e.cfg.StaleSignalAge {
			e.fail(sig, fmt.Errorf("order %s unresolved after %s", sig.OrderID, e.cfg.StaleSignalAge))
			continue
		}
		if err := e.pollOrder(ctx, sig); err != nil {
			log.Error().Err(err).
				Uint("signal_id", sig.ID).
				Str("order_id", sig.OrderID).
				Msg("❌ Reconciliation failed")
			e.fail(sig, err)
			continue
		}
		if domain.SignalStatus(sig.Status).Terminal() {
			resolved++
		}
	}
	return resolved, nil
}

// ApplyRemoteFill resolves a sent signal from a pushed fill event,
// ahead of the next polling pass. Fills for unknown orders (manual
// trades, exit orders) and already-terminal signals are ignored.
func (e *Executor) ApplyRemoteFill(orderID string, price decimal.Decimal, size int64, at time.Time) error {
	sig, err := e.db.SignalByOrderID(orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up order %s: %w", orderID, err)
	}
	if domain.SignalStatus(sig.Status).Terminal() {
		return nil
	}

	sig.FilledAt = &at
	sig.ExecutedPrice = price
	sig.ExecutedSize = size
	if err := e.transition(sig, domain.StatusFilled); err != nil {
		return err
	}
	log.Info().
		Uint("signal_id", sig.ID).
		Str("market", sig.MarketTicker).
		Str("order_id", orderID).
		Int64("size", size).
		Msg("✅ Fill received from feed")
	return e.recordFill(sig, price, size, at)
}

// CancelStaleSignals moves pending and sized signals older than the
// freshness cutoff to error so their generating quotes cannot go
// stale in the book.
func (e *Executor) CancelStaleSignals(asOf time.Time) (int64, error) {
	cutoff := asOf.Add(-e.cfg.StaleSignalAge)
	n, err := e.db.CancelStale(cutoff)
	if err != nil {
		return 0, fmt.Errorf("cancelling stale signals: %w", err)
	}
	if n > 0 {
		log.Info().Int64("cancelled", n).Time("cutoff", cutoff).Msg("🧹 Stale signals cancelled")
	}
	return n, nil
}
