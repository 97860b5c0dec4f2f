package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
	"github.com/web3guy0/kalshibot/internal/ledger"
	"github.com/web3guy0/kalshibot/internal/notify"
	"github.com/web3guy0/kalshibot/internal/risk"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR - Signal lifecycle state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
//   pending ──▶ sized ──▶ sent ──▶ filled
//      │          │         │
//      │          │         └────▶ rejected
//      └─▶ skipped┘
//   any non-terminal ──▶ error
//
// Simulate mode fills synchronously at the current mark. Live mode
// submits to the brokerage with a client order id; a signal whose
// order id is already recorded is never resubmitted, only polled.
//
// ═══════════════════════════════════════════════════════════════════════════════

const pendingBatchSize = 50

// Executor drives signals from pending to a terminal state.
type Executor struct {
	db       *database.Database
	cfg      *config.Config
	sizer    *risk.Sizer
	ledger   *ledger.Ledger
	broker   Broker           // nil in simulate mode
	notifier *notify.Notifier // nil when Telegram is unconfigured
}

func NewExecutor(db *database.Database, cfg *config.Config, sizer *risk.Sizer, lgr *ledger.Ledger, broker Broker, notifier *notify.Notifier) (*Executor, error) {
	if cfg.ExecutionMode == domain.ModeLive && broker == nil {
		return nil, fmt.Errorf("%w: live execution requires a broker", domain.ErrValidation)
	}
	return &Executor{db: db, cfg: cfg, sizer: sizer, ledger: lgr, broker: broker, notifier: notifier}, nil
}

// ExecutePending sizes and executes all pending signals. Per-signal
// failures are isolated: one bad signal moves to error and the pass
// continues. Returns the number of signals that reached filled.
func (e *Executor) ExecutePending(ctx context.Context, asOf time.Time) (int, error) {
	sigs, err := e.db.PendingSignals(pendingBatchSize)
	if err != nil {
		return 0, fmt.Errorf("loading pending signals: %w", err)
	}
	if len(sigs) == 0 {
		return 0, nil
	}

	bankroll, err := e.sizer.Bankroll(asOf)
	if err != nil {
		return 0, fmt.Errorf("loading bankroll: %w", err)
	}
	exp, err := e.sizer.CurrentExposure()
	if err != nil {
		return 0, fmt.Errorf("loading exposure: %w", err)
	}

	log.Info().
		Int("pending", len(sigs)).
		Str("bankroll", bankroll.StringFixed(2)).
		Str("open_risk", exp.Total.StringFixed(2)).
		Str("mode", string(e.cfg.ExecutionMode)).
		Msg("🚀 Executing pending signals")

	filled := 0
	for i := range sigs {
		sig := &sigs[i]
		if err := ctx.Err(); err != nil {
			return filled, err
		}
		if err := e.executeOne(ctx, sig, bankroll, &exp, asOf); err != nil {
			log.Error().Err(err).
				Uint("signal_id", sig.ID).
				Str("market", sig.MarketTicker).
				Msg("❌ Signal execution failed")
			e.fail(sig, err)
			continue
		}
		if domain.SignalStatus(sig.Status) == domain.StatusFilled {
			filled++
		}
	}
	return filled, nil
}

func (e *Executor) executeOne(ctx context.Context, sig *database.Signal, bankroll decimal.Decimal, exp *risk.Exposure, asOf time.Time) error {
	size, riskPerContract, err := e.sizer.Size(sig, bankroll, *exp)
	if err != nil {
		if !errors.Is(err, domain.ErrRiskCapExceeded) {
			return err
		}
		// Caps zero-sized the signal; a normal skip.
		sig.LastError = err.Error()
		return e.transition(sig, domain.StatusSkipped)
	}

	sig.Size = size
	sig.ExecutionMode = string(e.cfg.ExecutionMode)
	if err := e.transition(sig, domain.StatusSized); err != nil {
		return err
	}

	if e.cfg.ExecutionMode == domain.ModeSimulate {
		if err := e.fillSimulated(sig, asOf); err != nil {
			return err
		}
	} else {
		if err := e.submitLive(ctx, sig); err != nil {
			return err
		}
	}

	// Reserve risk so later signals in the same pass see it.
	switch domain.SignalStatus(sig.Status) {
	case domain.StatusFilled:
		exp.Add(sig.MarketTicker, riskPerContract.Mul(decimal.NewFromInt(sig.ExecutedSize)))
	case domain.StatusSent:
		exp.Add(sig.MarketTicker, riskPerContract.Mul(decimal.NewFromInt(sig.Size)))
	}
	return nil
}

// fillSimulated fills the signal at the current side-normalized mark
// and records the trade in the ledger.
func (e *Executor) fillSimulated(sig *database.Signal, asOf time.Time) error {
	price, err := e.currentPrice(sig, asOf)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sig.SentAt = &now
	sig.FilledAt = &now
	sig.ExecutedPrice = price
	sig.ExecutedSize = sig.Size
	if err := e.transition(sig, domain.StatusFilled); err != nil {
		return err
	}

	log.Info().
		Uint("signal_id", sig.ID).
		Str("market", sig.MarketTicker).
		Str("side", sig.Side).
		Int64("size", sig.ExecutedSize).
		Str("price", price.StringFixed(4)).
		Msg("✅ Simulated fill")

	return e.recordFill(sig, price, sig.ExecutedSize, now)
}

// submitLive sends the order to the brokerage and polls once for a
// terminal status. A transient submission failure is retried with
// backoff up to the configured cap; a signal that made it to sent but
// has not filled stays sent and is picked up by the reconciler.
func (e *Executor) submitLive(ctx context.Context, sig *database.Signal) error {
	if sig.OrderID == "" {
		req := OrderRequest{
			ClientOrderID: uuid.NewString(),
			MarketTicker:  sig.MarketTicker,
			Side:          domain.Side(sig.Side),
			Direction:     domain.DirectionBuy,
			Size:          sig.Size,
			Price:         domain.Side(sig.Side).NormalizedPrice(sig.PMkt),
		}

		ack, err := e.submitWithRetry(ctx, req)
		if err != nil {
			return fmt.Errorf("submitting order: %w", err)
		}

		now := time.Now().UTC()
		sig.OrderID = ack.OrderID
		sig.SentAt = &now
		if err := e.transition(sig, domain.StatusSent); err != nil {
			return err
		}
		log.Info().
			Uint("signal_id", sig.ID).
			Str("market", sig.MarketTicker).
			Str("order_id", ack.OrderID).
			Int64("size", sig.Size).
			Msg("📤 Order submitted")
	}

	return e.pollOrder(ctx, sig)
}

func (e *Executor) submitWithRetry(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.OrderMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return OrderAck{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			log.Warn().
				Int("attempt", attempt).
				Str("market", req.MarketTicker).
				Msg("🔄 Retrying order submission")
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		ack, err := e.broker.SubmitOrder(callCtx, req)
		cancel()
		if err == nil {
			return ack, nil
		}
		if !domain.IsTransient(err) {
			return OrderAck{}, err
		}
		lastErr = err
	}
	return OrderAck{}, fmt.Errorf("retries exhausted: %w", lastErr)
}

// pollOrder checks the remote order once. Filled and rejected are
// terminal; anything else leaves the signal in sent for the next pass.
func (e *Executor) pollOrder(ctx context.Context, sig *database.Signal) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	status, err := e.broker.OrderStatus(callCtx, sig.OrderID)
	cancel()
	if err != nil {
		if domain.IsTransient(err) {
			log.Warn().Err(err).
				Uint("signal_id", sig.ID).
				Str("order_id", sig.OrderID).
				Msg("⏳ Order status unavailable, will reconcile next pass")
			return nil
		}
		return fmt.Errorf("polling order %s: %w", sig.OrderID, err)
	}

	switch status.Status {
	case OrderFilled:
		now := time.Now().UTC()
		sig.FilledAt = &now
		sig.ExecutedPrice = status.FilledPrice
		sig.ExecutedSize = status.FilledSize
		if err := e.transition(sig, domain.StatusFilled); err != nil {
			return err
		}
		log.Info().
			Uint("signal_id", sig.ID).
			Str("market", sig.MarketTicker).
			Int64("size", status.FilledSize).
			Str("price", status.FilledPrice.StringFixed(4)).
			Msg("✅ Order filled")
		return e.recordFill(sig, status.FilledPrice, status.FilledSize, now)

	case OrderRejected:
		sig.LastError = status.Reason
		if err := e.transition(sig, domain.StatusRejected); err != nil {
			return err
		}
		log.Warn().
			Uint("signal_id", sig.ID).
			Str("market", sig.MarketTicker).
			Str("reason", status.Reason).
			Msg("🚫 Order rejected")
		return nil

	default:
		// Still resting.
		return nil
	}
}

// recordFill writes the entry trade and folds it into the position
// ledger. The signal is already terminal at this point; a ledger
// failure is surfaced rather than rolled back, since the fill itself
// is fact.
func (e *Executor) recordFill(sig *database.Signal, price decimal.Decimal, size int64, at time.Time) error {
	trade := &database.Trade{
		SignalID:     &sig.ID,
		MarketTicker: sig.MarketTicker,
		Side:         sig.Side,
		Size:         size,
		Price:        price,
		Direction:    string(domain.DirectionBuy),
		ExecutedAt:   at,
	}
	if err := e.ledger.ApplyFill(trade); err != nil {
		return fmt.Errorf("recording fill for signal %d: %w", sig.ID, err)
	}
	e.notifier.NotifyFill(sig)
	return nil
}

// currentPrice returns the side-normalized mark for the signal's
// market, falling back to the signal's own quote when no fresher one
// exists.
func (e *Executor) currentPrice(sig *database.Signal, asOf time.Time) (decimal.Decimal, error) {
	side := domain.Side(sig.Side)
	quote, err := e.db.LatestQuote(sig.MarketTicker, asOf)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return side.NormalizedPrice(sig.PMkt), nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return side.NormalizedPrice(quote.Mark()), nil
}

// transition applies a status change through the lifecycle table and
// persists the signal. Illegal transitions never touch the row.
func (e *Executor) transition(sig *database.Signal, next domain.SignalStatus) error {
	cur := domain.SignalStatus(sig.Status)
	if err := cur.Transition(next); err != nil {
		return fmt.Errorf("signal %d: %w", sig.ID, err)
	}
	sig.Status = string(next)
	return e.db.SaveSignal(sig)
}

// fail moves the signal to error with the cause recorded, if the
// lifecycle allows it. Already-terminal signals are left untouched.
func (e *Executor) fail(sig *database.Signal, cause error) {
	cur := domain.SignalStatus(sig.Status)
	if cur.Terminal() {
		return
	}
	sig.LastError = cause.Error()
	sig.Status = string(domain.StatusError)
	if err := e.db.SaveSignal(sig); err != nil {
		log.Error().Err(err).Uint("signal_id", sig.ID).Msg("❌ Failed to persist error status")
	}
}
