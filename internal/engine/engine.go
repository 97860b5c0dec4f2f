package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/kalshibot/internal/calibration"
	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
	"github.com/web3guy0/kalshibot/internal/execution"
	"github.com/web3guy0/kalshibot/internal/exits"
	"github.com/web3guy0/kalshibot/internal/kalshi"
	"github.com/web3guy0/kalshibot/internal/ledger"
	"github.com/web3guy0/kalshibot/internal/notify"
	"github.com/web3guy0/kalshibot/internal/risk"
	"github.com/web3guy0/kalshibot/internal/signals"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Single-pass orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// One Pass runs the full cycle in order:
//
//   calibrate → generate → reconcile → execute → exits → snapshot
//
// Stages are isolated: a failing stage is logged and the pass moves
// on, so a calibration hiccup never blocks exits. Every stage reads
// prices as of the same instant.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Engine wires the trading stages together.
type Engine struct {
	db       *database.Database
	cfg      *config.Config
	broker   execution.Broker // nil in simulate mode
	notifier *notify.Notifier // nil when Telegram is unconfigured
}

func New(db *database.Database, cfg *config.Config, broker execution.Broker, notifier *notify.Notifier) *Engine {
	return &Engine{db: db, cfg: cfg, broker: broker, notifier: notifier}
}

// Pass runs every stage once against a single timestamp. Returns the
// first stage error for the exit code; later stages still ran.
func (e *Engine) Pass(ctx context.Context, asOf time.Time) error {
	log.Info().Time("as_of", asOf).Str("mode", string(e.cfg.ExecutionMode)).Msg("🔁 Pass starting")

	var firstErr error
	record := func(stage string, err error) {
		if err == nil {
			return
		}
		log.Error().Err(err).Str("stage", stage).Msg("❌ Stage failed")
		e.notifier.NotifyError(fmt.Errorf("%s: %w", stage, err))
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	record("calibrate", e.Calibrate(ctx, asOf))

	if _, err := e.GenerateSignals(ctx, asOf); err != nil {
		record("generate", err)
	}
	if _, err := e.ExecuteSignals(ctx, asOf); err != nil {
		record("execute", err)
	}
	if _, err := e.ProcessExits(ctx, asOf); err != nil {
		record("exits", err)
	}
	if _, err := e.SnapshotPnL(asOf); err != nil {
		record("snapshot", err)
	}

	log.Info().Time("as_of", asOf).Msg("✅ Pass complete")
	return firstErr
}

// Calibrate rebuilds the extreme-bin calibration snapshot when the
// latest one is older than CalibrationRefreshAge. Too little resolved
// history is expected early on and is not an error.
func (e *Engine) Calibrate(ctx context.Context, asOf time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	latest, err := e.db.LatestCalibrationSnapshot(calibration.ModeExtreme)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if err == nil && asOf.Sub(latest.CreatedAt) < e.cfg.CalibrationRefreshAge {
		log.Debug().
			Time("snapshot_at", latest.CreatedAt).
			Msg("⏭️ Calibration snapshot still fresh")
		return nil
	}
	builder := calibration.NewBuilder(e.db, e.cfg.CalibrationMinResolved, e.cfg.CalibrationMinSamples)
	_, err = builder.Refresh(calibration.ModeExtreme, calibration.ExtremeEdges, asOf)
	if errors.Is(err, domain.ErrInsufficientCalibData) {
		log.Warn().Err(err).Msg("⏭️ Calibration skipped")
		return nil
	}
	return err
}

// GenerateSignals produces pending signals from the latest quotes
// under the current calibration snapshot.
func (e *Engine) GenerateSignals(ctx context.Context, asOf time.Time) (int, error) {
	model, err := calibration.Load(e.db, calibration.ModeExtreme)
	if err != nil {
		return 0, fmt.Errorf("loading calibration: %w", err)
	}
	gen := signals.NewGenerator(e.db, model, e.cfg, e.notifier)
	return gen.Run(ctx, asOf)
}

// ExecuteSignals reconciles sent orders, cancels stale signals, and
// drives pending signals through sizing and execution.
func (e *Engine) ExecuteSignals(ctx context.Context, asOf time.Time) (int, error) {
	sizer := risk.NewSizer(e.db, e.cfg)
	lgr := ledger.New(e.db, e.cfg)
	exec, err := execution.NewExecutor(e.db, e.cfg, sizer, lgr, e.broker, e.notifier)
	if err != nil {
		return 0, err
	}

	if _, err := exec.Reconcile(ctx, asOf); err != nil {
		return 0, err
	}
	if _, err := exec.CancelStaleSignals(asOf); err != nil {
		return 0, err
	}
	return exec.ExecutePending(ctx, asOf)
}

// ProcessExits scans open positions for take-profit closes.
func (e *Engine) ProcessExits(ctx context.Context, asOf time.Time) (int, error) {
	lgr := ledger.New(e.db, e.cfg)
	monitor := exits.NewMonitor(e.db, e.cfg, lgr, e.broker, e.notifier)
	return monitor.Run(ctx, asOf)
}

// SnapshotPnL writes (or rewrites) today's equity snapshot and pushes
// the daily summary.
func (e *Engine) SnapshotPnL(asOf time.Time) (*database.AccountPnlSnapshot, error) {
	lgr := ledger.New(e.db, e.cfg)
	snap, err := lgr.SnapshotDailyPnL(asOf)
	if err != nil {
		return nil, err
	}
	e.notifier.NotifyDailySummary(snap)
	return snap, nil
}

// SyncPortfolio replaces local positions with the brokerage's view.
func (e *Engine) SyncPortfolio(ctx context.Context) (int, error) {
	if e.broker == nil {
		return 0, fmt.Errorf("%w: portfolio sync requires a broker", domain.ErrValidation)
	}
	lgr := ledger.New(e.db, e.cfg)
	return lgr.SyncPortfolio(ctx, e.broker)
}

// Run loops full passes at the given interval until ctx is done.
// Pushed fills from the feed resolve sent signals between passes;
// fills is nil in simulate mode.
func (e *Engine) Run(ctx context.Context, interval time.Duration, fills <-chan kalshi.Fill) error {
	e.notifier.NotifyStartup(string(e.cfg.ExecutionMode), e.cfg.KalshiEnv)

	if err := e.Pass(ctx, time.Now().UTC()); err != nil {
		log.Error().Err(err).Msg("❌ Initial pass failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("👋 Shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := e.Pass(ctx, time.Now().UTC()); err != nil {
				log.Error().Err(err).Msg("❌ Pass failed")
			}
		case fill, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			e.handleFill(fill)
		}
	}
}

func (e *Engine) handleFill(fill kalshi.Fill) {
	sizer := risk.NewSizer(e.db, e.cfg)
	lgr := ledger.New(e.db, e.cfg)
	exec, err := execution.NewExecutor(e.db, e.cfg, sizer, lgr, e.broker, e.notifier)
	if err != nil {
		log.Error().Err(err).Msg("❌ Fill handling unavailable")
		return
	}
	if err := exec.ApplyRemoteFill(fill.OrderID, fill.Price, fill.Count, fill.Timestamp); err != nil {
		log.Error().Err(err).Str("order_id", fill.OrderID).Msg("❌ Failed to apply pushed fill")
	}
}
