// Kalshibot - Calibrated EV Trading Engine for Kalshi
//
// Trades binary prediction markets off a historical calibration edge:
//
//  1. Bucket resolved markets by implied probability and measure how
//     often each bucket actually resolved YES
//  2. Score live quotes against the calibrated outcome rate
//  3. Emit signals where the expected value clears the threshold
//  4. Size under layered bankroll caps, execute, and take profit when
//     a position multiplies past the exit factor
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kalshibot/internal/backtest"
	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
	"github.com/web3guy0/kalshibot/internal/engine"
	"github.com/web3guy0/kalshibot/internal/execution"
	"github.com/web3guy0/kalshibot/internal/kalshi"
	"github.com/web3guy0/kalshibot/internal/notify"
)

const version = "1.0.0"

func usage() {
	fmt.Fprintf(os.Stderr, `kalshibot %s

Usage: kalshibot <command> [flags]

Commands:
  run               loop full cycles at an interval (daemon mode)
  pass              run one full cycle (calibrate, generate, execute, exits, snapshot)
  calibrate         rebuild the calibration snapshot from resolved markets
  generate-signals  emit pending EV signals from the latest quotes
  execute-signals   size and execute pending signals
  exit-positions    scan open positions for take-profit exits
  sync-positions    replace local positions with the brokerage portfolio
  snapshot-pnl      write today's equity snapshot
  backtest          replay a threshold strategy over resolved markets
`, version)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command := os.Args[1]

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("mode", string(cfg.ExecutionMode)).
		Str("env", cfg.KalshiEnv).
		Msg("⚡ Kalshibot starting...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	var broker execution.Broker
	if cfg.ExecutionMode == domain.ModeLive {
		client, err := kalshi.NewClient(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Kalshi client")
		}
		broker = client
	}

	notifier, err := notify.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram disabled")
	}

	eng := engine.New(db, cfg, broker, notifier)
	asOf := time.Now().UTC()

	if command == "run" {
		if err := runDaemon(ctx, eng, cfg, os.Args[2:]); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Msg("Daemon stopped")
		}
		return
	}

	if err := run(ctx, command, eng, db, asOf); err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("Command failed")
	}
}

func runDaemon(ctx context.Context, eng *engine.Engine, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	interval := fs.Duration("interval", 5*time.Minute, "time between passes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var fills <-chan kalshi.Fill
	if cfg.ExecutionMode == domain.ModeLive {
		feed := kalshi.NewFillFeed(cfg)
		fills = feed.Subscribe()
		feed.Start(ctx)
	}
	return eng.Run(ctx, *interval, fills)
}

func run(ctx context.Context, command string, eng *engine.Engine, db *database.Database, asOf time.Time) error {
	switch command {
	case "pass":
		return eng.Pass(ctx, asOf)

	case "calibrate":
		return eng.Calibrate(ctx, asOf)

	case "generate-signals":
		n, err := eng.GenerateSignals(ctx, asOf)
		if err != nil {
			return err
		}
		log.Info().Int("signals", n).Msg("✅ Signal generation complete")
		return nil

	case "execute-signals":
		n, err := eng.ExecuteSignals(ctx, asOf)
		if err != nil {
			return err
		}
		log.Info().Int("filled", n).Msg("✅ Execution complete")
		return nil

	case "exit-positions":
		n, err := eng.ProcessExits(ctx, asOf)
		if err != nil {
			return err
		}
		log.Info().Int("closed", n).Msg("✅ Exit scan complete")
		return nil

	case "sync-positions":
		n, err := eng.SyncPortfolio(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("positions", n).Msg("✅ Portfolio synced")
		return nil

	case "snapshot-pnl":
		snap, err := eng.SnapshotPnL(asOf)
		if err != nil {
			return err
		}
		log.Info().
			Str("date", snap.AsOfDate).
			Str("equity", snap.TotalEquity.StringFixed(2)).
			Msg("✅ Snapshot written")
		return nil

	case "backtest":
		return runBacktest(ctx, db, os.Args[2:])

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runBacktest(ctx context.Context, db *database.Database, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	threshold := fs.String("threshold", "0.95", "entry threshold on the YES mark")
	direction := fs.String("direction", "yes", "side to buy: yes or no")
	category := fs.String("category", "", "restrict to one market category")
	bucket := fs.String("expiry-bucket", "", "restrict to short, medium or long expiries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	th, err := decimal.NewFromString(*threshold)
	if err != nil {
		return fmt.Errorf("invalid threshold %q: %w", *threshold, err)
	}

	runner := backtest.NewRunner(db)
	summary, _, err := runner.Run(ctx, backtest.Params{
		Threshold:    th,
		Direction:    domain.Side(*direction),
		Category:     *category,
		ExpiryBucket: domain.ExpiryBucket(*bucket),
	})
	if err != nil {
		return err
	}

	log.Info().
		Int("trades", summary.NumTrades).
		Str("win_rate", summary.WinRate.StringFixed(4)).
		Str("avg_profit", summary.AverageProfit.StringFixed(4)).
		Str("total_profit", summary.TotalProfit.StringFixed(2)).
		Str("max_drawdown", summary.MaxDrawdown.StringFixed(2)).
		Msg("📊 Backtest summary")
	return nil
}
