package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/kalshibot/internal/domain"
)

// Config holds all configuration for the engine. It is built once per
// process and threaded into each component; nothing reads ambient env
// state mid-pass.
type Config struct {
	// Mode
	ExecutionMode domain.ExecutionMode // simulate | live
	KalshiEnv     string               // demo | live
	Debug         bool

	// Kalshi API credentials (live mode only)
	KalshiAPIKeyID     string
	KalshiAPIKeySecret string

	// Signal generation
	EVThreshold    decimal.Decimal
	MaxSignals     int
	ExpiryHardCap  time.Duration // markets expiring beyond this window are skipped
	StaleSignalAge time.Duration

	// Calibration
	CalibrationBins        int
	CalibrationMinSamples  int           // per-bucket minimum before the bucket is trusted
	CalibrationMinResolved int           // overall minimum before calibration runs at all
	CalibrationRefreshAge  time.Duration // refresh only when the latest snapshot is older

	// Risk caps
	MaxRiskPerTradeUSD      decimal.Decimal
	MaxRiskPerMarketUSD     decimal.Decimal
	MaxRiskTotalUSD         decimal.Decimal
	MaxRiskFractionPerTrade decimal.Decimal
	InitialBankrollUSD      decimal.Decimal

	// Exits
	TakeProfitFactor decimal.Decimal

	// Execution
	OrderTimeout    time.Duration
	OrderMaxRetries int

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	mode := domain.ExecutionMode(getEnv("EXECUTION_MODE", string(domain.ModeSimulate)))
	if mode != domain.ModeSimulate && mode != domain.ModeLive {
		return nil, fmt.Errorf("EXECUTION_MODE must be 'simulate' or 'live', got %q", mode)
	}

	env := getEnv("KALSHI_ENV", "demo")
	if env == "sandbox" {
		env = "demo"
	}
	if env != "demo" && env != "live" {
		return nil, fmt.Errorf("KALSHI_ENV must be 'demo' or 'live', got %q", env)
	}

	cfg := &Config{
		ExecutionMode: mode,
		KalshiEnv:     env,
		Debug:         getEnvBool("DEBUG", false),

		KalshiAPIKeyID:     os.Getenv("KALSHI_API_KEY_ID"),
		KalshiAPIKeySecret: os.Getenv("KALSHI_API_KEY_SECRET"),

		EVThreshold:    getEnvDecimal("EV_THRESHOLD", decimal.NewFromFloat(0.02)),
		MaxSignals:     getEnvInt("MAX_SIGNALS_PER_PASS", 100),
		ExpiryHardCap:  getEnvDuration("EXPIRY_HARD_CAP", 24*time.Hour),
		StaleSignalAge: getEnvDuration("STALE_SIGNAL_AGE", 10*time.Minute),

		CalibrationBins:        getEnvInt("CALIBRATION_BINS", 10),
		CalibrationMinSamples:  getEnvInt("CALIBRATION_MIN_SAMPLES", 20),
		CalibrationMinResolved: getEnvInt("CALIBRATION_MIN_RESOLVED", 100),
		CalibrationRefreshAge:  getEnvDuration("CALIBRATION_REFRESH_AGE", 6*time.Hour),

		MaxRiskPerTradeUSD:      getEnvDecimal("MAX_RISK_PER_TRADE_USD", decimal.NewFromInt(10)),
		MaxRiskPerMarketUSD:     getEnvDecimal("MAX_RISK_PER_MARKET_USD", decimal.NewFromInt(50)),
		MaxRiskTotalUSD:         getEnvDecimal("MAX_RISK_TOTAL_USD", decimal.NewFromInt(200)),
		MaxRiskFractionPerTrade: getEnvDecimal("MAX_RISK_FRACTION_PER_TRADE", decimal.NewFromFloat(0.03)),
		InitialBankrollUSD:      getEnvDecimal("INITIAL_BANKROLL_USD", decimal.NewFromInt(1000)),

		TakeProfitFactor: getEnvDecimal("TAKE_PROFIT_FACTOR", decimal.NewFromInt(4)),

		OrderTimeout:    getEnvDuration("ORDER_TIMEOUT", 10*time.Second),
		OrderMaxRetries: getEnvInt("ORDER_MAX_RETRIES", 3),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/kalshibot.db"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if mode == domain.ModeLive && (cfg.KalshiAPIKeyID == "" || cfg.KalshiAPIKeySecret == "") {
		return nil, fmt.Errorf("KALSHI_API_KEY_ID and KALSHI_API_KEY_SECRET are required in live mode")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
